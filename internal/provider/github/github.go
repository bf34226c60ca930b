// Package github receives GitHub webhook events and requests merge train runs
// for events that can change the integration result.
package github

import (
	"net/http"
	"strings"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/logfields"
)

const loggerName = "github-event-provider"

// pullRequestActions are the actions of pull_request events that can
// change the eligibility, the order or the head commit of a pull request.
var pullRequestActions = map[string]struct{}{
	"opened":             {},
	"reopened":           {},
	"closed":             {},
	"synchronize":        {},
	"edited":             {},
	"labeled":            {},
	"unlabeled":          {},
	"ready_for_review":   {},
	"converted_to_draft": {},
}

// Provider listens for github-webhook http-requests at a http-server handler,
// validates them and sends a trigger when a run is required.
// Triggers are coalesced: if a trigger is pending, no further one is sent.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	repository    string
	baseRef       string
	trigger       chan<- struct{}
}

type Option func(*Provider)

func WithPayloadSecret(secret string) Option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// New returns a Provider for events of the repository owner/repo.
// trigger should be buffered, sending on it never blocks.
func New(trigger chan<- struct{}, owner, repo, baseBranch string, opts ...Option) *Provider {
	p := Provider{
		logger:     zap.L().Named(loggerName),
		repository: owner + "/" + repo,
		baseRef:    "refs/heads/" + baseBranch,
		trigger:    trigger,
	}

	for _, o := range opts {
		o(&p)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logger.With(
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	logger.Debug(
		"received github event",
		logfields.Event("github_event_received"),
		zap.ByteString("http_body", payload),
	)

	var reason string

	switch event := event.(type) {
	case *github.PullRequestEvent:
		if !p.isRepository(event.GetRepo().GetFullName()) {
			break
		}

		if _, exists := pullRequestActions[event.GetAction()]; !exists {
			break
		}

		logger = logger.With(logfields.PullRequest(event.GetNumber()))
		reason = "pull request " + event.GetAction()

	case *github.PushEvent:
		if !p.isRepository(event.GetRepo().GetFullName()) {
			break
		}

		if event.GetRef() != p.baseRef {
			break
		}

		logger = logger.With(logfields.Commit(event.GetAfter()))
		reason = "base branch updated"
	}

	if reason == "" {
		logger.Debug(
			"ignoring event, it does not affect the merge train",
			logfields.Event("github_event_ignored"),
		)
		return
	}

	logger = logger.With(zap.String("reason", reason))

	select {
	case p.trigger <- struct{}{}:
		logger.Info(
			"merge train run triggered",
			logfields.Event("run_triggered"),
		)

	default:
		logger.Debug(
			"merge train run is already pending",
			logfields.Event("run_trigger_coalesced"),
		)
	}
}

// isRepository returns true if fullName refers to the repository of the
// Provider. GitHub repository names are case-insensitive.
func (p *Provider) isRepository(fullName string) bool {
	return strings.EqualFold(fullName, p.repository)
}
