// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/mergetrain/internal/logfields"
	"github.com/simplesurance/mergetrain/internal/trainerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

const pageSize = 100

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return an error wrapping a trainerr.RetryableError when the
// operation failed temporarily.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// TeamMember is a member of a GitHub organization team.
type TeamMember struct {
	Login string
	Name  string
	URL   string
}

// PullRequest is an open GitHub pull request.
type PullRequest struct {
	Number      int
	Title       string
	URL         string
	AuthorLogin string
	AuthorURL   string
	HeadRefName string
	HeadRefOid  string
	BaseRefName string
	IsDraft     bool
	Labels      []string
	CreatedAt   time.Time
}

// ListTeamMembers returns all members of the team with the slug team in the
// organization org.
func (clt *Client) ListTeamMembers(ctx context.Context, org, team string) ([]*TeamMember, error) {
	var result []*TeamMember

	opts := github.TeamListTeamMembersOptions{
		ListOptions: github.ListOptions{Page: 1, PerPage: pageSize},
	}

	for {
		users, resp, err := clt.restClt.Teams.ListTeamMembersBySlug(ctx, org, team, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, u := range users {
			result = append(result, &TeamMember{
				Login: u.GetLogin(),
				Name:  u.GetName(),
				URL:   u.GetHTMLURL(),
			})
		}

		if resp.NextPage == 0 || len(users) == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	clt.logger.Debug(
		"retrieved team members",
		logfields.Event("github_team_members_retrieved"),
		logfields.RepositoryOwner(org),
		logfields.Team(team),
		zap.Int("count", len(result)),
	)

	return result, nil
}

type queryPullRequest struct {
	Number      int
	Title       string
	URL         string `graphql:"url"`
	IsDraft     bool
	HeadRefName string
	HeadRefOid  string `graphql:"headRefOid"`
	BaseRefName string
	CreatedAt   githubv4.DateTime
	Author      struct {
		Login string
		URL   string `graphql:"url"`
	}
	Labels struct {
		Nodes []struct {
			Name string
		}
	} `graphql:"labels(first: 100)"`
}

type queryOpenPullRequests struct {
	Repository struct {
		PullRequests struct {
			Nodes    []*queryPullRequest
			PageInfo struct {
				EndCursor   githubv4.String
				HasNextPage bool
			}
		} `graphql:"pullRequests(states: OPEN, first: 100, after: $cursor, orderBy: {field: CREATED_AT, direction: ASC})"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

func (pr *queryPullRequest) toPullRequest() *PullRequest {
	labels := make([]string, 0, len(pr.Labels.Nodes))
	for _, l := range pr.Labels.Nodes {
		labels = append(labels, l.Name)
	}

	return &PullRequest{
		Number:      pr.Number,
		Title:       pr.Title,
		URL:         pr.URL,
		AuthorLogin: pr.Author.Login,
		AuthorURL:   pr.Author.URL,
		HeadRefName: pr.HeadRefName,
		HeadRefOid:  pr.HeadRefOid,
		BaseRefName: pr.BaseRefName,
		IsDraft:     pr.IsDraft,
		Labels:      labels,
		CreatedAt:   pr.CreatedAt.Time,
	}
}

// ListOpenPullRequests returns all open pull requests of the repository,
// ordered by their creation time.
func (clt *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	var result []*PullRequest

	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"cursor": (*githubv4.String)(nil),
	}

	for {
		var q queryOpenPullRequests

		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			return nil, clt.wrapGraphQLRetryableErrors(err)
		}

		for _, pr := range q.Repository.PullRequests.Nodes {
			if pr == nil {
				continue
			}

			result = append(result, pr.toPullRequest())
		}

		pageInfo := q.Repository.PullRequests.PageInfo
		if !pageInfo.HasNextPage {
			break
		}

		if pageInfo.EndCursor == "" {
			return nil, errors.New("github returned a page with hasNextPage set and an empty endCursor")
		}

		cursor := pageInfo.EndCursor
		vars["cursor"] = &cursor
	}

	clt.logger.Debug(
		"retrieved open pull requests",
		logfields.Event("github_open_pull_requests_retrieved"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		zap.Int("count", len(result)),
	)

	return result, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return trainerr.RateLimited(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return trainerr.RateLimited(err, time.Now().Add(*v.RetryAfter))
		}

		return trainerr.RateLimited(err, time.Time{})

	case *github.ErrorResponse:
		if v.Response != nil {
			return trainerr.FromHTTPStatus(err, v.Response.StatusCode)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			logfields.Event("github_graphql_error_parsing_failed"),
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	return trainerr.FromHTTPStatus(err, errcode)
}
