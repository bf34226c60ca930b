package mergetrain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/githubclt"
	"github.com/simplesurance/mergetrain/internal/logfields"
)

//go:generate mockgen -destination=mocks/mock_changesource.go -package=mocks . ChangeSource

// ChangeSource provides the team members and open pull requests from GitHub.
type ChangeSource interface {
	ListTeamMembers(ctx context.Context, org, team string) ([]*githubclt.TeamMember, error)
	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*githubclt.PullRequest, error)
}

// Retryer runs fn until it succeeds or fails permanently.
type Retryer interface {
	Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Organization string
	Team         string
	Repository   string
	IncludeLabel string
	ExcludeLabel string
	// Filter is optional, changes that do not match are not eligible.
	Filter *ChangeFilter
	// DryRun is only used to annotate the Report.
	DryRun bool
}

// Runner retrieves the open pull requests, selects and orders the eligible
// ones and passes them to a Train.
type Runner struct {
	source  ChangeSource
	retryer Retryer
	train   *Train
	cfg     RunnerConfig
	logger  *zap.Logger

	runID atomic.Uint64
}

func NewRunner(source ChangeSource, retryer Retryer, train *Train, cfg *RunnerConfig) *Runner {
	return &Runner{
		source:  source,
		retryer: retryer,
		train:   train,
		cfg:     *cfg,
		logger: zap.L().Named(loggerName).With(
			logfields.RepositoryOwner(cfg.Organization),
			logfields.Repository(cfg.Repository),
		),
	}
}

// Run executes one merge train run.
// The returned Report is never nil, when an error is returned it contains
// the information gathered until the error happened.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	logger := r.logger.With(logfields.RunID(r.runID.Add(1)))

	logger.Info("merge train run started", logfields.Event("run_started"))

	start := time.Now()
	report, err := r.run(ctx, logger)
	duration := time.Since(start)

	metrics.RunFinished(report.Result, duration, err)

	if err != nil {
		logger.Error(
			"merge train run failed",
			logfields.Event("run_failed"),
			zap.Duration("duration", duration),
			zap.Error(err),
		)

		return report, err
	}

	logger.Info(
		"merge train run finished",
		logfields.Event("run_finished"),
		zap.Duration("duration", duration),
		zap.Int("merged_pull_requests", len(report.Result.Applied())),
		zap.Int("rejected_pull_requests", len(report.Result.Rejected())),
		zap.Bool("published", report.Result.Published),
	)

	return report, nil
}

func (r *Runner) run(ctx context.Context, logger *zap.Logger) (*Report, error) {
	report := Report{
		Organization: r.cfg.Organization,
		Team:         r.cfg.Team,
		Repository:   r.cfg.Repository,
		DryRun:       r.cfg.DryRun,
	}

	var members []*githubclt.TeamMember
	err := r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		members, err = r.source.ListTeamMembers(ctx, r.cfg.Organization, r.cfg.Team)
		return err
	}, []zap.Field{logfields.Team(r.cfg.Team)})
	if err != nil {
		return &report, fmt.Errorf("listing members of team %s failed: %w", r.cfg.Team, err)
	}

	memberSet := NewMemberSet(members)
	for _, m := range members {
		report.Members = append(report.Members, m.Login)
	}

	var prs []*githubclt.PullRequest
	err = r.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		prs, err = r.source.ListOpenPullRequests(ctx, r.cfg.Organization, r.cfg.Repository)
		return err
	}, nil)
	if err != nil {
		return &report, fmt.Errorf("listing open pull requests failed: %w", err)
	}

	eligible := make([]*Change, 0, len(prs))

	for _, pr := range prs {
		change := NewChange(pr)
		candidate := Candidate{Change: change}

		if r.cfg.Filter != nil {
			match, err := r.cfg.Filter.Match(ctx, change)
			if err != nil {
				return &report, fmt.Errorf("evaluating change filter for pull request #%d failed: %w", change.Number, err)
			}

			candidate.FilteredOut = !match
		}

		if !candidate.FilteredOut {
			candidate.Eligible = Eligible(change, memberSet, r.cfg.IncludeLabel, r.cfg.ExcludeLabel)
		}

		logger.Debug(
			"evaluated eligibility of pull request",
			append(change.LogFields(),
				logfields.Event("pull_request_eligibility_evaluated"),
				zap.Bool("filtered_out", candidate.FilteredOut),
				zap.Bool("eligible", candidate.Eligible),
			)...,
		)

		report.Candidates = append(report.Candidates, &candidate)

		if candidate.Eligible {
			eligible = append(eligible, change)
		}
	}

	SortForMerge(eligible, r.cfg.IncludeLabel)
	report.MergeOrder = eligible

	report.Result, err = r.train.Run(ctx, eligible)
	if err != nil {
		return &report, err
	}

	return &report, nil
}
