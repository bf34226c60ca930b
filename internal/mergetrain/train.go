package mergetrain

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/git"
	"github.com/simplesurance/mergetrain/internal/logfields"
)

const loggerName = "mergetrain"

// MergeOutcome is the result of merging a change.
type MergeOutcome uint8

const (
	MergeOutcomeUndefined MergeOutcome = iota
	MergeOutcomeApplied
	MergeOutcomeRejected
)

var mergeOutcomeStr = [...]string{
	MergeOutcomeUndefined: "undefined",
	MergeOutcomeApplied:   "applied",
	MergeOutcomeRejected:  "rejected",
}

func (m MergeOutcome) String() string {
	if int(m) > len(mergeOutcomeStr)-1 {
		return fmt.Sprintf("unsupported MergeOutcome value: %d", m)
	}

	return mergeOutcomeStr[m]
}

// MergeResult is the result of merging a change into the working copy.
type MergeResult struct {
	Change  *Change
	Outcome MergeOutcome

	// HeadCommit is the commit of the change that was merged.
	HeadCommit        string
	AbbreviatedCommit string
	// MergeCommit is HEAD after merging the change, only set when
	// the change was applied.
	MergeCommit string
	// Reason contains the diagnostic output of the engine when the
	// change was rejected.
	Reason string
}

// RunResult describes the outcome of a Train run.
type RunResult struct {
	BaseCommit                string
	BaseVersion               string
	PreviousIntegrationCommit string

	// Results contains a MergeResult per change in merge order.
	Results []*MergeResult
	// Parents are the parents of the integration commit.
	Parents []string
	Tree    string

	// Published is true when a new integration commit was created.
	Published bool
	// Commit is the head of the integration branch after the run.
	Commit  string
	Message string
	Version string
	Pushed  bool
}

func filterByOutcome(results []*MergeResult, outcome MergeOutcome) []*MergeResult {
	var result []*MergeResult

	for _, mr := range results {
		if mr.Outcome == outcome {
			result = append(result, mr)
		}
	}

	return result
}

// Applied returns the results of the changes that were merged.
func (r *RunResult) Applied() []*MergeResult {
	return filterByOutcome(r.Results, MergeOutcomeApplied)
}

// Rejected returns the results of the changes that could not be merged.
func (r *RunResult) Rejected() []*MergeResult {
	return filterByOutcome(r.Results, MergeOutcomeRejected)
}

// TrainConfig configures a Train.
type TrainConfig struct {
	RemoteURL         string
	BaseBranch        string
	IntegrationBranch string
	DescribeOptions   []string
	// Author is the author and committer of integration commits.
	Author    git.Signature
	Templates *Templates
}

// Train merges changes into the base branch and publishes the result on the
// integration branch.
type Train struct {
	engine Engine
	cfg    TrainConfig
	logger *zap.Logger
}

// NewTrain returns a Train that operates on engine.
// If cfg.Templates is nil, the default templates are used.
func NewTrain(engine Engine, cfg *TrainConfig) *Train {
	t := Train{
		engine: engine,
		cfg:    *cfg,
		logger: zap.L().Named(loggerName).With(
			logfields.BaseBranch(cfg.BaseBranch),
			zap.String("git.integration_branch", cfg.IntegrationBranch),
		),
	}

	if t.cfg.Templates == nil {
		t.cfg.Templates = DefaultTemplates()
	}

	return &t
}

// runState is the state of the integration during a single run.
type runState struct {
	// parents are the parents of the integration commit:
	// the previous integration head, the base head and the heads of
	// all applied changes in merge order.
	parents []string
	results []*MergeResult
}

func (s *runState) applied() []*MergeResult {
	return filterByOutcome(s.results, MergeOutcomeApplied)
}

// Run merges the changes in the passed order.
// Changes that can not be merged are skipped.
// If the merged result differs from the tree of the integration branch, a
// new commit is created and pushed to the integration branch.
// When an error is returned, the returned RunResult contains the
// information that was gathered until the error happened.
func (t *Train) Run(ctx context.Context, changes []*Change) (*RunResult, error) {
	var result RunResult

	if err := t.prepareRepository(ctx); err != nil {
		return &result, fmt.Errorf("preparing repository failed: %w", err)
	}

	integrationTree, err := t.resolveBases(ctx, &result)
	if err != nil {
		return &result, err
	}

	state := runState{
		parents: []string{result.PreviousIntegrationCommit, result.BaseCommit},
	}

	err = t.applyChanges(ctx, &state, changes)
	result.Results = state.results
	result.Parents = state.parents
	if err != nil {
		return &result, err
	}

	result.Tree, err = t.engine.TreeOf(ctx, "HEAD")
	if err != nil {
		return &result, fmt.Errorf("retrieving tree of merge result failed: %w", err)
	}

	if result.Tree == integrationTree {
		t.logger.Info(
			"merge result is identical to integration branch, skipping publishing",
			logfields.Event("integration_unchanged"),
			logfields.Commit(result.PreviousIntegrationCommit),
		)

		return &result, t.skip(ctx, &result)
	}

	return &result, t.publish(ctx, &state, &result)
}

func (t *Train) prepareRepository(ctx context.Context) error {
	if err := t.engine.EnsureRepository(ctx, t.cfg.RemoteURL); err != nil {
		return err
	}

	if err := t.engine.FetchAll(ctx); err != nil {
		return fmt.Errorf("fetching failed: %w", err)
	}

	if err := t.engine.ResetHard(ctx); err != nil {
		return err
	}

	if err := t.engine.CleanUntracked(ctx); err != nil {
		return err
	}

	t.logger.Debug("repository prepared", logfields.Event("repository_prepared"))

	return nil
}

// resolveBases records the heads of the base and integration branch in
// result, checks out the base branch and returns the tree of the
// integration branch.
func (t *Train) resolveBases(ctx context.Context, result *RunResult) (string, error) {
	var err error

	result.BaseCommit, err = t.engine.ResolveRef(ctx, t.cfg.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("resolving base branch %q failed: %w", t.cfg.BaseBranch, err)
	}

	result.PreviousIntegrationCommit, err = t.engine.ResolveRef(ctx, t.cfg.IntegrationBranch)
	if err != nil {
		return "", fmt.Errorf("resolving integration branch %q failed: %w", t.cfg.IntegrationBranch, err)
	}

	integrationTree, err := t.engine.TreeOf(ctx, result.PreviousIntegrationCommit)
	if err != nil {
		return "", fmt.Errorf("retrieving tree of integration branch failed: %w", err)
	}

	if err := t.engine.CheckoutDetached(ctx, result.BaseCommit); err != nil {
		return "", fmt.Errorf("checking out base branch failed: %w", err)
	}

	result.BaseVersion, err = t.engine.Describe(ctx, t.cfg.DescribeOptions)
	if err != nil {
		return "", fmt.Errorf("describing base branch failed: %w", err)
	}

	t.logger.Info(
		"base branch checked out",
		logfields.Event("base_branch_checked_out"),
		logfields.Commit(result.BaseCommit),
		zap.String("version", result.BaseVersion),
		zap.String("git.integration_commit", result.PreviousIntegrationCommit),
	)

	return integrationTree, nil
}

func (t *Train) applyChanges(ctx context.Context, state *runState, changes []*Change) error {
	for _, change := range changes {
		mr, err := t.apply(ctx, change)
		if err != nil {
			return fmt.Errorf("merging pull request #%d failed: %w", change.Number, err)
		}

		state.results = append(state.results, mr)
		metrics.MergeAttemptInc(mr.Outcome)

		if mr.Outcome != MergeOutcomeApplied {
			continue
		}

		// a head that is already a parent was merged without changes,
		// listing it twice would create a commit with duplicate parents
		if slices.Contains(state.parents, mr.HeadCommit) {
			t.logger.Debug(
				"pull request head is already a parent of the integration commit",
				append(change.LogFields(),
					logfields.Event("pull_request_head_already_parent"),
					logfields.Commit(mr.HeadCommit),
				)...,
			)
			continue
		}

		state.parents = append(state.parents, mr.HeadCommit)
	}

	return nil
}

// apply merges a change into HEAD. If the merge fails, the working copy is
// restored and a MergeResult with outcome MergeOutcomeRejected is returned.
func (t *Train) apply(ctx context.Context, change *Change) (*MergeResult, error) {
	logger := t.logger.With(change.LogFields()...)

	head, err := t.engine.ResolveRef(ctx, change.EngineRef())
	if err != nil {
		return nil, err
	}

	logger = logger.With(logfields.Commit(head))

	abbrev, err := t.engine.AbbreviatedCommit(ctx, head)
	if err != nil {
		return nil, err
	}

	result := MergeResult{
		Change:            change,
		HeadCommit:        head,
		AbbreviatedCommit: abbrev,
	}

	err = t.engine.MergeInto(ctx, head)
	if err != nil {
		var conflictErr *git.MergeConflictError
		if !errors.As(err, &conflictErr) {
			return nil, err
		}

		logger.Info(
			"merging pull request failed, skipping it",
			logfields.Event("pull_request_merge_rejected"),
			zap.String("output", conflictErr.Output),
		)

		result.Outcome = MergeOutcomeRejected
		result.Reason = conflictErr.Output

		if err := t.engine.ResetHard(ctx); err != nil {
			return nil, fmt.Errorf("resetting working copy after failed merge failed: %w", err)
		}

		if err := t.engine.CleanUntracked(ctx); err != nil {
			return nil, fmt.Errorf("cleaning working copy after failed merge failed: %w", err)
		}

		return &result, nil
	}

	result.Outcome = MergeOutcomeApplied

	result.MergeCommit, err = t.engine.ResolveRef(ctx, "HEAD")
	if err != nil {
		return nil, err
	}

	logger.Info(
		"pull request merged",
		logfields.Event("pull_request_merged"),
		zap.String("git.merge_commit", result.MergeCommit),
	)

	return &result, nil
}

func (t *Train) version(ctx context.Context, commit string) (string, error) {
	describe, err := t.engine.Describe(ctx, t.cfg.DescribeOptions)
	if err != nil {
		return "", err
	}

	date, err := t.engine.CommitDate(ctx, commit)
	if err != nil {
		return "", err
	}

	abbrev, err := t.engine.AbbreviatedCommit(ctx, commit)
	if err != nil {
		return "", err
	}

	return t.cfg.Templates.Version(&VersionData{
		Describe:          describe,
		CommitDate:        date.UTC(),
		Commit:            commit,
		AbbreviatedCommit: abbrev,
	})
}

func (t *Train) message(state *runState, result *RunResult) (string, error) {
	applied := state.applied()
	lines := make([]string, 0, len(applied))

	for _, mr := range applied {
		line, err := t.cfg.Templates.Change(&ChangeData{
			Number:            mr.Change.Number,
			Title:             mr.Change.Title,
			Author:            mr.Change.Author,
			URL:               mr.Change.URL,
			HeadRef:           mr.Change.HeadRef,
			AbbreviatedCommit: mr.AbbreviatedCommit,
			HeadCommit:        mr.HeadCommit,
		})
		if err != nil {
			return "", err
		}

		lines = append(lines, line)
	}

	return t.cfg.Templates.Message(&MessageData{
		BaseVersion:       result.BaseVersion,
		Count:             len(applied),
		Changes:           lines,
		BaseBranch:        t.cfg.BaseBranch,
		IntegrationBranch: t.cfg.IntegrationBranch,
	})
}

func (t *Train) publish(ctx context.Context, state *runState, result *RunResult) error {
	var err error

	result.Message, err = t.message(state, result)
	if err != nil {
		return err
	}

	commit, err := t.engine.CommitTree(ctx, t.cfg.Author, result.Tree, state.parents, result.Message)
	if err != nil {
		return fmt.Errorf("creating integration commit failed: %w", err)
	}

	logger := t.logger.With(logfields.Commit(commit))

	logger.Debug(
		"integration commit created",
		logfields.Event("integration_commit_created"),
		zap.Strings("parents", state.parents),
	)

	if err := t.engine.SetBranchRef(ctx, t.cfg.IntegrationBranch, commit); err != nil {
		return fmt.Errorf("updating integration branch failed: %w", err)
	}

	if err := t.engine.CheckoutBranch(ctx, t.cfg.IntegrationBranch); err != nil {
		return fmt.Errorf("checking out integration branch failed: %w", err)
	}

	result.Published = true
	result.Commit = commit

	result.Version, err = t.version(ctx, commit)
	if err != nil {
		return fmt.Errorf("evaluating version of integration commit failed: %w", err)
	}

	logger = logger.With(zap.String("version", result.Version))

	if err := t.engine.Push(ctx, t.cfg.IntegrationBranch); err != nil {
		return fmt.Errorf("pushing integration branch failed: %w", err)
	}

	result.Pushed = true

	logger.Info(
		"integration branch updated",
		logfields.Event("integration_branch_pushed"),
		zap.Int("merged_pull_requests", len(state.applied())),
	)

	return nil
}

func (t *Train) skip(ctx context.Context, result *RunResult) error {
	if err := t.engine.CheckoutBranch(ctx, t.cfg.IntegrationBranch); err != nil {
		return fmt.Errorf("checking out integration branch failed: %w", err)
	}

	result.Commit = result.PreviousIntegrationCommit

	var err error
	result.Version, err = t.version(ctx, result.Commit)
	if err != nil {
		return fmt.Errorf("evaluating version of integration branch failed: %w", err)
	}

	return nil
}
