// Package git operates on a local git working copy.
// Porcelain operations (fetch, checkout, merge, push, ...) are run via the git
// command line client, commit objects are read and written with go-git.
package git

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/logfields"
	"github.com/simplesurance/mergetrain/internal/stringutils"
)

const loggerName = "git"

const remoteName = "origin"

const censored = "**hidden**"

// Repository is a git working copy in a local directory.
// It is not safe for concurrent use.
type Repository struct {
	dir       string
	gitBinary string
	env       []string

	// authConfig is passed via -c to commands that communicate with the
	// remote repository.
	authConfig string
	secret     string

	logger *zap.Logger
}

// Option is a functional option for New.
type Option func(*Repository)

// WithIdentity sets the author and committer of commits that git creates,
// e.g. when merging.
func WithIdentity(sig Signature) Option {
	return func(r *Repository) {
		r.env = append(r.env, sig.Env()...)
	}
}

// WithAuthToken authenticates fetch and push operations to a GitHub
// https remote with the given token.
// The token is passed as HTTP header and not stored in the repository
// configuration.
func WithAuthToken(token string) Option {
	return func(r *Repository) {
		if token == "" {
			return
		}

		r.secret = base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
		r.authConfig = "http.extraheader=AUTHORIZATION: basic " + r.secret
	}
}

// WithGitBinary sets the path of the git executable.
func WithGitBinary(path string) Option {
	return func(r *Repository) {
		r.gitBinary = path
	}
}

// New returns a Repository for the working copy in dir.
// The directory does not have to exist, it is created by EnsureRepository().
func New(dir string, opts ...Option) *Repository {
	r := Repository{
		dir:       dir,
		gitBinary: "git",
		env:       []string{"GIT_TERMINAL_PROMPT=0"},
	}

	for _, o := range opts {
		o(&r)
	}

	r.logger = zap.L().Named(loggerName).With(logfields.WorkingDir(dir))

	return &r
}

// Dir returns the path of the working copy.
func (r *Repository) Dir() string {
	return r.dir
}

func (r *Repository) censor(args []string) []string {
	if r.secret == "" {
		return args
	}

	result := make([]string, 0, len(args))
	for _, arg := range args {
		result = append(result, strings.ReplaceAll(arg, r.secret, censored))
	}

	return result
}

type cmdOutput struct {
	stdout string
	stderr string
}

// run executes git with args in the working directory.
// If git terminates with an exit code != 0 a *CommandError is returned.
func (r *Repository) run(ctx context.Context, args ...string) (*cmdOutput, error) {
	return r.runWithConfig(ctx, "", args...)
}

func (r *Repository) runRemote(ctx context.Context, args ...string) (*cmdOutput, error) {
	return r.runWithConfig(ctx, r.authConfig, args...)
}

func (r *Repository) runWithConfig(ctx context.Context, config string, args ...string) (*cmdOutput, error) {
	allArgs := make([]string, 0, len(args)+3)
	allArgs = append(allArgs, "--no-pager")
	if config != "" {
		allArgs = append(allArgs, "-c", config)
	}
	allArgs = append(allArgs, args...)

	logArgs := r.censor(allArgs)
	logger := r.logger.With(zap.Strings("git_args", logArgs))

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, r.gitBinary, allArgs...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running git command", logfields.Event("git_command_running"))

	start := time.Now()
	err := cmd.Run()
	out := cmdOutput{stdout: stdout.String(), stderr: stderr.String()}

	logger = logger.With(zap.Duration("duration", time.Since(start)))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("git %s: %w", strings.Join(logArgs, " "), ctxErr)
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running git %s failed: %w", strings.Join(logArgs, " "), err)
		}

		cmdErr := CommandError{
			Args:     logArgs,
			ExitCode: exitErr.ExitCode(),
			Stdout:   r.censorString(out.stdout),
			Stderr:   r.censorString(out.stderr),
			Err:      err,
		}

		logger.Debug(
			"git command failed",
			logfields.Event("git_command_failed"),
			zap.Int("exit_code", cmdErr.ExitCode),
			zap.String("output", cmdErr.Output()),
		)

		return nil, &cmdErr
	}

	logger.Debug(
		"git command finished",
		logfields.Event("git_command_finished"),
		zap.String("stdout", out.stdout),
		zap.String("stderr", out.stderr),
	)

	return &out, nil
}

func (r *Repository) censorString(s string) string {
	if r.secret == "" {
		return s
	}

	return strings.ReplaceAll(s, r.secret, censored)
}

// open opens the repository with go-git.
// The repository is opened for every operation because git commands create
// new packfiles and refs that go-git instances do not pick up.
func (r *Repository) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(r.dir)
	if err != nil {
		return nil, fmt.Errorf("opening git repository %s failed: %w", r.dir, err)
	}

	return repo, nil
}

// EnsureRepository creates a git repository in the working directory with
// remoteURL as origin, if it does not exist.
// All refs of the remote are mirrored to the local repository when fetching.
func (r *Repository) EnsureRepository(ctx context.Context, remoteURL string) error {
	_, err := os.Stat(filepath.Join(r.dir, ".git"))
	if err == nil {
		return nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	r.logger.Info(
		"creating repository",
		logfields.Event("git_repository_creating"),
		zap.String("remote_url", r.censorString(remoteURL)),
	)

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating working directory failed: %w", err)
	}

	if _, err := r.run(ctx, "init", "--quiet"); err != nil {
		return err
	}

	if _, err := r.run(ctx, "remote", "add", remoteName, remoteURL); err != nil {
		return err
	}

	if _, err := r.run(ctx, "config", "remote."+remoteName+".fetch", "+refs/*:refs/*"); err != nil {
		return err
	}

	return nil
}

// FetchAll updates all references from the remote repository.
func (r *Repository) FetchAll(ctx context.Context) error {
	_, err := r.runRemote(ctx, "fetch", "--quiet", "--update-head-ok", remoteName)
	return err
}

// ResolveRef returns the commit ID that name refers to.
func (r *Repository) ResolveRef(_ context.Context, name string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}

	hash, err := resolveCommit(repo, name)
	if err != nil {
		return "", err
	}

	return hash.String(), nil
}

func resolveCommit(repo *gogit.Repository, name string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		return plumbing.ZeroHash, &RefNotFoundError{Ref: name, Err: err}
	}

	return *hash, nil
}

func (r *Repository) commitObject(name string) (*object.Commit, error) {
	repo, err := r.open()
	if err != nil {
		return nil, err
	}

	hash, err := resolveCommit(repo, name)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, &RefNotFoundError{Ref: name, Err: err}
	}

	return commit, nil
}

// TreeOf returns the ID of the tree object of the commit ref refers to.
func (r *Repository) TreeOf(_ context.Context, ref string) (string, error) {
	commit, err := r.commitObject(ref)
	if err != nil {
		return "", err
	}

	return commit.TreeHash.String(), nil
}

// CommitDate returns the author date of the commit.
func (r *Repository) CommitDate(_ context.Context, ref string) (time.Time, error) {
	commit, err := r.commitObject(ref)
	if err != nil {
		return time.Time{}, err
	}

	return commit.Author.When, nil
}

// AbbreviatedCommit returns the shortest unique abbreviation of the commit ID
// ref refers to.
func (r *Repository) AbbreviatedCommit(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "log", "--format=%h", "-1", ref, "--")
	if err != nil {
		return "", &RefNotFoundError{Ref: ref, Err: err}
	}

	abbrev := stringutils.FirstLine(out.stdout)
	if abbrev == "" {
		return "", &RefNotFoundError{Ref: ref}
	}

	return abbrev, nil
}

// CheckoutDetached checks out ref without attaching HEAD to a branch.
func (r *Repository) CheckoutDetached(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", "--quiet", "--detach", ref)
	return err
}

// CheckoutBranch checks out the local branch.
func (r *Repository) CheckoutBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "checkout", "--quiet", branch)
	return err
}

// ResetHard discards all changes in the index and the working tree.
// In a repository without commits it does nothing.
func (r *Repository) ResetHard(ctx context.Context) error {
	if _, err := r.ResolveRef(ctx, "HEAD"); err != nil {
		var refErr *RefNotFoundError
		if errors.As(err, &refErr) {
			r.logger.Debug(
				"skipping reset, HEAD does not point to a commit",
				logfields.Event("git_reset_skipped"),
			)
			return nil
		}

		return err
	}

	_, err := r.run(ctx, "reset", "--quiet", "--hard")
	return err
}

// CleanUntracked removes all untracked files including ignored ones.
func (r *Repository) CleanUntracked(ctx context.Context) error {
	_, err := r.run(ctx, "clean", "--force", "-d", "-x", "--quiet")
	return err
}

// MergeInto merges ref into the current HEAD, a merge commit is always
// created. Whitespace changes are ignored.
// If the merge fails a *MergeConflictError is returned, the working copy must
// be reset afterwards.
func (r *Repository) MergeInto(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "merge", "--quiet", "--no-edit", "--no-ff", "-Xignore-space-change", ref)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return &MergeConflictError{
				Ref:    ref,
				Output: cmdErr.Output(),
				Err:    err,
			}
		}

		return err
	}

	return nil
}

// Describe runs git describe with the passed options and returns the first
// line of its output.
func (r *Repository) Describe(ctx context.Context, options []string) (string, error) {
	out, err := r.run(ctx, append([]string{"describe"}, options...)...)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return "", &DescribeError{
				Options: options,
				Output:  cmdErr.Output(),
				Err:     err,
			}
		}

		return "", err
	}

	result := stringutils.FirstLine(out.stdout)
	if result == "" {
		return "", &DescribeError{Options: options, Output: "empty output"}
	}

	return result, nil
}

// CommitTree creates a commit object for the tree with the given parents in
// the given order. Neither the working copy nor references are changed.
// The ID of the created commit is returned.
func (r *Repository) CommitTree(_ context.Context, author Signature, tree string, parents []string, message string) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}

	treeHash := plumbing.NewHash(tree)
	if treeHash.IsZero() || treeHash.String() != strings.ToLower(tree) {
		return "", &RefNotFoundError{Ref: tree, Err: errors.New("not a tree id")}
	}

	if _, err := repo.TreeObject(treeHash); err != nil {
		return "", &RefNotFoundError{Ref: tree, Err: err}
	}

	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, p := range parents {
		h, err := resolveCommit(repo, p)
		if err != nil {
			return "", err
		}

		parentHashes = append(parentHashes, h)
	}

	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}

	sig := object.Signature{
		Name:  author.Name,
		Email: author.Email,
		When:  time.Now(),
	}

	commit := object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parentHashes,
	}

	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("encoding commit object failed: %w", err)
	}

	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("storing commit object failed: %w", err)
	}

	r.logger.Debug(
		"commit object created",
		logfields.Event("git_commit_created"),
		logfields.Commit(hash.String()),
		zap.Strings("parents", parents),
	)

	return hash.String(), nil
}

// SetBranchRef points the local branch to ref, the branch is created if it does
// not exist.
func (r *Repository) SetBranchRef(ctx context.Context, branch, ref string) error {
	_, err := r.run(ctx, "branch", "--force", branch, ref)
	return err
}

// Push pushes the local branch to the branch with the same name in the remote
// repository.
func (r *Repository) Push(ctx context.Context, branch string) error {
	refspec := "refs/heads/" + branch + ":refs/heads/" + branch

	_, err := r.runRemote(ctx, "push", "--quiet", remoteName, refspec)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return &PushRejectedError{
				Branch: branch,
				Output: cmdErr.Output(),
				Err:    err,
			}
		}

		return err
	}

	return nil
}
