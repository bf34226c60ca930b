package git

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testIdentity = Signature{Name: "Merge Bot", Email: "bot@example.com"}

func requireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not found")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), testIdentity.Env()...)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), string(out))

	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func commitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()

	writeFile(t, dir, name, content)
	gitCmd(t, dir, "add", name)
	gitCmd(t, dir, "commit", "--quiet", "-m", msg)

	return gitCmd(t, dir, "rev-parse", "HEAD")
}

type remoteRepo struct {
	dir      string
	master1  string
	master2  string
	feature  string
	conflict string
}

// initRemote creates a repository with the branches:
//   - master: 2 commits, the first one is tagged v1.0
//   - feature: adds b.txt to the first master commit
//   - conflict: changes a.txt of the first master commit differently than
//     the second master commit
func initRemote(t *testing.T) *remoteRepo {
	t.Helper()

	var r remoteRepo

	r.dir = t.TempDir()
	gitCmd(t, r.dir, "init", "--quiet")
	gitCmd(t, r.dir, "symbolic-ref", "HEAD", "refs/heads/master")

	r.master1 = commitFile(t, r.dir, "a.txt", "line1\nline2\n", "first")
	gitCmd(t, r.dir, "tag", "-a", "-m", "release", "v1.0")

	gitCmd(t, r.dir, "checkout", "--quiet", "-b", "feature")
	r.feature = commitFile(t, r.dir, "b.txt", "feature\n", "add feature")

	gitCmd(t, r.dir, "checkout", "--quiet", "-b", "conflict", "master")
	r.conflict = commitFile(t, r.dir, "a.txt", "conflicting\nline2\n", "conflicting change")

	gitCmd(t, r.dir, "checkout", "--quiet", "master")
	r.master2 = commitFile(t, r.dir, "a.txt", "line1 changed\nline2\n", "second")

	return &r
}

func newTestRepository(t *testing.T, remote *remoteRepo, opts ...Option) *Repository {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	repo := New(filepath.Join(t.TempDir(), "work"), append([]Option{WithIdentity(testIdentity)}, opts...)...)
	ctx := context.Background()

	require.NoError(t, repo.EnsureRepository(ctx, remote.dir))
	require.NoError(t, repo.FetchAll(ctx))
	require.NoError(t, repo.ResetHard(ctx))
	require.NoError(t, repo.CleanUntracked(ctx))

	return repo
}

func TestEnsureRepositoryIsIdempotent(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	require.NoError(t, repo.EnsureRepository(ctx, remote.dir))
	assert.Equal(t, remote.dir, gitCmd(t, repo.Dir(), "config", "remote.origin.url"))
	assert.Equal(t, "+refs/*:refs/*", gitCmd(t, repo.Dir(), "config", "remote.origin.fetch"))
}

func TestResolveRef(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	id, err := repo.ResolveRef(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, remote.master2, id)

	id, err = repo.ResolveRef(ctx, "refs/heads/feature")
	require.NoError(t, err)
	assert.Equal(t, remote.feature, id)

	_, err = repo.ResolveRef(ctx, "does-not-exist")
	var refErr *RefNotFoundError
	require.ErrorAs(t, err, &refErr)
	assert.Equal(t, "does-not-exist", refErr.Ref)
}

func TestMergeConflictAndReset(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	require.NoError(t, repo.CheckoutDetached(ctx, "master"))
	require.NoError(t, repo.MergeInto(ctx, "feature"))

	err := repo.MergeInto(ctx, "conflict")
	var conflictErr *MergeConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "conflict", conflictErr.Ref)
	assert.NotEmpty(t, conflictErr.Output)

	writeFile(t, repo.Dir(), "untracked.txt", "x")

	require.NoError(t, repo.ResetHard(ctx))
	require.NoError(t, repo.CleanUntracked(ctx))

	assert.Empty(t, gitCmd(t, repo.Dir(), "status", "--porcelain"))

	headTree, err := repo.TreeOf(ctx, "HEAD")
	require.NoError(t, err)
	masterTree, err := repo.TreeOf(ctx, "master")
	require.NoError(t, err)
	assert.NotEqual(t, masterTree, headTree)

	parents := strings.Fields(gitCmd(t, repo.Dir(), "rev-list", "--parents", "-n1", "HEAD"))
	require.Len(t, parents, 3)
	assert.Equal(t, []string{remote.master2, remote.feature}, parents[1:])

	assert.Equal(t, testIdentity.Email, gitCmd(t, repo.Dir(), "log", "-1", "--format=%ae", "HEAD"))
}

func TestCommitTreeKeepsParentOrder(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	tree, err := repo.TreeOf(ctx, "master")
	require.NoError(t, err)

	parents := []string{remote.feature, remote.master2, remote.conflict}
	id, err := repo.CommitTree(ctx, testIdentity, tree, parents, "synthetic merge")
	require.NoError(t, err)

	revList := strings.Fields(gitCmd(t, repo.Dir(), "rev-list", "--parents", "-n1", id))
	assert.Equal(t, append([]string{id}, parents...), revList)
	assert.Equal(t, "synthetic merge", gitCmd(t, repo.Dir(), "log", "-1", "--format=%B", id))
	assert.Equal(t, testIdentity.Name, gitCmd(t, repo.Dir(), "log", "-1", "--format=%cn", id))

	commitTree, err := repo.TreeOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tree, commitTree)

	_, err = repo.CommitTree(ctx, testIdentity, tree, []string{"unknown-ref"}, "msg")
	var refErr *RefNotFoundError
	assert.ErrorAs(t, err, &refErr)
}

func TestSetBranchRefAndPush(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	require.NoError(t, repo.SetBranchRef(ctx, "unstable", remote.feature))
	require.NoError(t, repo.CheckoutBranch(ctx, "unstable"))
	require.NoError(t, repo.Push(ctx, "unstable"))

	assert.Equal(t, remote.feature, gitCmd(t, remote.dir, "rev-parse", "refs/heads/unstable"))

	abbrev, err := repo.AbbreviatedCommit(ctx, "unstable")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(remote.feature, abbrev))
}

func TestPushRejected(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	require.NoError(t, repo.CheckoutDetached(ctx, "master"))
	// not a fast-forward of the remote master branch
	require.NoError(t, repo.SetBranchRef(ctx, "master", remote.conflict))

	err := repo.Push(ctx, "master")
	var pushErr *PushRejectedError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, "master", pushErr.Branch)
	assert.Equal(t, remote.master2, gitCmd(t, remote.dir, "rev-parse", "refs/heads/master"))
}

func TestDescribe(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)
	ctx := context.Background()

	require.NoError(t, repo.CheckoutDetached(ctx, "master"))

	desc, err := repo.Describe(ctx, []string{"--match", "v*"})
	require.NoError(t, err)

	abbrev, err := repo.AbbreviatedCommit(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, "v1.0-1-g"+abbrev, desc)

	_, err = repo.Describe(ctx, []string{"--match", "release-*"})
	var descErr *DescribeError
	require.ErrorAs(t, err, &descErr)
	assert.NotEmpty(t, descErr.Output)
}

func TestCommitDate(t *testing.T) {
	requireGit(t)

	remote := initRemote(t)
	repo := newTestRepository(t, remote)

	date, err := repo.CommitDate(context.Background(), "master")
	require.NoError(t, err)
	assert.Equal(t, gitCmd(t, remote.dir, "log", "-1", "--format=%at", "master"), strconv.FormatInt(date.Unix(), 10))
}

func TestAuthTokenIsCensored(t *testing.T) {
	requireGit(t)

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	const token = "secret-token"
	encoded := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))

	dir := t.TempDir()
	repo := New(filepath.Join(dir, "work"), WithAuthToken(token))
	ctx := context.Background()

	require.NoError(t, repo.EnsureRepository(ctx, filepath.Join(dir, "missing")))

	err := repo.FetchAll(ctx)
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.NotEqual(t, 0, cmdErr.ExitCode)
	assert.NotContains(t, err.Error(), encoded)
	assert.NotContains(t, err.Error(), token)
	assert.Contains(t, strings.Join(cmdErr.Args, " "), censored)
}

func TestMissingGitBinary(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	dir := t.TempDir()
	repo := New(filepath.Join(dir, "work"), WithGitBinary(filepath.Join(dir, "no-git")))

	err := repo.EnsureRepository(context.Background(), "https://github.com/acme/product.git")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr))
}
