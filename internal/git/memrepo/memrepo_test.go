package memrepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/mergetrain/internal/git"
)

type testRepo struct {
	*Repository
	base     string
	master   string
	feature  string
	conflict string
	spaces   string
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()

	r := testRepo{Repository: New()}

	r.base = r.Commit("", map[string]string{"a.txt": "line1\nline2\n"}, "first")
	r.master = r.Commit(r.base, map[string]string{"a.txt": "line1 changed\nline2\n"}, "second")
	r.feature = r.Commit(r.base, map[string]string{"b.txt": "feature\n"}, "feature")
	r.conflict = r.Commit(r.base, map[string]string{"a.txt": "conflicting\nline2\n"}, "conflict")
	r.spaces = r.Commit(r.base, map[string]string{"a.txt": "line1  changed\nline2\n"}, "whitespace")

	r.SetBranch("master", r.master)
	r.SetTag("v1.0", r.base)
	r.SetPullHead(1, r.feature)
	r.SetPullHead(2, r.conflict)
	r.SetPullHead(3, r.spaces)

	require.NoError(t, r.FetchAll(context.Background()))

	return &r
}

func TestResolveRef(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, name := range []string{"master", "refs/heads/master", "heads/master", r.master, r.master[:7]} {
		id, err := r.ResolveRef(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, r.master, id, name)
	}

	id, err := r.ResolveRef(ctx, "pull/1/head")
	require.NoError(t, err)
	assert.Equal(t, r.feature, id)

	_, err = r.ResolveRef(ctx, "unknown")
	var refErr *git.RefNotFoundError
	assert.ErrorAs(t, err, &refErr)
}

func TestMergeCreatesMergeCommit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutDetached(ctx, "master"))
	require.NoError(t, r.MergeInto(ctx, "pull/1/head"))

	head, branch := r.Head()
	assert.Empty(t, branch)

	c, ok := r.CommitByID(head)
	require.True(t, ok)
	assert.Equal(t, []string{r.master, r.feature}, c.Parents)
	assert.Equal(t, map[string]string{
		"a.txt": "line1 changed\nline2\n",
		"b.txt": "feature\n",
	}, r.Files(head))

	// already merged
	require.NoError(t, r.MergeInto(ctx, "pull/1/head"))
	afterHead, _ := r.Head()
	assert.Equal(t, head, afterHead)
}

func TestMergeIgnoresWhitespaceChanges(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutDetached(ctx, "master"))
	require.NoError(t, r.MergeInto(ctx, "pull/3/head"))
}

func TestMergeConflictRequiresResetAndClean(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutDetached(ctx, "master"))

	err := r.MergeInto(ctx, "pull/2/head")
	var conflictErr *git.MergeConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Contains(t, conflictErr.Output, "CONFLICT (content): Merge conflict in a.txt")
	assert.True(t, r.MergeInProgress())
	assert.True(t, r.HasUntrackedFiles())

	var cmdErr *git.CommandError
	assert.Error(t, r.MergeInto(ctx, "pull/1/head"))
	assert.ErrorAs(t, r.CheckoutDetached(ctx, "master"), &cmdErr)

	require.NoError(t, r.ResetHard(ctx))
	assert.False(t, r.MergeInProgress())
	assert.Error(t, r.MergeInto(ctx, "pull/1/head"))

	require.NoError(t, r.CleanUntracked(ctx))
	assert.False(t, r.HasUntrackedFiles())
	require.NoError(t, r.MergeInto(ctx, "pull/1/head"))

	head, _ := r.Head()
	assert.Equal(t, "line1 changed\nline2\n", r.Files(head)["a.txt"])
}

func TestDescribe(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutDetached(ctx, "v1.0"))
	desc, err := r.Describe(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1.0", desc)

	require.NoError(t, r.CheckoutDetached(ctx, "master"))
	desc, err = r.Describe(ctx, []string{"--tags", "--match", "v*"})
	require.NoError(t, err)
	assert.Equal(t, "v1.0-1-g"+r.master[:7], desc)

	_, err = r.Describe(ctx, []string{"--match=release-*"})
	var descErr *git.DescribeError
	require.ErrorAs(t, err, &descErr)
	assert.Contains(t, descErr.Output, "No names found")
}

func TestCommitTreeAndPush(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	tree, err := r.TreeOf(ctx, "master")
	require.NoError(t, err)

	sig := git.Signature{Name: "bot", Email: "bot@example.com"}
	id, err := r.CommitTree(ctx, sig, tree, []string{"pull/2/head", "master", "pull/1/head"}, "msg")
	require.NoError(t, err)

	c, ok := r.CommitByID(id)
	require.True(t, ok)
	assert.Equal(t, []string{r.conflict, r.master, r.feature}, c.Parents)
	assert.Equal(t, sig, c.Author)
	assert.Equal(t, tree, c.Tree)

	require.NoError(t, r.SetBranchRef(ctx, "unstable", id))
	require.NoError(t, r.Push(ctx, "unstable"))
	assert.Equal(t, id, r.RemoteBranch("unstable"))
	assert.Equal(t, []string{id}, r.Pushed("unstable"))

	// not a fast-forward
	require.NoError(t, r.SetBranchRef(ctx, "unstable", "master"))
	var pushErr *git.PushRejectedError
	require.ErrorAs(t, r.Push(ctx, "unstable"), &pushErr)
	assert.Equal(t, id, r.RemoteBranch("unstable"))

	_, err = r.CommitTree(ctx, sig, "0000", nil, "msg")
	var refErr *git.RefNotFoundError
	assert.ErrorAs(t, err, &refErr)
}

func TestSetBranchRefRefusesCheckedOutBranch(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutBranch(ctx, "master"))

	var cmdErr *git.CommandError
	assert.ErrorAs(t, r.SetBranchRef(ctx, "master", r.feature), &cmdErr)
}

func TestFetchUpdatesAttachedBranch(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CheckoutBranch(ctx, "master"))

	next := r.Commit(r.master, map[string]string{"c.txt": "c"}, "third")
	r.SetBranch("master", next)

	require.NoError(t, r.FetchAll(ctx))

	head, branch := r.Head()
	assert.Equal(t, next, head)
	assert.Equal(t, "master", branch)
}

func TestCommitDateIsMonotonic(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	baseDate, err := r.CommitDate(ctx, r.base)
	require.NoError(t, err)

	masterDate, err := r.CommitDate(ctx, "master")
	require.NoError(t, err)

	assert.True(t, masterDate.After(baseDate))
}
