package mergetrain

import (
	"context"
	"time"

	"github.com/simplesurance/mergetrain/internal/git"
)

// Engine provides the version control operations on a working copy that the
// merge train requires.
// Failed operations return the error types of the git package.
type Engine interface {
	// EnsureRepository creates the working copy with remoteURL as origin
	// if it does not exist.
	EnsureRepository(ctx context.Context, remoteURL string) error
	// FetchAll mirrors all references of the remote repository.
	FetchAll(ctx context.Context) error
	// ResolveRef returns the commit ID that name refers to.
	ResolveRef(ctx context.Context, name string) (string, error)
	// TreeOf returns the tree ID of the commit that ref refers to.
	TreeOf(ctx context.Context, ref string) (string, error)
	CheckoutDetached(ctx context.Context, ref string) error
	CheckoutBranch(ctx context.Context, name string) error
	ResetHard(ctx context.Context) error
	CleanUntracked(ctx context.Context) error
	// MergeInto merges ref into HEAD. If the merge fails a
	// *git.MergeConflictError is returned and the working copy must be
	// reset and cleaned.
	MergeInto(ctx context.Context, ref string) error
	Describe(ctx context.Context, options []string) (string, error)
	// CommitTree creates a commit object without changing any
	// references and returns its ID.
	CommitTree(ctx context.Context, author git.Signature, tree string, parents []string, message string) (string, error)
	SetBranchRef(ctx context.Context, branch, ref string) error
	Push(ctx context.Context, branch string) error
	AbbreviatedCommit(ctx context.Context, ref string) (string, error)
	CommitDate(ctx context.Context, ref string) (time.Time, error)
}
