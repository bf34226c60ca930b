// Package memrepo provides an in-memory git repository for tests.
//
// It models a local working copy and its remote: FetchAll mirrors all remote
// references, Push updates a remote branch if it is a fast-forward. Merges are
// simulated on whole files with a three-way comparison against the merge base,
// changes that only differ in the amount of whitespace are not conflicts.
package memrepo

import (
	"context"
	"crypto/sha1" // nolint:gosec // ids only have to be unique
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/simplesurance/mergetrain/internal/git"
)

const abbrevLen = 7

// DefaultSignature is the author of commits created by helper methods.
var DefaultSignature = git.Signature{Name: "Test User", Email: "test@example.com"}

var startTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Commit is a commit object.
type Commit struct {
	ID      string
	Tree    string
	Parents []string
	Author  git.Signature
	Date    time.Time
	Message string
}

// Repository is an in-memory git repository.
type Repository struct {
	mu sync.Mutex

	commits map[string]*Commit
	trees   map[string]map[string]string

	remote map[string]string
	local  map[string]string

	remoteURL string

	head   string
	branch string
	files  map[string]string

	mergeInProgress bool
	untracked       bool

	identity git.Signature
	clock    time.Time

	// FetchErr is returned by FetchAll when set.
	FetchErr error
	// PushErr is returned by Push when set.
	PushErr error

	calls  []string
	pushed map[string][]string
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		commits:  map[string]*Commit{},
		trees:    map[string]map[string]string{},
		remote:   map[string]string{},
		local:    map[string]string{},
		files:    map[string]string{},
		identity: DefaultSignature,
		clock:    startTime,
		pushed:   map[string][]string{},
	}
}

// SetIdentity sets the author of merge commits created by MergeInto.
func (r *Repository) SetIdentity(sig git.Signature) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.identity = sig
}

// Commit creates a commit with a single parent in the object store.
// files are applied to the files of parent, an empty content deletes the
// file. If parent is empty a root commit is created.
func (r *Repository) Commit(parent string, files map[string]string, message string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	content := map[string]string{}
	var parents []string

	if parent != "" {
		p, ok := r.commits[parent]
		if !ok {
			panic(fmt.Sprintf("parent commit %q does not exist", parent))
		}

		content = copyFiles(r.trees[p.Tree])
		parents = []string{parent}
	}

	for name, data := range files {
		if data == "" {
			delete(content, name)
			continue
		}

		content[name] = data
	}

	return r.newCommit(r.storeTree(content), parents, DefaultSignature, message)
}

// SetBranch points the branch in the remote repository to the commit.
func (r *Repository) SetBranch(name, id string) {
	r.setRemoteRef("refs/heads/"+name, id)
}

// SetTag creates a tag in the remote repository.
func (r *Repository) SetTag(name, id string) {
	r.setRemoteRef("refs/tags/"+name, id)
}

// SetPullHead sets the head reference of a GitHub pull request in the remote
// repository.
func (r *Repository) SetPullHead(number int, id string) {
	r.setRemoteRef(fmt.Sprintf("refs/pull/%d/head", number), id)
}

func (r *Repository) setRemoteRef(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.commits[id]; !ok {
		panic(fmt.Sprintf("commit %q does not exist", id))
	}

	r.remote[name] = id
}

// RemoteBranch returns the commit the branch in the remote repository points
// to, or an empty string if it does not exist.
func (r *Repository) RemoteBranch(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remote["refs/heads/"+name]
}

// CommitByID returns a copy of the commit.
func (r *Repository) CommitByID(id string) (*Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commits[id]
	if !ok {
		return nil, false
	}

	cpy := *c
	cpy.Parents = append([]string(nil), c.Parents...)

	return &cpy, true
}

// Files returns the files of a commit.
func (r *Repository) Files(id string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commits[id]
	if !ok {
		return nil
	}

	return copyFiles(r.trees[c.Tree])
}

// Calls returns the names of the engine operations that were called, in call
// order.
func (r *Repository) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

// Pushed returns the commits that were pushed to the branch, in push order.
func (r *Repository) Pushed(branch string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.pushed[branch]...)
}

// MergeInProgress returns true if a failed merge was not reset yet.
func (r *Repository) MergeInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mergeInProgress
}

// HasUntrackedFiles returns true if a failed merge left files behind that
// were not cleaned yet.
func (r *Repository) HasUntrackedFiles() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.untracked
}

// Head returns the commit HEAD points to and the attached branch.
func (r *Repository) Head() (commit, branch string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.head, r.branch
}

func (r *Repository) record(op string) {
	r.calls = append(r.calls, op)
}

func (r *Repository) tick() time.Time {
	r.clock = r.clock.Add(time.Minute)
	return r.clock
}

func (r *Repository) storeTree(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s\x00%s\x00", name, files[name])
	}

	id := hex.EncodeToString(h.Sum(nil))
	if _, exists := r.trees[id]; !exists {
		r.trees[id] = copyFiles(files)
	}

	return id
}

func (r *Repository) newCommit(tree string, parents []string, author git.Signature, message string) string {
	date := r.tick()

	h := sha1.New()
	fmt.Fprintf(h, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(h, "parent %s\n", p)
	}
	fmt.Fprintf(h, "author %s %d\n\n%s", author.String(), date.Unix(), message)

	id := hex.EncodeToString(h.Sum(nil))
	r.commits[id] = &Commit{
		ID:      id,
		Tree:    tree,
		Parents: append([]string(nil), parents...),
		Author:  author,
		Date:    date,
		Message: message,
	}

	return id
}

func commandError(stderr string, args ...string) *git.CommandError {
	return &git.CommandError{
		Args:     args,
		ExitCode: 128,
		Stderr:   stderr,
		Err:      errors.New("exit status 128"),
	}
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func (r *Repository) resolve(name string) (string, error) {
	if name == "HEAD" {
		if r.head == "" {
			return "", &git.RefNotFoundError{Ref: name}
		}

		return r.head, nil
	}

	for _, candidate := range []string{
		name,
		"refs/" + name,
		"refs/tags/" + name,
		"refs/heads/" + name,
		"refs/remotes/" + name,
	} {
		if id, ok := r.local[candidate]; ok {
			return id, nil
		}
	}

	if len(name) >= 4 && isHex(name) {
		var found string

		for id := range r.commits {
			if strings.HasPrefix(id, name) {
				if found != "" {
					return "", &git.RefNotFoundError{Ref: name, Err: errors.New("ambiguous commit id")}
				}

				found = id
			}
		}

		if found != "" {
			return found, nil
		}
	}

	return "", &git.RefNotFoundError{Ref: name}
}

func (r *Repository) errIfMergeInProgress(args ...string) error {
	if r.mergeInProgress {
		return commandError("error: you need to resolve your current index first", args...)
	}

	if r.untracked {
		return commandError("error: untracked working tree files would be overwritten", args...)
	}

	return nil
}

// isAncestor returns true if ancestor is reachable from id.
func (r *Repository) isAncestor(ancestor, id string) bool {
	_, ok := r.ancestors(id)[ancestor]
	return ok
}

// ancestors returns all commits reachable from id, including id, with their
// distance.
func (r *Repository) ancestors(id string) map[string]int {
	result := map[string]int{id: 0}
	queue := []string{id}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, p := range r.commits[cur].Parents {
			if _, seen := result[p]; seen {
				continue
			}

			result[p] = result[cur] + 1
			queue = append(queue, p)
		}
	}

	return result
}

func (r *Repository) mergeBase(a, b string) string {
	ofA := r.ancestors(a)

	best := ""
	bestDist := -1
	for id, dist := range r.ancestors(b) {
		distA, ok := ofA[id]
		if !ok {
			continue
		}

		if bestDist == -1 || dist+distA < bestDist || (dist+distA == bestDist && id < best) {
			best = id
			bestDist = dist + distA
		}
	}

	return best
}

func (r *Repository) checkout(id, branch string) {
	r.head = id
	r.branch = branch
	r.files = copyFiles(r.trees[r.commits[id].Tree])
}

// EnsureRepository records the remote URL.
func (r *Repository) EnsureRepository(_ context.Context, remoteURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("EnsureRepository")
	r.remoteURL = remoteURL

	return nil
}

// RemoteURL returns the URL passed to EnsureRepository.
func (r *Repository) RemoteURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.remoteURL
}

// FetchAll copies all references of the remote to the local repository.
// If the attached branch changes, HEAD follows it without updating the
// working tree.
func (r *Repository) FetchAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("FetchAll")

	if r.FetchErr != nil {
		return r.FetchErr
	}

	for name, id := range r.remote {
		r.local[name] = id
	}

	if id, ok := r.local["refs/heads/"+r.branch]; ok && r.branch != "" {
		r.head = id
	}

	return nil
}

func (r *Repository) ResolveRef(_ context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("ResolveRef")

	return r.resolve(name)
}

func (r *Repository) TreeOf(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("TreeOf")

	id, err := r.resolve(ref)
	if err != nil {
		return "", err
	}

	return r.commits[id].Tree, nil
}

func (r *Repository) CheckoutDetached(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("CheckoutDetached")

	if err := r.errIfMergeInProgress("checkout", "--detach", ref); err != nil {
		return err
	}

	id, err := r.resolve(ref)
	if err != nil {
		return commandError(fmt.Sprintf("fatal: invalid reference: %s", ref), "checkout", "--detach", ref)
	}

	r.checkout(id, "")

	return nil
}

func (r *Repository) CheckoutBranch(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("CheckoutBranch")

	if err := r.errIfMergeInProgress("checkout", name); err != nil {
		return err
	}

	id, ok := r.local["refs/heads/"+name]
	if !ok {
		return commandError(
			fmt.Sprintf("error: pathspec '%s' did not match any file(s) known to git", name),
			"checkout", name,
		)
	}

	r.checkout(id, name)

	return nil
}

// ResetHard restores the files of HEAD and aborts a failed merge.
func (r *Repository) ResetHard(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("ResetHard")

	r.mergeInProgress = false
	if r.head != "" {
		r.files = copyFiles(r.trees[r.commits[r.head].Tree])
	}

	return nil
}

// CleanUntracked removes files left behind by a failed merge.
func (r *Repository) CleanUntracked(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("CleanUntracked")

	r.untracked = false

	return nil
}

type fileVersion struct {
	content string
	exists  bool
}

func version(files map[string]string, name string) fileVersion {
	content, exists := files[name]
	return fileVersion{content: content, exists: exists}
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}

	return strings.Join(lines, "\n")
}

func (v fileVersion) equal(o fileVersion) bool {
	if v.exists != o.exists {
		return false
	}

	return normalizeSpace(v.content) == normalizeSpace(o.content)
}

// MergeInto merges ref into HEAD and creates a merge commit.
func (r *Repository) MergeInto(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("MergeInto")

	args := []string{"merge", "--quiet", "--no-edit", "--no-ff", "-Xignore-space-change", ref}

	if err := r.errIfMergeInProgress(args...); err != nil {
		return err
	}

	if r.head == "" {
		return commandError("fatal: HEAD does not point to a commit", args...)
	}

	theirs, err := r.resolve(ref)
	if err != nil {
		return &git.MergeConflictError{
			Ref:    ref,
			Output: fmt.Sprintf("merge: %s - not something we can merge", ref),
			Err:    err,
		}
	}

	if r.isAncestor(theirs, r.head) {
		return nil
	}

	baseFiles := r.trees[r.commits[r.mergeBase(r.head, theirs)].Tree]
	ourFiles := r.trees[r.commits[r.head].Tree]
	theirFiles := r.trees[r.commits[theirs].Tree]

	names := map[string]struct{}{}
	for _, m := range []map[string]string{baseFiles, ourFiles, theirFiles} {
		for name := range m {
			names[name] = struct{}{}
		}
	}

	sortedNames := make([]string, 0, len(names))
	for name := range names {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	result := map[string]string{}
	var conflicts []string

	for _, name := range sortedNames {
		base := version(baseFiles, name)
		ours := version(ourFiles, name)
		their := version(theirFiles, name)

		var merged fileVersion
		switch {
		case ours.equal(their):
			merged = ours
		case base.equal(ours):
			merged = their
		case base.equal(their):
			merged = ours
		default:
			conflicts = append(conflicts, name)
			merged = ours
		}

		if merged.exists {
			result[name] = merged.content
		}
	}

	if len(conflicts) > 0 {
		var sb strings.Builder
		for _, name := range conflicts {
			fmt.Fprintf(&sb, "Auto-merging %s\nCONFLICT (content): Merge conflict in %s\n", name, name)
		}
		sb.WriteString("Automatic merge failed; fix conflicts and then commit the result.")

		r.files = result
		r.mergeInProgress = true
		r.untracked = true

		return &git.MergeConflictError{
			Ref:    ref,
			Output: sb.String(),
			Err: &git.CommandError{
				Args:     args,
				ExitCode: 1,
				Stdout:   sb.String(),
				Err:      errors.New("exit status 1"),
			},
		}
	}

	id := r.newCommit(r.storeTree(result), []string{r.head, theirs}, r.identity, fmt.Sprintf("Merge %s", ref))
	r.head = id
	r.files = result
	if r.branch != "" {
		r.local["refs/heads/"+r.branch] = id
	}

	return nil
}

func describeMatch(options []string) string {
	for i, o := range options {
		if o == "--match" && i+1 < len(options) {
			return options[i+1]
		}

		if m, ok := strings.CutPrefix(o, "--match="); ok {
			return m
		}
	}

	return ""
}

// Describe returns the nearest tag reachable from HEAD in the format of git
// describe. The only supported option is --match.
func (r *Repository) Describe(_ context.Context, options []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("Describe")

	if r.head == "" {
		return "", &git.DescribeError{Options: options, Output: "fatal: HEAD does not point to a commit"}
	}

	pattern := describeMatch(options)

	tags := map[string][]string{}
	for name, id := range r.local {
		tag, ok := strings.CutPrefix(name, "refs/tags/")
		if !ok {
			continue
		}

		if pattern != "" {
			if matched, _ := path.Match(pattern, tag); !matched {
				continue
			}
		}

		tags[id] = append(tags[id], tag)
	}

	bestTag := ""
	bestDist := -1
	for id, dist := range r.ancestors(r.head) {
		names, ok := tags[id]
		if !ok {
			continue
		}

		sort.Strings(names)
		if bestDist == -1 || dist < bestDist || (dist == bestDist && names[0] < bestTag) {
			bestTag = names[0]
			bestDist = dist
		}
	}

	if bestDist == -1 {
		return "", &git.DescribeError{
			Options: options,
			Output:  "fatal: No names found, cannot describe anything.",
		}
	}

	if bestDist == 0 {
		return bestTag, nil
	}

	return fmt.Sprintf("%s-%d-g%s", bestTag, bestDist, r.head[:abbrevLen]), nil
}

func (r *Repository) CommitTree(_ context.Context, author git.Signature, tree string, parents []string, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("CommitTree")

	if _, ok := r.trees[tree]; !ok {
		return "", &git.RefNotFoundError{Ref: tree, Err: errors.New("not a tree object")}
	}

	resolved := make([]string, 0, len(parents))
	for _, p := range parents {
		id, err := r.resolve(p)
		if err != nil {
			return "", err
		}

		resolved = append(resolved, id)
	}

	return r.newCommit(tree, resolved, author, message), nil
}

func (r *Repository) SetBranchRef(_ context.Context, branch, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("SetBranchRef")

	if branch == r.branch {
		return commandError(
			fmt.Sprintf("fatal: cannot force update the current branch '%s'", branch),
			"branch", "--force", branch, ref,
		)
	}

	id, err := r.resolve(ref)
	if err != nil {
		return err
	}

	r.local["refs/heads/"+branch] = id

	return nil
}

// Push updates the remote branch if the change is a fast-forward.
func (r *Repository) Push(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("Push")

	if r.PushErr != nil {
		return r.PushErr
	}

	name := "refs/heads/" + branch

	id, ok := r.local[name]
	if !ok {
		return &git.PushRejectedError{
			Branch: branch,
			Output: fmt.Sprintf("error: src refspec %s does not match any", branch),
		}
	}

	if old, exists := r.remote[name]; exists && !r.isAncestor(old, id) {
		return &git.PushRejectedError{
			Branch: branch,
			Output: fmt.Sprintf(" ! [rejected]        %s -> %s (non-fast-forward)", branch, branch),
		}
	}

	r.remote[name] = id
	r.pushed[branch] = append(r.pushed[branch], id)

	return nil
}

func (r *Repository) AbbreviatedCommit(_ context.Context, ref string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("AbbreviatedCommit")

	id, err := r.resolve(ref)
	if err != nil {
		return "", err
	}

	return id[:abbrevLen], nil
}

func (r *Repository) CommitDate(_ context.Context, ref string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("CommitDate")

	id, err := r.resolve(ref)
	if err != nil {
		return time.Time{}, err
	}

	return r.commits[id].Date, nil
}

func copyFiles(m map[string]string) map[string]string {
	result := make(map[string]string, len(m))
	for k, v := range m {
		result[k] = v
	}

	return result
}
