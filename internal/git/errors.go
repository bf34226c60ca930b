package git

import (
	"fmt"
	"strings"
)

// CommandError is returned when a git process terminated with a non-zero exit
// code.
type CommandError struct {
	// Args are the arguments passed to git, credentials are censored.
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Output returns the text git wrote to stdout followed by the text it wrote
// to stderr, unmodified.
func (e *CommandError) Output() string {
	return e.Stdout + e.Stderr
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output())
	if out == "" {
		return fmt.Sprintf("git %s failed with exit code %d", strings.Join(e.Args, " "), e.ExitCode)
	}

	return fmt.Sprintf("git %s failed with exit code %d: %s", strings.Join(e.Args, " "), e.ExitCode, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RefNotFoundError is returned when a reference can not be resolved to an
// object.
type RefNotFoundError struct {
	Ref string
	Err error
}

func (e *RefNotFoundError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reference %q not found", e.Ref)
	}

	return fmt.Sprintf("reference %q not found: %s", e.Ref, e.Err)
}

func (e *RefNotFoundError) Unwrap() error {
	return e.Err
}

// MergeConflictError is returned when merging a reference into the working
// copy failed. Output contains the diagnostic text of the engine.
// The working copy is in a partially merged state afterwards.
type MergeConflictError struct {
	Ref    string
	Output string
	Err    error
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merging %s failed: %s", e.Ref, strings.TrimSpace(e.Output))
}

func (e *MergeConflictError) Unwrap() error {
	return e.Err
}

// DescribeError is returned when no tag is found that describes the
// current commit.
type DescribeError struct {
	Options []string
	Output  string
	Err     error
}

func (e *DescribeError) Error() string {
	return fmt.Sprintf("describe %s failed: %s", strings.Join(e.Options, " "), strings.TrimSpace(e.Output))
}

func (e *DescribeError) Unwrap() error {
	return e.Err
}

// PushRejectedError is returned when the remote refused a push, because it is
// not a fast-forward or the authentication failed.
type PushRejectedError struct {
	Branch string
	Output string
	Err    error
}

func (e *PushRejectedError) Error() string {
	return fmt.Sprintf("pushing branch %s was rejected: %s", e.Branch, strings.TrimSpace(e.Output))
}

func (e *PushRejectedError) Unwrap() error {
	return e.Err
}
