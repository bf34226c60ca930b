package mergetrain

import (
	"fmt"
	"strings"

	"github.com/simplesurance/mergetrain/internal/stringutils"
)

const reportIndent = "    "

// Candidate is an open pull request and the result of the eligibility
// evaluation.
type Candidate struct {
	Change *Change
	// FilteredOut is true when the change did not match the change filter
	// query.
	FilteredOut bool
	Eligible    bool
}

// Report summarizes a merge train run.
type Report struct {
	Organization string
	Team         string
	Repository   string
	DryRun       bool

	Members    []string
	Candidates []*Candidate
	MergeOrder []*Change
	// Result is nil when the run failed before the train started.
	Result *RunResult
}

func writeChanges(sb *strings.Builder, heading string, changes []*Change) {
	fmt.Fprintf(sb, "%s (%d):\n", heading, len(changes))
	for _, c := range changes {
		fmt.Fprintf(sb, "  %s\n", c)
	}
}

func resultChanges(results []*MergeResult) []*Change {
	result := make([]*Change, 0, len(results))
	for _, mr := range results {
		result = append(result, mr.Change)
	}

	return result
}

func (r *Report) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "GitHub organization: %s\n", r.Organization)
	fmt.Fprintf(&sb, "GitHub team:         %s\n", r.Team)
	fmt.Fprintf(&sb, "GitHub repository:   %s\n", r.Repository)

	fmt.Fprintf(&sb, "Team members (%d):\n", len(r.Members))
	for _, m := range r.Members {
		fmt.Fprintf(&sb, "  %s\n", m)
	}

	fmt.Fprintf(&sb, "Open pull requests (%d):\n", len(r.Candidates))
	for _, c := range r.Candidates {
		fmt.Fprintf(&sb, "  %s\n", c.Change)
		fmt.Fprintf(&sb, "    By:     %s\n", c.Change.Author)
		fmt.Fprintf(&sb, "    Branch: %s\n", c.Change.HeadRef)
		fmt.Fprintf(&sb, "    Labels: %s\n", strings.Join(c.Change.Labels, " "))
		if c.Change.Draft {
			sb.WriteString("    Draft:  true\n")
		}
		if c.FilteredOut {
			sb.WriteString("    Allowed to auto-merge? false (excluded by change filter)\n")
		} else {
			fmt.Fprintf(&sb, "    Allowed to auto-merge? %t\n", c.Eligible)
		}
	}

	writeChanges(&sb, "Pull requests suitable for auto-merging", r.MergeOrder)

	if r.Result == nil {
		return sb.String()
	}

	res := r.Result

	if res.BaseCommit != "" {
		fmt.Fprintf(&sb, "Base commit: %s %s\n", res.BaseCommit, res.BaseVersion)
	}

	writeChanges(&sb, "Pull requests successfully auto-merged", resultChanges(res.Applied()))

	rejected := res.Rejected()
	fmt.Fprintf(&sb, "Pull requests not auto-merged (%d):\n", len(rejected))
	for _, mr := range rejected {
		fmt.Fprintf(&sb, "  %s\n", mr.Change)
		if mr.Reason != "" {
			sb.WriteString(stringutils.IndentString(strings.TrimSpace(mr.Reason), reportIndent))
			sb.WriteString("\n")
		}
	}

	if res.Tree != "" {
		fmt.Fprintf(&sb, "Final tree: %s\n", res.Tree)
	}

	if res.Commit == "" {
		return sb.String()
	}

	fmt.Fprintf(&sb, "Final commit: %s\n", res.Commit)
	fmt.Fprintf(&sb, "Version: %s\n", res.Version)

	switch {
	case !res.Published:
		sb.WriteString("Integration branch: unchanged\n")
	case res.Pushed && r.DryRun:
		sb.WriteString("Integration branch: updated (dry run, not pushed)\n")
	case res.Pushed:
		sb.WriteString("Integration branch: updated and pushed\n")
	default:
		sb.WriteString("Integration branch: updated locally, push failed\n")
	}

	return sb.String()
}
