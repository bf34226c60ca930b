package mergetrain

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/mergetrain/internal/githubclt"
	"github.com/simplesurance/mergetrain/internal/logfields"
)

// Change is an open pull request that is a candidate for the merge train.
// It is not modified after it was created.
type Change struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	AuthorURL  string    `json:"authorURL"`
	URL        string    `json:"url"`
	HeadRef    string    `json:"headRef"`
	HeadCommit string    `json:"headCommit"`
	BaseRef    string    `json:"baseRef"`
	Draft      bool      `json:"draft"`
	Labels     []string  `json:"labels"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewChange creates a Change from a GitHub pull request.
// Labels are deduplicated and sorted.
func NewChange(pr *githubclt.PullRequest) *Change {
	labelSet := make(map[string]struct{}, len(pr.Labels))
	labels := make([]string, 0, len(pr.Labels))

	for _, l := range pr.Labels {
		if _, exists := labelSet[l]; exists {
			continue
		}

		labelSet[l] = struct{}{}
		labels = append(labels, l)
	}

	sort.Strings(labels)

	return &Change{
		Number:     pr.Number,
		Title:      pr.Title,
		Author:     pr.AuthorLogin,
		AuthorURL:  pr.AuthorURL,
		URL:        pr.URL,
		HeadRef:    pr.HeadRefName,
		HeadCommit: pr.HeadRefOid,
		BaseRef:    pr.BaseRefName,
		Draft:      pr.IsDraft,
		Labels:     labels,
		CreatedAt:  pr.CreatedAt,
	}
}

// HasLabel returns true if the change has the label.
// An empty label is never matched.
func (c *Change) HasLabel(label string) bool {
	if label == "" {
		return false
	}

	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}

	return false
}

// EngineRef returns the reference of the pull request head in the
// repository.
func (c *Change) EngineRef() string {
	return fmt.Sprintf("pull/%d/head", c.Number)
}

func (c *Change) String() string {
	return fmt.Sprintf("#%d %s", c.Number, c.Title)
}

func (c *Change) LogFields() []zap.Field {
	return []zap.Field{
		logfields.PullRequest(c.Number),
		logfields.Branch(c.HeadRef),
		zap.String("github.author", c.Author),
	}
}
