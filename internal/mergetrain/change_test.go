package mergetrain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/simplesurance/mergetrain/internal/githubclt"
)

func TestNewChange(t *testing.T) {
	created := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	c := NewChange(&githubclt.PullRequest{
		Number:      42,
		Title:       "add feature",
		URL:         "https://github.com/acme/product/pull/42",
		AuthorLogin: "alice",
		AuthorURL:   "https://github.com/alice",
		HeadRefName: "feature",
		HeadRefOid:  "0123456789abcdef0123456789abcdef01234567",
		BaseRefName: "master",
		IsDraft:     true,
		Labels:      []string{"b", "a", "b"},
		CreatedAt:   created,
	})

	assert.Equal(t, &Change{
		Number:     42,
		Title:      "add feature",
		Author:     "alice",
		AuthorURL:  "https://github.com/alice",
		URL:        "https://github.com/acme/product/pull/42",
		HeadRef:    "feature",
		HeadCommit: "0123456789abcdef0123456789abcdef01234567",
		BaseRef:    "master",
		Draft:      true,
		Labels:     []string{"a", "b"},
		CreatedAt:  created,
	}, c)

	assert.Equal(t, "pull/42/head", c.EngineRef())
	assert.Equal(t, "#42 add feature", c.String())
	assert.True(t, c.HasLabel("a"))
	assert.False(t, c.HasLabel("c"))
	assert.False(t, c.HasLabel(""))
}
