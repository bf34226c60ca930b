package mergetrain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeFilterMatch(t *testing.T) {
	change := Change{
		Number:    5,
		Title:     "update dependencies",
		Author:    "renovate",
		BaseRef:   "master",
		Labels:    []string{"dependencies", includeLabel},
		CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		query  string
		expect bool
	}{
		{`.baseRef == "master"`, true},
		{`.baseRef == "release"`, false},
		{`.number > 3`, true},
		{`.labels | contains(["dependencies"])`, true},
		{`.author | startswith("renov")`, true},
		{`.draft`, false},
		{`.createdAt < "2024-01-01"`, false},
	}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			f, err := NewChangeFilter(tc.query)
			require.NoError(t, err)

			match, err := f.Match(context.Background(), &change)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, match)
		})
	}
}

func TestChangeFilterInvalidQuery(t *testing.T) {
	_, err := NewChangeFilter(`.baseRef ==`)
	require.Error(t, err)
}

func TestChangeFilterResultErrors(t *testing.T) {
	tests := []struct {
		query  string
		errMsg string
	}{
		{`.title`, "non-bool"},
		{`.labels[]`, "results"},
		{`error("stop")`, "stop"},
	}

	change := Change{Number: 1, Title: "x", Labels: []string{"a", "b"}}

	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			f, err := NewChangeFilter(tc.query)
			require.NoError(t, err)

			_, err = f.Match(context.Background(), &change)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
