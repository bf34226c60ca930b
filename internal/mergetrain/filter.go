package mergetrain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// ChangeFilter selects changes via a jq query that is evaluated against the
// JSON representation of a Change.
// The query must return a single boolean value.
type ChangeFilter struct {
	query *gojq.Query
}

func NewChangeFilter(jqQuery string) (*ChangeFilter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing change filter query failed: %w", err)
	}

	return &ChangeFilter{query: query}, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

// Match returns true if the query evaluates to true for the change.
func (f *ChangeFilter) Match(ctx context.Context, c *Change) (bool, error) {
	var changeUn any

	b, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshaling change to json failed: %w", err)
	}

	if err := json.Unmarshal(b, &changeUn); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errors := goJQIterToSlice(f.query.RunWithContext(ctx, changeUn))
	if len(errors) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errors))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func (f *ChangeFilter) String() string {
	return f.query.String()
}
