// Package mrfilter selects merge requests with jq expressions.
package mrfilter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/simplesurance/margebot/internal/gitlab"
)

// Filter evaluates a jq query against the JSON representation of a merge
// request, as returned by the GitLab API.
// The query must evaluate to exactly one boolean value.
type Filter struct {
	query *gojq.Query
}

// New parses jqQuery.
func New(jqQuery string) (*Filter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query failed: %w", err)
	}

	return &Filter{query: query}, nil
}

func iterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errs []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errs
		}

		if err, isErr := res.(error); isErr {
			errs = append(errs, err)
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

		fmt.Fprintf(&result, "error %d: %s", i, err)
	}

	return result.String()
}

// Match returns true if the query evaluates to true for mr.
func (f *Filter) Match(ctx context.Context, mr *gitlab.MergeRequest) (bool, error) {
	var doc any

	if len(mr.Raw) == 0 {
		return false, errors.New("json representation of merge request is empty")
	}

	if err := json.Unmarshal(mr.Raw, &doc); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := iterToSlice(f.query.RunWithContext(ctx, doc))
	if len(errs) != 0 {
		return false, fmt.Errorf("jq query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("jq query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"jq query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func (f *Filter) String() string {
	return f.query.String()
}
