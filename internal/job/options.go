package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/simplesurance/margebot/internal/interval"
)

// Fusion is the strategy used to bring a source branch up to date with
// its target branch.
type Fusion int

const (
	// FusionRebase rebases the source branch onto the target branch
	// locally and force-pushes it.
	FusionRebase Fusion = iota
	// FusionMerge merges the target branch into the source branch locally
	// and pushes it.
	FusionMerge
	// FusionGitLabRebase lets GitLab rebase the source branch.
	FusionGitLabRebase
)

func (f Fusion) String() string {
	switch f {
	case FusionRebase:
		return "rebase"
	case FusionMerge:
		return "merge"
	case FusionGitLabRebase:
		return "gitlab-rebase"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ParseFusion converts the string representation of a Fusion back.
func ParseFusion(s string) (Fusion, error) {
	for _, f := range []Fusion{FusionRebase, FusionMerge, FusionGitLabRebase} {
		if f.String() == s {
			return f, nil
		}
	}

	return 0, fmt.Errorf("unsupported fusion strategy %q", s)
}

// Options configures how merge requests are merged.
type Options struct {
	// AddTested adds a "Tested-by: <bot> <mr-url>" trailer to the head
	// commit. Only supported with FusionRebase on projects requiring a
	// successful pipeline.
	AddTested bool
	// AddPartOf adds a "Part-of: <mr-url>" trailer to all commits.
	AddPartOf bool
	// AddReviewers adds a "Reviewed-by: <name> <email>" trailer per
	// approver to all commits.
	AddReviewers bool
	// Reapprove restores approvals that were reset by pushing to the
	// source branch. Requires administrator permissions.
	Reapprove bool
	// ApprovalTimeout is how long to wait for GitLab to reset approvals
	// after a push, before re-approving.
	ApprovalTimeout time.Duration
	// CITimeout is how long to wait for a pipeline to finish.
	CITimeout time.Duration
	// Embargo are time windows in which nothing is merged.
	Embargo *interval.IntervalUnion
	Fusion  Fusion
	// UseNoFFBatches merges batched merge requests with merge commits
	// into the target branch instead of fast-forwarding it.
	UseNoFFBatches bool
	// GuaranteeFinalPipeline triggers a new pipeline when the source
	// branch did not change by comment "jenkins retry".
	GuaranteeFinalPipeline bool
}

// DefaultOptions returns the default Options.
func DefaultOptions() Options {
	return Options{
		CITimeout:       15 * time.Minute,
		ApprovalTimeout: 0,
		Fusion:          FusionRebase,
	}
}

// RequestsCommitTagging returns true if any trailer is added to commits.
func (o *Options) RequestsCommitTagging() bool {
	return o.AddTested || o.AddPartOf || o.AddReviewers
}

// Validate returns an error if the options contain conflicting settings.
func (o *Options) Validate() error {
	var errs []error

	if o.Fusion == FusionGitLabRebase {
		if o.AddTested {
			errs = append(errs, errors.New("adding Tested-by trailers is not supported with gitlab-rebase"))
		}
		if o.AddPartOf {
			errs = append(errs, errors.New("adding Part-of trailers is not supported with gitlab-rebase"))
		}
		if o.AddReviewers {
			errs = append(errs, errors.New("adding Reviewed-by trailers is not supported with gitlab-rebase"))
		}
		if o.Reapprove {
			errs = append(errs, errors.New("reapproving is not supported with gitlab-rebase"))
		}
	}

	if o.CITimeout <= 0 {
		errs = append(errs, errors.New("ci timeout must be positive"))
	}

	if o.ApprovalTimeout < 0 {
		errs = append(errs, errors.New("approval timeout must not be negative"))
	}

	return errors.Join(errs...)
}
