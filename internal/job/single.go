package job

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/logfields"
)

// SingleMergeJob merges one merge request.
type SingleMergeJob struct {
	mergeJob
	mr *gitlab.MergeRequest
}

// NewSingleMergeJob creates a job that merges mr into its target branch in
// project.
// repo must be a working copy of project.
func NewSingleMergeJob(
	api GitLab,
	user *gitlab.User,
	project *gitlab.Project,
	repo Repo,
	mr *gitlab.MergeRequest,
	opts Options,
	jobOpts ...Option,
) *SingleMergeJob {
	return &SingleMergeJob{
		mergeJob: newMergeJob(api, user, project, repo, opts, jobOpts...),
		mr:       mr,
	}
}

// Execute merges the merge request. Failures that the author has to
// resolve are reported as comment on the merge request, which is then
// reassigned to its author.
func (j *SingleMergeJob) Execute(ctx context.Context) Outcome {
	logger := j.logger.With(mrLogFields(j.mr)...)

	logger.Info("processing merge request", logfields.Event("merge_request_processing"))

	err := j.run(ctx)
	outcome := j.outcome(ctx, j.mr, err)

	logger.Info(
		"processing merge request finished",
		logfields.Event("merge_request_processed"),
		logfields.Result(outcome.Result.String()),
		zap.String("reason", outcome.Reason),
		zap.Error(outcome.Err),
	)

	return outcome
}

func (j *SingleMergeJob) run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := j.attempt(ctx)

		var retryErr *retryError
		if !errors.As(err, &retryErr) {
			return err
		}

		if attempt >= j.maxAttempts {
			return fmt.Errorf("%w: %s", errTooManyAttempts, retryErr.reason)
		}

		j.logger.Info(
			"retrying to merge",
			append(mrLogFields(j.mr),
				logfields.Event("merge_retry"),
				zap.String("reason", retryErr.reason),
				zap.Int("attempt", attempt),
			)...,
		)
	}
}

func (j *SingleMergeJob) attempt(ctx context.Context) error {
	mr, approvals, err := j.ensureMergeable(ctx, j.mr)
	if err != nil {
		return err
	}
	j.mr = mr

	upd, err := j.updateFromTarget(ctx, mr)
	if err != nil {
		var mismatchErr *RebaseResultMismatchError
		if errors.As(err, &mismatchErr) {
			j.comment(ctx, mr, "Someone skipped the queue! Will have to try again...")
			return retryAttempt(mismatchErr.Error())
		}

		return err
	}

	srcProject, _, err := j.sourceProject(ctx, mr)
	if err != nil {
		return err
	}

	if j.opts.GuaranteeFinalPipeline && !upd.changed {
		j.comment(ctx, mr, "jenkins retry")

		if err := j.sleep(ctx, j.finalPipelineWait); err != nil {
			return err
		}
	}

	if j.requiresCI() {
		if err := j.waitForCI(ctx, srcProject.ID, mr.SourceBranch, upd.actualSHA); err != nil {
			return err
		}
	}

	head, err := j.api.LastCommitOnBranch(ctx, srcProject.ID, mr.SourceBranch)
	if err != nil {
		return fmt.Errorf("retrieving head of source branch failed: %w", err)
	}

	if head.ID != upd.actualSHA {
		return cannotMerge("Someone pushed to branch while we were trying to merge")
	}

	if err := j.maybeReapprove(ctx, mr, upd, approvals); err != nil {
		return err
	}

	if err := j.accept(ctx, mr, upd); err != nil {
		return err
	}

	return j.waitForMerged(ctx, mr)
}

// accept requests GitLab to merge the merge request and classifies the
// response.
func (j *SingleMergeJob) accept(ctx context.Context, mr *gitlab.MergeRequest, upd *update) error {
	logger := j.logger.With(mrLogFields(mr)...)

	err := j.api.AcceptMergeRequest(ctx, mr, gitlab.AcceptOptions{
		SHA:                       upd.actualSHA,
		ShouldRemoveSourceBranch:  mr.ForceRemoveSourceBranch,
		MergeWhenPipelineSucceeds: j.requiresCI(),
	})
	if err == nil {
		logger.Info(
			"merge request accepted",
			logfields.Event("merge_request_accepted"),
			logfields.Commit(upd.actualSHA),
		)
		return nil
	}

	var apiErr *gitlab.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("accepting merge request failed: %w", err)
	}

	logger.Info(
		"accepting merge request failed",
		logfields.Event("merge_request_accept_failed"),
		zap.Error(err),
	)

	switch apiErr.Kind {
	case gitlab.KindNotAcceptable:
		head, err := j.api.LastCommitOnBranch(ctx, j.project.ID, mr.TargetBranch)
		if err != nil {
			return fmt.Errorf("retrieving head of target branch failed: %w", err)
		}

		if head.ID != upd.targetSHA {
			j.comment(ctx, mr, "My job would be easier if people didn't jump the queue and push directly... *sigh*")
			return retryAttempt("target branch moved")
		}

		return cannotMerge("Merge request was rejected by GitLab: %q", apiErr.Message)

	case gitlab.KindUnauthorized:
		return cannotMerge("My user cannot accept merge requests!")

	case gitlab.KindNotFound:
		current, rerr := j.api.MergeRequest(ctx, mr.ProjectID, mr.IID)
		if rerr != nil {
			return fmt.Errorf("refetching merge request failed: %w", rerr)
		}

		if current.State == gitlab.MRStateMerged {
			return nil
		}

		return err

	case gitlab.KindMethodNotAllowed:
		current, rerr := j.api.MergeRequest(ctx, mr.ProjectID, mr.IID)
		if rerr != nil {
			return fmt.Errorf("refetching merge request failed: %w", rerr)
		}

		switch {
		case current.IsDraft():
			return cannotMerge("The request was marked as WIP as I was processing it (maybe a WIP commit?)")
		case current.State == gitlab.MRStateReopened:
			return cannotMerge(
				"GitLab refused to merge this branch. I suspect that a Push Rule or a git-hook " +
					"is rejecting my commits; maybe my email needs to be white-listed?",
			)
		case current.State == gitlab.MRStateClosed:
			return cannotMerge("Someone closed the merge request while I was attempting to merge it.")
		case current.State == gitlab.MRStateMerged:
			return nil
		default:
			msg := "Gitlab refused to merge this request and I don't know why!"
			if current.MergeError != "" {
				msg += " " + current.MergeError
			}

			return cannotMerge("%s", msg)
		}

	default:
		return cannotMerge("had some issue with GitLab, check my logs...")
	}
}

// waitForMerged polls the merge request until GitLab reports it as merged.
func (j *SingleMergeJob) waitForMerged(ctx context.Context, mr *gitlab.MergeRequest) error {
	logger := j.logger.With(mrLogFields(mr)...)
	start := j.clock.Now()

	for {
		current, err := j.api.MergeRequest(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			return fmt.Errorf("refetching merge request failed: %w", err)
		}

		switch current.State {
		case gitlab.MRStateMerged:
			logger.Info("merge request was merged", logfields.Event("merge_request_merged"))
			return nil

		case gitlab.MRStateClosed:
			return cannotMerge("Someone closed the merge request while merging!")
		}

		if !current.State.IsKnown() {
			return fmt.Errorf("merge request !%d is in unknown state %q", current.IID, current.State)
		}

		if j.clock.Since(start) >= j.mergedTimeout {
			return cannotMerge("It is taking too long to see the request marked as merged!")
		}

		logger.Debug(
			"waiting for merge request to be merged",
			logfields.Event("merge_request_merge_waiting"),
			zap.String("state", string(current.State)),
		)

		if err := j.sleep(ctx, j.mergedPollInterval); err != nil {
			return err
		}
	}
}
