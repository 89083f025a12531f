package job

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/logfields"
)

const (
	// BatchBranchName is the branch on which batches are assembled.
	BatchBranchName = "marge_bot_batch_merge_job"
	// BatchMRLabel is the label of merge requests created for batches.
	BatchMRLabel = "marge_bot_batch"
	// BatchMRTitle is the title of merge requests created for batches.
	BatchMRTitle = "Marge Bot Batch MR - DO NOT TOUCH"
)

// BatchMergeJob merges multiple merge requests with the same target branch
// after a single pipeline of their combination succeeded.
type BatchMergeJob struct {
	mergeJob
	mrs []*gitlab.MergeRequest
}

// NewBatchMergeJob creates a job that merges mrs. Only the merge requests
// with the same target branch as the first one are considered.
func NewBatchMergeJob(
	api GitLab,
	user *gitlab.User,
	project *gitlab.Project,
	repo Repo,
	mrs []*gitlab.MergeRequest,
	opts Options,
	jobOpts ...Option,
) *BatchMergeJob {
	return &BatchMergeJob{
		mergeJob: newMergeJob(api, user, project, repo, opts, jobOpts...),
		mrs:      mrs,
	}
}

// Execute merges the batch.
// If the batch can not be assembled, an Outcome with ResultSkip and an
// Err wrapping a *MergeableError is returned, the merge requests should
// then be merged with single merge jobs.
func (j *BatchMergeJob) Execute(ctx context.Context) Outcome {
	j.logger.Info(
		"processing batch",
		logfields.Event("batch_processing"),
		zap.Int("merge_requests", len(j.mrs)),
	)

	err := j.execute(ctx)
	outcome := j.batchOutcome(ctx, err)

	j.logger.Info(
		"processing batch finished",
		logfields.Event("batch_processed"),
		logfields.Result(outcome.Result.String()),
		zap.String("reason", outcome.Reason),
		zap.Error(outcome.Err),
	)

	return outcome
}

func (j *BatchMergeJob) batchOutcome(ctx context.Context, err error) Outcome {
	var mergeableErr *MergeableError
	var ciErr *CIError
	var retryErr *retryError
	var gitErr *git.Error

	switch {
	case err == nil:
		return Outcome{Result: ResultSuccess}
	case ctx.Err() != nil:
		return Outcome{Result: ResultRetry, Reason: "cancelled", Err: err}
	case errors.As(err, &mergeableErr):
		return Outcome{Result: ResultSkip, Reason: mergeableErr.Reason, Err: err}
	case errors.As(err, &ciErr):
		return Outcome{Result: ResultFail, Reason: ciErr.Reason, Err: err}
	case errors.As(err, &retryErr):
		return Outcome{Result: ResultRetry, Reason: retryErr.reason, Err: err}
	case errors.As(err, &gitErr):
		return Outcome{Result: ResultFail, Reason: msgGitBroken, Err: err}
	default:
		return Outcome{Result: ResultFail, Reason: err.Error(), Err: err}
	}
}

func (j *BatchMergeJob) execute(ctx context.Context) error {
	if len(j.mrs) == 0 {
		return &MergeableError{Reason: "no merge requests to batch"}
	}

	targetBranch := j.mrs[0].TargetBranch
	logger := j.logger.With(logfields.TargetBranch(targetBranch))

	if j.opts.Embargo.Covers(j.clock.Now()) {
		return &MergeableError{Reason: "Merge embargo!"}
	}

	j.closeStaleBatchMRs(ctx)

	mergeable, err := j.mergeableMRs(ctx, targetBranch)
	if err != nil {
		return err
	}

	if len(mergeable) < 2 {
		return &MergeableError{Reason: fmt.Sprintf("only %d merge requests can be batched", len(mergeable))}
	}

	if err := j.repo.Fetch(ctx, originRemote, ""); err != nil {
		return err
	}

	targetRef := originRemote + "/" + targetBranch
	targetSHA, err := j.repo.CommitHash(ctx, targetRef)
	if err != nil {
		return err
	}

	if err := j.repo.Checkout(ctx, BatchBranchName, targetRef); err != nil {
		return err
	}
	defer func() {
		if err := j.removeLocalBranch(ctx, BatchBranchName); err != nil {
			logger.Warn(
				"removing batch branch failed",
				logfields.Event("batch_branch_remove_failed"),
				zap.Error(err),
			)
		}
	}()

	batch, err := j.assemble(ctx, mergeable)
	if err != nil {
		return err
	}

	if len(batch) < 2 {
		return &MergeableError{Reason: fmt.Sprintf("only %d merge requests could be fused into the batch", len(batch))}
	}

	logger.Info(
		"assembled batch",
		logfields.Event("batch_assembled"),
		zap.Ints("merge_requests", mrIIDs(batch)),
	)

	if j.requiresCI() {
		if err := j.testBatch(ctx, targetBranch); err != nil {
			return err
		}
	}

	expectedTarget := targetSHA
	for _, mr := range batch {
		newTarget, err := j.mergeInto(ctx, mr, expectedTarget)
		if err != nil {
			var cannotMergeErr *CannotMergeError
			if errors.As(err, &cannotMergeErr) {
				j.failMR(ctx, mr, cannotMergeErr.Reason)
			}

			return fmt.Errorf("merging !%d failed: %w", mr.IID, err)
		}

		expectedTarget = newTarget
	}

	return nil
}

func mrIIDs(mrs []*gitlab.MergeRequest) []int {
	result := make([]int, 0, len(mrs))
	for _, mr := range mrs {
		result = append(result, mr.IID)
	}

	return result
}

// closeStaleBatchMRs closes batch merge requests of previous runs.
func (j *BatchMergeJob) closeStaleBatchMRs(ctx context.Context) {
	stale, err := j.api.ListMergeRequests(ctx, j.project.ID, &gitlab.ListMergeRequestsOptions{
		State:    gitlab.MRStateOpened,
		Labels:   []string{BatchMRLabel},
		AuthorID: j.user.ID,
	})
	if err != nil {
		j.logger.Warn(
			"listing stale batch merge requests failed",
			logfields.Event("stale_batch_list_failed"),
			zap.Error(err),
		)
		return
	}

	for _, mr := range stale {
		if err := j.api.CloseMergeRequest(ctx, mr); err != nil {
			j.logger.Warn(
				"closing stale batch merge request failed",
				logfields.Event("stale_batch_close_failed"),
				logfields.MergeRequest(mr.IID),
				zap.Error(err),
			)
			continue
		}

		j.logger.Info(
			"closed stale batch merge request",
			logfields.Event("stale_batch_closed"),
			logfields.MergeRequest(mr.IID),
		)
	}
}

// mergeableMRs returns the merge requests targeting targetBranch that pass
// all checks. Merge requests that fail a check are reported.
func (j *BatchMergeJob) mergeableMRs(ctx context.Context, targetBranch string) ([]*gitlab.MergeRequest, error) {
	var result []*gitlab.MergeRequest

	for _, mr := range j.mrs {
		if mr.TargetBranch != targetBranch {
			continue
		}

		current, _, err := j.ensureMergeable(ctx, mr)
		if err != nil {
			var skipErr *SkipMergeError
			var cannotMergeErr *CannotMergeError

			switch {
			case errors.As(err, &skipErr):
				j.logger.Info(
					"merge request skipped",
					append(mrLogFields(mr),
						logfields.Event("batch_candidate_skipped"),
						zap.String("reason", skipErr.Reason),
					)...,
				)
				continue

			case errors.As(err, &cannotMergeErr):
				j.failMR(ctx, mr, cannotMergeErr.Reason)
				continue
			}

			return nil, err
		}

		if j.requiresCI() {
			srcProject, _, err := j.sourceProject(ctx, current)
			if err != nil {
				return nil, err
			}

			status, err := j.ciStatus(ctx, srcProject.ID, current.SourceBranch, current.SHA)
			if err != nil {
				return nil, err
			}

			if status != gitlab.CIStatusSuccess {
				j.logger.Info(
					"merge request has no successful pipeline, not batching it",
					append(mrLogFields(mr),
						logfields.Event("batch_candidate_ci_not_passed"),
						zap.String("ci_status", string(status)),
					)...,
				)
				continue
			}
		}

		result = append(result, current)
	}

	return result, nil
}

// assemble fuses the source branches of mrs onto the batch branch.
// Merge requests that can not be fused are left out of the batch.
func (j *BatchMergeJob) assemble(ctx context.Context, mrs []*gitlab.MergeRequest) ([]*gitlab.MergeRequest, error) {
	var batch []*gitlab.MergeRequest

	for _, mr := range mrs {
		logger := j.logger.With(mrLogFields(mr)...)

		srcProject, remote, err := j.sourceProject(ctx, mr)
		if err != nil {
			return nil, err
		}

		if remote != originRemote {
			if err := j.repo.Fetch(ctx, remote, srcProject.SSHURLToRepo); err != nil {
				return nil, err
			}
		}

		fusedSHA, err := j.fuse(ctx, mr.SourceBranch, BatchBranchName, remote)
		if err != nil {
			var gitErr *git.Error
			if !errors.As(err, &gitErr) {
				return nil, err
			}

			logger.Info(
				"fusing merge request into batch failed, leaving it out",
				logfields.Event("batch_fusion_failed"),
				zap.Error(err),
			)

			if err := j.removeLocalBranch(ctx, mr.SourceBranch); err != nil {
				return nil, err
			}

			continue
		}

		if j.requiresCI() {
			if _, err := j.repo.FastForward(ctx, BatchBranchName, mr.SourceBranch); err != nil {
				return nil, err
			}
		}

		if err := j.removeLocalBranch(ctx, mr.SourceBranch); err != nil {
			return nil, err
		}

		logger.Debug(
			"added merge request to batch",
			logfields.Event("batch_fusion_succeeded"),
			logfields.Commit(fusedSHA),
		)

		batch = append(batch, mr)
	}

	return batch, nil
}

// testBatch pushes the batch branch, opens a merge request for it and waits
// for its pipeline.
func (j *BatchMergeJob) testBatch(ctx context.Context, targetBranch string) error {
	sha, err := j.repo.CommitHash(ctx, BatchBranchName)
	if err != nil {
		return err
	}

	if err := j.repo.Push(ctx, BatchBranchName, originRemote, git.PushOptions{Force: true}); err != nil {
		return err
	}

	batchMR, err := j.api.CreateMergeRequest(ctx, j.project.ID, &gitlab.CreateMergeRequestOptions{
		SourceBranch: BatchBranchName,
		TargetBranch: targetBranch,
		Title:        BatchMRTitle,
		Labels:       []string{BatchMRLabel},
	})
	if err != nil {
		return fmt.Errorf("creating batch merge request failed: %w", err)
	}

	defer func() {
		if err := j.api.CloseMergeRequest(ctx, batchMR); err != nil {
			j.logger.Warn(
				"closing batch merge request failed",
				logfields.Event("batch_mr_close_failed"),
				logfields.MergeRequest(batchMR.IID),
				zap.Error(err),
			)
		}
	}()

	err = j.waitForCI(ctx, j.project.ID, BatchBranchName, sha)
	if err != nil {
		var cannotMergeErr *CannotMergeError
		if errors.As(err, &cannotMergeErr) {
			return &CIError{Reason: "batch: " + cannotMergeErr.Reason}
		}

		return err
	}

	return nil
}

// verifyUnchanged returns an MRChangedError if the merge request was
// modified since the batch was assembled.
func (j *BatchMergeJob) verifyUnchanged(ctx context.Context, mr *gitlab.MergeRequest) error {
	current, err := j.api.MergeRequest(ctx, mr.ProjectID, mr.IID)
	if err != nil {
		return fmt.Errorf("refetching merge request failed: %w", err)
	}

	var field string
	switch {
	case current.SourceBranch != mr.SourceBranch:
		field = "source branch"
	case current.SourceProjectID != mr.SourceProjectID:
		field = "source project"
	case current.TargetBranch != mr.TargetBranch:
		field = "target branch"
	case current.TargetProjectID != mr.TargetProjectID:
		field = "target project"
	case current.SHA != mr.SHA:
		field = "sha"
	default:
		return nil
	}

	changedErr := &MRChangedError{IID: mr.IID, Field: field}
	j.failMR(ctx, mr, changedErr.Error())

	return changedErr
}

// mergeInto verifies that the merge request did not change since the batch
// was tested, updates it from the target branch, that must still be at
// expectedTarget, and moves the target branch to the result.
// It returns the new head of the target branch.
func (j *BatchMergeJob) mergeInto(ctx context.Context, mr *gitlab.MergeRequest, expectedTarget string) (string, error) {
	logger := j.logger.With(mrLogFields(mr)...)

	if err := j.verifyUnchanged(ctx, mr); err != nil {
		return "", err
	}

	mr, approvals, err := j.ensureMergeable(ctx, mr)
	if err != nil {
		return "", err
	}

	upd, err := j.updateFromTarget(ctx, mr)
	if err != nil {
		return "", err
	}

	if upd.targetSHA != expectedTarget {
		logger.Warn(
			"target branch was changed while merging the batch",
			logfields.Event("batch_target_moved"),
			zap.String("expected_sha", expectedTarget),
			zap.String("actual_sha", upd.targetSHA),
		)

		return "", retryAttempt("target branch was changed while merging the batch")
	}

	srcProject, _, err := j.sourceProject(ctx, mr)
	if err != nil {
		return "", err
	}

	head, err := j.api.LastCommitOnBranch(ctx, srcProject.ID, mr.SourceBranch)
	if err != nil {
		return "", fmt.Errorf("retrieving head of source branch failed: %w", err)
	}

	if head.ID != upd.actualSHA {
		return "", cannotMerge("Someone pushed to branch while we were trying to merge")
	}

	if err := j.maybeReapprove(ctx, mr, upd, approvals); err != nil {
		return "", err
	}

	if err := j.repo.Checkout(ctx, mr.TargetBranch, originRemote+"/"+mr.TargetBranch); err != nil {
		return "", err
	}

	var newTarget string
	if j.opts.UseNoFFBatches {
		newTarget, err = j.repo.Merge(ctx, mr.TargetBranch, upd.actualSHA, "", "--no-ff")
	} else {
		newTarget, err = j.repo.FastForward(ctx, mr.TargetBranch, upd.actualSHA)
	}
	if err != nil {
		return "", err
	}

	if err := j.repo.Push(ctx, mr.TargetBranch, originRemote, git.PushOptions{}); err != nil {
		return "", err
	}

	logger.Info(
		"merged merge request into target branch",
		logfields.Event("batch_merge_request_merged"),
		logfields.Commit(newTarget),
	)

	j.cancelObsoletePipelines(ctx, srcProject.ID, mr)

	return newTarget, nil
}

// cancelObsoletePipelines cancels pipelines that still run for the source
// branch of a merged merge request.
func (j *BatchMergeJob) cancelObsoletePipelines(ctx context.Context, projectID int, mr *gitlab.MergeRequest) {
	pipelines, err := j.api.Pipelines(ctx, projectID, mr.SourceBranch)
	if err != nil {
		j.logger.Info(
			"listing pipelines failed",
			append(mrLogFields(mr), logfields.Event("pipelines_list_failed"), zap.Error(err))...,
		)
		return
	}

	for _, p := range pipelines {
		if !p.Status.IsInProgress() {
			continue
		}

		if err := j.api.CancelPipeline(ctx, projectID, p.ID); err != nil {
			j.logger.Info(
				"canceling pipeline failed",
				append(mrLogFields(mr), logfields.Event("pipeline_cancel_failed"), zap.Int("pipeline_id", p.ID), zap.Error(err))...,
			)
		}
	}
}
