package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/logfields"
)

const loggerName = "job"

const (
	originRemote = "origin"
	sourceRemote = "source"
)

const (
	defCIPollInterval       = 10 * time.Second
	defApprovalPollInterval = 2 * time.Second
	defMergedPollInterval   = 10 * time.Second
	defMergedTimeout        = 5 * time.Minute
	defFinalPipelineWait    = 30 * time.Second
	defMaxAttempts          = 10
)

const (
	msgBroken           = "I'm broken on the inside, please somebody fix me... :cry:"
	msgGitBroken        = "Something seems broken on my local git repo; check my logs!"
	msgCannotMergePrefix = "I couldn't merge this branch: "
)

// Option configures merge jobs.
type Option func(*mergeJob)

// WithClock sets the clock used for timeouts and waiting.
func WithClock(clk clock.Clock) Option {
	return func(j *mergeJob) {
		j.clock = clk
	}
}

// WithCIWaitObserver registers a function that is called with the duration
// of every completed wait for a pipeline.
func WithCIWaitObserver(fn func(time.Duration)) Option {
	return func(j *mergeJob) {
		j.observeCIWait = fn
	}
}

// mergeJob contains the functionality shared by single and batch merge
// jobs.
type mergeJob struct {
	api     GitLab
	user    *gitlab.User
	project *gitlab.Project
	repo    Repo
	opts    Options

	clock         clock.Clock
	observeCIWait func(time.Duration)
	logger        *zap.Logger

	ciPollInterval       time.Duration
	approvalPollInterval time.Duration
	mergedPollInterval   time.Duration
	mergedTimeout        time.Duration
	finalPipelineWait    time.Duration
	maxAttempts          int
}

func newMergeJob(api GitLab, user *gitlab.User, project *gitlab.Project, repo Repo, opts Options, jobOpts ...Option) mergeJob {
	j := mergeJob{
		api:                  api,
		user:                 user,
		project:              project,
		repo:                 repo,
		opts:                 opts,
		clock:                clock.New(),
		logger:               zap.L().Named(loggerName).With(logfields.Project(project.PathWithNamespace)),
		ciPollInterval:       defCIPollInterval,
		approvalPollInterval: defApprovalPollInterval,
		mergedPollInterval:   defMergedPollInterval,
		mergedTimeout:        defMergedTimeout,
		finalPipelineWait:    defFinalPipelineWait,
		maxAttempts:          defMaxAttempts,
	}

	for _, o := range jobOpts {
		o(&j)
	}

	return j
}

func mrLogFields(mr *gitlab.MergeRequest) []zap.Field {
	return []zap.Field{
		logfields.MergeRequest(mr.IID),
		logfields.SourceBranch(mr.SourceBranch),
		logfields.TargetBranch(mr.TargetBranch),
	}
}

func (j *mergeJob) sleep(ctx context.Context, d time.Duration) error {
	timer := j.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requiresCI returns true if the target project only allows merging after
// a successful pipeline.
func (j *mergeJob) requiresCI() bool {
	return j.project.OnlyAllowMergeIfPipelineSucceeds
}

// ensureMergeable refetches the merge request and verifies that it can be
// merged by the bot.
func (j *mergeJob) ensureMergeable(ctx context.Context, mr *gitlab.MergeRequest) (*gitlab.MergeRequest, *gitlab.Approvals, error) {
	mr, err := j.api.MergeRequest(ctx, mr.ProjectID, mr.IID)
	if err != nil {
		return nil, nil, fmt.Errorf("refetching merge request failed: %w", err)
	}

	if mr.IsDraft() {
		return nil, nil, cannotMerge("Sorry, I can't merge requests marked as Work-In-Progress!")
	}

	if mr.Squash && j.opts.RequestsCommitTagging() {
		return nil, nil, cannotMerge("Sorry, merging requests marked as auto-squash would ruin my commit tagging!")
	}

	approvals, err := j.api.Approvals(ctx, mr)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving approvals failed: %w", err)
	}

	if !approvals.Sufficient() {
		return nil, nil, cannotMerge(
			"Insufficient approvals (have: %v missing: %d)",
			approvals.ApproverUsernames(), approvals.ApprovalsLeft,
		)
	}

	switch {
	case mr.State == gitlab.MRStateMerged || mr.State == gitlab.MRStateClosed:
		return nil, nil, skipMerge(fmt.Sprintf("The merge request is already %s!", mr.State))
	case !mr.State.IsOpen():
		return nil, nil, cannotMerge("The merge request is in an unknown state: %s", mr.State)
	}

	if j.opts.Embargo.Covers(j.clock.Now()) {
		return nil, nil, skipMerge("Merge embargo!")
	}

	if !mr.IsAssignedTo(j.user.ID) {
		return nil, nil, skipMerge("It is not assigned to me anymore!")
	}

	return mr, approvals, nil
}

// sourceProject returns the project containing the source branch and the
// name of the git remote it is fetched from.
func (j *mergeJob) sourceProject(ctx context.Context, mr *gitlab.MergeRequest) (*gitlab.Project, string, error) {
	if mr.SourceProjectID == j.project.ID {
		return j.project, originRemote, nil
	}

	p, err := j.api.Project(ctx, mr.SourceProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("retrieving source project failed: %w", err)
	}

	return p, sourceRemote, nil
}

func (j *mergeJob) fetch(ctx context.Context, srcProject *gitlab.Project, remote string) error {
	if err := j.repo.Fetch(ctx, originRemote, ""); err != nil {
		return err
	}

	if remote == originRemote {
		return nil
	}

	return j.repo.Fetch(ctx, remote, srcProject.SSHURLToRepo)
}

// update describes the result of bringing a source branch up to date with
// its target branch.
type update struct {
	// targetSHA is the commit of the target branch the source branch is
	// based on.
	targetSHA string
	// actualSHA is the head of the source branch after the update.
	actualSHA string
	// changed is true if the source branch head was modified.
	changed bool
}

// updateFromTarget fetches the target and source branch, fuses them,
// applies trailers and pushes the result to the source branch.
func (j *mergeJob) updateFromTarget(ctx context.Context, mr *gitlab.MergeRequest) (_ *update, err error) {
	logger := j.logger.With(mrLogFields(mr)...)

	srcProject, remote, err := j.sourceProject(ctx, mr)
	if err != nil {
		return nil, err
	}

	if remote == originRemote && mr.SourceBranch == mr.TargetBranch {
		return nil, cannotMerge("source and target branch seem to coincide!")
	}

	if err := j.fetch(ctx, srcProject, remote); err != nil {
		return nil, err
	}

	targetRef := originRemote + "/" + mr.TargetBranch
	sourceRef := remote + "/" + mr.SourceBranch

	targetSHA, err := j.repo.CommitHash(ctx, targetRef)
	if err != nil {
		return nil, err
	}

	initialSHA, err := j.repo.CommitHash(ctx, sourceRef)
	if err != nil {
		return nil, err
	}

	upToDate, err := j.repo.IsAncestor(ctx, targetSHA, initialSHA)
	if err != nil {
		return nil, err
	}

	if j.opts.Fusion == FusionGitLabRebase {
		if upToDate {
			return &update{targetSHA: targetSHA, actualSHA: initialSHA}, nil
		}

		return j.updateUsingGitLabRebase(ctx, mr, srcProject, remote, targetSHA, initialSHA)
	}

	if upToDate && !j.opts.RequestsCommitTagging() {
		logger.Debug(
			"source branch already contains target branch",
			logfields.Event("source_branch_up_to_date"),
			logfields.Commit(initialSHA),
		)
		return &update{targetSHA: targetSHA, actualSHA: initialSHA}, nil
	}

	defer func() {
		if rmErr := j.removeLocalBranch(ctx, mr.SourceBranch); rmErr != nil && err == nil {
			err = rmErr
		}
	}()

	fusedSHA, err := j.fuse(ctx, mr.SourceBranch, targetRef, remote)
	if err != nil {
		var gitErr *git.Error
		if errors.As(err, &gitErr) {
			logger.Info(
				"fusing source with target branch failed",
				logfields.Event("fusion_failed"),
				zap.Stringer("fusion", j.opts.Fusion),
				zap.Error(err),
			)

			return nil, cannotMerge("got conflicts while %sing, your problem now...", fusionVerb(j.opts.Fusion))
		}

		return nil, err
	}

	if fusedSHA == targetSHA {
		return nil, cannotMerge("these changes already exist in branch `%s`", mr.TargetBranch)
	}

	actualSHA, err := j.addTrailers(ctx, mr, targetRef)
	if err != nil {
		var gitErr *git.Error
		if errors.As(err, &gitErr) {
			logger.Warn(
				"adding trailers failed",
				logfields.Event("adding_trailers_failed"),
				zap.Error(err),
			)

			return nil, cannotMerge("failed on filter-branch; check my logs!")
		}

		return nil, err
	}

	if actualSHA == "" {
		actualSHA = fusedSHA
	}

	if actualSHA == initialSHA {
		return &update{targetSHA: targetSHA, actualSHA: actualSHA}, nil
	}

	err = j.repo.Push(ctx, mr.SourceBranch, remote, git.PushOptions{Force: true})
	if err != nil {
		return nil, j.handlePushError(ctx, mr, srcProject, remote, initialSHA, err)
	}

	logger.Info(
		"pushed updated source branch",
		logfields.Event("source_branch_updated"),
		logfields.Commit(actualSHA),
		zap.String("target_sha", targetSHA),
	)

	return &update{targetSHA: targetSHA, actualSHA: actualSHA, changed: true}, nil
}

func fusionVerb(f Fusion) string {
	if f == FusionMerge {
		return "merg"
	}

	return "rebas"
}

func (j *mergeJob) fuse(ctx context.Context, branch, onto, remote string) (string, error) {
	if j.opts.Fusion == FusionMerge {
		return j.repo.Merge(ctx, branch, onto, remote)
	}

	return j.repo.Rebase(ctx, branch, onto, remote)
}

func (j *mergeJob) handlePushError(ctx context.Context, mr *gitlab.MergeRequest, srcProject *gitlab.Project, remote, initialSHA string, pushErr error) error {
	logger := j.logger.With(mrLogFields(mr)...)

	logger.Info(
		"pushing source branch failed",
		logfields.Event("push_failed"),
		zap.Error(pushErr),
	)

	branch, err := j.api.Branch(ctx, srcProject.ID, mr.SourceBranch)
	if err == nil && branch.Protected {
		return cannotMerge("Sorry, I can't push rewritten changes for protected branches!")
	}

	if err := j.repo.Fetch(ctx, remote, ""); err != nil {
		return err
	}

	remoteSHA, err := j.repo.CommitHash(ctx, remote+"/"+mr.SourceBranch)
	if err != nil {
		return err
	}

	if remoteSHA != initialSHA {
		return retryAttempt("someone pushed to the source branch while it was updated")
	}

	return cannotMerge("failed to push rebased changes, check my logs!")
}

func (j *mergeJob) updateUsingGitLabRebase(
	ctx context.Context,
	mr *gitlab.MergeRequest,
	srcProject *gitlab.Project,
	remote, targetSHA, initialSHA string,
) (*update, error) {
	rebased, err := j.api.RebaseMergeRequest(ctx, mr)
	if err != nil {
		var rebaseErr *gitlab.RebaseError
		var apiErr *gitlab.APIError

		switch {
		case errors.As(err, &rebaseErr):
			return nil, cannotMerge("GitLab failed to rebase the branch saying: %s", rebaseErr.Message)

		case errors.Is(err, gitlab.ErrRebaseTimeout):
			return nil, cannotMerge("GitLab was taking too long to rebase the branch...")

		case errors.As(err, &apiErr):
			branch, brErr := j.api.Branch(ctx, srcProject.ID, mr.SourceBranch)
			if brErr == nil && branch.Protected {
				return nil, cannotMerge("Sorry, I can't modify protected branches!")
			}
		}

		return nil, err
	}

	if err := j.repo.Fetch(ctx, remote, ""); err != nil {
		return nil, err
	}

	containsTarget, err := j.repo.IsAncestor(ctx, targetSHA, rebased.SHA)
	if err != nil {
		return nil, err
	}

	if !containsTarget {
		return nil, &RebaseResultMismatchError{GitLabSHA: rebased.SHA, ExpectedSHA: targetSHA}
	}

	return &update{
		targetSHA: targetSHA,
		actualSHA: rebased.SHA,
		changed:   rebased.SHA != initialSHA,
	}, nil
}

// addTrailers adds the configured trailers to the local source branch.
// It returns the new head of the branch or an empty string if no trailers
// are configured.
func (j *mergeJob) addTrailers(ctx context.Context, mr *gitlab.MergeRequest, targetRef string) (string, error) {
	var sha string

	if j.opts.AddReviewers {
		reviewers, err := j.reviewedByTrailers(ctx, mr)
		if err != nil {
			return "", err
		}

		sha, err = j.repo.TagWithTrailer(ctx, "Reviewed-by", reviewers, mr.SourceBranch, targetRef)
		if err != nil {
			return "", err
		}
	}

	if j.opts.AddTested && j.requiresCI() && j.opts.Fusion == FusionRebase {
		var err error

		sha, err = j.repo.TagWithTrailer(
			ctx,
			"Tested-by",
			[]string{fmt.Sprintf("%s <%s>", j.user.Name, mr.WebURL)},
			mr.SourceBranch,
			mr.SourceBranch+"^",
		)
		if err != nil {
			return "", err
		}
	}

	if j.opts.AddPartOf {
		var err error

		sha, err = j.repo.TagWithTrailer(ctx, "Part-of", []string{"<" + mr.WebURL + ">"}, mr.SourceBranch, targetRef)
		if err != nil {
			return "", err
		}
	}

	return sha, nil
}

func (j *mergeJob) reviewedByTrailers(ctx context.Context, mr *gitlab.MergeRequest) ([]string, error) {
	approvals, err := j.api.Approvals(ctx, mr)
	if err != nil {
		return nil, fmt.Errorf("retrieving approvals failed: %w", err)
	}

	approvers := make([]*gitlab.User, 0, len(approvals.ApprovedBy))
	for _, uid := range approvals.ApproverIDs() {
		u, err := j.api.User(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("retrieving approver %d failed: %w", uid, err)
		}

		approvers = append(approvers, u)
	}

	commits, err := j.api.MergeRequestCommits(ctx, mr)
	if err != nil {
		return nil, fmt.Errorf("retrieving merge request commits failed: %w", err)
	}

	for _, approver := range approvers {
		email := approver.EmailAddress()
		if email == "" {
			continue
		}

		for _, c := range commits {
			if strings.EqualFold(c.AuthorEmail, email) && len(approvers) <= 1 {
				return nil, cannotMerge("Commits require at least two independent reviewers.")
			}
		}
	}

	result := make([]string, 0, len(approvers))
	for _, approver := range approvers {
		result = append(result, fmt.Sprintf("%s <%s>", approver.Name, approver.EmailAddress()))
	}

	return result, nil
}

func (j *mergeJob) removeLocalBranch(ctx context.Context, branch string) error {
	// removing the default branch would leave the working copy without a
	// branch to check out
	if branch == j.project.DefaultBranch {
		return nil
	}

	return j.repo.RemoveBranch(ctx, branch)
}

// ciStatus returns the CI status of sha. When the commit has no status the
// most recent pipeline of the branch for sha decides.
func (j *mergeJob) ciStatus(ctx context.Context, projectID int, branch, sha string) (gitlab.CIStatus, error) {
	commit, err := j.api.Commit(ctx, projectID, sha)
	if err != nil {
		return "", fmt.Errorf("retrieving commit %s failed: %w", sha, err)
	}

	if st := commit.CIStatus(); st != "" {
		return st, nil
	}

	pipelines, err := j.api.Pipelines(ctx, projectID, branch)
	if err != nil {
		return "", fmt.Errorf("retrieving pipelines failed: %w", err)
	}

	for _, p := range pipelines {
		if p.SHA == sha {
			return p.Status, nil
		}
	}

	return "", nil
}

// waitForCI polls the CI status of sha until it succeeded, failed or the
// CI timeout expired.
func (j *mergeJob) waitForCI(ctx context.Context, projectID int, branch, sha string) error {
	logger := j.logger.With(logfields.Branch(branch), logfields.Commit(sha))
	start := j.clock.Now()

	logger.Info("waiting for CI", logfields.Event("ci_waiting"))

	for {
		status, err := j.ciStatus(ctx, projectID, branch, sha)
		if err != nil {
			return err
		}

		switch status {
		case gitlab.CIStatusSuccess:
			j.recordCIWait(start)
			logger.Info("CI passed", logfields.Event("ci_passed"))
			return nil

		case gitlab.CIStatusFailed:
			j.recordCIWait(start)
			return cannotMerge("CI failed!")

		case gitlab.CIStatusCanceled:
			j.recordCIWait(start)
			return cannotMerge("Someone canceled the CI.")

		case gitlab.CIStatusPending, gitlab.CIStatusRunning, gitlab.CIStatusCreated, gitlab.CIStatusSkipped:
			logger.Debug("CI in progress", logfields.Event("ci_in_progress"), zap.String("ci_status", string(status)))

		default:
			logger.Warn("CI status is suspicious", logfields.Event("ci_status_suspicious"), zap.String("ci_status", string(status)))
		}

		if j.clock.Since(start) >= j.opts.CITimeout {
			j.recordCIWait(start)
			return cannotMerge("CI is taking too long.")
		}

		if err := j.sleep(ctx, j.ciPollInterval); err != nil {
			return err
		}
	}
}

func (j *mergeJob) recordCIWait(start time.Time) {
	if j.observeCIWait != nil {
		j.observeCIWait(j.clock.Since(start))
	}
}

// maybeReapprove restores the approvals of the merge request when GitLab
// reset them because of a push to the source branch.
func (j *mergeJob) maybeReapprove(ctx context.Context, mr *gitlab.MergeRequest, upd *update, approvals *gitlab.Approvals) error {
	if !j.opts.Reapprove || !upd.changed || len(approvals.ApprovedBy) == 0 {
		return nil
	}

	logger := j.logger.With(mrLogFields(mr)...)
	deadline := j.clock.Now().Add(j.opts.ApprovalTimeout)

	for {
		current, err := j.api.Approvals(ctx, mr)
		if err != nil {
			return fmt.Errorf("retrieving approvals failed: %w", err)
		}

		if !current.Sufficient() {
			break
		}

		if !j.clock.Now().Before(deadline) {
			logger.Debug(
				"approvals were not reset",
				logfields.Event("approvals_not_reset"),
			)
			return nil
		}

		if err := j.sleep(ctx, j.approvalPollInterval); err != nil {
			return err
		}
	}

	atHead := *mr
	atHead.SHA = upd.actualSHA

	if err := j.api.Reapprove(ctx, &atHead, approvals); err != nil {
		return fmt.Errorf("reapproving failed: %w", err)
	}

	logger.Info(
		"restored approvals",
		logfields.Event("reapproved"),
		zap.Strings("approvers", approvals.ApproverUsernames()),
	)

	return nil
}

// unassign gives the merge request back to its author, or unassigns it
// if the bot is the author.
func (j *mergeJob) unassign(ctx context.Context, mr *gitlab.MergeRequest) error {
	if mr.Author.ID == j.user.ID || mr.Author.ID == 0 {
		return j.api.UnassignMergeRequest(ctx, mr)
	}

	return j.api.AssignMergeRequest(ctx, mr, mr.Author.ID)
}

// failMR reassigns the merge request and comments why it was not merged.
func (j *mergeJob) failMR(ctx context.Context, mr *gitlab.MergeRequest, reason string) {
	logger := j.logger.With(mrLogFields(mr)...)

	logger.Info(
		"merge request can not be merged",
		logfields.Event("merge_request_rejected"),
		zap.String("reason", reason),
	)

	if err := j.unassign(ctx, mr); err != nil {
		logger.Warn(
			"unassigning merge request failed",
			logfields.Event("unassign_failed"),
			zap.Error(err),
		)
	}

	if err := j.api.CommentOnMergeRequest(ctx, mr, msgCannotMergePrefix+reason); err != nil {
		logger.Warn(
			"commenting on merge request failed",
			logfields.Event("comment_failed"),
			zap.Error(err),
		)
	}
}

func (j *mergeJob) comment(ctx context.Context, mr *gitlab.MergeRequest, msg string) {
	if err := j.api.CommentOnMergeRequest(ctx, mr, msg); err != nil {
		j.logger.Warn(
			"commenting on merge request failed",
			append(mrLogFields(mr),
				logfields.Event("comment_failed"),
				zap.Error(err),
			)...,
		)
	}
}

// outcome converts the error of a merge attempt to an Outcome and reports
// failures on the merge request.
func (j *mergeJob) outcome(ctx context.Context, mr *gitlab.MergeRequest, err error) Outcome {
	var skipErr *SkipMergeError
	var cannotMergeErr *CannotMergeError
	var gitErr *git.Error
	var retryErr *retryError

	switch {
	case err == nil:
		return Outcome{Result: ResultSuccess}

	case ctx.Err() != nil:
		return Outcome{Result: ResultRetry, Reason: "cancelled", Err: err}

	case errors.As(err, &skipErr):
		return Outcome{Result: ResultSkip, Reason: skipErr.Reason}

	case errors.As(err, &cannotMergeErr):
		j.failMR(ctx, mr, cannotMergeErr.Reason)
		return Outcome{Result: ResultFail, Reason: cannotMergeErr.Reason, Err: err}

	case errors.As(err, &gitErr):
		j.failMR(ctx, mr, msgGitBroken)
		return Outcome{Result: ResultFail, Reason: msgGitBroken, Err: err}

	case errors.As(err, &retryErr), errors.Is(err, errTooManyAttempts):
		return Outcome{Result: ResultRetry, Reason: err.Error(), Err: err}

	default:
		j.logger.Error(
			"merging failed unexpectedly",
			append(mrLogFields(mr),
				logfields.Event("merge_failed_unexpectedly"),
				zap.Error(err),
			)...,
		)

		j.failMR(ctx, mr, msgBroken)
		return Outcome{Result: ResultFail, Reason: msgBroken, Err: err}
	}
}
