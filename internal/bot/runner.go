package bot

import (
	"context"

	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/job"
)

//go:generate mockgen -source runner.go -destination mocks/runner.go -package mocks

// JobRunner executes merge jobs against a working copy of a project.
type JobRunner interface {
	MergeSingle(ctx context.Context, project *gitlab.Project, repo job.Repo, mr *gitlab.MergeRequest) job.Outcome
	MergeBatch(ctx context.Context, project *gitlab.Project, repo job.Repo, mrs []*gitlab.MergeRequest) job.Outcome
}

// Runner runs merge jobs as user with the same options for every project.
type Runner struct {
	api     job.GitLab
	user    *gitlab.User
	opts    job.Options
	jobOpts []job.Option
}

// NewRunner returns a Runner that creates jobs with opts.
// The duration of CI waits is recorded as metric.
func NewRunner(api job.GitLab, user *gitlab.User, opts job.Options, jobOpts ...job.Option) *Runner {
	return &Runner{
		api:     api,
		user:    user,
		opts:    opts,
		jobOpts: append([]job.Option{job.WithCIWaitObserver(metrics.observeCIWait)}, jobOpts...),
	}
}

func (r *Runner) MergeSingle(ctx context.Context, project *gitlab.Project, repo job.Repo, mr *gitlab.MergeRequest) job.Outcome {
	return job.NewSingleMergeJob(r.api, r.user, project, repo, mr, r.opts, r.jobOpts...).Execute(ctx)
}

func (r *Runner) MergeBatch(ctx context.Context, project *gitlab.Project, repo job.Repo, mrs []*gitlab.MergeRequest) job.Outcome {
	return job.NewBatchMergeJob(r.api, r.user, project, repo, mrs, r.opts, r.jobOpts...).Execute(ctx)
}
