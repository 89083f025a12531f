package job

import (
	"context"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
)

// GitLab is the subset of the platform API used by merge jobs.
type GitLab interface {
	MergeRequest(ctx context.Context, projectID, iid int) (*gitlab.MergeRequest, error)
	MergeRequestCommits(ctx context.Context, mr *gitlab.MergeRequest) ([]*gitlab.Commit, error)
	Project(ctx context.Context, id int) (*gitlab.Project, error)
	User(ctx context.Context, id int) (*gitlab.User, error)
	Approvals(ctx context.Context, mr *gitlab.MergeRequest) (*gitlab.Approvals, error)
	Reapprove(ctx context.Context, mr *gitlab.MergeRequest, approvals *gitlab.Approvals) error
	Commit(ctx context.Context, projectID int, sha string) (*gitlab.Commit, error)
	Branch(ctx context.Context, projectID int, name string) (*gitlab.Branch, error)
	LastCommitOnBranch(ctx context.Context, projectID int, branch string) (*gitlab.Commit, error)
	Pipelines(ctx context.Context, projectID int, ref string) ([]*gitlab.Pipeline, error)
	CancelPipeline(ctx context.Context, projectID, pipelineID int) error
	CommentOnMergeRequest(ctx context.Context, mr *gitlab.MergeRequest, body string) error
	AssignMergeRequest(ctx context.Context, mr *gitlab.MergeRequest, userID int) error
	UnassignMergeRequest(ctx context.Context, mr *gitlab.MergeRequest) error
	AcceptMergeRequest(ctx context.Context, mr *gitlab.MergeRequest, opts gitlab.AcceptOptions) error
	RebaseMergeRequest(ctx context.Context, mr *gitlab.MergeRequest) (*gitlab.MergeRequest, error)
	CreateMergeRequest(ctx context.Context, projectID int, opts *gitlab.CreateMergeRequestOptions) (*gitlab.MergeRequest, error)
	CloseMergeRequest(ctx context.Context, mr *gitlab.MergeRequest) error
	ListMergeRequests(ctx context.Context, projectID int, opts *gitlab.ListMergeRequestsOptions) ([]*gitlab.MergeRequest, error)
}

// Repo is the local working copy of the target project.
type Repo interface {
	Fetch(ctx context.Context, remote, url string) error
	Checkout(ctx context.Context, branch, startPoint string) error
	RemoveBranch(ctx context.Context, branch string) error
	Rebase(ctx context.Context, branch, onto, sourceRemote string) (string, error)
	Merge(ctx context.Context, branch, onto, sourceRemote string, flags ...string) (string, error)
	FastForward(ctx context.Context, target, source string) (string, error)
	Push(ctx context.Context, branch, remote string, opts git.PushOptions) error
	TagWithTrailer(ctx context.Context, name string, values []string, branch, start string) (string, error)
	CommitHash(ctx context.Context, ref string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

var (
	_ GitLab = (*gitlab.Client)(nil)
	_ Repo   = (*git.Repo)(nil)
)
