package job

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
)

const (
	botID    = 1
	authorID = 2
	lisaID   = 3
	bartID   = 4

	projectID = 10
	forkID    = 11
)

type acceptCall struct {
	IID  int
	Opts gitlab.AcceptOptions
}

// fakeAPI is an in-memory GitLab.
type fakeAPI struct {
	projects    map[int]*gitlab.Project
	users       map[int]*gitlab.User
	mrs         map[int]*gitlab.MergeRequest
	approvals   map[int]*gitlab.Approvals
	commits     map[int][]*gitlab.Commit
	branchHeads map[string]string
	protected   map[string]bool
	staleBatch  []*gitlab.MergeRequest

	ciStatus     func(sha string) gitlab.CIStatus
	acceptFn     func(mr *gitlab.MergeRequest, opts gitlab.AcceptOptions) error
	rebaseFn     func(mr *gitlab.MergeRequest) (*gitlab.MergeRequest, error)
	approvalsErr error

	// acceptedState is the state of accepted merge requests, merged if
	// empty.
	acceptedState gitlab.MRState

	resetApprovalsOnPush bool

	comments   map[int][]string
	assignedTo map[int]int
	accepted   []acceptCall
	reapproved []string
	created    []*gitlab.CreateMergeRequestOptions
	closed     []int
	canceled   []int
	pipelines  map[string][]*gitlab.Pipeline
	nextIID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		projects:    map[int]*gitlab.Project{},
		users:       map[int]*gitlab.User{},
		mrs:         map[int]*gitlab.MergeRequest{},
		approvals:   map[int]*gitlab.Approvals{},
		commits:     map[int][]*gitlab.Commit{},
		branchHeads: map[string]string{},
		protected:   map[string]bool{},
		comments:    map[int][]string{},
		assignedTo:  map[int]int{},
		pipelines:   map[string][]*gitlab.Pipeline{},
		ciStatus:    func(string) gitlab.CIStatus { return gitlab.CIStatusSuccess },
		nextIID:     1000,
	}
}

func branchKey(projectID int, branch string) string {
	return fmt.Sprintf("%d:%s", projectID, branch)
}

func notFound(endpoint string) error {
	return &gitlab.APIError{
		Kind:       gitlab.KindNotFound,
		StatusCode: http.StatusNotFound,
		Method:     http.MethodGet,
		Endpoint:   endpoint,
		Message:    "404 Not found",
	}
}

func (a *fakeAPI) setBranchHead(projectID int, branch, sha string, pushed bool) {
	a.branchHeads[branchKey(projectID, branch)] = sha

	for _, mr := range a.mrs {
		if mr.SourceProjectID != projectID || mr.SourceBranch != branch || !mr.State.IsOpen() {
			continue
		}

		mr.SHA = sha

		if pushed && a.resetApprovalsOnPush {
			if appr, ok := a.approvals[mr.IID]; ok {
				appr.ApprovalsLeft = 1
			}
		}
	}
}

func (a *fakeAPI) addMR(mr *gitlab.MergeRequest) {
	a.mrs[mr.IID] = mr
}

func (a *fakeAPI) MergeRequest(_ context.Context, _ int, iid int) (*gitlab.MergeRequest, error) {
	mr, ok := a.mrs[iid]
	if !ok {
		return nil, notFound(fmt.Sprintf("merge_requests/%d", iid))
	}

	c := *mr
	return &c, nil
}

func (a *fakeAPI) MergeRequestCommits(_ context.Context, mr *gitlab.MergeRequest) ([]*gitlab.Commit, error) {
	return a.commits[mr.IID], nil
}

func (a *fakeAPI) Project(_ context.Context, id int) (*gitlab.Project, error) {
	p, ok := a.projects[id]
	if !ok {
		return nil, notFound(fmt.Sprintf("projects/%d", id))
	}

	return p, nil
}

func (a *fakeAPI) User(_ context.Context, id int) (*gitlab.User, error) {
	u, ok := a.users[id]
	if !ok {
		return nil, notFound(fmt.Sprintf("users/%d", id))
	}

	return u, nil
}

func (a *fakeAPI) Approvals(_ context.Context, mr *gitlab.MergeRequest) (*gitlab.Approvals, error) {
	if a.approvalsErr != nil {
		return nil, a.approvalsErr
	}

	appr, ok := a.approvals[mr.IID]
	if !ok {
		return &gitlab.Approvals{}, nil
	}

	c := *appr
	return &c, nil
}

func (a *fakeAPI) Reapprove(_ context.Context, mr *gitlab.MergeRequest, _ *gitlab.Approvals) error {
	a.reapproved = append(a.reapproved, mr.SHA)

	if appr, ok := a.approvals[mr.IID]; ok {
		appr.ApprovalsLeft = 0
	}

	return nil
}

func (a *fakeAPI) Commit(_ context.Context, _ int, sha string) (*gitlab.Commit, error) {
	return &gitlab.Commit{ID: sha, Status: a.ciStatus(sha)}, nil
}

func (a *fakeAPI) Branch(_ context.Context, projectID int, name string) (*gitlab.Branch, error) {
	key := branchKey(projectID, name)

	sha, ok := a.branchHeads[key]
	if !ok {
		return nil, notFound("branches/" + name)
	}

	return &gitlab.Branch{Name: name, Protected: a.protected[key], Commit: gitlab.Commit{ID: sha}}, nil
}

func (a *fakeAPI) LastCommitOnBranch(ctx context.Context, projectID int, branch string) (*gitlab.Commit, error) {
	b, err := a.Branch(ctx, projectID, branch)
	if err != nil {
		return nil, err
	}

	return &b.Commit, nil
}

func (a *fakeAPI) Pipelines(_ context.Context, projectID int, ref string) ([]*gitlab.Pipeline, error) {
	return a.pipelines[branchKey(projectID, ref)], nil
}

func (a *fakeAPI) CancelPipeline(_ context.Context, _, pipelineID int) error {
	a.canceled = append(a.canceled, pipelineID)
	return nil
}

func (a *fakeAPI) CommentOnMergeRequest(_ context.Context, mr *gitlab.MergeRequest, body string) error {
	a.comments[mr.IID] = append(a.comments[mr.IID], body)
	return nil
}

func (a *fakeAPI) AssignMergeRequest(_ context.Context, mr *gitlab.MergeRequest, userID int) error {
	a.assignedTo[mr.IID] = userID

	if stored, ok := a.mrs[mr.IID]; ok {
		stored.Assignees = []gitlab.UserRef{{ID: userID}}
	}

	return nil
}

func (a *fakeAPI) UnassignMergeRequest(_ context.Context, mr *gitlab.MergeRequest) error {
	a.assignedTo[mr.IID] = 0

	if stored, ok := a.mrs[mr.IID]; ok {
		stored.Assignees = nil
	}

	return nil
}

func (a *fakeAPI) AcceptMergeRequest(_ context.Context, mr *gitlab.MergeRequest, opts gitlab.AcceptOptions) error {
	a.accepted = append(a.accepted, acceptCall{IID: mr.IID, Opts: opts})

	if a.acceptFn != nil {
		if err := a.acceptFn(mr, opts); err != nil {
			return err
		}
	}

	stored := a.mrs[mr.IID]
	if stored.SHA != opts.SHA {
		return &gitlab.APIError{
			Kind:       gitlab.KindConflict,
			StatusCode: http.StatusConflict,
			Method:     http.MethodPut,
			Endpoint:   "merge",
			Message:    "SHA does not match HEAD of source branch",
		}
	}

	stored.State = gitlab.MRStateMerged
	if a.acceptedState != "" {
		stored.State = a.acceptedState
	}

	return nil
}

func (a *fakeAPI) RebaseMergeRequest(_ context.Context, mr *gitlab.MergeRequest) (*gitlab.MergeRequest, error) {
	if a.rebaseFn == nil {
		return nil, errors.New("rebase not supported")
	}

	return a.rebaseFn(mr)
}

func (a *fakeAPI) CreateMergeRequest(_ context.Context, projectID int, opts *gitlab.CreateMergeRequestOptions) (*gitlab.MergeRequest, error) {
	a.created = append(a.created, opts)
	a.nextIID++

	mr := &gitlab.MergeRequest{
		IID:             a.nextIID,
		ProjectID:       projectID,
		SourceProjectID: projectID,
		TargetProjectID: projectID,
		SourceBranch:    opts.SourceBranch,
		TargetBranch:    opts.TargetBranch,
		Title:           opts.Title,
		Labels:          opts.Labels,
		State:           gitlab.MRStateOpened,
	}

	return mr, nil
}

func (a *fakeAPI) CloseMergeRequest(_ context.Context, mr *gitlab.MergeRequest) error {
	a.closed = append(a.closed, mr.IID)
	return nil
}

func (a *fakeAPI) ListMergeRequests(context.Context, int, *gitlab.ListMergeRequestsOptions) ([]*gitlab.MergeRequest, error) {
	return a.staleBatch, nil
}

// fakeRepo is an in-memory git working copy. Commits are identified by
// sequential names and only their parents are tracked.
type fakeRepo struct {
	remotes  map[string]map[string]string
	refs     map[string]string
	parents  map[string][]string
	trailers map[string][]string
	seq      int

	// conflicts maps a branch to the ref it conflicts with when being
	// fused, an empty value conflicts with every ref.
	conflicts map[string]string
	fetchErr  error
	onPush    func(remote, branch, sha string)
	onFetch   func(remote string)

	pushes  []string
	fetches []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		remotes: map[string]map[string]string{
			originRemote: {},
			sourceRemote: {},
		},
		refs:      map[string]string{},
		parents:   map[string][]string{},
		trailers:  map[string][]string{},
		conflicts: map[string]string{},
	}
}

func (r *fakeRepo) commit(parents ...string) string {
	r.seq++
	sha := fmt.Sprintf("c%03d", r.seq)
	r.parents[sha] = parents

	return sha
}

func (r *fakeRepo) isAncestor(ancestor, descendant string) bool {
	queue := []string{descendant}
	seen := map[string]bool{}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		if c == ancestor {
			return true
		}

		if seen[c] {
			continue
		}
		seen[c] = true

		queue = append(queue, r.parents[c]...)
	}

	return false
}

func (r *fakeRepo) resolve(ref string) (string, error) {
	if sha, ok := r.refs[ref]; ok {
		return sha, nil
	}

	if _, ok := r.parents[ref]; ok {
		return ref, nil
	}

	return "", gitError(fmt.Errorf("unknown revision %q", ref), "rev-parse", ref)
}

func gitError(err error, args ...string) error {
	return &git.Error{Args: args, Err: err}
}

func (r *fakeRepo) Fetch(_ context.Context, remote, _ string) error {
	r.fetches = append(r.fetches, remote)

	if r.fetchErr != nil {
		return r.fetchErr
	}

	if r.onFetch != nil {
		r.onFetch(remote)
	}

	for ref := range r.refs {
		if strings.HasPrefix(ref, remote+"/") {
			delete(r.refs, ref)
		}
	}

	for branch, sha := range r.remotes[remote] {
		r.refs[remote+"/"+branch] = sha
	}

	return nil
}

func (r *fakeRepo) Checkout(_ context.Context, branch, startPoint string) error {
	if startPoint == "" {
		if _, ok := r.refs[branch]; !ok {
			return gitError(errors.New("unknown branch"), "checkout", branch)
		}

		return nil
	}

	sha, err := r.resolve(startPoint)
	if err != nil {
		return err
	}

	r.refs[branch] = sha

	return nil
}

func (r *fakeRepo) RemoveBranch(_ context.Context, branch string) error {
	delete(r.refs, branch)
	return nil
}

func (r *fakeRepo) prepare(branch, sourceRemote string) (string, error) {
	if sourceRemote != "" {
		sha, err := r.resolve(sourceRemote + "/" + branch)
		if err != nil {
			return "", err
		}

		r.refs[branch] = sha

		return sha, nil
	}

	return r.resolve(branch)
}

func (r *fakeRepo) conflicting(branch, onto string) bool {
	c, ok := r.conflicts[branch]
	return ok && (c == "" || c == onto)
}

func (r *fakeRepo) Rebase(_ context.Context, branch, onto, sourceRemote string) (string, error) {
	tip, err := r.prepare(branch, sourceRemote)
	if err != nil {
		return "", err
	}

	ontoSHA, err := r.resolve(onto)
	if err != nil {
		return "", err
	}

	if r.conflicting(branch, onto) {
		return "", gitError(errors.New("exit status 1"), "rebase", onto)
	}

	if r.isAncestor(ontoSHA, tip) {
		return tip, nil
	}

	rebased := r.commit(ontoSHA)
	r.trailers[rebased] = r.trailers[tip]
	r.refs[branch] = rebased

	return rebased, nil
}

func (r *fakeRepo) Merge(_ context.Context, branch, onto, sourceRemote string, flags ...string) (string, error) {
	tip, err := r.prepare(branch, sourceRemote)
	if err != nil {
		return "", err
	}

	ontoSHA, err := r.resolve(onto)
	if err != nil {
		return "", err
	}

	if r.conflicting(branch, onto) {
		return "", gitError(errors.New("exit status 1"), "merge", onto)
	}

	noFF := false
	for _, f := range flags {
		if f == "--no-ff" {
			noFF = true
		}
	}

	if !noFF {
		if r.isAncestor(ontoSHA, tip) {
			return tip, nil
		}

		if r.isAncestor(tip, ontoSHA) {
			r.refs[branch] = ontoSHA
			return ontoSHA, nil
		}
	}

	merged := r.commit(tip, ontoSHA)
	r.refs[branch] = merged

	return merged, nil
}

func (r *fakeRepo) FastForward(_ context.Context, target, source string) (string, error) {
	tip, err := r.resolve(target)
	if err != nil {
		return "", err
	}

	srcSHA, err := r.resolve(source)
	if err != nil {
		return "", err
	}

	if !r.isAncestor(tip, srcSHA) {
		return "", gitError(errors.New("not possible to fast-forward"), "merge", "--ff-only", source)
	}

	r.refs[target] = srcSHA

	return srcSHA, nil
}

func (r *fakeRepo) Push(_ context.Context, branch, remote string, opts git.PushOptions) error {
	sha, err := r.resolve(branch)
	if err != nil {
		return err
	}

	old := r.remotes[remote][branch]
	if !opts.Force && old != "" && !r.isAncestor(old, sha) {
		return gitError(errors.New("rejected, non-fast-forward"), "push", remote, branch)
	}

	r.remotes[remote][branch] = sha
	r.refs[remote+"/"+branch] = sha
	r.pushes = append(r.pushes, remote+"/"+branch)

	if r.onPush != nil {
		r.onPush(remote, branch, sha)
	}

	return nil
}

func (r *fakeRepo) TagWithTrailer(_ context.Context, name string, values []string, branch, _ string) (string, error) {
	tip, err := r.resolve(branch)
	if err != nil {
		return "", err
	}

	tagged := r.commit(r.parents[tip]...)

	trailers := append([]string{}, r.trailers[tip]...)
	for _, v := range values {
		trailers = append(trailers, name+": "+v)
	}

	r.trailers[tagged] = trailers
	r.refs[branch] = tagged

	return tagged, nil
}

func (r *fakeRepo) CommitHash(_ context.Context, ref string) (string, error) {
	return r.resolve(ref)
}

func (r *fakeRepo) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	if _, err := r.resolve(ancestor); err != nil {
		return false, err
	}

	d, err := r.resolve(descendant)
	if err != nil {
		return false, err
	}

	return r.isAncestor(ancestor, d), nil
}

// scenario is a project with a main branch on which merge requests are
// opened.
type scenario struct {
	api       *fakeAPI
	repo      *fakeRepo
	project   *gitlab.Project
	bot       *gitlab.User
	baseSHA   string
	targetSHA string
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	api := newFakeAPI()
	repo := newFakeRepo()

	s := scenario{
		api:  api,
		repo: repo,
		project: &gitlab.Project{
			ID:                projectID,
			PathWithNamespace: "springfield/nuclear-plant",
			DefaultBranch:     "main",
			SSHURLToRepo:      "git@gitlab.example.com:springfield/nuclear-plant.git",
		},
		bot: &gitlab.User{ID: botID, Username: "marge-bot", Name: "Marge Bot", Email: "marge@example.com"},
	}

	api.projects[projectID] = s.project
	api.projects[forkID] = &gitlab.Project{
		ID:                forkID,
		PathWithNamespace: "homer/nuclear-plant",
		DefaultBranch:     "main",
		SSHURLToRepo:      "git@gitlab.example.com:homer/nuclear-plant.git",
	}

	api.users[botID] = s.bot
	api.users[authorID] = &gitlab.User{ID: authorID, Username: "homer", Name: "Homer Simpson", Email: "homer@example.com"}
	api.users[lisaID] = &gitlab.User{ID: lisaID, Username: "lisa", Name: "Lisa Simpson", Email: "lisa@example.com"}
	api.users[bartID] = &gitlab.User{ID: bartID, Username: "bart", Name: "Bart Simpson", Email: "bart@example.com"}

	s.baseSHA = repo.commit()
	s.targetSHA = repo.commit(s.baseSHA)
	s.moveTarget(s.targetSHA)

	repo.onPush = func(remote, branch, sha string) {
		pid := projectID
		if remote == sourceRemote {
			pid = forkID
		}

		api.setBranchHead(pid, branch, sha, true)
	}

	return &s
}

// moveTarget sets the main branch in the remote repository to sha.
func (s *scenario) moveTarget(sha string) {
	s.repo.remotes[originRemote]["main"] = sha
	s.api.setBranchHead(projectID, "main", sha, false)
}

// addMR opens a merge request assigned to the bot. Its source branch
// consists of one commit based on the parent of the main branch head.
// The returned merge request is a snapshot, modifications to it are not
// seen by the fake API.
func (s *scenario) addMR(iid int, branch string) *gitlab.MergeRequest {
	sha := s.repo.commit(s.baseSHA)
	s.repo.remotes[originRemote][branch] = sha

	mr := &gitlab.MergeRequest{
		ID:              100 + iid,
		IID:             iid,
		ProjectID:       projectID,
		SourceProjectID: projectID,
		TargetProjectID: projectID,
		Title:           "Fix the reactor " + branch,
		SourceBranch:    branch,
		TargetBranch:    "main",
		SHA:             sha,
		State:           gitlab.MRStateOpened,
		WebURL:          fmt.Sprintf("https://gitlab.example.com/springfield/nuclear-plant/-/merge_requests/%d", iid),
		Author:          gitlab.UserRef{ID: authorID, Username: "homer"},
		Assignees:       []gitlab.UserRef{{ID: botID, Username: "marge-bot"}},
	}

	stored := *mr
	s.api.addMR(&stored)
	s.api.setBranchHead(projectID, branch, sha, false)

	return mr
}

func (s *scenario) requireCI() {
	s.project.OnlyAllowMergeIfPipelineSucceeds = true
}

func shortIntervals(j *mergeJob) {
	j.ciPollInterval = time.Millisecond
	j.approvalPollInterval = time.Millisecond
	j.mergedPollInterval = time.Millisecond
	j.mergedTimeout = time.Second
	j.finalPipelineWait = time.Millisecond
}

func (s *scenario) singleJob(mr *gitlab.MergeRequest, opts Options, jobOpts ...Option) *SingleMergeJob {
	j := NewSingleMergeJob(s.api, s.bot, s.project, s.repo, mr, opts, jobOpts...)
	shortIntervals(&j.mergeJob)

	return j
}

func (s *scenario) batchJob(mrs []*gitlab.MergeRequest, opts Options, jobOpts ...Option) *BatchMergeJob {
	j := NewBatchMergeJob(s.api, s.bot, s.project, s.repo, mrs, opts, jobOpts...)
	shortIntervals(&j.mergeJob)

	return j
}
