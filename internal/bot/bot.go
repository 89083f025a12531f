// Package bot periodically retrieves the merge requests assigned to the bot
// user and merges them one after the other.
package bot

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/job"
	"github.com/simplesurance/margebot/internal/logfields"
	"github.com/simplesurance/margebot/internal/mrfilter"
	"github.com/simplesurance/margebot/internal/retry"
)

//go:generate mockgen -source bot.go -destination mocks/bot.go -package mocks

const loggerName = "bot"

const (
	DefPollInterval     = time.Minute
	defGitFailurePause  = time.Minute
	defReadOnlyCallTime = 5 * time.Minute
)

// API are the GitLab operations needed to find work.
type API interface {
	MyProjects(ctx context.Context) ([]*gitlab.Project, error)
	OpenMergeRequestsForUser(ctx context.Context, projectID int, user *gitlab.User, order gitlab.MergeOrder) ([]*gitlab.MergeRequest, error)
}

// RepoManager provides local working copies of projects.
type RepoManager interface {
	RepoFor(ctx context.Context, project *gitlab.Project) (*git.Repo, error)
	Forget(projectID int)
}

// Bot polls GitLab for merge requests assigned to user and hands them to a
// JobRunner.
// Projects and merge requests are processed sequentially, a working copy
// is never used by more than one job at a time.
type Bot struct {
	api    API
	repos  RepoManager
	runner JobRunner
	user   *gitlab.User

	projectRegexp      *regexp.Regexp
	branchRegexp       *regexp.Regexp
	sourceBranchRegexp *regexp.Regexp
	mergeOrder         gitlab.MergeOrder
	batch              bool
	filter             *mrfilter.Filter

	clock            clock.Clock
	retryer          *retry.Retryer
	logger           *zap.Logger
	pollInterval     time.Duration
	gitFailurePause  time.Duration
	readOnlyCallTime time.Duration
}

type Option func(*Bot)

// WithProjectRegexp restricts the bot to projects whose path with namespace
// matches re.
func WithProjectRegexp(re *regexp.Regexp) Option {
	return func(b *Bot) {
		b.projectRegexp = re
	}
}

// WithBranchRegexp restricts the bot to merge requests whose target branch
// matches re.
func WithBranchRegexp(re *regexp.Regexp) Option {
	return func(b *Bot) {
		b.branchRegexp = re
	}
}

// WithSourceBranchRegexp restricts the bot to merge requests whose source
// branch matches re.
func WithSourceBranchRegexp(re *regexp.Regexp) Option {
	return func(b *Bot) {
		b.sourceBranchRegexp = re
	}
}

func WithMergeOrder(o gitlab.MergeOrder) Option {
	return func(b *Bot) {
		b.mergeOrder = o
	}
}

// WithBatch enables merging multiple merge requests of a project in a
// single batch job.
func WithBatch(enabled bool) Option {
	return func(b *Bot) {
		b.batch = enabled
	}
}

// WithFilter only processes merge requests matching f.
func WithFilter(f *mrfilter.Filter) Option {
	return func(b *Bot) {
		b.filter = f
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(b *Bot) {
		b.pollInterval = d
	}
}

func WithClock(clk clock.Clock) Option {
	return func(b *Bot) {
		b.clock = clk
	}
}

func New(api API, repos RepoManager, runner JobRunner, user *gitlab.User, opts ...Option) *Bot {
	b := Bot{
		api:                api,
		repos:              repos,
		runner:             runner,
		user:               user,
		projectRegexp:      regexp.MustCompile(".*"),
		branchRegexp:       regexp.MustCompile(".*"),
		sourceBranchRegexp: regexp.MustCompile(".*"),
		mergeOrder:         gitlab.MergeOrderCreatedAt,
		clock:              clock.New(),
		retryer:            retry.NewRetryer(),
		logger:             zap.L().Named(loggerName),
		pollInterval:       DefPollInterval,
		gitFailurePause:    defGitFailurePause,
		readOnlyCallTime:   defReadOnlyCallTime,
	}

	for _, opt := range opts {
		opt(&b)
	}

	return &b
}

// Start runs polling cycles until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	defer b.retryer.Stop()

	b.logger.Info(
		"bot started",
		logfields.Event("bot_started"),
		logfields.User(b.user.Username),
		zap.Duration("poll_interval", b.pollInterval),
		zap.Bool("batch", b.batch),
	)

	for {
		if err := b.RunCycle(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error(
				"cycle failed",
				logfields.Event("cycle_failed"),
				zap.Error(err),
			)
		}

		b.logger.Debug(
			"sleeping until next cycle",
			logfields.Event("cycle_sleep"),
			zap.Duration("duration", b.pollInterval),
		)

		if err := b.sleep(ctx, b.pollInterval); err != nil {
			b.logger.Info("bot stopped", logfields.Event("bot_stopped"))
			return
		}
	}
}

// RunCycle processes the merge requests of all projects the bot has access
// to once.
func (b *Bot) RunCycle(ctx context.Context) error {
	projects, err := b.projects(ctx)
	if err != nil {
		return err
	}

	b.logger.Debug(
		"retrieved projects",
		logfields.Event("projects_retrieved"),
		zap.Int("count", len(projects)),
	)

	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.processProject(ctx, p)
	}

	metrics.cycleCompleted()

	return nil
}

func (b *Bot) sleep(ctx context.Context, d time.Duration) error {
	timer := b.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readOnly runs fn via the retryer.
func (b *Bot) readOnly(ctx context.Context, fn func(context.Context) error, logF ...zap.Field) error {
	ctx, cancel := context.WithTimeout(ctx, b.readOnlyCallTime)
	defer cancel()

	return b.retryer.Run(ctx, fn, logF)
}

func (b *Bot) projects(ctx context.Context) ([]*gitlab.Project, error) {
	var all []*gitlab.Project

	err := b.readOnly(ctx, func(ctx context.Context) error {
		var err error
		all, err = b.api.MyProjects(ctx)
		return err
	}, logfields.Event("projects_retrieval"))
	if err != nil {
		return nil, err
	}

	result := make([]*gitlab.Project, 0, len(all))
	for _, p := range all {
		logger := b.logger.With(logfields.Project(p.PathWithNamespace))

		if !b.projectRegexp.MatchString(p.PathWithNamespace) {
			logger.Debug("project does not match regexp, skipping", logfields.Event("project_ignored"))
			continue
		}

		if p.Archived || !p.MergeRequestsEnabled {
			logger.Debug("project is archived or has merge requests disabled, skipping", logfields.Event("project_ignored"))
			continue
		}

		if lvl := p.AccessLevel(); lvl < gitlab.AccessLevelDeveloper {
			logger.Warn(
				"access level is insufficient for merging, skipping project",
				logfields.Event("project_access_insufficient"),
				zap.Int("access_level", int(lvl)),
			)
			continue
		}

		result = append(result, p)
	}

	return result, nil
}

// mergeRequests returns the open merge requests of project that are
// assigned to the bot and pass all filters, in processing order.
func (b *Bot) mergeRequests(ctx context.Context, project *gitlab.Project) ([]*gitlab.MergeRequest, error) {
	var all []*gitlab.MergeRequest

	err := b.readOnly(ctx, func(ctx context.Context) error {
		var err error
		all, err = b.api.OpenMergeRequestsForUser(ctx, project.ID, b.user, b.mergeOrder)
		return err
	}, logfields.Event("merge_requests_retrieval"), logfields.Project(project.PathWithNamespace))
	if err != nil {
		return nil, err
	}

	metrics.setMergeRequestCount(project.PathWithNamespace, len(all))

	result := make([]*gitlab.MergeRequest, 0, len(all))
	for _, mr := range all {
		logger := b.logger.With(logfields.Project(project.PathWithNamespace), logfields.MergeRequest(mr.IID))

		if !b.branchRegexp.MatchString(mr.TargetBranch) {
			logger.Debug("target branch does not match regexp, skipping", logfields.Event("merge_request_ignored"))
			continue
		}

		if !b.sourceBranchRegexp.MatchString(mr.SourceBranch) {
			logger.Debug("source branch does not match regexp, skipping", logfields.Event("merge_request_ignored"))
			continue
		}

		if b.filter != nil {
			match, err := b.filter.Match(ctx, mr)
			if err != nil {
				logger.Warn(
					"evaluating merge request filter failed, skipping",
					logfields.Event("merge_request_filter_failed"),
					zap.Stringer("filter", b.filter),
					zap.Error(err),
				)
				continue
			}

			if !match {
				logger.Debug("merge request does not match filter, skipping", logfields.Event("merge_request_ignored"))
				continue
			}
		}

		result = append(result, mr)
	}

	return result, nil
}

func (b *Bot) processProject(ctx context.Context, project *gitlab.Project) {
	logger := b.logger.With(logfields.Project(project.PathWithNamespace))

	mrs, err := b.mergeRequests(ctx, project)
	if err != nil {
		logger.Error(
			"retrieving merge requests failed",
			logfields.Event("merge_requests_retrieval_failed"),
			zap.Error(err),
		)
		return
	}

	if len(mrs) == 0 {
		logger.Debug("no merge requests to process", logfields.Event("merge_requests_none"))
		return
	}

	logger.Info(
		"processing assigned merge requests",
		logfields.Event("project_processing"),
		zap.Ints("merge_requests", iids(mrs)),
	)

	repo, err := b.repos.RepoFor(ctx, project)
	if err != nil {
		logger.Error(
			"preparing working copy failed",
			logfields.Event("working_copy_failed"),
			zap.Error(err),
		)

		b.recycle(ctx, project)
		return
	}

	if b.batch && len(mrs) > 1 {
		done := b.mergeBatch(ctx, project, repo, mrs)
		if done {
			return
		}
	}

	for _, mr := range mrs {
		if ctx.Err() != nil {
			return
		}

		outcome := b.runner.MergeSingle(ctx, project, repo, mr)
		metrics.jobFinished(project.PathWithNamespace, jobKindSingleVal, outcome.Result.String())

		if isGitError(outcome.Err) {
			b.recycle(ctx, project)
			return
		}
	}
}

// mergeBatch runs a batch job. It returns false when the merge requests
// should be processed by single jobs instead.
func (b *Bot) mergeBatch(ctx context.Context, project *gitlab.Project, repo *git.Repo, mrs []*gitlab.MergeRequest) bool {
	logger := b.logger.With(logfields.Project(project.PathWithNamespace))

	outcome := b.runner.MergeBatch(ctx, project, repo, mrs)
	metrics.jobFinished(project.PathWithNamespace, jobKindBatchVal, outcome.Result.String())

	switch outcome.Result {
	case job.ResultSuccess, job.ResultRetry:
		return true

	case job.ResultFail:
		if isGitError(outcome.Err) {
			b.recycle(ctx, project)
			return true
		}

		var ciErr *job.CIError
		if errors.As(outcome.Err, &ciErr) {
			logger.Info(
				"batch aborted, falling back to merging individually",
				logfields.Event("batch_fallback"),
				zap.String("reason", outcome.Reason),
			)
			return false
		}

		return true

	default:
		logger.Info(
			"batch skipped, falling back to merging individually",
			logfields.Event("batch_fallback"),
			zap.String("reason", outcome.Reason),
		)
		return false
	}
}

// recycle discards the working copy of project and pauses.
// The next cycle clones the project again.
func (b *Bot) recycle(ctx context.Context, project *gitlab.Project) {
	b.logger.Warn(
		"discarding working copy after git failure",
		logfields.Event("working_copy_recycled"),
		logfields.Project(project.PathWithNamespace),
		zap.Duration("pause", b.gitFailurePause),
	)

	b.repos.Forget(project.ID)
	_ = b.sleep(ctx, b.gitFailurePause)
}

func isGitError(err error) bool {
	var gitErr *git.Error
	return errors.As(err, &gitErr)
}

func iids(mrs []*gitlab.MergeRequest) []int {
	result := make([]int, 0, len(mrs))
	for _, mr := range mrs {
		result = append(result, mr.IID)
	}

	return result
}
