// Package repomanager maintains local working copies of GitLab projects.
package repomanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/logfields"
)

const loggerName = "repomanager"

// Manager clones projects on first use and keeps one working copy per
// project.
type Manager struct {
	root       string
	sshKeyFile string
	userName   string
	userEmail  string
	gitTimeout time.Duration
	reference  string

	lock  sync.Mutex
	repos map[int]*git.Repo

	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGitTimeout sets the timeout of individual git commands.
func WithGitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.gitTimeout = d
	}
}

// WithReference clones repositories with "--reference=path".
func WithReference(path string) Option {
	return func(m *Manager) {
		m.reference = path
	}
}

// New creates a Manager that clones into temporary directories below root.
// Commits created in the working copies are attributed to user.
func New(root, sshKeyFile string, user *gitlab.User, opts ...Option) *Manager {
	m := Manager{
		root:       root,
		sshKeyFile: sshKeyFile,
		userName:   user.Name,
		userEmail:  user.EmailAddress(),
		gitTimeout: git.DefaultTimeout,
		repos:      map[int]*git.Repo{},
		logger:     zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&m)
	}

	return &m
}

// RepoFor returns the working copy of project, it is cloned if it does not
// exist yet. When the SSH URL of the project changed since the working
// copy was created, it is replaced by a fresh clone.
func (m *Manager) RepoFor(ctx context.Context, project *gitlab.Project) (*git.Repo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	logger := m.logger.With(logfields.Project(project.PathWithNamespace))
	url := project.SSHURLToRepo

	if repo, exist := m.repos[project.ID]; exist {
		if repo.RemoteURL() == url {
			return repo, nil
		}

		logger.Info(
			"repository url changed, recloning",
			logfields.Event("repository_url_changed"),
			zap.String("old_url", repo.RemoteURL()),
			zap.String("new_url", url),
		)

		if err := m.removeLocked(project.ID); err != nil {
			logger.Warn(
				"removing outdated working copy failed",
				logfields.Event("working_copy_remove_failed"),
				zap.Error(err),
			)
		}
	}

	dir, err := os.MkdirTemp(m.root, fmt.Sprintf("project-%d-", project.ID))
	if err != nil {
		return nil, fmt.Errorf("creating directory for working copy failed: %w", err)
	}

	repo := git.New(url, dir, m.sshKeyFile, git.WithTimeout(m.gitTimeout), git.WithReference(m.reference))

	if err := m.setup(ctx, repo); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn(
				"removing incomplete working copy failed",
				logfields.Event("working_copy_remove_failed"),
				logfields.RepositoryPath(dir),
				zap.Error(rmErr),
			)
		}

		return nil, err
	}

	logger.Info(
		"cloned repository",
		logfields.Event("repository_cloned"),
		logfields.RepositoryPath(dir),
	)

	m.repos[project.ID] = repo

	return repo, nil
}

func (m *Manager) setup(ctx context.Context, repo *git.Repo) error {
	if err := repo.Clone(ctx); err != nil {
		return fmt.Errorf("cloning %s failed: %w", repo.RemoteURL(), err)
	}

	if err := repo.ConfigureIdentity(ctx, m.userName, m.userEmail); err != nil {
		return fmt.Errorf("configuring git identity failed: %w", err)
	}

	return nil
}

// Forget deletes the working copy of the project. The next RepoFor call
// clones it again.
func (m *Manager) Forget(projectID int) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.removeLocked(projectID); err != nil {
		m.logger.Warn(
			"removing working copy failed",
			logfields.Event("working_copy_remove_failed"),
			logfields.ProjectID(projectID),
			zap.Error(err),
		)
	}
}

func (m *Manager) removeLocked(projectID int) error {
	repo, exist := m.repos[projectID]
	if !exist {
		return nil
	}

	delete(m.repos, projectID)

	return os.RemoveAll(repo.LocalPath())
}

// Close deletes all working copies.
func (m *Manager) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	var errs []error
	for id := range m.repos {
		if err := m.removeLocked(id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
