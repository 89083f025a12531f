// Package git drives the git CLI on a local working copy of a remote
// repository.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/logfields"
)

const loggerName = "git"

// DefaultTimeout is the maximum runtime of a single git command.
const DefaultTimeout = 120 * time.Second

// Repo is a local clone of a remote repository.
// All commands run with "git -C LocalPath".
type Repo struct {
	remoteURL  string
	localPath  string
	sshKeyFile string
	timeout    time.Duration
	reference  string

	logger *zap.Logger
}

// Option configures optional Repo settings.
type Option func(*Repo)

// WithTimeout sets the per command timeout. A zero or negative duration
// disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Repo) {
		r.timeout = d
	}
}

// WithReference passes --reference=path to git clone.
func WithReference(path string) Option {
	return func(r *Repo) {
		r.reference = path
	}
}

// New returns a Repo handle for remoteURL cloned into localPath.
// If sshKeyFile is not empty, git commands authenticate with this key.
// New does not clone, Clone() must be called before other operations.
func New(remoteURL, localPath, sshKeyFile string, opts ...Option) *Repo {
	r := Repo{
		remoteURL:  remoteURL,
		localPath:  localPath,
		sshKeyFile: sshKeyFile,
		timeout:    DefaultTimeout,
		logger: zap.L().Named(loggerName).With(
			logfields.RepositoryPath(localPath),
		),
	}

	for _, opt := range opts {
		opt(&r)
	}

	return &r
}

// RemoteURL returns the URL of the remote the repository was cloned from.
func (r *Repo) RemoteURL() string {
	return r.remoteURL
}

// LocalPath returns the directory of the working copy.
func (r *Repo) LocalPath() string {
	return r.localPath
}

type runOpts struct {
	noDirFlag bool
	stdin     io.Reader
	env       []string
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, &runOpts{}, args...)
}

func (r *Repo) run(ctx context.Context, opts *runOpts, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	fullArgs := args
	if !opts.noDirFlag {
		fullArgs = append([]string{"-C", r.localPath}, args...)
	}

	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = opts.stdin
	cmd.Env = append(os.Environ(), r.env()...)
	cmd.Env = append(cmd.Env, opts.env...)

	start := time.Now()
	err := cmd.Run()

	r.logger.Debug(
		"git command executed",
		logfields.Event("git_command_executed"),
		zap.Strings("args", args),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		return stdout.String(), &Error{
			Args:     args,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:      err,
		}
	}

	return stdout.String(), nil
}

func (r *Repo) env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	if r.sshKeyFile != "" {
		env = append(env, fmt.Sprintf(
			"GIT_SSH_COMMAND=ssh -o StrictHostKeyChecking=no -F /dev/null -o IdentitiesOnly=yes -i %s",
			r.sshKeyFile,
		))
	}

	return env
}

// Clone clones the remote repository into the local path.
func (r *Repo) Clone(ctx context.Context) error {
	args := []string{"clone", "--origin=origin"}
	if r.reference != "" {
		args = append(args, "--reference="+r.reference)
	}
	args = append(args, r.remoteURL, r.localPath)

	_, err := r.run(ctx, &runOpts{noDirFlag: true}, args...)
	return err
}

// ConfigureIdentity sets the committer name and email of the local
// repository.
func (r *Repo) ConfigureIdentity(ctx context.Context, name, email string) error {
	if _, err := r.git(ctx, "config", "user.name", name); err != nil {
		return err
	}

	_, err := r.git(ctx, "config", "user.email", email)
	return err
}

// Fetch fetches remote and prunes deleted branches.
// If url is not empty, the remote is (re)configured to point to url
// first.
func (r *Repo) Fetch(ctx context.Context, remote, url string) error {
	if url != "" {
		if _, err := r.git(ctx, "remote", "get-url", remote); err == nil {
			if _, err := r.git(ctx, "remote", "set-url", remote, url); err != nil {
				return err
			}
		} else if _, err := r.git(ctx, "remote", "add", remote, url); err != nil {
			return err
		}
	}

	_, err := r.git(ctx, "fetch", "--prune", remote)
	return err
}

// Checkout switches to branch.
// If startPoint is not empty, the branch is (re)created at startPoint.
func (r *Repo) Checkout(ctx context.Context, branch, startPoint string) error {
	if startPoint == "" {
		_, err := r.git(ctx, "checkout", branch, "--")
		return err
	}

	_, err := r.git(ctx, "checkout", "-B", branch, startPoint, "--")
	return err
}

// CreateBranch creates branch at startPoint without switching to it.
func (r *Repo) CreateBranch(ctx context.Context, branch, startPoint string) error {
	_, err := r.git(ctx, "branch", "--force", branch, startPoint)
	return err
}

// RemoveBranch deletes the local branch. To be able to delete the
// currently checked out branch, HEAD is detached first.
func (r *Repo) RemoveBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return errors.New("branch name is empty")
	}

	if _, err := r.git(ctx, "checkout", "--detach"); err != nil {
		return err
	}

	_, err := r.git(ctx, "branch", "-D", branch)
	return err
}

// Rebase checks out branch and rebases it onto the ref onto.
// If sourceRemote is not empty, branch is recreated from
// sourceRemote/branch before, otherwise the local branch is used.
// On failure the rebase is aborted.
// The commit hash of the rebased branch is returned.
func (r *Repo) Rebase(ctx context.Context, branch, onto, sourceRemote string) (string, error) {
	return r.fuse(ctx, "rebase", branch, onto, sourceRemote)
}

// Merge checks out branch and merges the ref onto into it, flags are
// passed to git merge.
// sourceRemote and the return values are handled like in Rebase().
func (r *Repo) Merge(ctx context.Context, branch, onto, sourceRemote string, flags ...string) (string, error) {
	return r.fuse(ctx, "merge", branch, onto, sourceRemote, append([]string{"--no-edit"}, flags...)...)
}

// FastForward advances the local branch target to source. It fails if
// target is not an ancestor of source.
func (r *Repo) FastForward(ctx context.Context, target, source string) (string, error) {
	return r.fuse(ctx, "merge", target, source, "", "--ff", "--ff-only")
}

func (r *Repo) fuse(ctx context.Context, strategy, branch, onto, sourceRemote string, flags ...string) (string, error) {
	if sourceRemote != "" {
		if err := r.Checkout(ctx, branch, sourceRemote+"/"+branch); err != nil {
			return "", err
		}
	} else if err := r.Checkout(ctx, branch, ""); err != nil {
		return "", err
	}

	args := append([]string{strategy}, flags...)
	args = append(args, onto)

	if _, err := r.git(ctx, args...); err != nil {
		if _, abortErr := r.git(ctx, strategy, "--abort"); abortErr != nil {
			r.logger.Debug(
				"aborting failed git operation failed",
				logfields.Event("git_abort_failed"),
				zap.String("strategy", strategy),
				zap.Error(abortErr),
			)
		}

		return "", err
	}

	return r.CommitHash(ctx, "HEAD")
}

// PushOptions are optional parameters for Push.
type PushOptions struct {
	Force  bool
	SkipCI bool
}

// ErrDirtyWorktree is returned by Push when the working copy contains
// uncommitted changes or untracked files.
var ErrDirtyWorktree = errors.New("working tree is dirty")

// Push pushes the local branch to the branch of the same name on remote.
// remote is either the name of a configured remote or an URL.
// It refuses to push when the working copy is not clean.
func (r *Repo) Push(ctx context.Context, branch, remote string, opts PushOptions) error {
	if err := r.ensureClean(ctx); err != nil {
		return err
	}

	args := []string{"push"}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.SkipCI {
		args = append(args, "-o", "ci.skip")
	}
	args = append(args, remote, branch+":"+branch)

	_, err := r.git(ctx, args...)
	return err
}

// ForcePush is Push with opts.Force enabled.
func (r *Repo) ForcePush(ctx context.Context, branch, remote string) error {
	return r.Push(ctx, branch, remote, PushOptions{Force: true})
}

func (r *Repo) ensureClean(ctx context.Context) error {
	if _, err := r.git(ctx, "diff-index", "--quiet", "HEAD", "--"); err != nil {
		var gitErr *Error
		if errors.As(err, &gitErr) && exitCode(gitErr.Err) == 1 {
			return fmt.Errorf("refusing to push: %w", ErrDirtyWorktree)
		}
		return err
	}

	untracked, err := r.git(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return err
	}

	if strings.TrimSpace(untracked) != "" {
		return fmt.Errorf("refusing to push, untracked files exist: %w", ErrDirtyWorktree)
	}

	return nil
}

// CommitHash returns the commit id ref points to.
func (r *Repo) CommitHash(ctx context.Context, ref string) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// ConfiguredRemoteURL returns the URL git has configured for remote.
func (r *Repo) ConfiguredRemoteURL(ctx context.Context, remote string) (string, error) {
	out, err := r.git(ctx, "config", "--get", "remote."+remote+".url")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// IsAncestor returns true if ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := r.git(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}

	var gitErr *Error
	if errors.As(err, &gitErr) && exitCode(gitErr.Err) == 1 {
		return false, nil
	}

	return false, err
}

// RefContains returns true if commit is part of the history of ref.
func (r *Repo) RefContains(ctx context.Context, ref, commit string) (bool, error) {
	return r.IsAncestor(ctx, commit, ref)
}

// Clean resets the working copy to HEAD and removes untracked files.
func (r *Repo) Clean(ctx context.Context) error {
	if _, err := r.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}

	_, err := r.git(ctx, "clean", "-fdx")
	return err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
