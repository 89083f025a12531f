package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testGitEnv = []string{
	"GIT_AUTHOR_NAME=Test Author",
	"GIT_AUTHOR_EMAIL=author@example.com",
	"GIT_COMMITTER_NAME=Test Committer",
	"GIT_COMMITTER_EMAIL=committer@example.com",
	"GIT_CONFIG_NOSYSTEM=1",
}

func requireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not found")
	}

	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}

	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(), testGitEnv...)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)

	return strings.TrimSpace(string(out))
}

func commitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	runGit(t, dir, "add", name)
	runGit(t, dir, "commit", "-m", msg)

	return runGit(t, dir, "rev-parse", "HEAD")
}

// testRemote is a bare repository with a main branch and a seeding clone
// used to push commits to it.
type testRemote struct {
	bareDir string
	seedDir string
}

func newTestRemote(t *testing.T) *testRemote {
	t.Helper()

	base := t.TempDir()
	r := testRemote{
		bareDir: filepath.Join(base, "remote.git"),
		seedDir: filepath.Join(base, "seed"),
	}

	runGit(t, "", "init", "--bare", r.bareDir)
	runGit(t, r.bareDir, "symbolic-ref", "HEAD", "refs/heads/main")

	runGit(t, "", "init", r.seedDir)
	runGit(t, r.seedDir, "symbolic-ref", "HEAD", "refs/heads/main")
	runGit(t, r.seedDir, "remote", "add", "origin", r.bareDir)

	commitFile(t, r.seedDir, "README", "hello\n", "Initial commit")
	runGit(t, r.seedDir, "push", "origin", "main")

	return &r
}

func (r *testRemote) commitOnBranch(t *testing.T, branch, startPoint, file, content, msg string) string {
	t.Helper()

	if startPoint != "" {
		runGit(t, r.seedDir, "checkout", "-B", branch, startPoint)
	} else {
		runGit(t, r.seedDir, "checkout", branch)
	}

	sha := commitFile(t, r.seedDir, file, content, msg)
	runGit(t, r.seedDir, "push", "--force", "origin", branch)

	return sha
}

func (r *testRemote) branchHash(t *testing.T, branch string) string {
	t.Helper()

	return runGit(t, r.bareDir, "rev-parse", "refs/heads/"+branch)
}

func cloneTestRemote(t *testing.T, remote *testRemote, opts ...Option) *Repo {
	t.Helper()

	repo := New(remote.bareDir, filepath.Join(t.TempDir(), "clone"), "", opts...)
	require.NoError(t, repo.Clone(context.Background()))
	require.NoError(t, repo.ConfigureIdentity(context.Background(), "Marge Bot", "marge@example.com"))

	return repo
}

func commitMessage(t *testing.T, repo *Repo, ref string) string {
	t.Helper()

	return runGit(t, repo.LocalPath(), "show", "-s", "--format=%B", ref)
}
