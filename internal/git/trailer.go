package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/logfields"
	"github.com/simplesurance/margebot/internal/trailers"
)

type commitInfo struct {
	tree           string
	authorName     string
	authorEmail    string
	authorDate     string
	committerName  string
	committerEmail string
	committerDate  string
	message        string
}

// TagWithTrailer rewrites the messages of all commits in the range
// start..branch. Existing trailers named name are replaced by one
// trailer per value. Trees, authors, committers and dates are preserved,
// rewriting a range that already carries the trailers does not change any
// commit id.
// The local branch is updated to the rewritten history and its new
// commit id is returned. On failure branch is left unchanged.
func (r *Repo) TagWithTrailer(ctx context.Context, name string, values []string, branch, start string) (string, error) {
	logger := r.logger.With(
		logfields.Branch(branch),
		zap.String("trailer", name),
	)

	origTip, err := r.CommitHash(ctx, branch)
	if err != nil {
		return "", err
	}

	out, err := r.git(ctx, "rev-list", "--reverse", "--topo-order", "--parents", start+".."+origTip)
	if err != nil {
		return "", err
	}

	tr := make([]trailers.Trailer, 0, len(values))
	for _, v := range values {
		tr = append(tr, trailers.Trailer{Name: name, Value: v})
	}

	rewritten := map[string]string{}
	newTip := origTip

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}

		ids := strings.Fields(line)
		commit, parents := ids[0], ids[1:]

		newID, err := r.rewriteCommit(ctx, commit, parents, rewritten, tr)
		if err != nil {
			return "", fmt.Errorf("rewriting commit %s failed: %w", commit, err)
		}

		rewritten[commit] = newID
		newTip = newID
	}

	if newTip == origTip {
		logger.Debug(
			"commit messages already contain trailers",
			logfields.Event("git_trailers_unchanged"),
			logfields.Commit(origTip),
		)

		return origTip, nil
	}

	if err := r.moveBranch(ctx, branch, newTip, origTip); err != nil {
		return "", err
	}

	logger.Debug(
		"added trailers to commits",
		logfields.Event("git_trailers_added"),
		logfields.Commit(newTip),
		zap.String("git.previous_commit", origTip),
		zap.Int("rewritten_commits", len(rewritten)),
	)

	return newTip, nil
}

func (r *Repo) moveBranch(ctx context.Context, branch, newTip, oldTip string) error {
	current, err := r.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err == nil && strings.TrimSpace(current) == branch {
		// trees are unchanged, the index and working tree stay valid
		_, err := r.git(ctx, "reset", "--soft", newTip)
		return err
	}

	_, err = r.git(ctx, "update-ref", "refs/heads/"+branch, newTip, oldTip)
	return err
}

func (r *Repo) rewriteCommit(
	ctx context.Context,
	commit string,
	parents []string,
	rewritten map[string]string,
	tr []trailers.Trailer,
) (string, error) {
	info, err := r.commitInfo(ctx, commit)
	if err != nil {
		return "", err
	}

	args := []string{"commit-tree", info.tree}
	for _, p := range parents {
		if newP, exists := rewritten[p]; exists {
			p = newP
		}
		args = append(args, "-p", p)
	}
	args = append(args, "-F", "-")

	msg := trailers.Rewrite(info.message, tr)

	out, err := r.run(ctx, &runOpts{
		stdin: strings.NewReader(msg),
		env: []string{
			"GIT_AUTHOR_NAME=" + info.authorName,
			"GIT_AUTHOR_EMAIL=" + info.authorEmail,
			"GIT_AUTHOR_DATE=" + info.authorDate,
			"GIT_COMMITTER_NAME=" + info.committerName,
			"GIT_COMMITTER_EMAIL=" + info.committerEmail,
			"GIT_COMMITTER_DATE=" + info.committerDate,
		},
	}, args...)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

const commitInfoFormat = "%T%x00%an%x00%ae%x00%ad%x00%cn%x00%ce%x00%cd%x00%B"

func (r *Repo) commitInfo(ctx context.Context, commit string) (*commitInfo, error) {
	out, err := r.git(ctx, "show", "-s", "--date=raw", "--format="+commitInfoFormat, commit)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(out, "\x00", 8)
	if len(fields) != 8 {
		return nil, errors.New("unexpected git show output format")
	}

	return &commitInfo{
		tree:           fields[0],
		authorName:     fields[1],
		authorEmail:    fields[2],
		authorDate:     fields[3],
		committerName:  fields[4],
		committerEmail: fields[5],
		committerDate:  fields[6],
		message:        strings.TrimRight(fields[7], "\n") + "\n",
	}, nil
}
