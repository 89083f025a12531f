package gitlab

import (
	"context"
	"fmt"
	"net/url"
)

// Commit is a git commit in a project repository.
type Commit struct {
	ID           string   `json:"id"`
	ShortID      string   `json:"short_id"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	AuthorName   string   `json:"author_name"`
	AuthorEmail  string   `json:"author_email"`
	Status       CIStatus `json:"status"`
	LastPipeline *struct {
		ID     int      `json:"id"`
		Status CIStatus `json:"status"`
	} `json:"last_pipeline"`
}

// CIStatus returns the status of the most recent pipeline of the commit.
// It is empty if no pipeline exists.
func (c *Commit) CIStatus() CIStatus {
	if c.Status != "" {
		return c.Status
	}

	if c.LastPipeline != nil {
		return c.LastPipeline.Status
	}

	return ""
}

// Commit returns the commit with the given sha.
func (c *Client) Commit(ctx context.Context, projectID int, sha string) (*Commit, error) {
	var commit Commit

	ep := fmt.Sprintf("projects/%d/repository/commits/%s", projectID, url.PathEscape(sha))
	if _, err := c.Call(ctx, GET(ep, nil), &commit); err != nil {
		return nil, err
	}

	return &commit, nil
}

// Branch is a branch in a project repository.
type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Commit    Commit `json:"commit"`
}

// Branch returns the branch with the given name.
func (c *Client) Branch(ctx context.Context, projectID int, name string) (*Branch, error) {
	var b Branch

	ep := fmt.Sprintf("projects/%d/repository/branches/%s", projectID, url.PathEscape(name))
	if _, err := c.Call(ctx, GET(ep, nil), &b); err != nil {
		return nil, err
	}

	return &b, nil
}

// LastCommitOnBranch returns the head commit of the branch.
func (c *Client) LastCommitOnBranch(ctx context.Context, projectID int, branch string) (*Commit, error) {
	b, err := c.Branch(ctx, projectID, branch)
	if err != nil {
		return nil, err
	}

	return &b.Commit, nil
}

// Pipeline is a CI pipeline.
type Pipeline struct {
	ID     int      `json:"id"`
	Status CIStatus `json:"status"`
	Ref    string   `json:"ref"`
	SHA    string   `json:"sha"`
}

// Pipelines returns the most recent pipelines that ran for the branch ref,
// newest first.
func (c *Client) Pipelines(ctx context.Context, projectID int, ref string) ([]*Pipeline, error) {
	var result []*Pipeline

	cmd := GET(fmt.Sprintf("projects/%d/pipelines", projectID), map[string]any{
		"ref":      ref,
		"order_by": "id",
		"sort":     "desc",
		"per_page": pageSize,
	})

	if _, err := c.Call(ctx, cmd, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// CancelPipeline cancels a running pipeline.
func (c *Client) CancelPipeline(ctx context.Context, projectID, pipelineID int) error {
	_, err := c.Call(ctx, POST(fmt.Sprintf("projects/%d/pipelines/%d/cancel", projectID, pipelineID), nil), nil)
	return err
}
