package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/logfields"
)

// MergeRequest is a GitLab merge request.
type MergeRequest struct {
	ID                      int       `json:"id"`
	IID                     int       `json:"iid"`
	ProjectID               int       `json:"project_id"`
	Title                   string    `json:"title"`
	Description             string    `json:"description"`
	State                   MRState   `json:"state"`
	SourceBranch            string    `json:"source_branch"`
	TargetBranch            string    `json:"target_branch"`
	SourceProjectID         int       `json:"source_project_id"`
	TargetProjectID         int       `json:"target_project_id"`
	SHA                     string    `json:"sha"`
	WorkInProgress          bool      `json:"work_in_progress"`
	Draft                   bool      `json:"draft"`
	Squash                  bool      `json:"squash"`
	ForceRemoveSourceBranch bool      `json:"force_remove_source_branch"`
	MergeStatus             string    `json:"merge_status"`
	MergeError              string    `json:"merge_error"`
	RebaseInProgress        bool      `json:"rebase_in_progress"`
	WebURL                  string    `json:"web_url"`
	Labels                  []string  `json:"labels"`
	Author                  UserRef   `json:"author"`
	Assignee                *UserRef  `json:"assignee"`
	Assignees               []UserRef `json:"assignees"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`

	// Raw is the JSON document the merge request was decoded from.
	Raw json.RawMessage `json:"-"`
}

func decodeMergeRequest(raw json.RawMessage) (*MergeRequest, error) {
	mr, err := decodeJSON[MergeRequest](raw)
	if err != nil {
		return nil, err
	}

	mr.Raw = raw

	return mr, nil
}

// IsDraft returns true if the merge request is marked as draft or work in
// progress.
func (mr *MergeRequest) IsDraft() bool {
	return mr.WorkInProgress || mr.Draft
}

// AssigneeIDs returns the ids of all assigned users.
func (mr *MergeRequest) AssigneeIDs() []int {
	ids := make([]int, 0, len(mr.Assignees)+1)

	for _, a := range mr.Assignees {
		ids = append(ids, a.ID)
	}

	if mr.Assignee != nil && !containsInt(ids, mr.Assignee.ID) {
		ids = append(ids, mr.Assignee.ID)
	}

	return ids
}

// IsAssignedTo returns true if userID is one of the assignees.
func (mr *MergeRequest) IsAssignedTo(userID int) bool {
	return containsInt(mr.AssigneeIDs(), userID)
}

func containsInt(s []int, v int) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}

	return false
}

// MergeRequest returns the merge request with the project scoped id iid.
func (c *Client) MergeRequest(ctx context.Context, projectID, iid int) (*MergeRequest, error) {
	route, err := c.mrRoute(ctx)
	if err != nil {
		return nil, err
	}

	if route.fetchByIIDFilter {
		cmd := GET(fmt.Sprintf("projects/%d/merge_requests", projectID), map[string]any{"iids[]": []int{iid}})

		var items []json.RawMessage
		if _, err := c.Call(ctx, cmd, &items); err != nil {
			return nil, err
		}

		if len(items) == 0 {
			return nil, &APIError{
				Kind:       KindNotFound,
				StatusCode: http.StatusNotFound,
				Method:     cmd.Method,
				Endpoint:   cmd.Endpoint,
				Message:    fmt.Sprintf("merge request !%d not found", iid),
			}
		}

		return decodeMergeRequest(items[0])
	}

	var raw json.RawMessage

	cmd := GET(fmt.Sprintf("projects/%d/merge_requests/%d", projectID, iid), nil)
	if _, err := c.Call(ctx, cmd, &raw); err != nil {
		return nil, err
	}

	return decodeMergeRequest(raw)
}

// RefetchMergeRequest returns the current state of mr.
func (c *Client) RefetchMergeRequest(ctx context.Context, mr *MergeRequest) (*MergeRequest, error) {
	return c.MergeRequest(ctx, mr.ProjectID, mr.IID)
}

// OpenMergeRequestsForUser returns the open merge requests of the project
// that are assigned to user, sorted ascending by order.
func (c *Client) OpenMergeRequestsForUser(ctx context.Context, projectID int, user *User, order MergeOrder) ([]*MergeRequest, error) {
	args := map[string]any{
		"state": string(MRStateOpened),
		"sort":  "asc",
	}

	if order == MergeOrderUpdatedAt {
		args["order_by"] = string(MergeOrderUpdatedAt)
	} else {
		args["order_by"] = string(MergeOrderCreatedAt)
	}

	items, err := c.CollectAllPages(ctx, GET(fmt.Sprintf("projects/%d/merge_requests", projectID), args))
	if err != nil {
		return nil, err
	}

	all, err := decodeAll(items, decodeMergeRequest)
	if err != nil {
		return nil, err
	}

	result := make([]*MergeRequest, 0, len(all))
	for _, mr := range all {
		if mr.IsAssignedTo(user.ID) {
			result = append(result, mr)
		}
	}

	if order != MergeOrderAssignedAt {
		return result, nil
	}

	assignedAt := make(map[int]time.Time, len(result))
	for _, mr := range result {
		ts, err := c.AssignedAt(ctx, mr, user.Username)
		if err != nil {
			return nil, fmt.Errorf("retrieving assignment time of !%d failed: %w", mr.IID, err)
		}

		assignedAt[mr.IID] = ts
	}

	sort.SliceStable(result, func(i, j int) bool {
		return assignedAt[result[i].IID].Before(assignedAt[result[j].IID])
	})

	return result, nil
}

// ListMergeRequestsOptions are the filters of ListMergeRequests.
type ListMergeRequestsOptions struct {
	State    MRState
	Labels   []string
	AuthorID int
	OrderBy  string
	Sort     string
}

// ListMergeRequests returns all merge requests of the project matching
// opts.
func (c *Client) ListMergeRequests(ctx context.Context, projectID int, opts *ListMergeRequestsOptions) ([]*MergeRequest, error) {
	args := map[string]any{}

	if opts.State != "" {
		args["state"] = string(opts.State)
	}
	if len(opts.Labels) > 0 {
		args["labels"] = strings.Join(opts.Labels, ",")
	}
	if opts.AuthorID != 0 {
		args["author_id"] = opts.AuthorID
	}
	if opts.OrderBy != "" {
		args["order_by"] = opts.OrderBy
	}
	if opts.Sort != "" {
		args["sort"] = opts.Sort
	}

	items, err := c.CollectAllPages(ctx, GET(fmt.Sprintf("projects/%d/merge_requests", projectID), args))
	if err != nil {
		return nil, err
	}

	return decodeAll(items, decodeMergeRequest)
}

// MergeRequestCommits returns the commits of the merge request.
func (c *Client) MergeRequestCommits(ctx context.Context, mr *MergeRequest) ([]*Commit, error) {
	ep, err := c.mrEndpoint(ctx, mr, "commits")
	if err != nil {
		return nil, err
	}

	items, err := c.CollectAllPages(ctx, GET(ep, nil))
	if err != nil {
		return nil, err
	}

	return decodeAll(items, decodeJSON[Commit])
}

// CommentOnMergeRequest adds a note to the merge request.
func (c *Client) CommentOnMergeRequest(ctx context.Context, mr *MergeRequest, body string) error {
	ep, err := c.mrEndpoint(ctx, mr, "notes")
	if err != nil {
		return err
	}

	_, err = c.Call(ctx, POST(ep, map[string]any{"body": body}), nil)
	return err
}

// AssignMergeRequest makes userID the only assignee.
func (c *Client) AssignMergeRequest(ctx context.Context, mr *MergeRequest, userID int) error {
	ep, err := c.mrEndpoint(ctx, mr, "")
	if err != nil {
		return err
	}

	_, err = c.Call(ctx, PUT(ep, map[string]any{"assignee_id": userID}), nil)
	return err
}

// UnassignMergeRequest removes all assignees.
func (c *Client) UnassignMergeRequest(ctx context.Context, mr *MergeRequest) error {
	return c.AssignMergeRequest(ctx, mr, 0)
}

// AcceptOptions are the parameters of AcceptMergeRequest.
type AcceptOptions struct {
	// SHA must match the head of the source branch, otherwise GitLab
	// refuses the merge.
	SHA                       string
	ShouldRemoveSourceBranch  bool
	MergeWhenPipelineSucceeds bool
}

// AcceptMergeRequest merges the merge request.
func (c *Client) AcceptMergeRequest(ctx context.Context, mr *MergeRequest, opts AcceptOptions) error {
	ep, err := c.mrEndpoint(ctx, mr, "merge")
	if err != nil {
		return err
	}

	_, err = c.Call(ctx, PUT(ep, map[string]any{
		"sha":                          opts.SHA,
		"should_remove_source_branch":  opts.ShouldRemoveSourceBranch,
		"merge_when_pipeline_succeeds": opts.MergeWhenPipelineSucceeds,
	}), nil)

	return err
}

// CloseMergeRequest closes the merge request.
func (c *Client) CloseMergeRequest(ctx context.Context, mr *MergeRequest) error {
	ep, err := c.mrEndpoint(ctx, mr, "")
	if err != nil {
		return err
	}

	_, err = c.Call(ctx, PUT(ep, map[string]any{"state_event": "close"}), nil)
	return err
}

// CreateMergeRequestOptions are the parameters of CreateMergeRequest.
type CreateMergeRequestOptions struct {
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
	Labels       []string
	AssigneeID   int
}

// CreateMergeRequest opens a new merge request in the project.
func (c *Client) CreateMergeRequest(ctx context.Context, projectID int, opts *CreateMergeRequestOptions) (*MergeRequest, error) {
	args := map[string]any{
		"source_branch": opts.SourceBranch,
		"target_branch": opts.TargetBranch,
		"title":         opts.Title,
	}

	if opts.Description != "" {
		args["description"] = opts.Description
	}
	if len(opts.Labels) > 0 {
		args["labels"] = strings.Join(opts.Labels, ",")
	}
	if opts.AssigneeID != 0 {
		args["assignee_id"] = opts.AssigneeID
	}

	var raw json.RawMessage

	if _, err := c.Call(ctx, POST(fmt.Sprintf("projects/%d/merge_requests", projectID), args), &raw); err != nil {
		return nil, err
	}

	return decodeMergeRequest(raw)
}

// RebaseMergeRequest lets GitLab rebase the source branch onto the target
// branch and waits until the rebase finished.
// If GitLab reports a failure, a *RebaseError is returned, if it does not
// finish in time ErrRebaseTimeout.
// The merge request state after the rebase is returned.
func (c *Client) RebaseMergeRequest(ctx context.Context, mr *MergeRequest) (*MergeRequest, error) {
	ep, err := c.mrEndpoint(ctx, mr, "rebase")
	if err != nil {
		return nil, err
	}

	if _, err := c.Call(ctx, PUT(ep, nil), nil); err != nil {
		return nil, err
	}

	logger := c.logger.With(
		logfields.ProjectID(mr.ProjectID),
		logfields.MergeRequest(mr.IID),
	)

	timeout := time.NewTimer(c.rebaseTimeout)
	defer timeout.Stop()

	ticker := time.NewTicker(c.rebasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeout.C:
			return nil, ErrRebaseTimeout

		case <-ticker.C:
			current, err := c.mergeRequestWithRebaseStatus(ctx, mr)
			if err != nil {
				return nil, err
			}

			if current.RebaseInProgress {
				logger.Debug("rebase still in progress", logfields.Event("gitlab_rebase_in_progress"))
				continue
			}

			if current.MergeError != "" {
				return nil, &RebaseError{Message: current.MergeError}
			}

			logger.Debug(
				"rebase finished",
				logfields.Event("gitlab_rebase_finished"),
				logfields.Commit(current.SHA),
			)

			return current, nil
		}
	}
}

func (c *Client) mergeRequestWithRebaseStatus(ctx context.Context, mr *MergeRequest) (*MergeRequest, error) {
	ep, err := c.mrEndpoint(ctx, mr, "")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if _, err := c.Call(ctx, GET(ep, map[string]any{"include_rebase_in_progress": true}), &raw); err != nil {
		return nil, err
	}

	return decodeMergeRequest(raw)
}

type note struct {
	Body      string    `json:"body"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
}

// AssignedAt returns the time when the merge request was assigned to the
// user with the given username the last time.
// The zero time is returned if no assignment note exists.
func (c *Client) AssignedAt(ctx context.Context, mr *MergeRequest, username string) (time.Time, error) {
	ep, err := c.mrEndpoint(ctx, mr, "discussions")
	if err != nil {
		return time.Time{}, err
	}

	items, err := c.CollectAllPages(ctx, GET(ep, nil))
	if err != nil {
		return time.Time{}, err
	}

	var result time.Time
	marker := "assigned to @" + username

	for _, item := range items {
		var d struct {
			Notes []note `json:"notes"`
		}

		if err := json.Unmarshal(item, &d); err != nil {
			return time.Time{}, fmt.Errorf("decoding discussion failed: %w", err)
		}

		for _, n := range d.Notes {
			if !n.System || !mentionsAssignment(n.Body, marker) {
				continue
			}

			if n.CreatedAt.After(result) {
				result = n.CreatedAt
			}
		}
	}

	if result.IsZero() {
		c.logger.Debug(
			"no assignment note found",
			logfields.Event("gitlab_assignment_note_missing"),
			logfields.MergeRequest(mr.IID),
			zap.String("username", username),
		)
	}

	return result, nil
}

// mentionsAssignment checks that body contains marker not followed by
// further username characters, "assigned to @bot" must not match
// "assigned to @bot2".
func mentionsAssignment(body, marker string) bool {
	for {
		idx := strings.Index(body, marker)
		if idx < 0 {
			return false
		}

		rest := body[idx+len(marker):]
		if rest == "" || !isUsernameChar(rest[0]) {
			return true
		}

		body = rest
	}
}

func isUsernameChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
