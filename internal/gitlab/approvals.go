package gitlab

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/margebot/internal/logfields"
)

// Approvals is the approval state of a merge request.
type Approvals struct {
	ApprovalsLeft int `json:"approvals_left"`
	ApprovedBy    []struct {
		User UserRef `json:"user"`
	} `json:"approved_by"`
}

// Sufficient returns true if no further approvals are required.
func (a *Approvals) Sufficient() bool {
	return a.ApprovalsLeft <= 0
}

// ApproverIDs returns the ids of all users that approved.
func (a *Approvals) ApproverIDs() []int {
	result := make([]int, 0, len(a.ApprovedBy))
	for _, ab := range a.ApprovedBy {
		result = append(result, ab.User.ID)
	}

	return result
}

// ApproverUsernames returns the usernames of all users that approved.
func (a *Approvals) ApproverUsernames() []string {
	result := make([]string, 0, len(a.ApprovedBy))
	for _, ab := range a.ApprovedBy {
		result = append(result, ab.User.Username)
	}

	return result
}

// Approvals returns the approval state of the merge request.
// Approval rules only exist in the Enterprise Edition, on other editions
// a merge request never requires approvals.
func (c *Client) Approvals(ctx context.Context, mr *MergeRequest) (*Approvals, error) {
	v, err := c.Version(ctx)
	if err != nil {
		return nil, err
	}

	if !v.IsEE() {
		return &Approvals{}, nil
	}

	ep, err := c.mrEndpoint(ctx, mr, "approvals")
	if err != nil {
		return nil, err
	}

	var a Approvals
	if _, err := c.Call(ctx, GET(ep, nil), &a); err != nil {
		return nil, err
	}

	return &a, nil
}

// Approve approves the head commit sha of the merge request as user uid.
// Impersonating other users requires administrator permissions.
func (c *Client) Approve(ctx context.Context, mr *MergeRequest, sha string, uid int) error {
	ep, err := c.mrEndpoint(ctx, mr, "approve")
	if err != nil {
		return err
	}

	var args map[string]any
	if sha != "" {
		args = map[string]any{"sha": sha}
	}

	_, err = c.Call(ctx, POST(ep, args).WithSudo(uid), nil)
	return err
}

// Reapprove restores the approvals of approvals for the current head of
// the merge request by approving again as each approver.
func (c *Client) Reapprove(ctx context.Context, mr *MergeRequest, approvals *Approvals) error {
	for _, uid := range approvals.ApproverIDs() {
		if err := c.Approve(ctx, mr, mr.SHA, uid); err != nil {
			return err
		}

		c.logger.Debug(
			"re-approved merge request",
			logfields.Event("gitlab_merge_request_reapproved"),
			logfields.MergeRequest(mr.IID),
			zap.Int("approver_id", uid),
		)
	}

	return nil
}
