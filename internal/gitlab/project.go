package gitlab

import (
	"context"
	"fmt"
)

type accessRef struct {
	AccessLevel AccessLevel `json:"access_level"`
}

// Project is a GitLab project.
type Project struct {
	ID                               int    `json:"id"`
	PathWithNamespace                string `json:"path_with_namespace"`
	SSHURLToRepo                     string `json:"ssh_url_to_repo"`
	HTTPURLToRepo                    string `json:"http_url_to_repo"`
	DefaultBranch                    string `json:"default_branch"`
	Archived                         bool   `json:"archived"`
	MergeRequestsEnabled             bool   `json:"merge_requests_enabled"`
	OnlyAllowMergeIfPipelineSucceeds bool   `json:"only_allow_merge_if_pipeline_succeeds"`
	ApprovalsBeforeMerge             int    `json:"approvals_before_merge"`
	Permissions                      struct {
		ProjectAccess *accessRef `json:"project_access"`
		GroupAccess   *accessRef `json:"group_access"`
	} `json:"permissions"`
}

// AccessLevel returns the highest access level the requesting user has in
// the project, directly or via its group.
func (p *Project) AccessLevel() AccessLevel {
	result := AccessLevelNone

	if p.Permissions.ProjectAccess != nil && p.Permissions.ProjectAccess.AccessLevel > result {
		result = p.Permissions.ProjectAccess.AccessLevel
	}

	if p.Permissions.GroupAccess != nil && p.Permissions.GroupAccess.AccessLevel > result {
		result = p.Permissions.GroupAccess.AccessLevel
	}

	return result
}

// Project returns the project with the given id.
func (c *Client) Project(ctx context.Context, id int) (*Project, error) {
	var p Project

	if _, err := c.Call(ctx, GET(fmt.Sprintf("projects/%d", id), nil), &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// MyProjects returns all non-archived projects the user is a member of
// with at least developer permissions.
func (c *Client) MyProjects(ctx context.Context) ([]*Project, error) {
	items, err := c.CollectAllPages(ctx, GET("projects", map[string]any{
		"membership":       true,
		"archived":         false,
		"min_access_level": int(AccessLevelDeveloper),
	}))
	if err != nil {
		return nil, err
	}

	return decodeAll(items, decodeJSON[Project])
}
