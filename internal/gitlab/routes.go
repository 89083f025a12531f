package gitlab

import (
	"context"
	"fmt"
)

// mrRoute describes how merge requests are addressed by servers starting
// with minRelease.
type mrRoute struct {
	minRelease Release
	// useIID selects the project scoped iid instead of the global id in
	// merge request sub resource paths.
	useIID bool
	// fetchByIIDFilter fetches single merge requests via the list
	// endpoint with an iids[] filter.
	fetchByIIDFilter bool
}

// mrRoutes is ordered by descending minRelease, the first matching entry
// applies.
var mrRoutes = []mrRoute{
	{minRelease: Release{9, 2, 2}, useIID: true},
	{minRelease: Release{0, 0, 0}, useIID: false, fetchByIIDFilter: true},
}

func routeFor(v Version) mrRoute {
	for _, r := range mrRoutes {
		if v.AtLeast(r.minRelease) {
			return r
		}
	}

	return mrRoutes[len(mrRoutes)-1]
}

func (c *Client) mrRoute(ctx context.Context) (mrRoute, error) {
	v, err := c.Version(ctx)
	if err != nil {
		return mrRoute{}, err
	}

	return routeFor(v), nil
}

// mrEndpoint returns the path of the merge request resource, suffix is
// appended as additional path segment if it is not empty.
func (c *Client) mrEndpoint(ctx context.Context, mr *MergeRequest, suffix string) (string, error) {
	route, err := c.mrRoute(ctx)
	if err != nil {
		return "", err
	}

	ref := mr.ID
	if route.useIID {
		ref = mr.IID
	}

	ep := fmt.Sprintf("projects/%d/merge_requests/%d", mr.ProjectID, ref)
	if suffix != "" {
		ep += "/" + suffix
	}

	return ep, nil
}
