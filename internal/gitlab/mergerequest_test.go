package gitlab

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mrJSON(id, iid, projectID int, extra map[string]any) map[string]any {
	m := map[string]any{
		"id":                id,
		"iid":               iid,
		"project_id":        projectID,
		"state":             "opened",
		"source_branch":     "feature",
		"target_branch":     "main",
		"source_project_id": projectID,
		"target_project_id": projectID,
		"sha":               "aaaa",
		"web_url":           "https://gitlab.example.com/g/p/-/merge_requests/1",
		"author":            map[string]any{"id": 7, "username": "author"},
		"assignees":         []any{map[string]any{"id": 1, "username": "marge-bot"}},
	}

	for k, v := range extra {
		m[k] = v
	}

	return m
}

func TestMergeRequestRoutingByVersion(t *testing.T) {
	t.Run("iid", func(t *testing.T) {
		f := newFakeGitLab(t, "9.2.2-ee")

		f.handle("/api/v4/projects/3/merge_requests/5", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, nil))
		})

		var accepted atomic.Bool
		f.handle("/api/v4/projects/3/merge_requests/5/merge", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			body := decodeBody(t, r)
			assert.Equal(t, "aaaa", body["sha"])
			assert.Equal(t, true, body["should_remove_source_branch"])
			assert.Equal(t, false, body["merge_when_pipeline_succeeds"])
			accepted.Store(true)
			writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, map[string]any{"state": "merged"}))
		})

		clt := f.client()
		mr, err := clt.MergeRequest(context.Background(), 3, 5)
		require.NoError(t, err)
		assert.Equal(t, 500, mr.ID)
		assert.NotEmpty(t, mr.Raw)

		require.NoError(t, clt.AcceptMergeRequest(context.Background(), mr, AcceptOptions{
			SHA:                      mr.SHA,
			ShouldRemoveSourceBranch: true,
		}))
		assert.True(t, accepted.Load())
	})

	t.Run("id", func(t *testing.T) {
		f := newFakeGitLab(t, "9.2.1-ee")

		f.handle("/api/v4/projects/3/merge_requests", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, []string{"5"}, r.URL.Query()["iids[]"])
			writeJSON(w, http.StatusOK, []any{mrJSON(500, 5, 3, nil)})
		})

		var commented atomic.Bool
		f.handle("/api/v4/projects/3/merge_requests/500/notes", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "hello", decodeBody(t, r)["body"])
			commented.Store(true)
			writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
		})

		clt := f.client()
		mr, err := clt.MergeRequest(context.Background(), 3, 5)
		require.NoError(t, err)

		require.NoError(t, clt.CommentOnMergeRequest(context.Background(), mr, "hello"))
		assert.True(t, commented.Load())
	})

	t.Run("id-not-found", func(t *testing.T) {
		f := newFakeGitLab(t, "8.0.0-ce")

		f.handle("/api/v4/projects/3/merge_requests", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, []any{})
		})

		_, err := f.client().MergeRequest(context.Background(), 3, 5)
		assert.True(t, IsKind(err, KindNotFound))
	})
}

func TestMergeRequestAssignees(t *testing.T) {
	mr := MergeRequest{
		Assignee:  &UserRef{ID: 2},
		Assignees: []UserRef{{ID: 1}, {ID: 2}},
	}

	assert.ElementsMatch(t, []int{1, 2}, mr.AssigneeIDs())
	assert.True(t, mr.IsAssignedTo(1))
	assert.False(t, mr.IsAssignedTo(3))

	legacy := MergeRequest{Assignee: &UserRef{ID: 4}}
	assert.Equal(t, []int{4}, legacy.AssigneeIDs())
}

func TestAssignAndUnassign(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	var bodies []map[string]any
	f.handle("/api/v4/projects/3/merge_requests/5", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		bodies = append(bodies, decodeBody(t, r))
		writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, nil))
	})

	clt := f.client()
	mr := &MergeRequest{ID: 500, IID: 5, ProjectID: 3}

	require.NoError(t, clt.AssignMergeRequest(context.Background(), mr, 7))
	require.NoError(t, clt.UnassignMergeRequest(context.Background(), mr))
	require.NoError(t, clt.CloseMergeRequest(context.Background(), mr))

	require.Len(t, bodies, 3)
	assert.Equal(t, float64(7), bodies[0]["assignee_id"])
	assert.Equal(t, float64(0), bodies[1]["assignee_id"])
	assert.Equal(t, "close", bodies[2]["state_event"])
}

func TestApprovalsOnCommunityEdition(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2")

	a, err := f.client().Approvals(context.Background(), &MergeRequest{ID: 500, IID: 5, ProjectID: 3})
	require.NoError(t, err)
	assert.True(t, a.Sufficient())
	assert.Empty(t, a.ApproverIDs())
	assert.Empty(t, f.requestsTo("/api/v4/projects/3/merge_requests/5/approvals"))
}

func TestApprovalsAndReapprove(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	f.handle("/api/v4/projects/3/merge_requests/5/approvals", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"approvals_left": 1,
			"approved_by": []any{
				map[string]any{"user": map[string]any{"id": 11, "username": "alice"}},
				map[string]any{"user": map[string]any{"id": 12, "username": "bob"}},
			},
		})
	})

	var sudoUsers []string
	f.handle("/api/v4/projects/3/merge_requests/5/approve", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "bbbb", decodeBody(t, r)["sha"])
		sudoUsers = append(sudoUsers, r.Header.Get("Sudo"))
		writeJSON(w, http.StatusCreated, map[string]any{})
	})

	clt := f.client()
	mr := &MergeRequest{ID: 500, IID: 5, ProjectID: 3, SHA: "bbbb"}

	a, err := clt.Approvals(context.Background(), mr)
	require.NoError(t, err)
	assert.False(t, a.Sufficient())
	assert.Equal(t, []int{11, 12}, a.ApproverIDs())
	assert.Equal(t, []string{"alice", "bob"}, a.ApproverUsernames())

	require.NoError(t, clt.Reapprove(context.Background(), mr, a))
	assert.Equal(t, []string{"11", "12"}, sudoUsers)
}

func TestRebaseMergeRequest(t *testing.T) {
	testcases := []struct {
		name        string
		finalState  map[string]any
		expectedErr error
	}{
		{
			name:       "success",
			finalState: map[string]any{"rebase_in_progress": false, "sha": "cccc"},
		},
		{
			name:        "failure",
			finalState:  map[string]any{"rebase_in_progress": false, "merge_error": "Rebase failed: conflict"},
			expectedErr: ErrRebaseFailed,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeGitLab(t, "15.4.2-ee")

			var polls atomic.Int32
			f.handle("/api/v4/projects/3/merge_requests/5/rebase", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPut, r.Method)
				writeJSON(w, http.StatusAccepted, map[string]any{"rebase_in_progress": true})
			})
			f.handle("/api/v4/projects/3/merge_requests/5", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "true", r.URL.Query().Get("include_rebase_in_progress"))
				if polls.Add(1) < 3 {
					writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, map[string]any{"rebase_in_progress": true}))
					return
				}
				writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, tc.finalState))
			})

			clt := f.client()
			clt.rebasePollInterval = 10 * time.Millisecond

			mr, err := clt.RebaseMergeRequest(context.Background(), &MergeRequest{ID: 500, IID: 5, ProjectID: 3})
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)

				var rebaseErr *RebaseError
				require.ErrorAs(t, err, &rebaseErr)
				assert.Equal(t, "Rebase failed: conflict", rebaseErr.Message)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "cccc", mr.SHA)
			assert.EqualValues(t, 3, polls.Load())
		})
	}
}

func TestRebaseMergeRequestTimeout(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	f.handle("/api/v4/projects/3/merge_requests/5/rebase", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]any{})
	})
	f.handle("/api/v4/projects/3/merge_requests/5", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mrJSON(500, 5, 3, map[string]any{"rebase_in_progress": true}))
	})

	clt := f.client()
	clt.rebasePollInterval = 10 * time.Millisecond
	clt.rebaseTimeout = 100 * time.Millisecond

	_, err := clt.RebaseMergeRequest(context.Background(), &MergeRequest{ID: 500, IID: 5, ProjectID: 3})
	assert.True(t, errors.Is(err, ErrRebaseTimeout))
}

func TestOpenMergeRequestsForUserOrderedByAssignment(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	f.handle("/api/v4/projects/3/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opened", r.URL.Query().Get("state"))
		assert.Equal(t, "created_at", r.URL.Query().Get("order_by"))
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))

		writeJSON(w, http.StatusOK, []any{
			mrJSON(501, 1, 3, nil),
			mrJSON(502, 2, 3, map[string]any{"assignees": []any{map[string]any{"id": 99}}}),
			mrJSON(503, 3, 3, nil),
		})
	})

	notes := func(assignedAt string) []any {
		return []any{
			map[string]any{"notes": []any{
				map[string]any{"body": "assigned to @marge-bot2", "system": true, "created_at": "2024-01-01T00:00:00Z"},
				map[string]any{"body": "assigned to @marge-bot", "system": true, "created_at": assignedAt},
				map[string]any{"body": "assigned to @marge-bot", "system": false, "created_at": "2030-01-01T00:00:00Z"},
			}},
		}
	}

	f.handle("/api/v4/projects/3/merge_requests/1/discussions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, notes("2024-03-01T10:00:00Z"))
	})
	f.handle("/api/v4/projects/3/merge_requests/3/discussions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, notes("2024-02-01T10:00:00Z"))
	})

	user := &User{ID: 1, Username: "marge-bot"}

	mrs, err := f.client().OpenMergeRequestsForUser(context.Background(), 3, user, MergeOrderAssignedAt)
	require.NoError(t, err)
	require.Len(t, mrs, 2)
	assert.Equal(t, 3, mrs[0].IID)
	assert.Equal(t, 1, mrs[1].IID)

	mrs, err = f.client().OpenMergeRequestsForUser(context.Background(), 3, user, MergeOrderCreatedAt)
	require.NoError(t, err)
	require.Len(t, mrs, 2)
	assert.Equal(t, 1, mrs[0].IID)
	assert.Equal(t, 3, mrs[1].IID)
}

func TestAssignedAtWithoutNote(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	f.handle("/api/v4/projects/3/merge_requests/1/discussions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})

	ts, err := f.client().AssignedAt(context.Background(), &MergeRequest{ID: 501, IID: 1, ProjectID: 3}, "marge-bot")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestCreateAndListMergeRequests(t *testing.T) {
	f := newFakeGitLab(t, "15.4.2-ee")

	f.handle("/api/v4/projects/3/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body := decodeBody(t, r)
			assert.Equal(t, "marge_bot_batch_merge_job", body["source_branch"])
			assert.Equal(t, "main", body["target_branch"])
			assert.Equal(t, "marge_bot_batch", body["labels"])
			writeJSON(w, http.StatusCreated, mrJSON(600, 9, 3, map[string]any{"source_branch": "marge_bot_batch_merge_job"}))

		case http.MethodGet:
			q := r.URL.Query()
			assert.Equal(t, "marge_bot_batch", q.Get("labels"))
			assert.Equal(t, "1", q.Get("author_id"))
			assert.Equal(t, "opened", q.Get("state"))
			writeJSON(w, http.StatusOK, []any{mrJSON(600, 9, 3, nil)})
		}
	})

	clt := f.client()

	mr, err := clt.CreateMergeRequest(context.Background(), 3, &CreateMergeRequestOptions{
		SourceBranch: "marge_bot_batch_merge_job",
		TargetBranch: "main",
		Title:        "Marge Bot Batch MR - DO NOT TOUCH",
		Labels:       []string{"marge_bot_batch"},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, mr.IID)

	mrs, err := clt.ListMergeRequests(context.Background(), 3, &ListMergeRequestsOptions{
		State:    MRStateOpened,
		Labels:   []string{"marge_bot_batch"},
		AuthorID: 1,
	})
	require.NoError(t, err)
	require.Len(t, mrs, 1)
	assert.Equal(t, 600, mrs[0].ID)
}

func TestMRStates(t *testing.T) {
	assert.True(t, MRStateOpened.IsOpen())
	assert.True(t, MRStateReopened.IsOpen())
	assert.True(t, MRStateLocked.IsOpen())
	assert.False(t, MRStateMerged.IsOpen())
	assert.True(t, MRStateClosed.IsKnown())
	assert.False(t, MRState("unheard_of").IsKnown())
}
