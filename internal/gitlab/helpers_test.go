package gitlab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testToken = "secret-token"

type fakeGitLab struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	requests []*http.Request
}

func newFakeGitLab(t *testing.T, version string) *fakeGitLab {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	f := fakeGitLab{
		t:   t,
		mux: http.NewServeMux(),
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Clone(r.Context()))
		f.mu.Unlock()

		if r.Header.Get("PRIVATE-TOKEN") != testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401 Unauthorized"})
			return
		}

		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	f.handle("/api/v4/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version, "revision": "abc"})
	})

	return &f
}

func (f *fakeGitLab) handle(path string, h http.HandlerFunc) {
	f.mux.HandleFunc(path, h)
}

func (f *fakeGitLab) client() *Client {
	f.t.Helper()

	clt, err := New(f.srv.URL, testToken, WithHTTPClient(f.srv.Client()))
	require.NoError(f.t, err)

	return clt
}

func (f *fakeGitLab) requestsTo(path string) []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*http.Request
	for _, r := range f.requests {
		if r.URL.Path == path {
			result = append(result, r)
		}
	}

	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&m))

	return m
}
