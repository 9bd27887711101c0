package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

// fakeGitHub serves the subset of the git data API the writer uses.
type fakeGitHub struct {
	mu       sync.Mutex
	refs     map[string]string
	requests []string
	trees    []map[string]any
	commits  []map[string]any
	prs      []map[string]string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	const prefix = "/repos/acme/site"

	decode := func(v any) { _ = json.NewDecoder(r.Body).Decode(v) }
	reply := func(status int, v any) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch p := r.URL.Path; {
	case r.Method == http.MethodGet && len(p) > len(prefix+"/git/ref/heads/") && p[:len(prefix+"/git/ref/heads/")] == prefix+"/git/ref/heads/":
		branch := p[len(prefix+"/git/ref/heads/"):]
		sha, ok := f.refs[branch]
		if !ok {
			reply(http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		reply(http.StatusOK, map[string]any{"object": map[string]string{"sha": sha}})
	case r.Method == http.MethodPost && p == prefix+"/git/refs":
		var body map[string]string
		decode(&body)
		f.refs[body["ref"][len("refs/heads/"):]] = body["sha"]
		reply(http.StatusCreated, map[string]any{})
	case r.Method == http.MethodGet && p == prefix+"/git/commits/base-sha":
		reply(http.StatusOK, map[string]any{"sha": "base-sha", "tree": map[string]string{"sha": "base-tree"}})
	case r.Method == http.MethodPost && p == prefix+"/git/blobs":
		reply(http.StatusCreated, map[string]string{"sha": "blob-1"})
	case r.Method == http.MethodPost && p == prefix+"/git/trees":
		var body map[string]any
		decode(&body)
		f.trees = append(f.trees, body)
		reply(http.StatusCreated, map[string]string{"sha": "tree-1"})
	case r.Method == http.MethodPost && p == prefix+"/git/commits":
		var body map[string]any
		decode(&body)
		f.commits = append(f.commits, body)
		reply(http.StatusCreated, map[string]string{"sha": "commit-1"})
	case r.Method == http.MethodPatch && p == prefix+"/git/refs/heads/feature":
		var body map[string]string
		decode(&body)
		f.refs["feature"] = body["sha"]
		reply(http.StatusOK, map[string]any{})
	case r.Method == http.MethodPost && p == prefix+"/pulls":
		var body map[string]string
		decode(&body)
		f.prs = append(f.prs, body)
		reply(http.StatusCreated, map[string]int{"number": 42})
	default:
		reply(http.StatusInternalServerError, map[string]string{"message": "unexpected " + r.Method + " " + p})
	}
}

func newFake(t *testing.T) (*fakeGitHub, *Writer) {
	t.Helper()
	fake := &fakeGitHub{refs: map[string]string{"main": "base-sha"}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	w := New(Config{BaseURL: srv.URL, Token: "tok", Owner: "acme", Repo: "site"}, srv.Client(), zaptest.NewLogger(t))
	return fake, w
}

func TestWriter_CommitCreatesBranch(t *testing.T) {
	t.Parallel()
	fake, w := newFake(t)

	sha, err := w.Commit(context.Background(), "feature", []workflow.FileChange{{Path: "/docs/out.md", Content: "# hi"}}, "Add output")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", sha)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "commit-1", fake.refs["feature"])

	require.Len(t, fake.trees, 1)
	assert.Equal(t, "base-tree", fake.trees[0]["base_tree"])
	entries := fake.trees[0]["tree"].([]any)
	assert.Equal(t, "docs/out.md", entries[0].(map[string]any)["path"])

	require.Len(t, fake.commits, 1)
	assert.Equal(t, []any{"base-sha"}, fake.commits[0]["parents"])
	assert.Contains(t, fake.requests, "POST /repos/acme/site/git/refs")
}

func TestWriter_OpenPullRequest(t *testing.T) {
	t.Parallel()
	fake, w := newFake(t)

	n, err := w.OpenPullRequest(context.Background(), "Agent output", "feature", "", "body")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "main", fake.prs[0]["base"])
	assert.Equal(t, "feature", fake.prs[0]["head"])
}

func TestWriter_Errors(t *testing.T) {
	t.Parallel()
	_, w := newFake(t)

	_, err := w.Commit(context.Background(), "feature", nil, "empty")
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	w.cfg.BaseBranch = "missing"
	_, err = w.Commit(context.Background(), "other", []workflow.FileChange{{Path: "a", Content: "b"}}, "m")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	assert.True(t, types.IsRetryable(statusError(http.StatusServiceUnavailable, "down")))
	assert.True(t, types.IsRetryable(statusError(http.StatusTooManyRequests, "slow")))
	assert.Equal(t, types.ErrUnauthorized, statusError(http.StatusForbidden, "no").Code)
	assert.Equal(t, types.ErrProvider, statusError(http.StatusUnprocessableEntity, "bad").Code)
	assert.False(t, Config{Token: "t", Owner: "o"}.Enabled())
}
