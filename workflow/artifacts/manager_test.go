package artifacts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gocloud.dev/blob/memblob"

	"github.com/BaSui01/swarmflow/types"
	"github.com/BaSui01/swarmflow/workflow"
)

func newTestManager(t *testing.T, max int64) *Manager {
	t.Helper()
	m := NewManager(memblob.OpenBucket(nil), Config{Prefix: "a/", MaxTotalBytes: max}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func input(run, node, name, typ, content string) workflow.ArtifactInput {
	return workflow.ArtifactInput{RunID: run, NodeID: node, Name: name, Type: typ, Content: []byte(content)}
}

func TestManager_StoreGetContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, 1024)

	id, err := m.Store(ctx, input("r1", "draft", "main.go", "code", "package main\n"))
	require.NoError(t, err)

	a, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, TypeCode, a.Type)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, int64(13), a.Size)
	assert.Contains(t, a.ContentType, "text/plain")

	data, err := m.Content(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	_, err = m.Get("missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	_, err = m.Content(ctx, "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestManager_VersionsAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, 1024)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	for i := 0; i < 3; i++ {
		_, err := m.Store(ctx, input("r1", "draft", "report.md", "document", fmt.Sprintf("v%d", i+1)))
		require.NoError(t, err)
	}
	_, err := m.Store(ctx, input("r1", "lint", "lint.json", "data", "{}"))
	require.NoError(t, err)
	_, err = m.Store(ctx, input("r2", "draft", "report.md", "weird", "x"))
	require.NoError(t, err)

	versions := m.Versions("r1", "draft", "report.md")
	require.Len(t, versions, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{versions[0].Version, versions[1].Version, versions[2].Version})
	latest, err := m.Content(ctx, versions[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(latest))

	r1 := m.List(Filter{RunID: "r1"})
	require.Len(t, r1, 4)
	assert.Equal(t, "lint.json", r1[0].Name, "newest first")

	other := m.List(Filter{Type: TypeOther})
	require.Len(t, other, 1)
	assert.Equal(t, "r2", other[0].RunID)
	assert.Equal(t, 1, other[0].Version)

	stats := m.Stats()
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, int64(9), stats.TotalBytes)
	assert.Equal(t, map[Type]int{TypeDocument: 3, TypeData: 1, TypeOther: 1}, stats.ByType)
}

func TestManager_QuotaExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, 10)

	_, err := m.Store(ctx, input("r", "n", "a", "data", "123456"))
	require.NoError(t, err)
	_, err = m.Store(ctx, input("r", "n", "b", "data", "12345"))
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))
	assert.Equal(t, int64(6), m.Stats().TotalBytes)

	_, err = m.Store(ctx, input("", "n", "a", "data", "1"))
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestManager_DeleteFreesSpace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t, 10)

	id, err := m.Store(ctx, input("r", "n", "a", "data", "1234567890"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, id))
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(m.Delete(ctx, id)))

	_, err = m.Store(ctx, input("r", "n", "b", "data", "0987654321"))
	assert.NoError(t, err)
}

func TestOpen_ReindexesFileBucket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{BucketURL: "file://" + t.TempDir(), Prefix: "artifacts/", MaxTotalBytes: 1 << 20}

	m, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	id, err := m.Store(ctx, input("r9", "draft", "notes.txt", "document", "hello"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	again, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer again.Close()

	a, err := again.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "r9", a.RunID)
	assert.Equal(t, "draft", a.NodeID)
	assert.Equal(t, "notes.txt", a.Name)
	assert.Equal(t, TypeDocument, a.Type)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, int64(5), again.Stats().TotalBytes)
}

func TestManager_StoresAgentOutputDuringRun(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 1024)
	e := workflow.NewEngine(
		workflow.WithInvoker(staticInvoker("# Report")),
		workflow.WithArtifacts(m),
	)
	defer e.Close()

	g := workflow.NewBuilder("doc").
		Agent("write", "writer", "Write", workflow.WithArtifact("report.md", "document")).
		MustBuild()
	res, err := e.Run(context.Background(), g, workflow.RunOptions{})
	require.NoError(t, err)

	list := m.List(Filter{RunID: res.RunID})
	require.Len(t, list, 1)
	data, err := m.Content(context.Background(), list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "# Report", string(data))
}

type staticInvoker string

func (s staticInvoker) Execute(context.Context, string, workflow.PromptContext) (workflow.AgentResult, error) {
	return workflow.AgentResult{Output: string(s)}, nil
}
