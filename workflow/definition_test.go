package workflow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/swarmflow/workflow/queue"
)

const reviewJSON = `{
  "id": "review",
  "name": "Code review",
  "nodes": [
    {"id": "start", "kind": "start"},
    {"id": "draft", "kind": "agent", "config": {"agentId": "writer", "prompt": "Draft it", "priority": 2, "resources": {"cpu": 2, "memory": 1024}}},
    {"id": "check", "kind": "Condition", "config": {"path": "draft", "equals": "ok"}},
    {"id": "fan", "kind": "parallel", "config": {"branches": ["lint", "test"]}},
    {"id": "lint", "kind": "agent", "config": {"agentId": "linter"}},
    {"id": "test", "kind": "agent", "config": {"agentId": "tester"}},
    {"id": "polish", "kind": "loop", "config": {"iterations": 2, "body": ["edit"]}},
    {"id": "edit", "kind": "agent", "config": {"agentId": "editor"}},
    {"id": "end", "kind": "end"}
  ],
  "edges": [
    {"from": "start", "to": "draft"},
    {"from": "draft", "to": "check"},
    {"from": "check", "to": "fan", "label": "true"},
    {"from": "check", "to": "polish", "label": "false"},
    {"from": "fan", "to": "lint"},
    {"from": "fan", "to": "test"},
    {"from": "polish", "to": "edit", "label": "body"},
    {"from": "lint", "to": "end"},
    {"from": "test", "to": "end"},
    {"from": "polish", "to": "end"}
  ]
}`

func TestFromJSON_TypedConfigs(t *testing.T) {
	t.Parallel()
	g, err := FromJSON([]byte(reviewJSON))
	require.NoError(t, err)
	assert.Equal(t, "review", g.ID)
	assert.Equal(t, "Code review", g.Name)
	assert.Equal(t, 9, g.Len())

	draft, ok := g.Node("draft")
	require.True(t, ok)
	cfg := draft.agentConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "writer", cfg.AgentID)
	assert.Equal(t, 2, cfg.Priority)
	assert.Equal(t, &queue.Resources{CPU: 2, Memory: 1024}, cfg.Resources)

	check, _ := g.Node("check")
	assert.Equal(t, NodeKindCondition, check.Kind)
	assert.Equal(t, "ok", check.conditionConfig().Equals)

	fan, _ := g.Node("fan")
	assert.Equal(t, []string{"lint", "test"}, fan.parallelConfig().Branches)

	polish, _ := g.Node("polish")
	assert.Equal(t, 2, polish.loopConfig().Iterations)
}

func TestDefinition_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	g, err := FromJSON([]byte(reviewJSON))
	require.NoError(t, err)

	data, err := DefinitionOf(g).ToJSON()
	require.NoError(t, err)
	again, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, DefinitionOf(g), DefinitionOf(again))
}

func TestDefinition_YAMLRoundTrip(t *testing.T) {
	t.Parallel()
	g, err := FromJSON([]byte(reviewJSON))
	require.NoError(t, err)

	data, err := DefinitionOf(g).ToYAML()
	require.NoError(t, err)
	again, err := FromYAML(data)
	require.NoError(t, err)

	assert.Equal(t, g.NodeIDs(), again.NodeIDs())
	assert.Equal(t, g.Edges(), again.Edges())
	draft, _ := again.Node("draft")
	assert.Equal(t, &queue.Resources{CPU: 2, Memory: 1024}, draft.agentConfig().Resources)
	polish, _ := again.Node("polish")
	assert.Equal(t, []string{"edit"}, polish.loopConfig().Body)
}

func TestFromYAML(t *testing.T) {
	t.Parallel()
	src := `
id: yaml-flow
nodes:
  - id: a
    kind: agent
    config:
      agentId: writer
      outputKey: text
  - id: b
    kind: agent
    config:
      agentId: reviewer
      inputs: [text]
edges:
  - from: a
    to: b
`
	g, err := FromYAML([]byte(src))
	require.NoError(t, err)
	b, _ := g.Node("b")
	assert.Equal(t, []string{"text"}, b.agentConfig().Inputs)
}

func TestFromJSON_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown kind",
			src:  `{"id":"x","nodes":[{"id":"a","kind":"webhook"}],"edges":[]}`,
			want: `unknown node kind "webhook"`,
		},
		{
			name: "unknown config field",
			src:  `{"id":"x","nodes":[{"id":"a","kind":"agent","config":{"agentId":"w","temperature":1}}],"edges":[]}`,
			want: "invalid agent config",
		},
		{
			name: "config on start",
			src:  `{"id":"x","nodes":[{"id":"a","kind":"start","config":{"agentId":"w"}}],"edges":[]}`,
			want: "start nodes take no config",
		},
		{
			name: "malformed json",
			src:  `{"id":`,
			want: "invalid workflow definition",
		},
		{
			name: "missing id",
			src:  `{"nodes":[{"id":"a","kind":"agent","config":{"agentId":"w"}}],"edges":[]}`,
			want: "Workflow id is required",
		},
		{
			name: "cycle",
			src: `{"id":"x","nodes":[{"id":"a","kind":"agent","config":{"agentId":"w"}},{"id":"b","kind":"agent","config":{"agentId":"w"}}],
			       "edges":[{"from":"a","to":"b"},{"from":"b","to":"a"}]}`,
			want: "Cycle detected: a -> b -> a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := FromJSON([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "%T", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	t.Parallel()
	g, err := FromJSON([]byte(reviewJSON))
	require.NoError(t, err)
	dir := t.TempDir()

	for _, name := range []string{"flow.json", "flow.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveFile(g, path))
		loaded, err := LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, g.NodeIDs(), loaded.NodeIDs(), name)
	}

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestBuilder_CollectsErrors(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder("bad").
		Condition("c", "pred").
		Agent("a", "", "no agent").
		Edge("c", "a").
		Build()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Messages, "Agent node a requires agentId")
	assert.Contains(t, ve.Messages, "Condition node c edge to a must be labeled true or false")
}

func TestBuilder_MustBuildPanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewBuilder("empty").MustBuild() })
}

func TestEstimateExecutionTime(t *testing.T) {
	t.Parallel()
	g, err := FromJSON([]byte(reviewJSON))
	require.NoError(t, err)
	// 4 agents, 1 condition, 1 parallel, 1 loop with 2 iterations
	want := 4*EstimateAgent + EstimateCondition + EstimateParallel + EstimateLoop + EstimateAgent
	assert.Equal(t, want, EstimateExecutionTime(g))
	assert.Equal(t, 166*time.Second, EstimateExecutionTime(g))
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 5.0, EstimateCost(1_000_000, 0), 1e-9)
	assert.InDelta(t, 0.3, EstimateCost(100_000, 3), 1e-9)
}
