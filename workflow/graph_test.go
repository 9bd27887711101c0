package workflow

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentNode(id string) *Node {
	return NewAgentNode(id, AgentConfig{AgentID: "agent-" + id, Prompt: "do " + id})
}

func linearGraph(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := NewGraph("linear")
	for _, id := range ids {
		require.NoError(t, g.AddNode(agentNode(id)))
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.Connect(ids[i-1], ids[i]))
	}
	return g
}

func TestValidate_ValidLinearGraph(t *testing.T) {
	t.Parallel()
	res := Validate(linearGraph(t, "a", "b", "c"))
	assert.True(t, res.Valid, res.Errors)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidate_SingleNode(t *testing.T) {
	t.Parallel()
	g := NewGraph("single")
	require.NoError(t, g.AddNode(agentNode("only")))
	assert.True(t, Validate(g).Valid)
}

func TestValidate_Empty(t *testing.T) {
	t.Parallel()
	res := Validate(NewGraph("empty"))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Workflow has no nodes")
}

func TestValidate_CycleReportedInOrder(t *testing.T) {
	t.Parallel()
	g := NewGraph("cycle")
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, g.AddNode(agentNode(id)))
	}
	require.NoError(t, g.Connect("A", "B"))
	require.NoError(t, g.Connect("B", "C"))
	require.NoError(t, g.Connect("C", "A"))

	res := Validate(g)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Cycle detected: A -> B -> C -> A")
	assert.Contains(t, res.Errors, "Workflow must have a start node")

	var ve *ValidationError
	require.ErrorAs(t, res.Err(), &ve)
	assert.True(t, IsValidationError(res.Err()))
}

func TestValidate_IndependentCyclesEachReported(t *testing.T) {
	t.Parallel()
	g := NewGraph("two-cycles")
	for _, id := range []string{"s", "a", "b", "c", "d", "e"} {
		require.NoError(t, g.AddNode(agentNode(id)))
	}
	require.NoError(t, g.Connect("s", "a"))
	require.NoError(t, g.Connect("a", "b"))
	require.NoError(t, g.Connect("b", "a"))
	require.NoError(t, g.Connect("s", "c"))
	require.NoError(t, g.Connect("c", "d"))
	require.NoError(t, g.Connect("d", "c"))
	require.NoError(t, g.Connect("s", "e"))

	res := Validate(g)
	require.False(t, res.Valid)
	var cycles []string
	for _, msg := range res.Errors {
		if strings.HasPrefix(msg, "Cycle detected") {
			cycles = append(cycles, msg)
		}
	}
	assert.Equal(t, []string{"Cycle detected: a -> b -> a", "Cycle detected: c -> d -> c"}, cycles)
}

func TestValidate_StructuralErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		build func(g *Graph)
		want  string
	}{
		{
			name: "disconnected",
			build: func(g *Graph) {
				_ = g.AddNode(agentNode("a"))
				_ = g.AddNode(agentNode("b"))
				_ = g.AddNode(agentNode("x"))
				_ = g.AddNode(agentNode("y"))
				_ = g.Connect("a", "b")
			},
			want: "Disconnected nodes found: x, y",
		},
		{
			name: "dangling edge",
			build: func(g *Graph) {
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("a", "ghost")
			},
			want: "Edge a -> ghost references missing node ghost",
		},
		{
			name: "duplicate id",
			build: func(g *Graph) {
				_ = g.AddNode(agentNode("a"))
				_ = g.AddNode(agentNode("a"))
			},
			want: "Duplicate node id: a",
		},
		{
			name: "missing agent id",
			build: func(g *Graph) {
				_ = g.AddNode(NewAgentNode("a", AgentConfig{}))
			},
			want: "Agent node a requires agentId",
		},
		{
			name: "config of wrong kind",
			build: func(g *Graph) {
				_ = g.AddNode(&Node{ID: "a", Kind: NodeKindLoop, Config: &AgentConfig{AgentID: "x"}})
			},
			want: "Node a has no loop config",
		},
		{
			name: "unknown kind",
			build: func(g *Graph) {
				_ = g.AddNode(&Node{ID: "a", Kind: "teleport"})
			},
			want: `Node a has unknown kind "teleport"`,
		},
		{
			name: "unlabeled condition edge",
			build: func(g *Graph) {
				_ = g.AddNode(NewConditionNode("c", ConditionConfig{Path: "x"}))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("c", "a")
			},
			want: "Condition node c edge to a must be labeled true or false",
		},
		{
			name: "condition without predicate",
			build: func(g *Graph) {
				_ = g.AddNode(NewConditionNode("c", ConditionConfig{}))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("c", "a", LabelTrue)
			},
			want: "Condition node c requires exactly one of predicate, path or expression",
		},
		{
			name: "condition with two sources",
			build: func(g *Graph) {
				_ = g.AddNode(NewConditionNode("c", ConditionConfig{Path: "x", Expression: "x"}))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("c", "a", LabelTrue)
			},
			want: "Condition node c requires exactly one of predicate, path or expression",
		},
		{
			name: "condition expression syntax",
			build: func(g *Graph) {
				_ = g.AddNode(NewConditionNode("c", ConditionConfig{Expression: "score >"}))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("c", "a", LabelTrue)
			},
			want: "Condition node c expression: unexpected end of expression",
		},
		{
			name: "loop without iterations",
			build: func(g *Graph) {
				_ = g.AddNode(NewLoopNode("l", 0))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("l", "a", LabelBody)
			},
			want: "Loop node l requires iterations >= 1",
		},
		{
			name: "parallel branch not a successor",
			build: func(g *Graph) {
				_ = g.AddNode(NewParallelNode("p", "a", "z"))
				_ = g.AddNode(agentNode("a"))
				_ = g.Connect("p", "a")
			},
			want: "Parallel node p branch z is not a direct successor",
		},
		{
			name: "start with incoming edge",
			build: func(g *Graph) {
				_ = g.AddNode(agentNode("a"))
				_ = g.AddNode(NewStartNode("s"))
				_ = g.Connect("a", "s")
			},
			want: "Start node s has incoming edges",
		},
		{
			name: "multiple starts share a node",
			build: func(g *Graph) {
				_ = g.AddNode(agentNode("a"))
				_ = g.AddNode(agentNode("b"))
				_ = g.AddNode(agentNode("c"))
				_ = g.Connect("a", "c")
				_ = g.Connect("b", "c")
			},
			want: "Node c is reachable from multiple start nodes: a, b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewGraph(tt.name)
			tt.build(g)
			res := Validate(g)
			assert.False(t, res.Valid)
			assert.Contains(t, res.Errors, tt.want)
		})
	}
}

func TestValidate_RegionEnteredFromOutside(t *testing.T) {
	t.Parallel()
	g := NewGraph("leak")
	_ = g.AddNode(NewStartNode("s"))
	_ = g.AddNode(NewParallelNode("p"))
	_ = g.AddNode(agentNode("a"))
	_ = g.AddNode(agentNode("b"))
	_ = g.AddNode(agentNode("x"))
	_ = g.AddNode(NewEndNode("e"))
	_ = g.Connect("s", "p")
	_ = g.Connect("s", "x")
	_ = g.Connect("p", "a")
	_ = g.Connect("p", "b")
	_ = g.Connect("x", "b")
	_ = g.Connect("a", "e")
	_ = g.Connect("b", "e")

	res := Validate(g)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Node b in region of p has predecessor x outside the region")
}

func TestTopologicalOrder_InsertionOrderTies(t *testing.T) {
	t.Parallel()
	g := NewGraph("diamond")
	for _, id := range []string{"root", "left", "right", "join"} {
		require.NoError(t, g.AddNode(agentNode(id)))
	}
	require.NoError(t, g.Connect("root", "right"))
	require.NoError(t, g.Connect("root", "left"))
	require.NoError(t, g.Connect("left", "join"))
	require.NoError(t, g.Connect("right", "join"))

	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "right", "left", "join"}, order)
}

func TestTopologicalOrder_CycleIsFatal(t *testing.T) {
	t.Parallel()
	g := linearGraph(t, "a", "b")
	require.NoError(t, g.Connect("b", "a"))

	order, err := TopologicalOrder(g)
	assert.Nil(t, order)
	assert.True(t, IsValidationError(err))
}

func TestGraph_SealedRejectsChanges(t *testing.T) {
	t.Parallel()
	g := linearGraph(t, "a", "b")
	g.seal()
	assert.ErrorIs(t, g.AddNode(agentNode("c")), ErrGraphSealed)
	assert.ErrorIs(t, g.Connect("a", "b"), ErrGraphSealed)
	assert.True(t, g.Sealed())
}

func TestGraph_StartAndEndNodes(t *testing.T) {
	t.Parallel()
	g := linearGraph(t, "a", "b", "c")
	assert.Equal(t, []string{"a"}, g.StartNodes())
	assert.Equal(t, []string{"c"}, g.EndNodes())
	assert.Equal(t, []string{"b"}, g.Successors("a"))
	assert.Equal(t, []string{"b"}, g.Predecessors("c"))
}

// randomDAG builds a graph whose edges only point from lower to higher
// index, so it is acyclic by construction.
func randomDAG(n int, edges []int) *Graph {
	g := NewGraph("random")
	for i := 0; i < n; i++ {
		_ = g.AddNode(agentNode(fmt.Sprintf("n%d", i)))
	}
	for k := 0; k+1 < len(edges); k += 2 {
		a, b := edges[k]%n, edges[k+1]%n
		if a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		_ = g.Connect(fmt.Sprintf("n%d", a), fmt.Sprintf("n%d", b))
	}
	return g
}

func TestProperty_TopologicalOrderValidity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every node once, every edge source before target", prop.ForAll(
		func(n int, edges []int) bool {
			g := randomDAG(n, edges)
			order, err := TopologicalOrder(g)
			if err != nil || len(order) != g.Len() {
				return false
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				if _, dup := pos[id]; dup {
					return false
				}
				pos[id] = i
			}
			for _, e := range g.Edges() {
				if pos[e.From] >= pos[e.To] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

func TestProperty_TopologicalOrderDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same graph yields same order", prop.ForAll(
		func(n int, edges []int) bool {
			first, err1 := TopologicalOrder(randomDAG(n, edges))
			second, err2 := TopologicalOrder(randomDAG(n, edges))
			return err1 == nil && err2 == nil && strings.Join(first, ",") == strings.Join(second, ",")
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.IntRange(0, 500)),
	))

	properties.TestingRun(t)
}
