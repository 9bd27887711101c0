package workflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/workflow/queue"
)

// Builder provides a fluent API for constructing workflow graphs. Errors
// are collected and reported by Build.
type Builder struct {
	graph  *Graph
	errs   []string
	logger *zap.Logger
}

// NewBuilder starts a graph with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{graph: NewGraph(id), logger: zap.NewNop()}
}

// WithName sets the display name.
func (b *Builder) WithName(name string) *Builder {
	b.graph.Name = name
	return b
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "workflow_builder"))
	}
	return b
}

func (b *Builder) add(n *Node) *Builder {
	if err := b.graph.AddNode(n); err != nil {
		b.errs = append(b.errs, err.Error())
	}
	return b
}

// Start adds a Start node.
func (b *Builder) Start(id string) *Builder { return b.add(NewStartNode(id)) }

// End adds an End node.
func (b *Builder) End(id string) *Builder { return b.add(NewEndNode(id)) }

// Agent adds an Agent node that runs agentID with prompt.
func (b *Builder) Agent(id, agentID, prompt string, opts ...AgentOption) *Builder {
	cfg := AgentConfig{AgentID: agentID, Prompt: prompt}
	for _, opt := range opts {
		opt(&cfg)
	}
	return b.add(NewAgentNode(id, cfg))
}

// Condition adds a Condition node using a registered predicate.
func (b *Builder) Condition(id, predicate string) *Builder {
	return b.add(NewConditionNode(id, ConditionConfig{Predicate: predicate}))
}

// ConditionPath adds a Condition node testing a gjson path over the run
// variables. With equals non-nil the value must match it.
func (b *Builder) ConditionPath(id, path string, equals any) *Builder {
	return b.add(NewConditionNode(id, ConditionConfig{Path: path, Equals: equals}))
}

// ConditionExpr adds a Condition node evaluating a boolean expression over
// the run variables.
func (b *Builder) ConditionExpr(id, expression string) *Builder {
	return b.add(NewConditionNode(id, ConditionConfig{Expression: expression}))
}

// Parallel adds a Parallel node with the given branch heads.
func (b *Builder) Parallel(id string, branches ...string) *Builder {
	return b.add(NewParallelNode(id, branches...))
}

// Loop adds a Loop node running body nodes iterations times.
func (b *Builder) Loop(id string, iterations int, body ...string) *Builder {
	return b.add(NewLoopNode(id, iterations, body...))
}

// Edge connects from to to, with an optional label.
func (b *Builder) Edge(from, to string, label ...string) *Builder {
	if err := b.graph.Connect(from, to, label...); err != nil {
		b.errs = append(b.errs, err.Error())
	}
	return b
}

// Chain connects ids in sequence with unlabeled edges.
func (b *Builder) Chain(ids ...string) *Builder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}
	return b
}

// Build validates the graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, NewValidationError(b.errs...)
	}
	if res := Validate(b.graph); !res.Valid {
		return nil, res.Err()
	}
	b.logger.Debug("workflow built",
		zap.String("workflow_id", b.graph.ID),
		zap.Int("nodes", b.graph.Len()),
		zap.Int("edges", len(b.graph.edges)))
	return b.graph, nil
}

// MustBuild is Build that panics on error. Intended for fixtures.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// AgentOption customizes an Agent node added through the builder.
type AgentOption func(*AgentConfig)

// WithPriority sets the queue priority of the agent call.
func WithPriority(p int) AgentOption {
	return func(c *AgentConfig) { c.Priority = p }
}

// WithResources sets the queue resource cost of the agent call.
func WithResources(r queue.Resources) AgentOption {
	return func(c *AgentConfig) { c.Resources = &r }
}

// WithOutputKey stores the output under key instead of the node id.
func WithOutputKey(key string) AgentOption {
	return func(c *AgentConfig) { c.OutputKey = key }
}

// WithInputs restricts the previous outputs passed to the agent.
func WithInputs(keys ...string) AgentOption {
	return func(c *AgentConfig) { c.Inputs = keys }
}

// WithArtifact keeps the output as a named artifact.
func WithArtifact(name, typ string) AgentOption {
	return func(c *AgentConfig) { c.Artifact = &ArtifactSpec{Name: name, Type: typ} }
}

// WithCommit pushes the output to branch at path.
func WithCommit(spec CommitSpec) AgentOption {
	return func(c *AgentConfig) { c.Commit = &spec }
}
