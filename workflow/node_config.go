package workflow

import (
	"github.com/BaSui01/swarmflow/workflow/queue"
)

// NodeConfig is the closed set of kind-specific node settings. Only the
// config types in this package implement it.
type NodeConfig interface {
	nodeKind() NodeKind
}

// AgentConfig configures an Agent node.
type AgentConfig struct {
	AgentID   string           `json:"agentId" yaml:"agentId"`
	Prompt    string           `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Priority  int              `json:"priority,omitempty" yaml:"priority,omitempty"`
	Resources *queue.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
	// Inputs restricts which variables are passed to the agent as previous
	// outputs. Empty means every variable visible in scope.
	Inputs    []string      `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OutputKey string        `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
	Artifact  *ArtifactSpec `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Commit    *CommitSpec   `json:"commit,omitempty" yaml:"commit,omitempty"`
}

// ArtifactSpec asks the engine to keep an agent's output as a named artifact.
type ArtifactSpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// CommitSpec asks the engine to push an agent's output through the
// RepositoryWriter.
type CommitSpec struct {
	Branch      string `json:"branch" yaml:"branch"`
	Path        string `json:"path" yaml:"path"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
	PullRequest *struct {
		Title string `json:"title" yaml:"title"`
		Base  string `json:"base" yaml:"base"`
		Body  string `json:"body,omitempty" yaml:"body,omitempty"`
	} `json:"pullRequest,omitempty" yaml:"pullRequest,omitempty"`
}

// ConditionConfig configures a Condition node. Exactly one of Predicate
// (a name registered on the engine), Path (a gjson path over the run
// variables) or Expression (see package expr) must be set.
type ConditionConfig struct {
	Predicate  string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// Equals, when set with Path, compares the resolved value instead of
	// testing truthiness.
	Equals any `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// ParallelConfig configures a Parallel node. Branches lists the branch head
// node ids in branch-index order; empty means every direct successor in
// edge order.
type ParallelConfig struct {
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// LoopConfig configures a Loop node. Body lists the nodes executed on each
// iteration; empty means the nodes reached through "body"-labeled edges.
type LoopConfig struct {
	Iterations int      `json:"iterations" yaml:"iterations"`
	Body       []string `json:"body,omitempty" yaml:"body,omitempty"`
}

func (*AgentConfig) nodeKind() NodeKind     { return NodeKindAgent }
func (*ConditionConfig) nodeKind() NodeKind { return NodeKindCondition }
func (*ParallelConfig) nodeKind() NodeKind  { return NodeKindParallel }
func (*LoopConfig) nodeKind() NodeKind      { return NodeKindLoop }

// NewAgentNode returns an Agent node.
func NewAgentNode(id string, cfg AgentConfig) *Node {
	return &Node{ID: id, Kind: NodeKindAgent, Config: &cfg}
}

// NewConditionNode returns a Condition node.
func NewConditionNode(id string, cfg ConditionConfig) *Node {
	return &Node{ID: id, Kind: NodeKindCondition, Config: &cfg}
}

// NewParallelNode returns a Parallel node.
func NewParallelNode(id string, branches ...string) *Node {
	return &Node{ID: id, Kind: NodeKindParallel, Config: &ParallelConfig{Branches: branches}}
}

// NewLoopNode returns a Loop node.
func NewLoopNode(id string, iterations int, body ...string) *Node {
	return &Node{ID: id, Kind: NodeKindLoop, Config: &LoopConfig{Iterations: iterations, Body: body}}
}

// NewStartNode returns a Start node.
func NewStartNode(id string) *Node { return &Node{ID: id, Kind: NodeKindStart} }

// NewEndNode returns an End node.
func NewEndNode(id string) *Node { return &Node{ID: id, Kind: NodeKindEnd} }

func (n *Node) agentConfig() *AgentConfig {
	c, _ := n.Config.(*AgentConfig)
	return c
}

func (n *Node) conditionConfig() *ConditionConfig {
	c, _ := n.Config.(*ConditionConfig)
	return c
}

func (n *Node) parallelConfig() *ParallelConfig {
	c, _ := n.Config.(*ParallelConfig)
	return c
}

func (n *Node) loopConfig() *LoopConfig {
	c, _ := n.Config.(*LoopConfig)
	return c
}
