package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AgentInvoker executes an agent by id. Implementations return a
// ProviderError on transport or auth failures.
type AgentInvoker interface {
	Execute(ctx context.Context, agentID string, prompt PromptContext) (AgentResult, error)
}

// AgentResult is what an agent returns.
type AgentResult struct {
	Output     string  `json:"output"`
	TokensUsed int     `json:"tokensUsed"`
	Cost       float64 `json:"cost"`
}

// PromptContext is the input handed to an agent.
type PromptContext struct {
	RunID       string         `json:"runId"`
	NodeID      string         `json:"nodeId"`
	Prompt      string         `json:"prompt"`
	Previous    map[string]any `json:"previous,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Attempt     int            `json:"attempt"`
	Description string         `json:"description,omitempty"`
}

// Render builds the text prompt: the node prompt, the outputs of earlier
// agents, then any additional context. Keys are sorted.
func (p PromptContext) Render() string {
	var b strings.Builder
	b.WriteString(p.Prompt)
	if len(p.Previous) > 0 {
		b.WriteString("\n\n### Previous Agent Outputs:\n")
		for _, k := range slices.Sorted(maps.Keys(p.Previous)) {
			fmt.Fprintf(&b, "\n**%s:**\n%v\n", k, p.Previous[k])
		}
	}
	if len(p.Context) > 0 {
		b.WriteString("\n\n### Additional Context:\n")
		for _, k := range slices.Sorted(maps.Keys(p.Context)) {
			fmt.Fprintf(&b, "- %s: %v\n", k, p.Context[k])
		}
	}
	return b.String()
}

// FileChange is one file written by a commit.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RepositoryWriter persists agent output to source control.
type RepositoryWriter interface {
	Commit(ctx context.Context, branch string, files []FileChange, message string) (string, error)
	OpenPullRequest(ctx context.Context, title, head, base, body string) (int, error)
}

// ArtifactStore keeps agent outputs as named artifacts.
type ArtifactStore interface {
	Store(ctx context.Context, in ArtifactInput) (string, error)
}

// ArtifactInput describes content to keep as an artifact.
type ArtifactInput struct {
	RunID   string
	NodeID  string
	Name    string
	Type    string
	Content []byte
}
