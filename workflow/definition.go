package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the wire form of a workflow:
// {id, name, nodes: [{id, kind, config}], edges: [{from, to, label?}]}.
type Definition struct {
	ID    string           `json:"id" yaml:"id"`
	Name  string           `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges []Edge           `json:"edges" yaml:"edges"`
}

// NodeDefinition is the wire form of a node. Config is decoded into the
// typed config of Kind.
type NodeDefinition struct {
	ID     string
	Kind   NodeKind
	Config NodeConfig
}

type nodeWireJSON struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

type nodeWireYAML struct {
	ID     string    `yaml:"id"`
	Kind   string    `yaml:"kind"`
	Config yaml.Node `yaml:"config,omitempty"`
}

func newConfig(kind NodeKind) NodeConfig {
	switch kind {
	case NodeKindAgent:
		return &AgentConfig{}
	case NodeKindCondition:
		return &ConditionConfig{}
	case NodeKindParallel:
		return &ParallelConfig{}
	case NodeKindLoop:
		return &LoopConfig{}
	default:
		return nil
	}
}

// MarshalJSON writes the node with its kind name and typed config.
func (n NodeDefinition) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID     string     `json:"id"`
		Kind   NodeKind   `json:"kind"`
		Config NodeConfig `json:"config,omitempty"`
	}
	return json.Marshal(wire{ID: n.ID, Kind: n.Kind, Config: n.Config})
}

// UnmarshalJSON decodes the config strictly for the node's kind.
func (n *NodeDefinition) UnmarshalJSON(data []byte) error {
	var w nodeWireJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseNodeKind(w.Kind)
	if err != nil {
		return NewValidationError(fmt.Sprintf("node %s: %v", w.ID, err))
	}
	n.ID, n.Kind = w.ID, kind
	raw := bytes.TrimSpace(w.Config)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}"))
	cfg := newConfig(kind)
	if cfg == nil {
		if !empty {
			return NewValidationError(fmt.Sprintf("node %s: %s nodes take no config", w.ID, kind))
		}
		n.Config = nil
		return nil
	}
	if !empty {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return NewValidationError(fmt.Sprintf("node %s: invalid %s config: %v", w.ID, kind, err))
		}
	}
	n.Config = cfg
	return nil
}

// MarshalYAML writes the node with its kind name and typed config.
func (n NodeDefinition) MarshalYAML() (interface{}, error) {
	type wire struct {
		ID     string     `yaml:"id"`
		Kind   NodeKind   `yaml:"kind"`
		Config NodeConfig `yaml:"config,omitempty"`
	}
	return wire{ID: n.ID, Kind: n.Kind, Config: n.Config}, nil
}

// UnmarshalYAML decodes the config for the node's kind.
func (n *NodeDefinition) UnmarshalYAML(node *yaml.Node) error {
	var w nodeWireYAML
	if err := node.Decode(&w); err != nil {
		return err
	}
	kind, err := ParseNodeKind(w.Kind)
	if err != nil {
		return NewValidationError(fmt.Sprintf("node %s: %v", w.ID, err))
	}
	n.ID, n.Kind = w.ID, kind
	empty := w.Config.Kind == 0 || w.Config.Tag == "!!null" ||
		(w.Config.Kind == yaml.MappingNode && len(w.Config.Content) == 0)
	cfg := newConfig(kind)
	if cfg == nil {
		if !empty {
			return NewValidationError(fmt.Sprintf("node %s: %s nodes take no config", w.ID, kind))
		}
		n.Config = nil
		return nil
	}
	if !empty {
		if err := w.Config.Decode(cfg); err != nil {
			return NewValidationError(fmt.Sprintf("node %s: invalid %s config: %v", w.ID, kind, err))
		}
	}
	n.Config = cfg
	return nil
}

// Graph builds an unvalidated graph from the definition.
func (d *Definition) Graph() *Graph {
	g := NewGraph(d.ID)
	g.Name = d.Name
	for _, nd := range d.Nodes {
		_ = g.AddNode(&Node{ID: nd.ID, Kind: nd.Kind, Config: nd.Config})
	}
	for _, e := range d.Edges {
		_ = g.AddEdge(e)
	}
	return g
}

// DefinitionOf returns the wire form of g.
func DefinitionOf(g *Graph) *Definition {
	d := &Definition{ID: g.ID, Name: g.Name, Edges: g.Edges()}
	for _, n := range g.Nodes() {
		d.Nodes = append(d.Nodes, NodeDefinition{ID: n.ID, Kind: n.Kind, Config: n.Config})
	}
	return d
}

// ToJSON renders the definition as indented JSON.
func (d *Definition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

// ToYAML renders the definition as YAML.
func (d *Definition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

// FromJSON decodes and validates a JSON definition. Every failure is a
// ValidationError.
func FromJSON(data []byte) (*Graph, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, asValidationError(err)
	}
	return load(&d)
}

// FromYAML decodes and validates a YAML definition. Every failure is a
// ValidationError.
func FromYAML(data []byte) (*Graph, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, asValidationError(err)
	}
	return load(&d)
}

// LoadFile reads a definition, choosing YAML for .yaml/.yml and JSON
// otherwise.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	if isYAML(path) {
		return FromYAML(data)
	}
	return FromJSON(data)
}

// SaveFile writes g in the format implied by the extension.
func SaveFile(g *Graph, path string) error {
	d := DefinitionOf(g)
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = d.ToYAML()
	} else {
		data, err = d.ToJSON()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}
	return nil
}

func load(d *Definition) (*Graph, error) {
	if strings.TrimSpace(d.ID) == "" {
		return nil, NewValidationError("Workflow id is required")
	}
	g := d.Graph()
	if res := Validate(g); !res.Valid {
		return nil, res.Err()
	}
	return g, nil
}

func asValidationError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return NewValidationError("invalid workflow definition: " + err.Error())
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
