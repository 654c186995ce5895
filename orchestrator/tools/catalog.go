package tools

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// StaticCatalog holds persona and tool definitions loaded from a YAML
	// document. It is immutable after construction and safe for concurrent
	// reads.
	StaticCatalog struct {
		personas map[string]Persona
		defs     map[string]Definition
	}

	catalogDoc struct {
		Personas []Persona    `yaml:"personas"`
		Tools    []Definition `yaml:"tools"`
	}
)

// NewStaticCatalog builds a catalog from in-memory definitions. Personas are
// keyed by agent id, tools by tool id.
func NewStaticCatalog(personas []Persona, defs []Definition) (*StaticCatalog, error) {
	c := &StaticCatalog{
		personas: make(map[string]Persona, len(personas)),
		defs:     make(map[string]Definition, len(defs)),
	}
	for _, p := range personas {
		if p.AgentID == "" {
			return nil, fmt.Errorf("persona %q: missing agent_id", p.ID)
		}
		if _, ok := c.personas[p.AgentID]; ok {
			return nil, fmt.Errorf("duplicate persona for agent %q", p.AgentID)
		}
		c.personas[p.AgentID] = p
	}
	for _, d := range defs {
		if err := validateDefinition(d); err != nil {
			return nil, err
		}
		if _, ok := c.defs[d.ID]; ok {
			return nil, fmt.Errorf("duplicate tool id %q", d.ID)
		}
		c.defs[d.ID] = d
	}
	return c, nil
}

// LoadCatalog parses a YAML catalog document from r.
func LoadCatalog(r io.Reader) (*StaticCatalog, error) {
	var doc catalogDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewStaticCatalog(doc.Personas, doc.Tools)
}

// LoadCatalogFile reads and parses the YAML catalog at path.
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// Persona returns the persona configured for the given agent.
func (c *StaticCatalog) Persona(_ context.Context, agentID string) (Persona, error) {
	p, ok := c.personas[agentID]
	if !ok {
		return Persona{}, fmt.Errorf("no persona for agent %q", agentID)
	}
	return p, nil
}

// Tools returns the definitions for the given tool ids in input order,
// skipping ids with no definition.
func (c *StaticCatalog) Tools(_ context.Context, ids []string) ([]Definition, error) {
	out := make([]Definition, 0, len(ids))
	for _, id := range ids {
		if d, ok := c.defs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func validateDefinition(d Definition) error {
	if d.ID == "" {
		return fmt.Errorf("tool %q: missing id", d.Name)
	}
	if d.Name == "" {
		return fmt.Errorf("tool %q: missing name", d.ID)
	}
	switch d.TargetType {
	case TargetTask, TargetWorkflow:
	case TargetAgent:
		switch d.AgentMode {
		case ModeLoopIn, ModeDelegate:
		default:
			return fmt.Errorf("tool %q: agent target requires agent_mode loop_in or delegate", d.ID)
		}
	default:
		return fmt.Errorf("tool %q: unknown target_type %q", d.ID, d.TargetType)
	}
	if d.TargetID == "" {
		return fmt.Errorf("tool %q: missing target_id", d.ID)
	}
	if d.Retry != nil && d.Retry.MaxAttempts < 1 {
		return fmt.Errorf("tool %q: retry max_attempts must be at least 1", d.ID)
	}
	return nil
}
