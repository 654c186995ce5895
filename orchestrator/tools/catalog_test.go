package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
personas:
  - id: persona-research
    agent_id: researcher
    model_profile_id: profile-default
    tool_ids: [search, summarize]
    recent_turns_limit: 10
    context_assembly_workflow_id: assemble-context
    memory_extraction:
      workflow_def_id: extract-memories
      version: 3
      project_id: proj-1
tools:
  - id: search
    name: web_search
    description: Search the web.
    target_type: task
    target_id: task-search
    input_schema:
      type: object
      properties:
        query:
          type: string
      required: [query]
    timeout_ms: 30000
    retry:
      max_attempts: 3
      backoff_ms: 500
  - id: summarize
    name: summarize
    description: Summarize a document via a peer agent.
    target_type: agent
    target_id: summarizer
    agent_mode: delegate
    async: true
`

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	ctx := context.Background()
	p, err := c.Persona(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "persona-research", p.ID)
	assert.Equal(t, "profile-default", p.ModelProfileID)
	assert.Equal(t, []string{"search", "summarize"}, p.ToolIDs)
	require.NotNil(t, p.MemoryExtraction)
	assert.Equal(t, "extract-memories", p.MemoryExtraction.WorkflowDefID)
	assert.Equal(t, 3, p.MemoryExtraction.Version)
	assert.Equal(t, "proj-1", p.MemoryExtraction.ProjectID)

	defs, err := c.Tools(ctx, p.ToolIDs)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "web_search", defs[0].Name)
	assert.Equal(t, TargetTask, defs[0].TargetType)
	assert.False(t, defs[0].Async)
	require.NotNil(t, defs[0].Retry)
	assert.Equal(t, 3, defs[0].Retry.MaxAttempts)
	assert.Equal(t, TargetAgent, defs[1].TargetType)
	assert.Equal(t, ModeDelegate, defs[1].AgentMode)
	assert.True(t, defs[1].Async)
}

func TestLoadCatalogUnknownPersona(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	_, err = c.Persona(context.Background(), "missing")
	require.Error(t, err)
}

func TestToolsSkipsUnknownIDs(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	defs, err := c.Tools(context.Background(), []string{"nope", "search"})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "search", defs[0].ID)
}

func TestCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		def  Definition
	}{
		{"missing target", Definition{ID: "t", Name: "t", TargetType: TargetTask}},
		{"bad target type", Definition{ID: "t", Name: "t", TargetType: "queue", TargetID: "x"}},
		{"agent without mode", Definition{ID: "t", Name: "t", TargetType: TargetAgent, TargetID: "x"}},
		{"zero retry attempts", Definition{ID: "t", Name: "t", TargetType: TargetTask, TargetID: "x", Retry: &RetryConfig{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStaticCatalog(nil, []Definition{tc.def})
			require.Error(t, err)
		})
	}
}

func TestDefinitionTimeout(t *testing.T) {
	assert.Equal(t, 120000, Definition{}.Timeout(120000))
	assert.Equal(t, 5000, Definition{TimeoutMs: 5000}.Timeout(120000))
}
