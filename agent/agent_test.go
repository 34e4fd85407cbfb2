package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/tools"
)

func searchManifest(t *testing.T) *Manifest {
	t.Helper()
	m := &Manifest{
		ID:    "assistant",
		Model: "claude-sonnet-4-5",
		Tools: []*ToolDef{
			{
				Name:        "search",
				Description: "Search the knowledge base.",
				InputSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"query"},
					"additionalProperties": false,
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "minLength": 1},
						"limit": map[string]any{"type": "integer", "minimum": 1},
					},
				},
			},
			{Name: "echo"},
		},
	}
	require.NoError(t, m.Validate())
	return m
}

func TestManifestValidate(t *testing.T) {
	cases := []struct {
		name     string
		manifest *Manifest
		wantErr  string
	}{
		{"missing id", &Manifest{Model: "m"}, "id is required"},
		{"missing model", &Manifest{ID: "a"}, "model is required"},
		{"negative steps", &Manifest{ID: "a", Model: "m", MaxSteps: -1}, "max_steps"},
		{
			"duplicate tool",
			&Manifest{ID: "a", Model: "m", Tools: []*ToolDef{{Name: "t"}, {Name: "t"}}},
			"duplicate tool",
		},
		{
			"sub-agent with approval",
			&Manifest{ID: "a", Model: "m", Tools: []*ToolDef{{Name: "t", Agent: "b", RequiresApproval: true}}},
			"cannot require approval",
		},
		{
			"bad schema",
			&Manifest{ID: "a", Model: "m", Tools: []*ToolDef{{
				Name:        "t",
				InputSchema: map[string]any{"type": 12},
			}}},
			"tool t",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.manifest.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidatePayload(t *testing.T) {
	m := searchManifest(t)

	require.NoError(t, m.ValidatePayload("search", json.RawMessage(`{"query":"go locks","limit":3}`)))

	err := m.ValidatePayload("search", json.RawMessage(`{"limit":3}`))
	require.Error(t, err)
	var terr *tools.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tools.CodeInvalidInput, terr.Code)

	err = m.ValidatePayload("search", json.RawMessage(`{"query":`))
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tools.CodeInvalidInput, terr.Code)

	// No schema means any payload is accepted.
	require.NoError(t, m.ValidatePayload("echo", json.RawMessage(`"anything"`)))
	require.NoError(t, m.ValidatePayload("echo", nil))
}

func TestDefinitions(t *testing.T) {
	m := searchManifest(t)
	defs := m.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "search", defs[0].Name)
	assert.Equal(t, "Search the knowledge base.", defs[0].Description)
	// Tools without a schema advertise a permissive object schema.
	assert.Equal(t, map[string]any{"type": "object"}, defs[1].InputSchema)
}

func TestStepBudget(t *testing.T) {
	m := &Manifest{ID: "a", Model: "m"}
	require.NoError(t, m.Validate())
	assert.Equal(t, DefaultMaxSteps, m.StepBudget())
	m.MaxSteps = 4
	assert.Equal(t, 4, m.StepBudget())
}

const manifestsYAML = `
assistant:
  version: "3"
  model: claude-sonnet-4-5
  system_prompt: You are a helpful assistant.
  max_steps: 8
  tools:
    - name: search
      description: Search the knowledge base.
      input_schema:
        type: object
        required: [query]
        properties:
          query:
            type: string
    - name: deploy
      requires_approval: true
    - name: researcher
      agent: researcher
researcher:
  model: claude-haiku-4-5
  tools:
    - name: fetch
`

func TestLoadMap(t *testing.T) {
	m, err := LoadMap(strings.NewReader(manifestsYAML))
	require.NoError(t, err)
	require.Len(t, m, 2)

	assistant, err := m.Get("assistant")
	require.NoError(t, err)
	assert.Equal(t, "assistant", assistant.ID)
	assert.Equal(t, "3", assistant.Version)
	assert.Equal(t, 8, assistant.MaxSteps)
	require.NotNil(t, assistant.Tool("deploy"))
	assert.True(t, assistant.Tool("deploy").RequiresApproval)
	assert.Equal(t, "researcher", assistant.Tool("researcher").Agent)

	_, err = m.Get("nope")
	assert.ErrorContains(t, err, "unknown agent")
}

func TestLoadMapRejectsDanglingSubAgent(t *testing.T) {
	const bad = `
assistant:
  model: m
  tools:
    - name: helper
      agent: missing
`
	_, err := LoadMap(strings.NewReader(bad))
	assert.ErrorContains(t, err, `unknown agent "missing"`)
}

func TestLoadMapRejectsUnknownFields(t *testing.T) {
	const bad = `
assistant:
  model: m
  system_promt: typo
`
	_, err := LoadMap(strings.NewReader(bad))
	assert.Error(t, err)
}
