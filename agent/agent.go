// Package agent defines agent manifests: the static configuration describing
// an agent's model, system prompt and tool surface. Manifests are loaded from
// YAML and validated once at startup; tool input schemas are compiled to JSON
// Schema validators so payloads can be checked before execution.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestro-run/maestro/model"
	"github.com/maestro-run/maestro/tools"
)

type (
	// Manifest is the static configuration of one agent.
	Manifest struct {
		// ID uniquely identifies the agent within a Map.
		ID string `yaml:"id" json:"id"`

		// Version is an opaque manifest revision recorded on each run.
		Version string `yaml:"version" json:"version"`

		// Model is the provider model identifier used for completions.
		Model string `yaml:"model" json:"model"`

		// SystemPrompt is prepended to every conversation.
		SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

		// MaxSteps caps step-loop iterations. Zero means DefaultMaxSteps.
		MaxSteps int `yaml:"max_steps" json:"max_steps"`

		// MaxTokens caps completion tokens per step. Zero means provider
		// default.
		MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

		// Tools lists the tools exposed to the model.
		Tools []*ToolDef `yaml:"tools" json:"tools"`

		schemas map[tools.Ident]*jsonschema.Schema
	}

	// ToolDef declares one tool in a manifest.
	ToolDef struct {
		// Name is the identifier presented to the model.
		Name tools.Ident `yaml:"name" json:"name"`

		// Description documents the tool for prompting purposes.
		Description string `yaml:"description" json:"description"`

		// InputSchema is the JSON Schema for the tool input. Nil means any
		// payload is accepted.
		InputSchema map[string]any `yaml:"input_schema" json:"input_schema"`

		// RequiresApproval suspends the run before this tool executes, until
		// an external approval arrives.
		RequiresApproval bool `yaml:"requires_approval" json:"requires_approval"`

		// Agent names a sub-agent manifest when this tool delegates to a
		// nested agent run instead of an executor.
		Agent string `yaml:"agent" json:"agent"`
	}

	// Map indexes validated manifests by ID.
	Map map[string]*Manifest
)

// DefaultMaxSteps bounds the step loop when a manifest does not set MaxSteps.
const DefaultMaxSteps = 25

// Validate checks the manifest and compiles tool input schemas. It must be
// called before ValidatePayload or Definitions.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("agent: manifest id is required")
	}
	if m.Model == "" {
		return fmt.Errorf("agent: manifest %s: model is required", m.ID)
	}
	if m.MaxSteps < 0 {
		return fmt.Errorf("agent: manifest %s: max_steps must not be negative", m.ID)
	}
	m.schemas = make(map[tools.Ident]*jsonschema.Schema, len(m.Tools))
	seen := make(map[tools.Ident]struct{}, len(m.Tools))
	for _, td := range m.Tools {
		if td.Name == "" {
			return fmt.Errorf("agent: manifest %s: tool name is required", m.ID)
		}
		if _, ok := seen[td.Name]; ok {
			return fmt.Errorf("agent: manifest %s: duplicate tool %s", m.ID, td.Name)
		}
		seen[td.Name] = struct{}{}
		if td.Agent != "" && td.RequiresApproval {
			return fmt.Errorf("agent: manifest %s: tool %s: sub-agent tools cannot require approval", m.ID, td.Name)
		}
		if td.InputSchema == nil {
			continue
		}
		sch, err := compileSchema(string(td.Name), td.InputSchema)
		if err != nil {
			return fmt.Errorf("agent: manifest %s: tool %s: %w", m.ID, td.Name, err)
		}
		m.schemas[td.Name] = sch
	}
	return nil
}

func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so YAML-decoded values (map[string]any with
	// ints) become the canonical types the compiler expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "maestro:///tools/" + strings.ReplaceAll(name, ".", "/") + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Tool returns the declaration for name, or nil when the manifest does not
// declare it.
func (m *Manifest) Tool(name tools.Ident) *ToolDef {
	for _, td := range m.Tools {
		if td.Name == name {
			return td
		}
	}
	return nil
}

// ValidatePayload checks input against the compiled schema of the named tool.
// Tools without a schema accept any payload.
func (m *Manifest) ValidatePayload(name tools.Ident, input json.RawMessage) error {
	sch, ok := m.schemas[name]
	if !ok {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return tools.Errorf(tools.CodeInvalidInput, "tool %s: invalid JSON input: %s", name, err)
	}
	if err := sch.Validate(value); err != nil {
		return tools.Errorf(tools.CodeInvalidInput, "tool %s: %s", name, err)
	}
	return nil
}

// StepBudget returns the effective step cap.
func (m *Manifest) StepBudget() int {
	if m.MaxSteps > 0 {
		return m.MaxSteps
	}
	return DefaultMaxSteps
}

// Definitions renders the manifest tools as provider tool definitions.
func (m *Manifest) Definitions() []*model.ToolDefinition {
	if len(m.Tools) == 0 {
		return nil
	}
	defs := make([]*model.ToolDefinition, len(m.Tools))
	for i, td := range m.Tools {
		schema := any(td.InputSchema)
		if td.InputSchema == nil {
			schema = map[string]any{"type": "object"}
		}
		defs[i] = &model.ToolDefinition{
			Name:        string(td.Name),
			Description: td.Description,
			InputSchema: schema,
		}
	}
	return defs
}

// Get returns the manifest for id, or an error naming the missing agent.
func (m Map) Get(id string) (*Manifest, error) {
	man, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("agent: unknown agent %q", id)
	}
	return man, nil
}

// Validate validates every manifest and checks that sub-agent tool references
// resolve within the map.
func (m Map) Validate() error {
	for id, man := range m {
		if man.ID != "" && man.ID != id {
			return fmt.Errorf("agent: manifest keyed %q declares id %q", id, man.ID)
		}
		man.ID = id
		if err := man.Validate(); err != nil {
			return err
		}
		for _, td := range man.Tools {
			if td.Agent == "" {
				continue
			}
			if _, ok := m[td.Agent]; !ok {
				return fmt.Errorf("agent: manifest %s: tool %s references unknown agent %q", id, td.Name, td.Agent)
			}
		}
	}
	return nil
}
