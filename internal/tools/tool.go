// Package tools implements the agent's tool surface: each tool declares
// a typed parameter list and executes against the session sandbox.
package tools

import (
	"context"

	"github.com/open-codex/agentd/internal/providers"
)

// Param describes one tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean"
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Tool is the interface all agent tools implement.
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Execute(ctx context.Context, args map[string]any) *Result
}

// Result is the unified return type from tool execution. Output is what
// the LLM sees as the observation; IsError marks failed executions
// without aborting the reasoning loop.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"`
}

func NewResult(output string) *Result {
	return &Result{Output: output}
}

func ErrorResult(message string) *Result {
	return &Result{Output: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Definition projects a tool to the function-calling schema sent to the
// provider.
func Definition(t Tool) providers.ToolDefinition {
	properties := map[string]any{}
	var required []string
	for _, p := range t.Params() {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}

	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
	}
}

// ParamsFromDefinition recovers the parameter list from a function
// schema. Inverse of Definition for schemas it produces.
func ParamsFromDefinition(def providers.ToolDefinition) []Param {
	properties, _ := def.Parameters["properties"].(map[string]any)
	requiredSet := map[string]bool{}
	if required, ok := def.Parameters["required"].([]string); ok {
		for _, name := range required {
			requiredSet[name] = true
		}
	} else if required, ok := def.Parameters["required"].([]any); ok {
		for _, name := range required {
			if s, ok := name.(string); ok {
				requiredSet[s] = true
			}
		}
	}

	out := make([]Param, 0, len(properties))
	for name, raw := range properties {
		prop, _ := raw.(map[string]any)
		p := Param{Name: name, Required: requiredSet[name]}
		p.Type, _ = prop["type"].(string)
		p.Description, _ = prop["description"].(string)
		p.Default = prop["default"]
		out = append(out, p)
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
