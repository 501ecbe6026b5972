package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/mcpchat/internal/llm"
)

// Translate converts provider tool descriptors into the function
// catalog the completion request expects. The result preserves order
// and depends only on its input. A missing input schema becomes an
// empty object schema.
func Translate(defs []ToolDefinition) []llm.Tool {
	tools := make([]llm.Tool, 0, len(defs))
	for _, td := range defs {
		params := td.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		} else {
			params = maps.Clone(params)
		}
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// Catalog is a snapshot of one tools/list result: the translated
// functions for the model plus compiled input schemas for argument
// validation. A new listing needs a new Catalog.
type Catalog struct {
	functions []llm.Tool
	schemas   map[string]*jsonschema.Resolved
	known     map[string]bool
}

// NewCatalog translates defs and compiles their input schemas. A schema
// that fails to compile is logged and its tool is left unvalidated.
func NewCatalog(defs []ToolDefinition, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Catalog{
		functions: Translate(defs),
		schemas:   make(map[string]*jsonschema.Resolved, len(defs)),
		known:     make(map[string]bool, len(defs)),
	}
	for _, td := range defs {
		c.known[td.Name] = true
		if td.InputSchema == nil {
			continue
		}
		resolved, err := compileSchema(td.InputSchema)
		if err != nil {
			logger.Warn("tool input schema rejected, arguments will not be validated",
				"tool", td.Name,
				"error", err,
			)
			continue
		}
		c.schemas[td.Name] = resolved
	}
	return c
}

// Functions returns the catalog in completion-request form.
func (c *Catalog) Functions() []llm.Tool {
	return c.functions
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	return len(c.functions)
}

// Validate checks args against the named tool's input schema. Unknown
// tool names are an error; tools without a usable schema accept any
// arguments.
func (c *Catalog) Validate(name string, args map[string]any) error {
	if !c.known[name] {
		return fmt.Errorf("unknown tool %q", name)
	}
	resolved, ok := c.schemas[name]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(&args); err != nil {
		return fmt.Errorf("arguments for %s: %w", name, err)
	}
	return nil
}

func compileSchema(raw map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return resolved, nil
}
