package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/schema"
)

// TypedToolFunc is a strongly-typed tool handler: arguments are decoded into
// A before the call and the result is encoded from O afterward, so a tool
// author writes neither JSON decoding nor schema documents by hand.
type TypedToolFunc[A any, O any] func(ctx context.Context, args A) (O, error)

// RegisterTypedTool registers name by reflecting Go types A and O into both
// the wire-facing mcp.ToolInputSchema/mcp.ToolOutputSchema advertised by
// tools/list and this module's own schema.Schema used to actually validate
// calls, so the two never drift out of sync with each other or with fn's
// real signature.
func RegisterTypedTool[A any, O any](tools *ToolRegistry, name, description string, fn TypedToolFunc[A, O]) error {
	inputWire, inputSchema := reflectSchemas[A](false)
	outputWire, outputSchema := reflectSchemas[O](true)

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var args A
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return nil, fmt.Errorf("catalog: decode arguments for %q: %w", name, err)
			}
		}
		out, err := fn(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: err.Error()}}}, nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("catalog: encode result for %q: %w", name, err)
		}
		var structured map[string]any
		if err := json.Unmarshal(b, &structured); err != nil {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(b)}}}, nil
		}
		return &mcp.CallToolResult{StructuredContent: structured}, nil
	}

	outputDescriptor := mcp.ToolOutputSchema{Type: outputWire.Type, Properties: outputWire.Properties, Required: outputWire.Required}

	return tools.Register(ToolEntry{
		Descriptor: mcp.Tool{
			Name:         name,
			Description:  description,
			InputSchema:  inputWire,
			OutputSchema: &outputDescriptor,
		},
		Handler:      handler,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	})
}

// reflectSchemas reflects Go type T into both the simplified MCP wire
// schema and this module's internal schema.Schema validator, walking the
// invopop/jsonschema.Schema tree once per representation.
func reflectSchemas[T any](allowAdditional bool) (mcp.ToolInputSchema, *schema.Schema) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true, AllowAdditionalProperties: allowAdditional}
	s := r.Reflect(new(T))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}, AdditionalProperties: allowAdditional},
			&schema.Schema{Type: schema.TypeObject}
	}

	wireProps := make(map[string]mcp.SchemaProperty)
	valProps := make(map[string]*schema.Schema)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			wireProps[el.Key] = toWireProperty(el.Value)
			valProps[el.Key] = toValidationSchema(el.Value)
		}
	}

	var required []string
	required = append(required, s.Required...)

	wire := mcp.ToolInputSchema{Type: "object", Properties: wireProps, Required: required, AdditionalProperties: allowAdditional}
	ap := allowAdditional
	val := &schema.Schema{Type: schema.TypeObject, Properties: valProps, Required: required, AdditionalProperties: &ap}
	return wire, val
}

func toWireProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toWireProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toWireProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

func toValidationSchema(s *jsonschema.Schema) *schema.Schema {
	if s == nil {
		return nil
	}
	out := &schema.Schema{Type: schema.Type(s.Type), Enum: s.Enum}
	if s.Type == "array" && s.Items != nil {
		out.Items = toValidationSchema(s.Items)
	}
	if s.Type == "object" && s.Properties != nil {
		props := make(map[string]*schema.Schema, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toValidationSchema(el.Value)
		}
		out.Properties = props
		out.Required = s.Required
	}
	return out
}
