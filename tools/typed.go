package tools

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/invopop/jsonschema"
)

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool
}

// WithDescription sets the description shown in tools/list.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithTitle sets the human readable title.
func WithTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithAdditionalProperties accepts arguments not declared by A.
func WithAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a Tool whose input schema is reflected from A and whose
// arguments are decoded into A before fn runs. Decoding failures become
// tool-level errors rather than protocol errors.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) Tool {
	var cfg toolConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return Tool{
		Descriptor: mcp.Tool{
			Name:        name,
			Title:       cfg.title,
			Description: cfg.description,
			InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		},
		Handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var a A
			if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				if !cfg.allowAdditionalProperties {
					dec.DisallowUnknownFields()
				}
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return fn(ctx, a)
		},
	}
}

func reflectInputSchema[A any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return json.RawMessage(`{"type":"object"}`)
	}
	// The draft URI is noise for clients.
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}
