// Package toolkit implements the gateway's tool registry: a static mapping
// from tool name to (input schema, handler). Handlers are thin and
// uniform: validate input, call a remote API, format the outcome as content
// blocks. The registry is validated at construction so an unknown name is a
// lookup miss, never a crash.
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
)

// Handler is the function signature for one tool invocation. A returned
// error is captured at the dispatch boundary and converted into an
// error-shaped result; it never faults the transport.
type Handler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Tool pairs a wire descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Option configures NewTool.
type Option func(*toolConfig)

type toolConfig struct {
	description string
	lenient     bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithLenientDecoding allows unknown argument fields instead of rejecting
// them. The default is strict.
func WithLenientDecoding() Option {
	return func(c *toolConfig) { c.lenient = true }
}

// NewTool builds a Tool whose input schema is reflected from the typed
// argument struct A. At call time the raw arguments are decoded into A;
// a decode failure becomes an error-shaped result, not a handler call.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, args A) (*mcp.CallToolResult, error), opts ...Option) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.lenient),
	}
	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.lenient {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, session, a)
	}
	return Tool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects A into the simplified wire schema.
func reflectInputSchema[A any](lenient bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: lenient,
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: lenient,
		}
	}
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: lenient,
	}
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Registry owns the gateway's tool set. The set is fixed after startup but
// the registry is safe for concurrent dispatch from overlapping sessions.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler

	pageSize int
}

// NewRegistry builds a Registry from the given tool definitions. Duplicate
// names are rejected so that miswired tool tables fail at startup.
func NewRegistry(defs ...Tool) (*Registry, error) {
	r := &Registry{pageSize: 50, handlers: make(map[string]Handler, len(defs))}
	for _, d := range defs {
		name := d.Descriptor.Name
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := r.handlers[name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		r.tools = append(r.tools, d.Descriptor)
		r.handlers[name] = d.Handler
	}
	return r, nil
}

// SetPageSize adjusts the pagination size used by List. Non-positive values
// are ignored.
func (r *Registry) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.pageSize = n
	r.mu.Unlock()
}

// List returns one page of tool descriptors starting at cursor.
func (r *Registry) List(cursor string) (items []mcp.Tool, nextCursor string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(r.tools) {
			start = n
		}
	}
	end := start + r.pageSize
	if end > len(r.tools) {
		end = len(r.tools)
	}
	items = make([]mcp.Tool, end-start)
	copy(items, r.tools[start:end])
	if end < len(r.tools) {
		nextCursor = strconv.Itoa(end)
	}
	return items, nextCursor
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ErrToolNotFound marks a lookup miss on dispatch.
type ErrToolNotFound struct{ Name string }

func (e *ErrToolNotFound) Error() string { return fmt.Sprintf("unknown tool: %s", e.Name) }

// Call dispatches a request to the named tool. A missing tool returns
// *ErrToolNotFound; the engine converts it into an error-shaped result.
func (r *Registry) Call(ctx context.Context, session sessions.Session, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("invalid tool request: missing name")
	}
	r.mu.RLock()
	h := r.handlers[req.Name]
	r.mu.RUnlock()
	if h == nil {
		return nil, &ErrToolNotFound{Name: req.Name}
	}
	return h(ctx, session, req)
}

// TextResult builds a success result with a single text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf builds an error-shaped result with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
