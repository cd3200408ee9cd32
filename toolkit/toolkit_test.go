package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
)

type echoArgs struct {
	Message string `json:"message"`
	Times   int    `json:"times,omitempty"`
}

func echoTool() Tool {
	return NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	})
}

func TestNewToolReflectsSchema(t *testing.T) {
	tool := NewTool("echo", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	}, WithDescription("Echo a message."))

	desc := tool.Descriptor
	if desc.Name != "echo" {
		t.Fatalf("name = %q", desc.Name)
	}
	if desc.Description != "Echo a message." {
		t.Fatalf("description = %q", desc.Description)
	}
	if desc.InputSchema.Type != "object" {
		t.Fatalf("schema type = %q", desc.InputSchema.Type)
	}
	if _, ok := desc.InputSchema.Properties["message"]; !ok {
		t.Fatalf("schema missing message property: %v", desc.InputSchema.Properties)
	}
	var foundRequired bool
	for _, r := range desc.InputSchema.Required {
		if r == "message" {
			foundRequired = true
		}
	}
	if !foundRequired {
		t.Fatalf("message should be required, got %v", desc.InputSchema.Required)
	}
}

func TestStrictDecodingRejectsUnknownFields(t *testing.T) {
	tool := NewTool("strict", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	})

	res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequest{
		Name:      "strict",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("unknown field should yield an error-shaped result")
	}
}

func TestLenientDecodingAllowsUnknownFields(t *testing.T) {
	tool := NewTool("lenient", func(ctx context.Context, _ sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	}, WithLenientDecoding())

	res, err := tool.Handler(context.Background(), nil, &mcp.CallToolRequest{
		Name:      "lenient",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Fatal("lenient decoding should accept unknown fields")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	if _, err := NewRegistry(echoTool(), echoTool()); err == nil {
		t.Fatal("duplicate name should fail at construction")
	}
	if _, err := NewRegistry(Tool{Descriptor: mcp.Tool{Name: ""}}); err == nil {
		t.Fatal("empty name should fail at construction")
	}
}

func TestRegistryListPagination(t *testing.T) {
	defs := make([]Tool, 0, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		n := name
		defs = append(defs, NewTool(n, func(ctx context.Context, _ sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
			return TextResult(n), nil
		}))
	}
	reg, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	reg.SetPageSize(2)

	var names []string
	cursor := ""
	pages := 0
	for {
		items, next := reg.List(cursor)
		pages++
		for _, it := range items {
			names = append(names, it.Name)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if pages != 3 {
		t.Fatalf("want 3 pages, got %d", pages)
	}
	if len(names) != 5 {
		t.Fatalf("want 5 tools, got %v", names)
	}
}

func TestCallUnknownTool(t *testing.T) {
	reg, err := NewRegistry(echoTool())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, err = reg.Call(context.Background(), nil, &mcp.CallToolRequest{Name: "missing"})
	var notFound *ErrToolNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("want *ErrToolNotFound, got %v", err)
	}
	if notFound.Name != "missing" {
		t.Fatalf("error names %q", notFound.Name)
	}
}

func TestCallDispatchesToHandler(t *testing.T) {
	reg, err := NewRegistry(echoTool())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	res, err := reg.Call(context.Background(), nil, &mcp.CallToolRequest{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hello"}`),
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
