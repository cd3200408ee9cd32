package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/payrelay/payrelay-go/internal/jsonrpc"
	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
	"github.com/payrelay/payrelay-go/sessions/memoryhost"
	"github.com/payrelay/payrelay-go/toolkit"
)

func mustRegistry(t *testing.T, defs ...toolkit.Tool) *toolkit.Registry {
	t.Helper()
	reg, err := toolkit.NewRegistry(defs...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func testEngine(t *testing.T, defs ...toolkit.Tool) *Engine {
	t.Helper()
	return NewEngine(memoryhost.New(), mustRegistry(t, defs...))
}

func mustInitReady(t *testing.T, e *Engine) *SessionHandle {
	t.Helper()
	ctx := context.Background()
	sess, res, err := e.InitializeSession(ctx, "user-1", &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0.0.1"},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated version %q", res.ProtocolVersion)
	}
	if err := e.HandleNotification(ctx, sess, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(mcp.InitializedNotificationMethod),
	}); err != nil {
		t.Fatalf("initialized notification: %v", err)
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("state = %s", sess.State())
	}
	return sess
}

func callToolReq(t *testing.T, id any, name string, args string) *jsonrpc.Request {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": json.RawMessage(args)})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(mcp.ToolsCallMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(id),
	}
}

func resultOf(t *testing.T, res *jsonrpc.Response) *mcp.CallToolResult {
	t.Helper()
	if res == nil {
		t.Fatal("nil response")
	}
	if res.Error != nil {
		t.Fatalf("protocol error: %v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return &out
}

func TestInitializeMintsUniqueSessionIDs(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	const n = 50
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		sess, _, err := e.InitializeSession(ctx, "user-1", &mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
		if err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
		if seen[sess.SessionID()] {
			t.Fatalf("duplicate session id %q", sess.SessionID())
		}
		seen[sess.SessionID()] = true
	}
	if e.SessionCount() != n {
		t.Fatalf("session count = %d", e.SessionCount())
	}
}

func TestInitializeFallsBackToLatestVersion(t *testing.T) {
	e := testEngine(t)
	_, res, err := e.InitializeSession(context.Background(), "user-1", &mcp.InitializeRequest{ProtocolVersion: "1999-01-01"})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("negotiated %q", res.ProtocolVersion)
	}
}

func TestLoadSessionRules(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		got, err := e.LoadSession(ctx, sess.SessionID(), "user-1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.SessionID() != sess.SessionID() {
			t.Fatalf("got %q", got.SessionID())
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := e.LoadSession(ctx, "no-such-session", "user-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("want ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("foreign user", func(t *testing.T) {
		if _, err := e.LoadSession(ctx, sess.SessionID(), "someone-else"); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("want ErrSessionNotFound, got %v", err)
		}
	})
}

func TestDeleteSessionIsIdempotentAndFinal(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)
	ctx := context.Background()

	if err := e.DeleteSession(ctx, sess); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.DeleteSession(ctx, sess); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if sess.State() != sessions.StateClosed {
		t.Fatalf("state = %s", sess.State())
	}
	if _, err := e.LoadSession(ctx, sess.SessionID(), "user-1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("closed id must stay unknown, got %v", err)
	}
	if e.SessionCount() != 0 {
		t.Fatalf("session count = %d", e.SessionCount())
	}
}

func TestRequestsGatedUntilInitialized(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	sess, _, err := e.InitializeSession(ctx, "user-1", &mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Ping is always answered.
	res, err := e.HandleRequest(ctx, sess, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(mcp.PingMethod),
		ID:             jsonrpc.NewRequestID(1),
	})
	if err != nil || res.Error != nil {
		t.Fatalf("ping: res=%+v err=%v", res, err)
	}

	// Everything else is rejected before the initialized notification.
	res, err = e.HandleRequest(ctx, sess, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(mcp.ToolsListMethod),
		ID:             jsonrpc.NewRequestID(2),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request error, got %+v", res)
	}
}

func TestUnknownMethodIsProtocolError(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)

	res, err := e.HandleRequest(context.Background(), sess, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         "no/such/method",
		ID:             jsonrpc.NewRequestID(1),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method-not-found, got %+v", res)
	}
}

func TestUnknownToolIsErrorResultNotProtocolError(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)

	res, err := e.HandleRequest(context.Background(), sess, callToolReq(t, 1, "no_such_tool", `{}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	out := resultOf(t, res)
	if !out.IsError {
		t.Fatal("unknown tool should yield an error-shaped result")
	}
	if len(out.Content) == 0 || !strings.Contains(out.Content[0].Text, "unknown tool") {
		t.Fatalf("result should identify the unknown tool: %+v", out)
	}
}

func TestHandlerErrorIsCapturedAsErrorResult(t *testing.T) {
	boom := toolkit.NewTool("boom", func(ctx context.Context, _ sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("backend unreachable")
	})
	e := testEngine(t, boom)
	sess := mustInitReady(t, e)

	res, err := e.HandleRequest(context.Background(), sess, callToolReq(t, 1, "boom", `{}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	out := resultOf(t, res)
	if !out.IsError {
		t.Fatal("handler error should become an error-shaped result")
	}
	if sess.State() != sessions.StateReady {
		t.Fatalf("failed call must not close the session, state = %s", sess.State())
	}
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	slow := toolkit.NewTool("slow", func(ctx context.Context, _ sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
		<-release
		return toolkit.TextResult("slow done"), nil
	})
	failing := toolkit.NewTool("failing", func(ctx context.Context, _ sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
		return nil, fmt.Errorf("deliberate failure")
	})
	e := testEngine(t, slow, failing)
	sess := mustInitReady(t, e)
	ctx := context.Background()

	var wg sync.WaitGroup
	var slowRes, failRes *jsonrpc.Response
	wg.Add(2)
	go func() {
		defer wg.Done()
		slowRes, _ = e.HandleRequest(ctx, sess, callToolReq(t, "slow-1", "slow", `{}`))
	}()
	go func() {
		defer wg.Done()
		failRes, _ = e.HandleRequest(ctx, sess, callToolReq(t, "fail-1", "failing", `{}`))
		close(release)
	}()
	wg.Wait()

	if out := resultOf(t, failRes); !out.IsError {
		t.Fatal("failing call should report an error result")
	}
	out := resultOf(t, slowRes)
	if out.IsError || out.Content[0].Text != "slow done" {
		t.Fatalf("slow call contaminated by concurrent failure: %+v", out)
	}
	if slowRes.ID.String() != "slow-1" || failRes.ID.String() != "fail-1" {
		t.Fatalf("response correlation broken: %q / %q", slowRes.ID.String(), failRes.ID.String())
	}
}

func TestCancelledNotificationAbortsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	blocking := toolkit.NewTool("blocking", func(ctx context.Context, _ sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := testEngine(t, blocking)
	sess := mustInitReady(t, e)
	ctx := context.Background()

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		res, _ := e.HandleRequest(ctx, sess, callToolReq(t, "req-9", "blocking", `{}`))
		done <- res
	}()

	<-started
	params, _ := json.Marshal(mcp.CancelledNotification{RequestID: "req-9", Reason: "user abandoned"})
	if err := e.HandleNotification(ctx, sess, &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.Version,
		Method:         string(mcp.CancelledNotificationMethod),
		Params:         params,
	}); err != nil {
		t.Fatalf("cancel notification: %v", err)
	}

	select {
	case res := <-done:
		if res != nil {
			t.Fatalf("cancelled call should discard its result, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not release the call")
	}
}

func TestCallClientRendezvous(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Follow the session stream like a connected client: answer the first
	// server request that shows up.
	go func() {
		_ = e.StreamSession(ctx, sess, "", func(cbCtx context.Context, _ string, payload []byte) error {
			var req jsonrpc.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				return err
			}
			res, err := jsonrpc.NewResultResponse(req.ID, map[string]string{"answer": "42"})
			if err != nil {
				return err
			}
			return e.HandleClientResponse(cbCtx, sess, res)
		})
	}()

	res, err := e.CallClient(ctx, sess, "client/ask", map[string]string{"question": "meaning"})
	if err != nil {
		t.Fatalf("call client: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["answer"] != "42" {
		t.Fatalf("got %v", out)
	}
}

func TestLateClientResponseIsDropped(t *testing.T) {
	e := testEngine(t)
	sess := mustInitReady(t, e)

	res, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("srv-999"), map[string]string{})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	// Nobody is waiting on srv-999; the response must be dropped quietly.
	if err := e.HandleClientResponse(context.Background(), sess, res); err != nil {
		t.Fatalf("late response should not fault: %v", err)
	}
}
