package memoryhost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/payrelay/payrelay-go/sessions"
)

func TestPublishSubscribeOrdered(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := h.PublishSession(ctx, "s1", []byte(msg)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []string
	err := h.SubscribeSession(ctx, "s1", "", func(_ context.Context, _ string, msg []byte) error {
		got = append(got, string(msg))
		if len(got) == 3 {
			return errors.New("done")
		}
		return nil
	})
	if err == nil || err.Error() != "done" {
		t.Fatalf("subscribe ended with %v", err)
	}
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeResumesAfterLastEventID(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstID, err := h.PublishSession(ctx, "s1", []byte("first"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.PublishSession(ctx, "s1", []byte("second")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var got []string
	err = h.SubscribeSession(ctx, "s1", firstID, func(_ context.Context, _ string, msg []byte) error {
		got = append(got, string(msg))
		return errors.New("done")
	})
	if err == nil || err.Error() != "done" {
		t.Fatalf("subscribe ended with %v", err)
	}
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("resume delivered %v", got)
	}
}

func TestSubscribeWakesOnLivePublish(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered := make(chan string, 1)
	go func() {
		_ = h.SubscribeSession(ctx, "s1", "", func(_ context.Context, _ string, msg []byte) error {
			delivered <- string(msg)
			return errors.New("done")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := h.PublishSession(ctx, "s1", []byte("live")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-delivered:
		if msg != "live" {
			t.Fatalf("got %q", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
}

func TestAwaitFulfill(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aw, err := h.BeginAwait(ctx, "s1", "req-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	if _, err := h.BeginAwait(ctx, "s1", "req-1", time.Minute); err != sessions.ErrAwaitExists {
		t.Fatalf("duplicate await: want ErrAwaitExists, got %v", err)
	}

	delivered, err := h.Fulfill(ctx, "s1", "req-1", []byte("answer"))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !delivered {
		t.Fatal("fulfill should report delivery")
	}

	data, err := aw.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(data) != "answer" {
		t.Fatalf("got %q", data)
	}
}

func TestFulfillWithoutWaiterDropsSilently(t *testing.T) {
	h := New()
	ctx := context.Background()

	delivered, err := h.Fulfill(ctx, "s1", "nobody", []byte("late"))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if delivered {
		t.Fatal("no waiter was registered; nothing should be delivered")
	}
}

func TestCleanupCancelsAwaits(t *testing.T) {
	h := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aw, err := h.BeginAwait(ctx, "s1", "req-1", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if err := h.CleanupSession(ctx, "s1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := aw.Recv(ctx); !errors.Is(err, sessions.ErrAwaitCanceled) {
		t.Fatalf("want ErrAwaitCanceled, got %v", err)
	}

	// Cleaning an unknown session is a no-op.
	if err := h.CleanupSession(ctx, "never-existed"); err != nil {
		t.Fatalf("cleanup of unknown session: %v", err)
	}
}
