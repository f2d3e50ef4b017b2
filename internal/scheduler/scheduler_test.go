package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_RunsJobUntilCancelled(t *testing.T) {
	r := New(nil)
	var runs int64
	if _, err := r.Add("tick", "@every 1s", func(context.Context) {
		atomic.AddInt64(&runs, 1)
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(1500 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
	if atomic.LoadInt64(&runs) < 1 {
		t.Error("expected the job to run at least once")
	}
}

func TestRunner_RejectsBadSpec(t *testing.T) {
	if _, err := New(nil).Add("bad", "not a schedule", func(context.Context) {}); err == nil {
		t.Error("expected an error for an invalid spec")
	}
}
