package runloop

import (
	"context"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	t.Parallel()

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		l.Post(func() { results <- i })
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("task order: got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task")
		}
	}
}

func TestLoopDelayedTaskFiresAfterDelay(t *testing.T) {
	t.Parallel()

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	start := time.Now()
	fired := make(chan time.Duration, 1)
	l.PostDelayed(50*time.Millisecond, func() { fired <- time.Since(start) })

	select {
	case elapsed := <-fired:
		if elapsed < 45*time.Millisecond {
			t.Fatalf("delayed task fired after %v, want >= ~50ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never fired")
	}
}

func TestLoopDelayedOrdering(t *testing.T) {
	t.Parallel()

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	results := make(chan string, 2)
	l.PostDelayed(80*time.Millisecond, func() { results <- "late" })
	l.PostDelayed(20*time.Millisecond, func() { results <- "early" })

	if got := <-results; got != "early" {
		t.Fatalf("first delayed result = %q, want early", got)
	}
	if got := <-results; got != "late" {
		t.Fatalf("second delayed result = %q, want late", got)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	t.Parallel()

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
