package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/logging"
)

func TestMuxRoutesByKind(t *testing.T) {
	var got []string
	m := NewMux()
	m.Handle("a", func(ctx context.Context, job Job) error {
		got = append(got, "a:"+job.Key)
		return nil
	})
	m.Handle("b", func(ctx context.Context, job Job) error {
		got = append(got, "b:"+job.Key)
		return nil
	})

	ctx := context.Background()
	if err := m.Serve(ctx, New("b", "1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Serve(ctx, New("a", "2")); err != nil {
		t.Fatal(err)
	}
	var unknown *UnknownKindError
	if err := m.Serve(ctx, New("c", "3")); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
	if len(got) != 2 || got[0] != "b:1" || got[1] != "a:2" {
		t.Fatalf("routed %v", got)
	}
}

func TestMemoryQueueRedeliversUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(zap.NewNop())
	ctx := context.Background()
	if err := q.Enqueue(ctx, New("dispatch", "c1")); err != nil {
		t.Fatal(err)
	}

	calls := 0
	var jobIDs []string
	err := q.Drain(ctx, func(ctx context.Context, job Job) error {
		calls++
		jobIDs = append(jobIDs, logging.GetJobID(ctx))
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || q.Len() != 0 {
		t.Fatalf("calls = %d, queued = %d", calls, q.Len())
	}
	if jobIDs[0] == "" || jobIDs[0] != jobIDs[2] {
		t.Fatalf("job id not carried in context: %v", jobIDs)
	}
}

func TestMemoryQueueDropsAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(zap.NewNop())
	q.MaxAttempts = 2
	ctx := context.Background()
	_ = q.Enqueue(ctx, New("dispatch", "c1"))

	calls := 0
	_ = q.Drain(ctx, func(ctx context.Context, job Job) error {
		calls++
		return errors.New("always")
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestMemoryQueueDrainsJobsEnqueuedByHandlers(t *testing.T) {
	q := NewMemoryQueue(zap.NewNop())
	ctx := context.Background()
	_ = q.Enqueue(ctx, New("first", "x"))

	var kinds []string
	_ = q.Drain(ctx, func(ctx context.Context, job Job) error {
		kinds = append(kinds, job.Kind)
		if job.Kind == "first" {
			return q.Enqueue(ctx, New("second", "x"))
		}
		return nil
	})
	if len(kinds) != 2 || kinds[1] != "second" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestMemoryQueueConsumeRunsJobsConcurrently(t *testing.T) {
	q := NewMemoryQueue(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	startedB := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		switch job.Key {
		case "campaign-a":
			<-release
		case "campaign-b":
			close(startedB)
		}
		return nil
	}
	_ = q.Enqueue(ctx, New("dispatch", "campaign-a"))
	_ = q.Enqueue(ctx, New("dispatch", "campaign-b"))

	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, handler)
		close(done)
	}()

	select {
	case <-startedB:
	case <-time.After(2 * time.Second):
		t.Fatal("second job did not start while the first was running")
	}
	close(release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestMemoryQueueConsumeHonoursConcurrencyLimit(t *testing.T) {
	q := NewMemoryQueue(zap.NewNop())
	q.Concurrency = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	startedB := make(chan struct{})
	handler := func(ctx context.Context, job Job) error {
		switch job.Key {
		case "a":
			<-release
		case "b":
			close(startedB)
		}
		return nil
	}
	_ = q.Enqueue(ctx, New("dispatch", "a"))
	_ = q.Enqueue(ctx, New("dispatch", "b"))
	go func() { _ = q.Consume(ctx, handler) }()

	select {
	case <-startedB:
		t.Fatal("second job started beyond the concurrency limit")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	select {
	case <-startedB:
	case <-time.After(2 * time.Second):
		t.Fatal("second job did not start after a slot freed")
	}
}

func TestProgressIntervalStaysInsideAckWait(t *testing.T) {
	cases := []struct {
		ackWait time.Duration
		want    time.Duration
	}{
		{10 * time.Minute, 200 * time.Second},
		{30 * time.Second, 10 * time.Second},
		{time.Second, time.Second},
	}
	for _, tc := range cases {
		if got := progressInterval(tc.ackWait); got != tc.want {
			t.Errorf("progressInterval(%s) = %s, want %s", tc.ackWait, got, tc.want)
		}
	}
}
