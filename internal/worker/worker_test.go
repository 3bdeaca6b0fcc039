package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestPeriodicRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGroup(zaptest.NewLogger(t))

	var runs int32
	g.Every(ctx, Periodic{
		Name:      "count",
		Interval:  5 * time.Millisecond,
		Immediate: true,
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) == 2 {
				return errors.New("one bad iteration")
			}
			return nil
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	g.Wait()

	if n := atomic.LoadInt32(&runs); n < 3 {
		t.Fatalf("ran %d times, want the loop to survive an error", n)
	}
}

func TestPeriodicSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGroup(zaptest.NewLogger(t))

	var runs int32
	g.Every(ctx, Periodic{
		Name:     "panicky",
		Interval: 2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&runs, 1) == 1 {
				panic("boom")
			}
			return nil
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	g.Wait()
	if atomic.LoadInt32(&runs) < 2 {
		t.Fatal("loop stopped after panic")
	}
}

func TestZeroIntervalDisablesWorker(t *testing.T) {
	g := NewGroup(zaptest.NewLogger(t))
	called := false
	g.Every(context.Background(), Periodic{Name: "off", Run: func(ctx context.Context) error {
		called = true
		return nil
	}})
	g.Wait()
	if called {
		t.Fatal("disabled worker ran")
	}
}
