package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	wg.Add(3)
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()
	wg.Wait()
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consume did not return after close")
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", seen)
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	q.Close()
	if err := q.Publish(context.Background(), "x"); err == nil {
		t.Fatalf("expected error after close")
	}
}
