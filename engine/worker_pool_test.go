package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franksops/autorec/engine"
)

func TestWorkerPool_SetWorkerCount(t *testing.T) {
	ch := make(engine.TaskChannel, 100)
	pool := engine.NewWorkerPool(context.Background(), ch, func(context.Context, engine.CopyTask) error {
		return nil
	})

	pool.SetWorkerCount(5)
	if count := pool.WorkerCount(); count != 5 {
		t.Errorf("Expected 5 workers, got %d", count)
	}

	pool.SetWorkerCount(2)
	if count := pool.WorkerCount(); count != 2 {
		t.Errorf("Expected 2 workers, got %d", count)
	}

	pool.Stop()
}

func TestWorkerPool_WaitCollectsErrors(t *testing.T) {
	ch := make(engine.TaskChannel, 100)

	var processed atomic.Int64
	pool := engine.NewWorkerPool(context.Background(), ch, func(_ context.Context, task engine.CopyTask) error {
		processed.Add(1)
		time.Sleep(time.Millisecond)
		if task.ID == "bad" {
			return errors.New("copy failed")
		}
		return nil
	})
	pool.SetWorkerCount(3)

	for i := 0; i < 9; i++ {
		ch <- engine.CopyTask{ID: "ok"}
	}
	ch <- engine.CopyTask{ID: "bad"}
	close(ch)

	err := pool.Wait()
	if processed.Load() != 10 {
		t.Errorf("Expected 10 processed tasks, got %d", processed.Load())
	}
	if err == nil {
		t.Fatal("Expected the failed task to be reported")
	}
}

func TestWorkerPool_ShrinkAfterClose(t *testing.T) {
	ch := make(engine.TaskChannel, 100)

	var processed atomic.Int64
	pool := engine.NewWorkerPool(context.Background(), ch, func(context.Context, engine.CopyTask) error {
		processed.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})
	pool.SetWorkerCount(8)

	for i := 0; i < 20; i++ {
		ch <- engine.CopyTask{ID: "img"}
	}
	close(ch)
	pool.SetWorkerCount(1)
	if count := pool.WorkerCount(); count != 1 {
		t.Errorf("Expected 1 worker, got %d", count)
	}

	if err := pool.Wait(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if processed.Load() != 20 {
		t.Errorf("Expected every queued task to be processed, got %d", processed.Load())
	}
}
