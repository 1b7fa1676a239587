package limits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"evolved/internal/config"
)

func TestAcquireRelease(t *testing.T) {
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: 2}, "")
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := l.InFlight(); got != 2 {
		t.Errorf("InFlight = %d, want 2", got)
	}

	l.Release()
	l.Release()
	if got := l.InFlight(); got != 0 {
		t.Errorf("InFlight after release = %d, want 0", got)
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: 1}, "")
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("acquire error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	const limit = 3
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: limit}, "")

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()

	if peak > limit {
		t.Errorf("peak concurrency = %d, want <= %d", peak, limit)
	}
}

func TestCheckAdvisoryZeroCeilingsAlwaysPass(t *testing.T) {
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: 1}, "")
	if err := l.CheckAdvisory(); err != nil {
		t.Errorf("CheckAdvisory with no ceilings = %v, want nil", err)
	}
}

func TestCheckAdvisoryMemoryCeiling(t *testing.T) {
	// One byte of allowed RSS: any real process exceeds it.
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: 1, MaxMemoryBytes: 1}, "")
	if l.proc == nil {
		t.Skip("process introspection unavailable")
	}
	err := l.CheckAdvisory()
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("CheckAdvisory = %v, want ErrResourceExhausted", err)
	}
}

func TestCheckAdvisoryDiskCeiling(t *testing.T) {
	l := NewLimiter(config.ResourceLimits{MaxConcurrentTasks: 1, MaxDiskBytes: 1}, t.TempDir())
	err := l.CheckAdvisory()
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("CheckAdvisory = %v, want ErrResourceExhausted", err)
	}
}
