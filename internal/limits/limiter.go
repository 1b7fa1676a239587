// Package limits gates task concurrency and enforces advisory resource
// ceilings for the orchestrator.
package limits

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/semaphore"

	"evolved/internal/config"
	"evolved/internal/logging"
)

// ErrResourceExhausted is a deferral signal, not a failure: the orchestrator
// postpones the next scheduled action to the following cycle.
var ErrResourceExhausted = errors.New("resource ceiling exceeded")

// ErrAcquireTimeout means no task slot became free within the wait budget.
var ErrAcquireTimeout = errors.New("timed out waiting for a task slot")

const defaultAcquireTimeout = 10 * time.Second

// Limiter bounds in-flight task count against MaxConcurrentTasks and checks
// memory/CPU/disk ceilings opportunistically from the runtime's own counters.
// Acquire/Release is the only limiter state touched from concurrent action
// executions; it is backed by a weighted semaphore.
type Limiter struct {
	sem       *semaphore.Weighted
	limits    config.ResourceLimits
	workspace string
	proc      *process.Process
	inFlight  atomic.Int64
}

// NewLimiter builds a limiter for the configured ceilings. The workspace
// path is used for the disk ceiling.
func NewLimiter(limits config.ResourceLimits, workspace string) *Limiter {
	l := &Limiter{
		sem:       semaphore.NewWeighted(int64(limits.MaxConcurrentTasks)),
		limits:    limits,
		workspace: workspace,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		l.proc = proc
	}
	return l
}

// Acquire blocks cooperatively until a task slot is free, the context is
// cancelled, or the wait budget elapses.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, defaultAcquireTimeout)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrAcquireTimeout
	}
	l.inFlight.Add(1)
	return nil
}

// Release returns a task slot.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// InFlight returns the current in-flight task count.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// CheckAdvisory samples process memory, process CPU, and workspace disk usage
// against the configured ceilings. A zero ceiling disables its check, and
// sampling errors are ignored: the ceilings are advisory, never load-bearing.
func (l *Limiter) CheckAdvisory() error {
	if l.limits.MaxMemoryBytes > 0 && l.proc != nil {
		if mem, err := l.proc.MemoryInfo(); err == nil && mem != nil && mem.RSS > l.limits.MaxMemoryBytes {
			logging.Resources("Memory ceiling exceeded: rss=%d limit=%d", mem.RSS, l.limits.MaxMemoryBytes)
			return fmt.Errorf("%w: rss %d > %d bytes", ErrResourceExhausted, mem.RSS, l.limits.MaxMemoryBytes)
		}
	}

	if l.limits.MaxCPUPercent > 0 && l.proc != nil {
		if cpu, err := l.proc.Percent(0); err == nil && cpu > l.limits.MaxCPUPercent {
			logging.Resources("CPU ceiling exceeded: cpu=%.1f%% limit=%.1f%%", cpu, l.limits.MaxCPUPercent)
			return fmt.Errorf("%w: cpu %.1f%% > %.1f%%", ErrResourceExhausted, cpu, l.limits.MaxCPUPercent)
		}
	}

	if l.limits.MaxDiskBytes > 0 && l.workspace != "" {
		if usage, err := disk.Usage(l.workspace); err == nil && usage != nil && usage.Used > l.limits.MaxDiskBytes {
			logging.Resources("Disk ceiling exceeded: used=%d limit=%d", usage.Used, l.limits.MaxDiskBytes)
			return fmt.Errorf("%w: disk %d > %d bytes", ErrResourceExhausted, usage.Used, l.limits.MaxDiskBytes)
		}
	}

	return nil
}
