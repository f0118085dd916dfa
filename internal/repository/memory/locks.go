package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payledger/internal/domain"
)

// lockTable hands out one-slot channels per key. Holding a key means having
// sent into its channel; waiting is bounded by a timer and the caller's context.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (l *lockTable) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := l.slot(key)

	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timed out waiting for %s", domain.ErrLedgerBusy, key)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrLedgerBusy, ctx.Err())
	}
}

func (l *lockTable) release(key string) {
	<-l.slot(key)
}

func accountKey(id string) string { return "account:" + id }

func requestKey(id string) string { return "request:" + id }
