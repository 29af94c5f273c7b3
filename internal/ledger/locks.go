package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"bank-ledger/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// lockTable hands out one exclusive lock per account. Entries are never removed;
// accounts are never deleted either.
type lockTable struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*semaphore.Weighted
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uuid.UUID]*semaphore.Weighted)}
}

func (t *lockTable) get(id uuid.UUID) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		t.locks[id] = l
	}
	return l
}

// acquire locks ids in ascending byte order, waiting at most timeout in total.
// Duplicates are locked once. On failure nothing stays locked.
func (t *lockTable) acquire(ctx context.Context, timeout time.Duration, ids ...uuid.UUID) (release func(), err error) {
	ordered := slices.Clone(ids)
	slices.SortFunc(ordered, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	ordered = slices.Compact(ordered)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	held := make([]*semaphore.Weighted, 0, len(ordered))
	release = func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}

	for _, id := range ordered {
		l := t.get(id)
		if err := l.Acquire(waitCtx, 1); err != nil {
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: account %s still locked after %s", domain.ErrBusy, id, timeout)
			}
			return nil, err
		}
		held = append(held, l)
	}
	return release, nil
}
