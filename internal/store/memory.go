package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bank-ledger/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process account store. It hands out deep copies only,
// so callers never share a log backing array with the stored account.
type Memory struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.Account
	order    []uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{accounts: make(map[uuid.UUID]*domain.Account)}
}

func (m *Memory) Create(ctx context.Context, ownerID uuid.UUID, initial decimal.Decimal) (domain.Account, error) {
	if ownerID == uuid.Nil {
		return domain.Account{}, domain.ErrValidation
	}
	acc := &domain.Account{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		OpeningBalance: initial,
		Balance:        initial,
		Version:        1,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
	m.order = append(m.order, acc.ID)
	return acc.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc.Clone(), nil
}

func (m *Memory) GetByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Account
	for _, id := range m.order {
		if acc := m.accounts[id]; acc.OwnerID == ownerID {
			out = append(out, acc.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListAll(ctx context.Context) ([]domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.accounts[id].Clone())
	}
	return out, nil
}

// Save replaces the stored balance and appends the records of acc beyond the stored log.
func (m *Memory) Save(ctx context.Context, acc *domain.Account) error {
	return m.SaveAll(ctx, acc)
}

// SaveAll checks every account before applying any of them, so either all are saved or none.
func (m *Memory) SaveAll(ctx context.Context, accs ...*domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range accs {
		if err := m.checkLocked(acc); err != nil {
			return err
		}
	}
	for _, acc := range accs {
		stored := acc.Clone()
		stored.Version++
		m.accounts[acc.ID] = &stored
		acc.Version = stored.Version
	}
	return nil
}

func (m *Memory) checkLocked(acc *domain.Account) error {
	cur, ok := m.accounts[acc.ID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if cur.Version != acc.Version {
		return fmt.Errorf("%w: account %s at version %d, save from %d", domain.ErrVersionConflict, acc.ID, cur.Version, acc.Version)
	}
	if cur.OwnerID != acc.OwnerID {
		return fmt.Errorf("%w: owner of account %s cannot change", domain.ErrValidation, acc.ID)
	}
	if len(acc.Log) < len(cur.Log) {
		return fmt.Errorf("%w: log of account %s shrank", domain.ErrVersionConflict, acc.ID)
	}
	// Hashes chain, so a matching head implies a matching prefix.
	if n := len(cur.Log); n > 0 && acc.Log[n-1].Hash != cur.Log[n-1].Hash {
		return fmt.Errorf("%w: log of account %s rewritten before seq %d", domain.ErrVersionConflict, acc.ID, cur.Log[n-1].Seq)
	}
	return nil
}
