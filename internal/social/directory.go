// Package social keeps owners and their mutual friendships in memory.
package social

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bank-ledger/internal/domain"

	"github.com/google/uuid"
)

type Directory struct {
	mu      sync.RWMutex
	owners  map[uuid.UUID]string
	friends map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewDirectory() *Directory {
	return &Directory{
		owners:  make(map[uuid.UUID]string),
		friends: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (d *Directory) CreateOwner(ctx context.Context, name string) (uuid.UUID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: owner name is required", domain.ErrValidation)
	}
	id := uuid.New()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[id] = name
	return id, nil
}

func (d *Directory) OwnerExists(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.owners[ownerID]
	return ok, nil
}

// AddFriend makes a and b friends of each other.
func (d *Directory) AddFriend(ctx context.Context, a, b uuid.UUID) error {
	if a == b {
		return domain.ErrSelfFriend
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range []uuid.UUID{a, b} {
		if _, ok := d.owners[id]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrOwnerNotFound, id)
		}
	}
	if _, ok := d.friends[a][b]; ok {
		return domain.ErrAlreadyFriends
	}
	d.link(a, b)
	d.link(b, a)
	return nil
}

func (d *Directory) link(from, to uuid.UUID) {
	set, ok := d.friends[from]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		d.friends[from] = set
	}
	set[to] = struct{}{}
}

func (d *Directory) AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.friends[a][b]
	return ok, nil
}
