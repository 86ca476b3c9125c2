package memory

import (
	"context"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
)

// MemoryContactDirectory resolves display info from a static set of profiles.
// Unknown users resolve to a contact named after their id.
type MemoryContactDirectory struct {
	contacts map[domain.UserID]domain.Contact
	mu       sync.RWMutex
}

func NewMemoryContactDirectory(contacts ...domain.Contact) *MemoryContactDirectory {
	d := &MemoryContactDirectory{
		contacts: make(map[domain.UserID]domain.Contact),
	}
	for _, c := range contacts {
		d.contacts[c.UserID] = c
	}
	return d
}

var _ ports.ContactStore = (*MemoryContactDirectory)(nil)

func (d *MemoryContactDirectory) Put(ctx context.Context, c domain.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.UserID] = c
	return nil
}

func (d *MemoryContactDirectory) Lookup(ctx context.Context, user domain.UserID) (domain.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if c, ok := d.contacts[user]; ok {
		return c, nil
	}
	return domain.Contact{UserID: user, DisplayName: string(user)}, nil
}
