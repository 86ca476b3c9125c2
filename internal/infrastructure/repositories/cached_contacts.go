package repositories

import (
	"context"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/pkg/cache"
)

// CachedContacts keeps looked-up profiles for ttl. Writes through this store
// invalidate the local entry; writes from other instances show up once the
// entry expires.
type CachedContacts struct {
	next  ports.ContactStore
	cache *cache.Cache[domain.UserID, domain.Contact]
}

func NewCachedContacts(next ports.ContactStore, ttl time.Duration) *CachedContacts {
	return &CachedContacts{
		next:  next,
		cache: cache.New[domain.UserID, domain.Contact](ttl),
	}
}

var _ ports.ContactStore = (*CachedContacts)(nil)

func (c *CachedContacts) Lookup(ctx context.Context, user domain.UserID) (domain.Contact, error) {
	return c.cache.GetOrLoad(ctx, user, func(ctx context.Context) (domain.Contact, error) {
		return c.next.Lookup(ctx, user)
	})
}

func (c *CachedContacts) Put(ctx context.Context, contact domain.Contact) error {
	err := c.next.Put(ctx, contact)
	c.cache.Delete(contact.UserID)
	return err
}

func (c *CachedContacts) Close() {
	c.cache.Stop()
}
