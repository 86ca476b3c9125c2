package redis

import (
	"context"
	"fmt"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	fieldDisplayName = "display_name"
	fieldAvatarURL   = "avatar_url"
)

// RedisContactDirectory reads profiles kept as hashes at chatcall:contact:<id>.
// Unknown users resolve to a contact named after their id.
type RedisContactDirectory struct {
	client *redis.Client
}

func NewRedisContactDirectory(client *redis.Client) *RedisContactDirectory {
	return &RedisContactDirectory{client: client}
}

var _ ports.ContactStore = (*RedisContactDirectory)(nil)

func (d *RedisContactDirectory) Put(ctx context.Context, c domain.Contact) error {
	err := d.client.HSet(ctx, contactKey(c.UserID),
		fieldDisplayName, c.DisplayName,
		fieldAvatarURL, c.AvatarURL,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store contact: %w", err)
	}
	return nil
}

func (d *RedisContactDirectory) Lookup(ctx context.Context, user domain.UserID) (domain.Contact, error) {
	fields, err := d.client.HGetAll(ctx, contactKey(user)).Result()
	if err != nil {
		return domain.Contact{}, wrapTransport("lookup contact", err)
	}

	contact := domain.Contact{
		UserID:      user,
		DisplayName: fields[fieldDisplayName],
		AvatarURL:   fields[fieldAvatarURL],
	}
	if contact.DisplayName == "" {
		contact.DisplayName = string(user)
	}
	return contact, nil
}
