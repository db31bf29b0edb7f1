package storage

import (
	"context"
	"time"

	storeredis "PGateway/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: gw:presence:<user>
// Value: instance_id, TTL controls the online validity period.
func presenceKey(user string) string { return "gw:presence:" + user }

// PresenceStore answers "which gateway instance owns this user right now".
// It is advisory state with a TTL, not a source of truth: the owning
// instance's registry is.
type PresenceStore struct {
	ttl time.Duration
}

func NewPresenceStore(ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceStore{ttl: ttl}
}

// Online sets the user as online on the given instance and arms the TTL.
func (p *PresenceStore) Online(ctx context.Context, user, instanceID string) error {
	if user == "" || instanceID == "" {
		return errors.New("user/instanceID empty")
	}
	return storeredis.GetRedis().Set(ctx, presenceKey(user), instanceID, p.ttl).Err()
}

// Renew extends the TTL without rewriting ownership.
func (p *PresenceStore) Renew(ctx context.Context, user string) error {
	if user == "" {
		return errors.New("user empty")
	}
	return storeredis.GetRedis().Expire(ctx, presenceKey(user), p.ttl).Err()
}

// Offline actively sets the user offline (deletes the key).
func (p *PresenceStore) Offline(ctx context.Context, user string) error {
	if user == "" {
		return errors.New("user empty")
	}
	return storeredis.GetRedis().Del(ctx, presenceKey(user)).Err()
}

// Lookup checks whether the user is online and on which instance.
func (p *PresenceStore) Lookup(ctx context.Context, user string) (instanceID string, online bool, err error) {
	val, err := storeredis.GetRedis().Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
