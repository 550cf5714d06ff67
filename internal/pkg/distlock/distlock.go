// Package distlock provides short-lived advisory locks used to serialize
// the read-then-write dedup span of event recording per tracking token.
// Redis (SET NX with TTL) is preferred when available; PostgreSQL advisory
// locks are the fallback so a single-node deployment needs no extra infra.
package distlock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking advisory lock.
type Lock interface {
	// TryLock attempts to acquire the lock without blocking.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases the lock if this instance still owns it.
	Unlock(ctx context.Context) error
}

// New builds a lock for key using the best available backend. ttl bounds
// how long a crashed holder can block others on the Redis backend; the PG
// backend relies on session teardown instead.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return newRedisLock(redisClient, key, ttl)
	}
	return newPGLock(db, key)
}

type redisLock struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func newRedisLock(client *redis.Client, key string, ttl time.Duration) *redisLock {
	owner := make([]byte, 16)
	rand.Read(owner)
	return &redisLock{
		client: client,
		key:    "lock:" + key,
		owner:  hex.EncodeToString(owner),
		ttl:    ttl,
	}
}

func (l *redisLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// releaseScript deletes the key only when the stored owner matches, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

func (l *redisLock) Unlock(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	return err
}

// pgLock uses pg_try_advisory_lock with a lock id derived from the key.
// Session-scoped: the lock drops automatically if the connection dies.
type pgLock struct {
	db     *sql.DB
	lockID int64
}

func newPGLock(db *sql.DB, key string) *pgLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &pgLock{db: db, lockID: int64(h.Sum64())}
}

func (l *pgLock) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *pgLock) Unlock(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
