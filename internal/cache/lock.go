// Package cache holds the redis backed helpers shared by the worker and API.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "collections:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RunLock is a single-holder lock with expiry, used to keep overlapping batch
// runs from working the same invoices at the same time.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

// Acquire tries to take key. ok is false when another holder has it; the returned
// token must be passed to Release.
func (l *RunLock) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("cache: run lock not configured")
	}
	token, err = newToken()
	if err != nil {
		return "", false, err
	}
	ok, err = l.client.SetNX(ctx, lockPrefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lock if token still owns it. An expired lock taken over by
// someone else is left alone.
func (l *RunLock) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{lockPrefix + key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
