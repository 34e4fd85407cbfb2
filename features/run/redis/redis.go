// Package redis provides Redis-backed implementations of run.Store,
// run.SignalStore and run.Locker. Records and signals are stored as JSON
// values; locks are SETNX tokens with a TTL and a compare-and-delete release
// so stale holders cannot free a re-acquired lock.
//
// Key layout:
//
//	maestro:run:<run-id>     JSON run record
//	maestro:cancel:<run-id>  JSON cancellation signal
//	maestro:lock:<run-id>    lock holder token
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/maestro-run/maestro/run"
)

const (
	recordKeyPrefix = "maestro:run:"
	signalKeyPrefix = "maestro:cancel:"
	lockKeyPrefix   = "maestro:lock:"
)

// releaseScript deletes the lock key only when the stored token matches the
// holder's, making release safe after TTL expiry and re-acquisition.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the stored token still matches the
// holder's.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type (
	// Store implements run.Store on Redis.
	Store struct {
		client *goredis.Client
	}

	// SignalStore implements run.SignalStore on Redis. Signals are written
	// with SETNX so the first write wins.
	SignalStore struct {
		client *goredis.Client
		ttl    time.Duration
	}

	// Locker implements run.Locker on Redis with token-fenced TTL locks.
	Locker struct {
		client *goredis.Client
	}

	lock struct {
		client *goredis.Client
		key    string
		token  string
	}
)

// NewStore returns a Store using the given client.
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Load retrieves the record for runID, or run.ErrNotFound.
func (s *Store) Load(ctx context.Context, runID string) (*run.Record, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+runID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load run %s: %w", runID, err)
	}
	var rec run.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode run %s: %w", runID, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save persists the record as JSON. A positive ttl bounds the key lifetime;
// zero keeps it indefinitely.
func (s *Store) Save(ctx context.Context, rec *run.Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encode run %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, recordKeyPrefix+rec.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: save run %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record for runID. Absent records are ignored.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, recordKeyPrefix+runID).Err(); err != nil {
		return fmt.Errorf("redis: delete run %s: %w", runID, err)
	}
	return nil
}

// NewSignalStore returns a SignalStore using the given client. A positive ttl
// bounds signal key lifetime so signals for long-gone runs age out; zero keeps
// them indefinitely.
func NewSignalStore(client *goredis.Client, ttl time.Duration) *SignalStore {
	return &SignalStore{client: client, ttl: ttl}
}

// Signal records the cancellation signal for runID unless one already exists.
func (s *SignalStore) Signal(ctx context.Context, runID string, sig run.Signal) error {
	if sig.CancelledAt.IsZero() {
		sig.CancelledAt = time.Now().UTC()
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: encode signal %s: %w", runID, err)
	}
	if err := s.client.SetNX(ctx, signalKeyPrefix+runID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: signal run %s: %w", runID, err)
	}
	return nil
}

// Lookup returns the signal for runID, or run.ErrNotFound.
func (s *SignalStore) Lookup(ctx context.Context, runID string) (*run.Signal, error) {
	data, err := s.client.Get(ctx, signalKeyPrefix+runID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: lookup signal %s: %w", runID, err)
	}
	var sig run.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("redis: decode signal %s: %w", runID, err)
	}
	return &sig, nil
}

// Clear removes the signal for runID. Absent signals are ignored.
func (s *SignalStore) Clear(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, signalKeyPrefix+runID).Err(); err != nil {
		return fmt.Errorf("redis: clear signal %s: %w", runID, err)
	}
	return nil
}

// NewLocker returns a Locker using the given client.
func NewLocker(client *goredis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock for runID without blocking. The lock key expires
// after ttl so a crashed holder frees it implicitly.
func (l *Locker) Acquire(ctx context.Context, runID string, ttl time.Duration) (run.Lock, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := lockKeyPrefix + runID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", runID, err)
	}
	if !ok {
		return nil, run.ErrLockHeld
	}
	return &lock{client: l.client, key: key, token: token}, nil
}

// Locked reports whether a live holder currently owns the lock for runID.
func (l *Locker) Locked(ctx context.Context, runID string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKeyPrefix+runID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check lock %s: %w", runID, err)
	}
	return n > 0, nil
}

// Refresh extends the holder's TTL. An expired key or a token taken over by
// another holder yields run.ErrLockLost.
func (k *lock) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	n, err := refreshScript.Run(ctx, k.client, []string{k.key}, k.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock: %w", err)
	}
	if n == 0 {
		return run.ErrLockLost
	}
	return nil
}

// Release frees the lock if this holder still owns it.
func (k *lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.client, []string{k.key}, k.token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis: release lock: %w", err)
	}
	return nil
}
