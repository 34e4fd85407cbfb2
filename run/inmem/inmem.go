// Package inmem provides in-memory implementations of run.Store,
// run.SignalStore and run.Locker for testing and local development. State lives
// in maps guarded by mutexes with no persistence across process restarts.
// Production deployments should use the Redis-backed implementations under
// features/run/redis.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/run"
)

type (
	// Store implements run.Store in memory with no durability. All operations
	// are thread-safe. Records are defensively copied on read and write so
	// callers never share slices with the stored copy. TTLs are evaluated
	// lazily against the configured clock on Load.
	Store struct {
		clock   run.Clock
		mu      sync.RWMutex
		records map[string]entry
	}

	// SignalStore implements run.SignalStore in memory. The first Signal write
	// for a run wins; later writes are no-ops.
	SignalStore struct {
		clock   run.Clock
		mu      sync.RWMutex
		signals map[string]run.Signal
	}

	// Locker implements run.Locker in memory. Locks are token-fenced so a
	// holder whose TTL elapsed cannot release a lock re-acquired by someone
	// else.
	Locker struct {
		clock run.Clock
		mu    sync.Mutex
		locks map[string]lockEntry
	}

	entry struct {
		rec      *run.Record
		expireAt time.Time
	}

	lockEntry struct {
		token    string
		expireAt time.Time
	}

	lock struct {
		l     *Locker
		runID string
		token string
	}
)

// NewStore constructs an empty Store. A nil clock defaults to run.SystemClock.
func NewStore(clock run.Clock) *Store {
	if clock == nil {
		clock = run.SystemClock()
	}
	return &Store{clock: clock, records: make(map[string]entry)}
}

// Load retrieves the record for runID. Expired and absent records return
// run.ErrNotFound.
func (s *Store) Load(_ context.Context, runID string) (*run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	if !e.expireAt.IsZero() && !s.clock.Now().Before(e.expireAt) {
		return nil, run.ErrNotFound
	}
	return e.rec.Clone(), nil
}

// Save persists a defensive copy of rec. A positive ttl bounds the record
// lifetime relative to the store clock; zero keeps it indefinitely.
func (s *Store) Save(_ context.Context, rec *run.Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var expireAt time.Time
	if ttl > 0 {
		expireAt = s.clock.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = entry{rec: rec.Clone(), expireAt: expireAt}
	return nil
}

// Delete removes the record for runID. Absent records are ignored.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, runID)
	return nil
}

// Reset clears all stored records. Useful for test isolation.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]entry)
}

// NewSignalStore constructs an empty SignalStore. A nil clock defaults to
// run.SystemClock.
func NewSignalStore(clock run.Clock) *SignalStore {
	if clock == nil {
		clock = run.SystemClock()
	}
	return &SignalStore{clock: clock, signals: make(map[string]run.Signal)}
}

// Signal records the cancellation signal for runID unless one already exists.
func (s *SignalStore) Signal(_ context.Context, runID string, sig run.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[runID]; ok {
		return nil
	}
	if sig.CancelledAt.IsZero() {
		sig.CancelledAt = s.clock.Now()
	}
	s.signals[runID] = sig
	return nil
}

// Lookup returns the signal for runID, or run.ErrNotFound.
func (s *SignalStore) Lookup(_ context.Context, runID string) (*run.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	out := sig
	return &out, nil
}

// Clear removes the signal for runID. Absent signals are ignored.
func (s *SignalStore) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, runID)
	return nil
}

// NewLocker constructs an empty Locker. A nil clock defaults to
// run.SystemClock.
func NewLocker(clock run.Clock) *Locker {
	if clock == nil {
		clock = run.SystemClock()
	}
	return &Locker{clock: clock, locks: make(map[string]lockEntry)}
}

// Acquire takes the lock for runID without blocking. It returns
// run.ErrLockHeld while another holder's TTL has not elapsed.
func (l *Locker) Acquire(_ context.Context, runID string, ttl time.Duration) (run.Lock, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[runID]; ok && now.Before(e.expireAt) {
		return nil, run.ErrLockHeld
	}
	token := uuid.NewString()
	l.locks[runID] = lockEntry{token: token, expireAt: now.Add(ttl)}
	return &lock{l: l, runID: runID, token: token}, nil
}

// Locked reports whether a live holder currently owns the lock for runID.
func (l *Locker) Locked(_ context.Context, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[runID]
	return ok && l.clock.Now().Before(e.expireAt), nil
}

// Refresh extends the holder's TTL. An elapsed TTL or a token taken over by
// another holder yields run.ErrLockLost.
func (k *lock) Refresh(_ context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	k.l.mu.Lock()
	defer k.l.mu.Unlock()
	now := k.l.clock.Now()
	e, ok := k.l.locks[k.runID]
	if !ok || e.token != k.token || !now.Before(e.expireAt) {
		return run.ErrLockLost
	}
	e.expireAt = now.Add(ttl)
	k.l.locks[k.runID] = e
	return nil
}

// Release frees the lock if this holder still owns it. Releasing after the TTL
// elapsed and another holder acquired is a no-op.
func (k *lock) Release(_ context.Context) error {
	k.l.mu.Lock()
	defer k.l.mu.Unlock()
	if e, ok := k.l.locks[k.runID]; ok && e.token == k.token {
		delete(k.l.locks, k.runID)
	}
	return nil
}
