package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// Serializer admits one top-level operation at a time.
type Serializer interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// MutexSerializer serializes operations within one process. Unlike
// sync.Mutex, waiting honours context cancellation.
type MutexSerializer struct {
	sem chan struct{}
}

// NewMutexSerializer creates a MutexSerializer.
func NewMutexSerializer() *MutexSerializer {
	return &MutexSerializer{sem: make(chan struct{}, 1)}
}

// Lock blocks until the serializer is free or ctx is done.
func (s *MutexSerializer) Lock(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-s.sem
	}, nil
}

// LockSerializer serializes operations across processes that share one
// durable ledger, using a distributed lock. The in-process serializer is
// taken first so local callers do not spin on the remote lock. The lock is
// an optimisation on top of the row locks the ledger takes, not the only
// guard: a holder whose lease lapses still cannot remove or pay out the
// same row twice.
type LockSerializer struct {
	local *MutexSerializer
	locks domain.LockManager
	key   string
	ttl   time.Duration
	poll  time.Duration
}

// NewLockSerializer creates a LockSerializer on key. ttl is the lease the
// lock manager renews while the lock is held.
func NewLockSerializer(locks domain.LockManager, key string, ttl time.Duration) *LockSerializer {
	return &LockSerializer{
		local: NewMutexSerializer(),
		locks: locks,
		key:   key,
		ttl:   ttl,
		poll:  25 * time.Millisecond,
	}
}

// Lock acquires the local serializer and then the distributed lock, polling
// while another process holds it.
func (s *LockSerializer) Lock(ctx context.Context) (func(), error) {
	localUnlock, err := s.local.Lock(ctx)
	if err != nil {
		return nil, err
	}
	for {
		unlock, err := s.locks.Acquire(ctx, s.key, s.ttl)
		if err == nil {
			return func() {
				unlock()
				localUnlock()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			localUnlock()
			return nil, fmt.Errorf("txn: acquire %s: %w", s.key, err)
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			localUnlock()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
