package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work on one key, such as a member id.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyEntry struct {
	mu      sync.Mutex
	refs    int
	applied uint64
}

// KeyedMutex is an in-process mutex per key. Entries are dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*keyEntry
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: map[string]*keyEntry{}}
}

// Ticket is a held key lock stamped with its arrival order.
type Ticket struct {
	km   *KeyedMutex
	key  string
	e    *keyEntry
	seq  uint64
	done bool
}

// Acquire records the caller's arrival, then blocks until the key is free.
func (k *KeyedMutex) Acquire(key string) *Ticket {
	k.mu.Lock()
	k.seq++
	seq := k.seq
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return &Ticket{km: k, key: key, e: e, seq: seq}
}

// Superseded reports whether a caller that arrived later already committed on this key.
func (t *Ticket) Superseded() bool {
	return t.e.applied > t.seq
}

// Commit marks this arrival as the latest applied one.
func (t *Ticket) Commit() {
	if t.seq > t.e.applied {
		t.e.applied = t.seq
	}
}

// Release unlocks the key. Calling it twice is a no-op.
func (t *Ticket) Release() {
	if t.done {
		return
	}
	t.done = true
	t.e.mu.Unlock()

	t.km.mu.Lock()
	t.e.refs--
	if t.e.refs == 0 {
		delete(t.km.entries, t.key)
	}
	t.km.mu.Unlock()
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := k.Acquire(key)
	return t.Release, nil
}

// Len returns the number of live entries.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) else return 0 end`)

// ErrLockTimeout is returned when a distributed lock could not be taken in time.
var ErrLockTimeout = errors.New("lock wait timed out")

// RedisLocker takes SET NX locks so several instances serialize on the same key.
// Each instance still queues locally first to keep Redis traffic down.
type RedisLocker struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	local  *KeyedMutex
}

// NewLocker returns a RedisLocker when rc is set and a plain KeyedMutex otherwise.
func NewLocker(rc *redis.Client, prefix string) Locker {
	if rc == nil {
		return NewKeyedMutex()
	}
	return &RedisLocker{rc: rc, prefix: prefix, ttl: 15 * time.Second, wait: 10 * time.Second, local: NewKeyedMutex()}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	localUnlock, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	rkey := l.prefix + key
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond
	for {
		ok, err := l.rc.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			// Redis trouble degrades to the in-process lock; the database constraints still hold
			Sugar.Warnf("redis lock %s failed, continuing with local lock: %v", rkey, err)
			return localUnlock, nil
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			localUnlock()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			localUnlock()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rc, []string{rkey}, token).Err(); err != nil {
			Sugar.Warnf("redis unlock %s failed: %v", rkey, err)
		}
		localUnlock()
	}, nil
}
