package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesOneKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "member:1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak)
	assert.Zero(t, km.Len())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(context.Background(), "b")
		assert.NoError(t, err)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b waited for a")
	}
}

func TestKeyedMutex_TicketSupersede(t *testing.T) {
	km := NewKeyedMutex()
	first := km.Acquire("device")

	secondReady := make(chan *Ticket)
	go func() { secondReady <- km.Acquire("device") }()

	// let the second caller record its arrival before the first commits
	require.Eventually(t, func() bool {
		km.mu.Lock()
		defer km.mu.Unlock()
		return km.entries["device"].refs == 2
	}, time.Second, time.Millisecond)

	assert.False(t, first.Superseded())
	first.Commit()
	first.Release()
	first.Release()

	second := <-secondReady
	assert.False(t, second.Superseded())
	second.Commit()
	second.Release()

	// a later arrival that committed first supersedes an earlier holder
	late := km.Acquire("device")
	late.e.applied = late.seq + 1
	assert.True(t, late.Superseded())
	late.Release()
	assert.Zero(t, km.Len())
}

func TestKeyedMutex_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeyedMutex().Lock(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocker_WithoutRedis(t *testing.T) {
	_, ok := NewLocker(nil, "p:").(*KeyedMutex)
	assert.True(t, ok)
}
