package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	m := issuePass(t, members, "rae@example.com")

	reg, err := registry.Register(ctx, "device-1", m.Serial(), "push-a", "pass.test.loyalty")
	require.NoError(t, err)
	assert.True(t, reg.IsNew)
	assert.Equal(t, m.ID, reg.Device.MemberID)

	reg, err = registry.Register(ctx, "device-1", m.Serial(), "push-b", "pass.test.loyalty")
	require.NoError(t, err)
	assert.False(t, reg.IsNew)

	devices, err := registry.DevicesFor(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "push-b", devices[0].PushAddress)
}

func TestRegistry_UnknownSerial(t *testing.T) {
	db := newTestDB(t)
	registry := NewRegistry(db, NewMembers(db))

	_, err := registry.Register(context.Background(), "device-1", "nobody_example_com", "push", "pass.test")
	assert.ErrorIs(t, err, ErrUnknownPassSerial)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	m := issuePass(t, members, "sal@example.com")

	require.NoError(t, registry.Unregister(ctx, "never-seen"))

	_, err := registry.Register(ctx, "device-1", m.Serial(), "push", "pass.test.loyalty")
	require.NoError(t, err)
	require.NoError(t, registry.Unregister(ctx, "device-1"))
	require.NoError(t, registry.Unregister(ctx, "device-1"))

	_, err = registry.Device(ctx, "device-1")
	assert.ErrorIs(t, err, ErrNothingFound)
}

func TestRegistry_MovingDeviceToAnotherPass(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	first := issuePass(t, members, "tia@example.com")
	second := issuePass(t, members, "uma@example.com")

	_, err := registry.Register(ctx, "shared", first.Serial(), "push", "pass.test.loyalty")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "shared", second.Serial(), "push", "pass.test.loyalty")
	require.NoError(t, err)

	left, err := registry.DevicesFor(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	now, err := registry.DevicesFor(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, now, 1)
}

func TestRegistry_ForgetKeepsFreshRegistration(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	m := issuePass(t, members, "val@example.com")

	_, err := registry.Register(ctx, "device-1", m.Serial(), "old-token", "pass.test.loyalty")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "device-1", m.Serial(), "new-token", "pass.test.loyalty")
	require.NoError(t, err)

	removed, err := registry.Forget(ctx, "device-1", "old-token")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = registry.Forget(ctx, "device-1", "new-token")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRegistry_ConcurrentRegisterAndUnregister(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	members := NewMembers(db)
	registry := NewRegistry(db, members)
	m := issuePass(t, members, "wes@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := registry.Register(ctx, "device-x", m.Serial(), "push", "pass.test.loyalty")
				assert.NoError(t, err)
				return
			}
			assert.NoError(t, registry.Unregister(ctx, "device-x"))
		}(i)
	}
	wg.Wait()

	devices, err := registry.DevicesFor(ctx, m.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(devices), 1)
	assert.Zero(t, registry.keys.Len(), "idle keys are released")
}
