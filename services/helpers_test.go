package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cppla/passbook/config"
	"github.com/cppla/passbook/models"
)

const testZone = "America/Los_Angeles"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.Open(config.AppConfig{
		DBDriver:    "sqlite",
		DatabaseURI: filepath.Join(t.TempDir(), "passbook.db"),
		LogLevel:    "silent",
	}, models.All()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// testClock is a settable clock safe for concurrent readers.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// laTime parses "2006-01-02T15:04" in the reference zone.
func laTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02T15:04", s, MustCalendar(testZone).Location())
	require.NoError(t, err)
	return ts
}

func createMember(t *testing.T, members *Members, email, name string) *models.Member {
	t.Helper()
	m, _, err := members.GetOrCreate(context.Background(), email, name)
	require.NoError(t, err)
	return m
}

func issuePass(t *testing.T, members *Members, email string) *models.Member {
	t.Helper()
	m := createMember(t, members, email, "")
	m, err := members.EnsurePass(context.Background(), m, "pass.test.loyalty")
	require.NoError(t, err)
	require.NotNil(t, m.PassSerial)
	return m
}
