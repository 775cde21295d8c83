// Package testutil provides shared test fixtures.
package testutil

import (
	"sync"
	"testing"
	"time"

	"mailpipeline/internal/store/sqlite"
)

// NewTestStore returns a migrated in-memory store closed at test cleanup.
func NewTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewTestStoreAt is NewTestStore with the store clock bound to clock.
func NewTestStoreAt(t *testing.T, clock *Clock) *sqlite.Store {
	t.Helper()
	return NewTestStore(t).WithClock(clock.Now)
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
