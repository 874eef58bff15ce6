package util

import "time"

// Clock abstracts wall time so task deadlines are testable.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	T time.Time
}

func (c *FakeClock) Now() time.Time { return c.T }

func (c *FakeClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
