package contracts

import "time"

// Clock abstracts time for components that record timestamps, so tests can
// pin them. All platform times are UTC, serialized as ISO-8601 (RFC 3339).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T.UTC() }
