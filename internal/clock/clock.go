// Package clock supplies the timestamps the indexer stamps onto posts.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can control indexedAt values.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Monotonic wraps a clock so that successive readings, truncated to
// millisecond precision, never go backwards even if the underlying clock is
// stepped back.
type Monotonic struct {
	mu   sync.Mutex
	src  Clock
	last time.Time
}

// NewMonotonic returns a Monotonic reading from src.
func NewMonotonic(src Clock) *Monotonic {
	return &Monotonic{src: src}
}

func (m *Monotonic) Now() time.Time {
	now := m.src.Now().Truncate(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Before(m.last) {
		now = m.last
	}
	m.last = now
	return now
}

// Fake is a manually driven clock. Every call to Now advances it by Step,
// which makes every stamped write distinct when Step is non-zero.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time, step time.Duration) *Fake {
	return &Fake{now: start, Step: step}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now
	f.now = f.now.Add(f.Step)
	return now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
