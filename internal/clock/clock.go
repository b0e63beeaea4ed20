// Package clock supplies wall-clock time and randomness to the
// scheduler and the conversation store. Both are interfaces so tests
// can drive a fake clock and a seeded random source.
package clock

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// DateLayout is the calendar-day identifier used for daily plans.
const DateLayout = "2006-01-02"

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// Rand draws uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
}

// Moment is the projection of an instant that the daily scheduler
// reasons about.
type Moment struct {
	Date   string // YYYY-MM-DD in the clock's zone
	Minute int    // minutes since local midnight, 0..1439
	Hour   int    // 0..23
}

// Read projects c.Now() into loc. A nil loc keeps the instant's own
// zone.
func Read(c Clock, loc *time.Location) Moment {
	return At(c.Now(), loc)
}

// At projects t into loc.
func At(t time.Time, loc *time.Location) Moment {
	if loc != nil {
		t = t.In(loc)
	}
	return Moment{
		Date:   t.Format(DateLayout),
		Minute: t.Hour()*60 + t.Minute(),
		Hour:   t.Hour(),
	}
}

// FormatMinute renders a minute-of-day offset as HH:MM. 1440 renders
// as "24:00", the end-of-day window bound.
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// System is the real clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// NewRand returns a PCG-backed random source. A zero seed draws one
// from the runtime's entropy.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Manual is a settable clock for tests. It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock reading t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the current fake time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
