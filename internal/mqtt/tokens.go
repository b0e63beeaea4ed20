package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/kindred/internal/clock"
)

// TokenCounts is a snapshot of one day's token usage.
type TokenCounts struct {
	Date     string
	Input    int64
	Output   int64
	Requests int64
}

// Total returns input plus output tokens.
func (t TokenCounts) Total() int64 {
	return t.Input + t.Output
}

// DailyTokens accumulates token usage for the current local date and
// starts over when the date changes. It satisfies llm.TokenObserver and
// is safe for concurrent use.
type DailyTokens struct {
	clock clock.Clock
	loc   *time.Location

	mu     sync.Mutex
	counts TokenCounts
}

// NewDailyTokens creates an accumulator. A nil clock means the system
// clock; a nil location means [time.Local].
func NewDailyTokens(clk clock.Clock, loc *time.Location) *DailyTokens {
	if clk == nil {
		clk = clock.System{}
	}
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{clock: clk, loc: loc}
	d.counts.Date = clock.Read(clk, loc).Date
	return d
}

// OnTokens records one completed request.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollLocked()
	d.counts.Input += int64(inputTokens)
	d.counts.Output += int64(outputTokens)
	d.counts.Requests++
}

// Snapshot returns today's totals.
func (d *DailyTokens) Snapshot() TokenCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollLocked()
	return d.counts
}

func (d *DailyTokens) rollLocked() {
	if today := clock.Read(d.clock, d.loc).Date; today != d.counts.Date {
		d.counts = TokenCounts{Date: today}
	}
}
