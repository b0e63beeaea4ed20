// Package scheduler decides when unprompted messages go out. Each day
// gets a plan of a few random minutes inside the day window; a
// periodic Tick fires the earliest due slot and, once per day, a
// message inside the night window.
package scheduler

import (
	"errors"
	"slices"
	"time"

	"github.com/nugget/kindred/internal/clock"
)

// Kind identifies which window a send belongs to.
type Kind string

const (
	KindDay   Kind = "day"
	KindNight Kind = "night"
)

// Errors carried in [SendResult.Err].
var (
	ErrGenerate = errors.New("generate message")
	ErrDeliver  = errors.New("deliver message")
)

// DailyPlan is the schedule for one calendar day. PlannedTimes and
// SentTimes are minute-of-day offsets; PlannedTimes is strictly
// ascending and SentTimes is a subset of it.
type DailyPlan struct {
	Date             string `json:"date"`
	PlannedTimes     []int  `json:"planned_times"`
	SentTimes        []int  `json:"sent_times"`
	NightMessageSent bool   `json:"night_message_sent"`
}

// Sent reports whether slot has already been consumed.
func (p DailyPlan) Sent(slot int) bool {
	return slices.Contains(p.SentTimes, slot)
}

func (p DailyPlan) clone() DailyPlan {
	p.PlannedTimes = slices.Clone(p.PlannedTimes)
	p.SentTimes = slices.Clone(p.SentTimes)
	if p.SentTimes == nil {
		p.SentTimes = []int{}
	}
	return p
}

// SendResult describes one send attempt. Slot is the planned minute
// for a day send and the current minute for a night send.
type SendResult struct {
	Kind     Kind      `json:"kind"`
	Slot     int       `json:"slot"`
	At       time.Time `json:"at"`
	Finished time.Time `json:"finished"`
	Content  string    `json:"content,omitempty"`
	Err      error     `json:"-"`
}

// OK reports whether the message was generated and delivered.
func (r SendResult) OK() bool {
	return r.Err == nil
}

// TickResult describes what a single Tick did. A tick that changed
// nothing has every field but Moment zero.
type TickResult struct {
	Moment      clock.Moment
	Regenerated bool
	Skipped     bool
	Day         *SendResult
	Night       *SendResult
}
