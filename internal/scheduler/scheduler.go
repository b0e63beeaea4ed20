package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/kindred/internal/clock"
	"github.com/nugget/kindred/internal/llm"
	"github.com/nugget/kindred/internal/memory"
)

const defaultSendTimeout = 30 * time.Second

// Responder produces the text of an unprompted message.
// [llm.Responder] satisfies it.
type Responder interface {
	Generate(ctx context.Context, purpose llm.Purpose, prompt string, history []llm.Message) (string, error)
}

// Transport delivers a message to an address.
type Transport interface {
	Send(ctx context.Context, to, body string) error
}

// Formatter converts generated markdown into the transport's markup.
type Formatter interface {
	Format(markdown string) string
}

// Recorder persists send attempts. [Ledger] satisfies it.
type Recorder interface {
	Record(ctx context.Context, res SendResult) error
}

// Config holds the scheduler's windows and collaborators. Window
// bounds are minute-of-day offsets, start inclusive and end exclusive.
type Config struct {
	Recipient   string
	DayPrompt   string
	NightPrompt string

	DayStart, DayEnd     int
	NightStart, NightEnd int
	Tolerance            int // minutes either side of a planned time
	MinMessages          int
	MaxMessages          int

	Location *time.Location
	Clock    clock.Clock
	Rand     clock.Rand

	Responder Responder
	Transport Transport
	Formatter Formatter     // optional
	Memory    *memory.Store // optional; delivered messages are remembered
	Ledger    Recorder      // optional
	Logger    *slog.Logger  // optional
	Timeout   time.Duration // delivery timeout; zero means 30s
}

// Scheduler owns the current daily plan. It has no timers of its own;
// a driver calls Tick periodically.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	// tick serializes Tick; an overlapping call is skipped, not queued.
	tick sync.Mutex

	mu   sync.Mutex
	plan DailyPlan
}

// New creates a scheduler and draws the plan for the current day.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Rand == nil {
		cfg.Rand = clock.NewRand(0)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if cfg.MaxMessages < cfg.MinMessages {
		cfg.MaxMessages = cfg.MinMessages
	}

	s := &Scheduler{cfg: cfg, logger: cfg.Logger}
	s.GeneratePlan()
	return s
}

// GeneratePlan replaces the current plan with a fresh one for today:
// between MinMessages and MaxMessages distinct minutes drawn uniformly
// from the day window, ascending, with nothing sent.
func (s *Scheduler) GeneratePlan() DailyPlan {
	m := clock.Read(s.cfg.Clock, s.cfg.Location)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generateLocked(m.Date)
	return s.plan.clone()
}

func (s *Scheduler) generateLocked(date string) {
	window := s.cfg.DayEnd - s.cfg.DayStart
	count := s.cfg.MinMessages + s.cfg.Rand.IntN(s.cfg.MaxMessages-s.cfg.MinMessages+1)
	count = min(count, max(window, 0))

	s.plan = DailyPlan{
		Date:         date,
		PlannedTimes: sample(s.cfg.Rand, window, count, s.cfg.DayStart),
		SentTimes:    []int{},
	}

	planned := make([]string, len(s.plan.PlannedTimes))
	for i, t := range s.plan.PlannedTimes {
		planned[i] = clock.FormatMinute(t)
	}
	s.logger.Info("daily plan generated", "date", date, "planned", planned)
}

// sample draws k distinct values from [0, n) using Floyd's algorithm,
// shifts them by offset and returns them ascending.
func sample(r clock.Rand, n, k, offset int) []int {
	seen := make(map[int]bool, k)
	out := make([]int, 0, k)
	for j := n - k; j < n; j++ {
		v := r.IntN(j + 1)
		if seen[v] {
			v = j
		}
		seen[v] = true
		out = append(out, v+offset)
	}
	slices.Sort(out)
	return out
}

// Tick checks the clock against the plan. A new date replaces the plan
// and sends nothing. Otherwise the earliest unsent planned time within
// tolerance of now is consumed and sent, and then, if now is inside the
// night window and tonight's message has not gone out, it is sent.
// Slots and the night flag are consumed before sending, so a failed
// send is never retried.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.tick.TryLock() {
		s.logger.Warn("scheduler tick skipped, previous tick still running")
		return TickResult{Moment: clock.Read(s.cfg.Clock, s.cfg.Location), Skipped: true}
	}
	defer s.tick.Unlock()

	m := clock.Read(s.cfg.Clock, s.cfg.Location)
	res := TickResult{Moment: m}

	s.mu.Lock()
	if s.plan.Date != m.Date {
		s.generateLocked(m.Date)
		s.mu.Unlock()
		res.Regenerated = true
		return res
	}

	slot, daySend := s.dueSlotLocked(m.Minute)
	if daySend {
		s.plan.SentTimes = append(s.plan.SentTimes, slot)
	}
	nightSend := m.Minute >= s.cfg.NightStart && m.Minute < s.cfg.NightEnd && !s.plan.NightMessageSent
	if nightSend {
		s.plan.NightMessageSent = true
	}
	s.mu.Unlock()

	if daySend {
		r := s.send(ctx, KindDay, slot)
		res.Day = &r
	}
	if nightSend {
		r := s.send(ctx, KindNight, m.Minute)
		res.Night = &r
	}
	return res
}

func (s *Scheduler) dueSlotLocked(minute int) (int, bool) {
	for _, t := range s.plan.PlannedTimes {
		if s.plan.Sent(t) {
			continue
		}
		if abs(minute-t) <= s.cfg.Tolerance {
			return t, true
		}
	}
	return 0, false
}

func (s *Scheduler) send(ctx context.Context, kind Kind, slot int) SendResult {
	res := SendResult{Kind: kind, Slot: slot, At: s.cfg.Clock.Now()}

	purpose, prompt := llm.PurposeDay, s.cfg.DayPrompt
	if kind == KindNight {
		purpose, prompt = llm.PurposeNight, s.cfg.NightPrompt
	}

	log := s.logger.With("kind", kind, "slot", clock.FormatMinute(slot))

	content, err := s.cfg.Responder.Generate(ctx, purpose, prompt, nil)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrGenerate, err)
		log.Error("unprompted message generation failed", "error", err)
		s.record(ctx, &res)
		return res
	}
	res.Content = content

	body := content
	if s.cfg.Formatter != nil {
		body = s.cfg.Formatter.Format(content)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err = s.cfg.Transport.Send(sendCtx, s.cfg.Recipient, body)
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrDeliver, err)
		log.Error("unprompted message delivery failed", "error", err)
		s.record(ctx, &res)
		return res
	}

	if s.cfg.Memory != nil {
		s.cfg.Memory.AddMessage(s.cfg.Recipient, memory.RoleAssistant, content)
	}
	log.Info("unprompted message sent", "length", len(content))
	s.record(ctx, &res)
	return res
}

func (s *Scheduler) record(ctx context.Context, res *SendResult) {
	res.Finished = s.cfg.Clock.Now()
	if s.cfg.Ledger == nil {
		return
	}
	if err := s.cfg.Ledger.Record(context.WithoutCancel(ctx), *res); err != nil {
		s.logger.Warn("failed to record send", "kind", res.Kind, "error", err)
	}
}

// Plan returns a copy of the current plan.
func (s *Scheduler) Plan() DailyPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.clone()
}

// NextSlot returns the earliest unsent planned time that can still
// fire today, that is, one not more than Tolerance minutes in the past.
func (s *Scheduler) NextSlot() (int, bool) {
	m := clock.Read(s.cfg.Clock, s.cfg.Location)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan.Date != m.Date {
		return 0, false
	}
	for _, t := range s.plan.PlannedTimes {
		if !s.plan.Sent(t) && t+s.cfg.Tolerance >= m.Minute {
			return t, true
		}
	}
	return 0, false
}

// Stats returns plan statistics for the status API and sensors.
func (s *Scheduler) Stats() map[string]any {
	next, ok := s.NextSlot()
	plan := s.Plan()

	stats := map[string]any{
		"date":       plan.Date,
		"planned":    len(plan.PlannedTimes),
		"sent":       len(plan.SentTimes),
		"night_sent": plan.NightMessageSent,
		"next_send":  "",
	}
	if ok {
		stats["next_send"] = clock.FormatMinute(next)
	}
	return stats
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
