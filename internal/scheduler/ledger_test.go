package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/kindred/internal/clock"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	l, err := NewLedger(db, time.UTC)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestLedger_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l := testLedger(t)

	day := SendResult{Kind: KindDay, Slot: 650, At: at(650), Finished: at(650).Add(2 * time.Second), Content: "hi there"}
	night := SendResult{Kind: KindNight, Slot: 1400, At: at(1400), Err: errors.Join(ErrDeliver, errors.New("twilio 503"))}

	for _, r := range []SendResult{day, night} {
		if err := l.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	execs, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("got %d executions, want 2", len(execs))
	}

	got := execs[0]
	if got.Kind != KindNight || got.Status != StatusFailed || got.Slot != "23:20" {
		t.Errorf("newest = %+v, want failed night at 23:20", got)
	}
	if got.Error == "" {
		t.Error("failed execution has no error text")
	}
	if !got.CompletedAt.Equal(got.StartedAt) {
		t.Errorf("zero Finished should record StartedAt, got %v", got.CompletedAt)
	}

	got = execs[1]
	if got.Kind != KindDay || got.Status != StatusCompleted || got.Slot != "10:50" {
		t.Errorf("oldest = %+v, want completed day at 10:50", got)
	}
	if got.ContentLen != len("hi there") || got.Error != "" {
		t.Errorf("content_len = %d, error = %q", got.ContentLen, got.Error)
	}
	if got.Date != "2026-10-18" {
		t.Errorf("date = %q", got.Date)
	}
	if got.CompletedAt.Sub(got.StartedAt) != 2*time.Second {
		t.Errorf("duration = %v, want 2s", got.CompletedAt.Sub(got.StartedAt))
	}
	if got.ID == "" || got.ID == execs[0].ID {
		t.Errorf("ids = %q, %q", got.ID, execs[0].ID)
	}

	limited, err := l.Recent(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("Recent(1) = %d rows, %v", len(limited), err)
	}
}

func TestLedger_RecentEmpty(t *testing.T) {
	execs, err := testLedger(t).Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if execs == nil || len(execs) != 0 {
		t.Errorf("Recent = %#v, want empty non-nil slice", execs)
	}
}

func TestLedger_CountForDate(t *testing.T) {
	ctx := context.Background()
	l := testLedger(t)

	results := []SendResult{
		{Kind: KindDay, Slot: 650, At: at(650), Content: "a"},
		{Kind: KindDay, Slot: 900, At: at(900), Err: ErrGenerate},
		{Kind: KindNight, Slot: 1330, At: at(1330), Content: "b"},
		{Kind: KindDay, Slot: 700, At: at(700).AddDate(0, 0, 1), Content: "c"},
	}
	for _, r := range results {
		if err := l.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	tests := []struct {
		date string
		want int
	}{
		{"2026-10-18", 2},
		{"2026-10-19", 1},
		{"2026-10-20", 0},
	}
	for _, tt := range tests {
		got, err := l.CountForDate(ctx, tt.date)
		if err != nil {
			t.Fatalf("CountForDate(%s): %v", tt.date, err)
		}
		if got != tt.want {
			t.Errorf("CountForDate(%s) = %d, want %d", tt.date, got, tt.want)
		}
	}
}

func TestScheduler_WritesLedger(t *testing.T) {
	l := testLedger(t)
	clk := clock.NewManual(at(650))
	s := newTestScheduler(t, clk, &fakeResponder{}, &fakeTransport{}, func(c *Config) { c.Ledger = l })
	setPlan(s, 650)

	s.Tick(context.Background())

	n, err := l.CountForDate(context.Background(), "2026-10-18")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("completed sends = %d, want 1", n)
	}
}
