package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nugget/kindred/internal/chat"
	"github.com/nugget/kindred/internal/clock"
	"github.com/nugget/kindred/internal/connwatch"
	"github.com/nugget/kindred/internal/memory"
	"github.com/nugget/kindred/internal/scheduler"
	"github.com/nugget/kindred/internal/twilio"
	"github.com/nugget/kindred/internal/usage"
)

type fakeChat struct {
	n      int
	err    error
	sender string
	body   string
	calls  int
}

func (f *fakeChat) Handle(_ context.Context, sender, body string) (int, error) {
	f.calls++
	f.sender, f.body = sender, body
	return f.n, f.err
}

type fakePlan struct {
	plan scheduler.DailyPlan
	next int
	ok   bool
}

func (f fakePlan) Plan() scheduler.DailyPlan { return f.plan }
func (f fakePlan) NextSlot() (int, bool)     { return f.next, f.ok }

type fakeLedger struct {
	execs []scheduler.Execution
	limit int
	err   error
}

func (f *fakeLedger) Recent(_ context.Context, limit int) ([]scheduler.Execution, error) {
	f.limit = limit
	return f.execs, f.err
}

type fakeUsage struct {
	start, end time.Time
}

func (f *fakeUsage) Summary(start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 300, TotalOutputTokens: 90}, nil
}

func (f *fakeUsage) SummaryByRole(start, end time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{
		"reply": {TotalRecords: 2, TotalInputTokens: 200, TotalOutputTokens: 60},
		"day":   {TotalRecords: 1, TotalInputTokens: 100, TotalOutputTokens: 30},
	}, nil
}

type fakeHealth struct {
	healthy bool
}

func (f fakeHealth) Status() map[string]connwatch.Status {
	return map[string]connwatch.Status{"openrouter": {Name: "openrouter", Ready: f.healthy}}
}

func (f fakeHealth) Healthy() bool { return f.healthy }

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestRoot(t *testing.T) {
	srv := NewServer(Config{Chat: &fakeChat{}})
	rec, _ := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Server is running") {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthSource
		want   string
	}{
		{"no watchers", nil, "healthy"},
		{"all up", fakeHealth{healthy: true}, "healthy"},
		{"provider down", fakeHealth{healthy: false}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(Config{Chat: &fakeChat{}, Health: tt.health})
			rec, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if body["status"] != tt.want {
				t.Errorf("status = %v, want %q", body["status"], tt.want)
			}
			if body["version"] == nil || body["uptime"] == nil {
				t.Errorf("missing build info: %v", body)
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		chatN    int
		chatErr  error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "success",
			form:     url.Values{"Body": {"hi"}, "From": {"whatsapp:+15551234567"}},
			chatN:    2,
			wantCode: http.StatusOK,
			wantMsg:  "AI responses scheduled for delivery",
		},
		{
			name:     "empty body",
			form:     url.Values{"From": {"whatsapp:+15551234567"}},
			chatErr:  chat.ErrEmptyMessage,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Missing required data",
		},
		{
			name:     "unauthorized",
			form:     url.Values{"Body": {"hi"}, "From": {"whatsapp:+19998887777"}},
			chatErr:  chat.ErrUnauthorized,
			wantCode: http.StatusForbidden,
			wantMsg:  "Unauthorized",
		},
		{
			name:     "generation failure",
			form:     url.Values{"Body": {"hi"}, "From": {"whatsapp:+15551234567"}},
			chatErr:  fmt.Errorf("%w: %w", chat.ErrGenerate, errors.New("timeout")),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Failed to generate AI response",
		},
		{
			name:     "unexpected failure",
			form:     url.Values{"Body": {"hi"}, "From": {"whatsapp:+15551234567"}},
			chatErr:  errors.New("disk on fire"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeChat{n: tt.chatN, err: tt.chatErr}
			srv := NewServer(Config{Chat: fc})

			rec, body := do(t, srv.Handler(), formRequest(tt.form))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", body["message"], tt.wantMsg)
			}
			if tt.wantCode == http.StatusOK {
				if body["status"] != "success" || body["numberOfMessages"] != float64(tt.chatN) {
					t.Errorf("body = %v", body)
				}
			} else if body["status"] != "error" {
				t.Errorf("status = %v, want error", body["status"])
			}
		})
	}
}

func TestWebhook_StripsWhatsAppPrefix(t *testing.T) {
	fc := &fakeChat{n: 1}
	srv := NewServer(Config{Chat: fc})

	do(t, srv.Handler(), formRequest(url.Values{"Body": {"hello"}, "From": {"whatsapp:+15551234567"}}))

	if fc.sender != "+15551234567" || fc.body != "hello" {
		t.Errorf("Handle(%q, %q)", fc.sender, fc.body)
	}
}

func TestWebhook_JSONPayload(t *testing.T) {
	fc := &fakeChat{n: 1}
	srv := NewServer(Config{Chat: fc})

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"Body":"hey","From":"whatsapp:+15551234567"}`))
	req.Header.Set("Content-Type", "application/json")

	rec, _ := do(t, srv.Handler(), req)
	if rec.Code != http.StatusOK || fc.body != "hey" {
		t.Errorf("code = %d, body = %q", rec.Code, fc.body)
	}

	bad := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{`))
	bad.Header.Set("Content-Type", "application/json")
	if rec, _ := do(t, srv.Handler(), bad); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON code = %d, want 400", rec.Code)
	}
}

func TestWebhook_Signature(t *testing.T) {
	const (
		token     = "12345"
		publicURL = "https://kindred.example.com/webhook"
	)
	form := url.Values{"Body": {"hi"}, "From": {"whatsapp:+15551234567"}}

	tests := []struct {
		name     string
		sig      string
		wantCode int
	}{
		{"valid", twilio.Signature(token, publicURL, form), http.StatusOK},
		{"missing", "", http.StatusForbidden},
		{"wrong", twilio.Signature("other-token", publicURL, form), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeChat{n: 1}
			srv := NewServer(Config{
				Chat:    fc,
				Webhook: WebhookConfig{ValidateSignature: true, AuthToken: token, PublicURL: publicURL},
			})

			req := formRequest(form)
			if tt.sig != "" {
				req.Header.Set(twilio.SignatureHeader, tt.sig)
			}
			rec, _ := do(t, srv.Handler(), req)

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusForbidden && fc.calls != 0 {
				t.Error("handler called for a rejected signature")
			}
		})
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{Chat: &fakeChat{}})
	rec, _ := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook = %d, want 405", rec.Code)
	}
}

func TestPlan(t *testing.T) {
	srv := NewServer(Config{
		Chat: &fakeChat{},
		Scheduler: fakePlan{
			plan: scheduler.DailyPlan{
				Date:         "2026-10-18",
				PlannedTimes: []int{650, 700, 1000},
				SentTimes:    []int{650},
			},
			next: 700,
			ok:   true,
		},
	})

	rec, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/plan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["date"] != "2026-10-18" || body["next_send"] != "11:40" || body["night_message_sent"] != false {
		t.Errorf("body = %v", body)
	}

	planned, _ := body["planned"].([]any)
	if len(planned) != 3 {
		t.Fatalf("planned = %v", body["planned"])
	}
	first := planned[0].(map[string]any)
	if first["time"] != "10:50" || first["sent"] != true {
		t.Errorf("first slot = %v", first)
	}
	if planned[1].(map[string]any)["sent"] != false {
		t.Errorf("second slot = %v", planned[1])
	}
}

func TestSends(t *testing.T) {
	l := &fakeLedger{execs: []scheduler.Execution{
		{ID: "a", Kind: scheduler.KindNight, Slot: "22:10", Status: scheduler.StatusCompleted},
	}}
	srv := NewServer(Config{Chat: &fakeChat{}, Ledger: l})

	rec, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/sends?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if l.limit != 5 {
		t.Errorf("limit = %d, want 5", l.limit)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}

	do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/sends?limit=bogus", nil))
	if l.limit != 20 {
		t.Errorf("bogus limit = %d, want default 20", l.limit)
	}

	l.err = errors.New("database is locked")
	if rec, _ := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/sends", nil)); rec.Code != http.StatusInternalServerError {
		t.Errorf("ledger error code = %d, want 500", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	loc := time.FixedZone("CDT", -5*3600)
	u := &fakeUsage{}
	clk := clock.NewManual(time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)) // 22:00 on the 17th locally
	srv := NewServer(Config{Chat: &fakeChat{}, Usage: u, Clock: clk, Location: loc})

	rec, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["date"] != "2026-10-17" {
		t.Errorf("date = %v, want the local date", body["date"])
	}
	if want := time.Date(2026, 10, 17, 0, 0, 0, 0, loc); !u.start.Equal(want) {
		t.Errorf("start = %v, want %v", u.start, want)
	}
	byRole, _ := body["by_role"].(map[string]any)
	if len(byRole) != 2 {
		t.Errorf("by_role = %v", body["by_role"])
	}
}

func TestMemory(t *testing.T) {
	mem := memory.NewStore(time.Hour, nil, nil)
	mem.AddMessage("+15551234567", memory.RoleUser, "hi")
	srv := NewServer(Config{Chat: &fakeChat{}, Memory: mem})

	_, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/v1/memory", nil))
	if body["conversations"] != float64(1) || body["messages"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestUnconfiguredSources(t *testing.T) {
	srv := NewServer(Config{Chat: &fakeChat{}})
	for _, path := range []string{"/v1/plan", "/v1/sends", "/v1/usage", "/v1/memory"} {
		rec, body := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusServiceUnavailable || body["status"] != "error" {
			t.Errorf("GET %s = %d %v, want 503", path, rec.Code, body)
		}
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 7},
		{"n=3", 3},
		{"n=0", 0},
		{"n=-1", 7},
		{"n=abc", 7},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "n", 7); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
