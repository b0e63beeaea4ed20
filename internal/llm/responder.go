package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/kindred/internal/config"
	"github.com/nugget/kindred/internal/memory"
	"github.com/nugget/kindred/internal/usage"
)

// RandomMessageRequest is the synthetic user turn that asks the model
// for an unprompted message.
const RandomMessageRequest = "Send a random message"

// ErrEmptyResponse is returned when the model produces no usable text.
var ErrEmptyResponse = errors.New("empty response from model")

// Purpose labels why a completion was requested. It is stored as the
// usage record's role.
type Purpose string

const (
	PurposeReply Purpose = "reply"
	PurposeDay   Purpose = "day"
	PurposeNight Purpose = "night"
	PurposeAsk   Purpose = "ask"
)

// Part is one chat bubble of a reply and how long to wait before
// sending it.
type Part struct {
	Content string        `json:"content"`
	Delay   time.Duration `json:"delay"`
}

// UsageRecorder persists token usage. [usage.Store] satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// TokenObserver receives token counts after every completion.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// ResponderConfig configures a [Responder].
type ResponderConfig struct {
	Model    string
	Provider string

	// System is the persona prompt placed first in every request.
	System string

	// RecipientName, when set, is mentioned in the system prompt.
	RecipientName string

	Timeout time.Duration

	// Structured asks for multi-part JSON replies in Reply.
	Structured bool
	MaxDelay   time.Duration

	Pricing map[string]config.PricingEntry
}

// Responder generates message content through a [Client].
type Responder struct {
	client Client
	cfg    ResponderConfig
	logger *slog.Logger

	usage  UsageRecorder
	tokens TokenObserver
}

// NewResponder creates a responder. A zero Timeout means 30 seconds.
func NewResponder(client Client, cfg ResponderConfig, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	return &Responder{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// SetUsageRecorder enables persistent usage records.
func (r *Responder) SetUsageRecorder(u UsageRecorder) {
	r.usage = u
}

// SetTokenObserver registers a live token counter.
func (r *Responder) SetTokenObserver(o TokenObserver) {
	r.tokens = o
}

// Model returns the configured model name.
func (r *Responder) Model() string {
	return r.cfg.Model
}

// Generate asks for an unprompted message. The system prompt is the
// persona followed by prompt; history (possibly empty) comes next and
// [RandomMessageRequest] is the final user turn.
func (r *Responder) Generate(ctx context.Context, purpose Purpose, prompt string, history []Message) (string, error) {
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: r.systemPrompt(prompt)})
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: RandomMessageRequest})

	resp, err := r.complete(ctx, purpose, "", ChatRequest{Model: r.cfg.Model, Messages: msgs})
	if err != nil {
		return "", err
	}

	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

// Reply answers a conversation whose history already ends with the
// user's latest message. With structured replies enabled the answer
// may be split into several parts with delays; otherwise a single part
// with no delay is returned.
func (r *Responder) Reply(ctx context.Context, conversationID string, history []Message) ([]Part, error) {
	return r.reply(ctx, PurposeReply, conversationID, history)
}

// Ask answers a one-off question with no stored history.
func (r *Responder) Ask(ctx context.Context, text string) ([]Part, error) {
	return r.reply(ctx, PurposeAsk, "", []Message{{Role: RoleUser, Content: text}})
}

func (r *Responder) reply(ctx context.Context, purpose Purpose, conversationID string, history []Message) ([]Part, error) {
	system := r.systemPrompt("")
	if r.cfg.Structured {
		system += "\n\n" + structuredInstructions(r.cfg.MaxDelay)
	}

	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	msgs = append(msgs, history...)

	resp, err := r.complete(ctx, purpose, conversationID, ChatRequest{
		Model:    r.cfg.Model,
		Messages: msgs,
		JSON:     r.cfg.Structured,
	})
	if err != nil {
		return nil, err
	}

	var parts []Part
	if r.cfg.Structured {
		parts = ParseStructured(resp.Message.Content, r.cfg.MaxDelay)
	} else if text := strings.TrimSpace(resp.Message.Content); text != "" {
		parts = []Part{{Content: text}}
	}
	if len(parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return parts, nil
}

// complete runs one bounded completion and records its token usage.
func (r *Responder) complete(ctx context.Context, purpose Purpose, conversationID string, req ChatRequest) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	r.logger.Debug("completion finished",
		"purpose", purpose,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if r.tokens != nil {
		r.tokens.OnTokens(resp.InputTokens, resp.OutputTokens)
	}
	if r.usage != nil {
		rec := usage.Record{
			Timestamp:      time.Now(),
			ConversationID: conversationID,
			Model:          resp.Model,
			Provider:       r.cfg.Provider,
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			CostUSD:        usage.ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, r.cfg.Pricing),
			Role:           string(purpose),
		}
		// Usage recording must outlive a request context that is about
		// to be cancelled.
		if err := r.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("failed to record usage", "error", err)
		}
	}

	return resp, nil
}

func (r *Responder) systemPrompt(prompt string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(r.cfg.System))
	if r.cfg.RecipientName != "" {
		fmt.Fprintf(&sb, "\n\nYou are talking with %s.", r.cfg.RecipientName)
	}
	if p := strings.TrimSpace(prompt); p != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p)
	}
	return strings.TrimSpace(sb.String())
}

func structuredInstructions(maxDelay time.Duration) string {
	return fmt.Sprintf(`Reply with a JSON object and nothing else, in this shape:
{"messages":[{"content":"...","delaySeconds":0}],"fallback":"..."}
Split the reply into one to three short chat messages, the way a person texts.
delaySeconds is how long to wait before sending that message, between 0 and %d.
fallback is the whole reply as a single message.`, int(maxDelay/time.Second))
}

type structuredReply struct {
	Messages []struct {
		Content      string  `json:"content"`
		DelaySeconds float64 `json:"delaySeconds"`
	} `json:"messages"`
	Fallback string `json:"fallback"`
}

// ParseStructured extracts reply parts from model output. Code fences
// and text around the JSON object are tolerated. Output that is not a
// JSON object becomes a single part with no delay; an object with
// neither messages nor a fallback yields nothing. Delays are clamped
// to [0, maxDelay].
func ParseStructured(content string, maxDelay time.Duration) []Part {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}

	var sr structuredReply
	if obj, ok := extractObject(text); ok && json.Unmarshal([]byte(obj), &sr) == nil {
		var parts []Part
		for _, m := range sr.Messages {
			c := strings.TrimSpace(m.Content)
			if c == "" {
				continue
			}
			parts = append(parts, Part{
				Content: c,
				Delay:   clampDelay(m.DelaySeconds, maxDelay),
			})
		}
		if len(parts) > 0 {
			return parts
		}
		if fb := strings.TrimSpace(sr.Fallback); fb != "" {
			return []Part{{Content: fb}}
		}
		return nil
	}

	return []Part{{Content: text}}
}

// extractObject returns the outermost {...} span of s.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func clampDelay(seconds float64, maxDelay time.Duration) time.Duration {
	if seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// FromTurns converts stored conversation turns into chat messages.
func FromTurns(turns []memory.Turn) []Message {
	msgs := make([]Message, len(turns))
	for i, t := range turns {
		msgs[i] = Message{Role: string(t.Role), Content: t.Content}
	}
	return msgs
}
