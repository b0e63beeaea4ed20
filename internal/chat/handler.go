// Package chat answers inbound messages from the configured recipient.
// It remembers the exchange, asks the model for a reply, and delivers
// the reply parts after their delays without holding up the caller.
package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kindred/internal/llm"
	"github.com/nugget/kindred/internal/memory"
)

var (
	// ErrEmptyMessage is returned for a message with no text.
	ErrEmptyMessage = errors.New("empty message")

	// ErrUnauthorized is returned for a sender other than the recipient.
	ErrUnauthorized = errors.New("unauthorized sender")

	// ErrGenerate wraps a failure to produce a reply.
	ErrGenerate = errors.New("reply generation failed")
)

// sendTimeout bounds a single delivery.
const sendTimeout = 30 * time.Second

// Transport delivers a message to an address.
type Transport interface {
	Send(ctx context.Context, to, body string) error
}

// Responder produces reply parts for a conversation.
type Responder interface {
	Reply(ctx context.Context, conversationID string, history []llm.Message) ([]llm.Part, error)
}

// Formatter renders model markdown for the transport.
type Formatter interface {
	Format(markdown string) string
}

// Config holds a Handler's dependencies.
type Config struct {
	// Recipient is the only address allowed to talk to the agent.
	Recipient string

	Memory    *memory.Store
	Responder Responder
	Transport Transport
	Formatter Formatter
	Logger    *slog.Logger
}

// Handler processes inbound messages. Deliveries run on goroutines
// bound to the context passed to New; Wait blocks until they finish.
type Handler struct {
	cfg    Config
	ctx    context.Context
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a handler whose pending deliveries are abandoned when
// ctx is cancelled.
func New(ctx context.Context, cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:    cfg,
		ctx:    ctx,
		logger: logger,
	}
}

// Handle answers body from sender and returns the number of reply
// parts scheduled for delivery.
func (h *Handler) Handle(ctx context.Context, sender, body string) (int, error) {
	sender = strings.TrimSpace(sender)
	if strings.TrimSpace(body) == "" {
		return 0, ErrEmptyMessage
	}
	if h.cfg.Recipient == "" || sender != h.cfg.Recipient {
		h.logger.Warn("message from unauthorized sender", "sender", sender)
		return 0, ErrUnauthorized
	}

	received := time.Now()
	conv := h.cfg.Recipient

	h.cfg.Memory.AddMessage(conv, memory.RoleUser, body)
	history := llm.FromTurns(h.cfg.Memory.RecentMessages(conv))

	h.logger.Info("message received",
		"sender", sender,
		"length", len(body),
		"history", len(history),
	)

	parts, err := h.cfg.Responder.Reply(ctx, conv, history)
	if err != nil {
		h.logger.Error("reply generation failed", "sender", sender, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrGenerate, err)
	}

	for _, p := range parts {
		h.cfg.Memory.AddMessage(conv, memory.RoleAssistant, p.Content)
	}

	h.wg.Add(1)
	go h.deliver(sender, received, parts)

	return len(parts), nil
}

// Wait blocks until every scheduled delivery has finished or been
// abandoned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// deliver sends each part once its delay, counted from when the
// message was received, has passed. Parts go out in delay order.
func (h *Handler) deliver(to string, received time.Time, parts []llm.Part) {
	defer h.wg.Done()

	ordered := slices.Clone(parts)
	slices.SortStableFunc(ordered, func(a, b llm.Part) int {
		return cmp.Compare(a.Delay, b.Delay)
	})

	for i, p := range ordered {
		if wait := time.Until(received.Add(p.Delay)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-h.ctx.Done():
				timer.Stop()
				h.logger.Info("pending reply abandoned", "to", to, "undelivered", len(ordered)-i)
				return
			case <-timer.C:
			}
		}

		body := p.Content
		if h.cfg.Formatter != nil {
			body = h.cfg.Formatter.Format(body)
		}

		ctx, cancel := context.WithTimeout(h.ctx, sendTimeout)
		err := h.cfg.Transport.Send(ctx, to, body)
		cancel()
		if err != nil {
			h.logger.Error("reply delivery failed",
				"to", to,
				"part", i+1,
				"parts", len(ordered),
				"error", err,
			)
			continue
		}
		h.logger.Debug("reply part delivered",
			"to", to,
			"part", i+1,
			"parts", len(ordered),
			"delay", p.Delay,
		)
	}
}
