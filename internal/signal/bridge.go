package signal

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kindred/internal/chat"
	"github.com/nugget/kindred/internal/clock"
)

// handleTimeout bounds one inbound message: generation plus scheduling
// its delivery.
const handleTimeout = 2 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// MessageSource is the part of [Client] the bridge reads from.
type MessageSource interface {
	Messages() <-chan *Envelope
	SendReceipt(ctx context.Context, recipient string, timestamp int64) error
	SendTyping(ctx context.Context, recipient string, stop bool) error
}

// Handler answers an inbound message. [chat.Handler] satisfies it.
type Handler interface {
	Handle(ctx context.Context, sender, body string) (int, error)
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Source    MessageSource
	Handler   Handler
	Clock     clock.Clock
	Logger    *slog.Logger
	RateLimit int // per sender per minute; 0 = unlimited
}

// Bridge feeds inbound Signal data messages into the chat handler.
// Group messages and reactions are ignored; the handler decides
// whether the sender is allowed.
type Bridge struct {
	source    MessageSource
	handler   Handler
	clock     clock.Clock
	logger    *slog.Logger
	rateLimit int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Bridge{
		source:      cfg.Source,
		handler:     cfg.Handler,
		clock:       clk,
		logger:      logger,
		rateLimit:   cfg.RateLimit,
		senderTimes: make(map[string][]time.Time),
	}
}

// Run processes messages until ctx is cancelled or the source closes.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("signal bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case env, ok := <-b.source.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.handleEnvelope(ctx, env)
		}
	}
}

func (b *Bridge) handleEnvelope(ctx context.Context, env *Envelope) {
	dm := env.DataMessage
	sender := env.Sender()
	switch {
	case dm == nil || strings.TrimSpace(dm.Message) == "":
		b.logger.Debug("signal ignoring non-text envelope", "sender", sender)
		return
	case dm.Reaction != nil:
		b.logger.Debug("signal ignoring reaction", "sender", sender)
		return
	case dm.GroupInfo != nil:
		b.logger.Debug("signal ignoring group message", "sender", sender, "group", dm.GroupInfo.GroupID)
		return
	case sender == "":
		b.logger.Debug("signal ignoring envelope with empty source")
		return
	}

	if !b.allowSender(sender) {
		b.logger.Warn("signal message rate-limited", "sender", sender)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if err := b.source.SendReceipt(ctx, sender, env.MessageTimestamp()); err != nil {
		b.logger.Debug("signal read receipt failed", "sender", sender, "error", err)
	}
	if err := b.source.SendTyping(ctx, sender, false); err != nil {
		b.logger.Debug("signal typing indicator failed", "error", err)
	}

	n, err := b.handler.Handle(ctx, sender, dm.Message)

	// Fresh context so the indicator stops even after a timeout.
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer stopCancel()
	if typErr := b.source.SendTyping(stopCtx, sender, true); typErr != nil {
		b.logger.Debug("signal typing stop failed", "error", typErr)
	}

	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		b.logger.Warn("signal message from unauthorized sender", "sender", sender)
	case err != nil:
		b.logger.Error("signal message handling failed", "sender", sender, "error", err)
	default:
		b.logger.Info("signal reply scheduled", "sender", sender, "parts", n)
	}
}

// allowSender reports whether sender is within the per-minute limit.
func (b *Bridge) allowSender(sender string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := b.clock.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	valid := b.senderTimes[sender][:0]
	for _, ts := range b.senderTimes[sender] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[sender] = valid
		return false
	}
	b.senderTimes[sender] = append(valid, now)
	return true
}
