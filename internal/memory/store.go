// Package memory provides short-term conversation memory. Messages live
// in process memory only and age out after a fixed time-to-live; a
// periodic sweep removes expired messages and empty conversations.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/kindred/internal/clock"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultTTL is how long a message stays visible when no TTL is given.
const DefaultTTL = time.Hour

// Message is a stored, timestamped conversation message.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is the role/content projection returned to callers building a
// prompt.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// conversation is the per-identity log. Timestamps never decrease.
type conversation struct {
	messages []Message
}

// Store is a TTL-bounded, in-memory conversation log keyed by
// conversation ID. All methods are safe for concurrent use.
type Store struct {
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation
}

// NewStore creates a store. A non-positive ttl uses [DefaultTTL]; a nil
// clock uses the system clock; a nil logger uses slog.Default().
func NewStore(ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		ttl:           ttl,
		clock:         clk,
		logger:        logger,
		conversations: make(map[string]*conversation),
	}
}

// TTL returns the configured message lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// AddMessage appends a message to a conversation, creating it if
// needed. If the clock reads earlier than the previous message (a wall
// clock step), the previous timestamp is reused so ordering holds.
func (s *Store) AddMessage(conversationID string, role Role, content string) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}

	if n := len(conv.messages); n > 0 {
		if last := conv.messages[n-1].Timestamp; now.Before(last) {
			now = last
		}
	}

	conv.messages = append(conv.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
}

// RecentMessages returns, in insertion order, the messages of a
// conversation whose age is at most the TTL. Expired messages are
// skipped but not removed. Unknown conversations yield an empty slice.
func (s *Store) RecentMessages(conversationID string) []Turn {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return []Turn{}
	}

	turns := make([]Turn, 0, len(conv.messages))
	for _, m := range conv.messages {
		if s.live(m, now) {
			turns = append(turns, Turn{Role: m.Role, Content: m.Content})
		}
	}
	return turns
}

// Cleanup removes expired messages from every conversation and drops
// conversations left empty. Running it twice in a row changes nothing
// the second time.
func (s *Store) Cleanup() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removedMsgs, removedConvs int
	for id, conv := range s.conversations {
		kept := conv.messages[:0]
		for _, m := range conv.messages {
			if s.live(m, now) {
				kept = append(kept, m)
			}
		}
		removedMsgs += len(conv.messages) - len(kept)
		clear(conv.messages[len(kept):])
		conv.messages = kept

		if len(conv.messages) == 0 {
			delete(s.conversations, id)
			removedConvs++
		}
	}

	s.logger.Debug("conversation memory swept",
		"removed_messages", removedMsgs,
		"removed_conversations", removedConvs,
		"conversations", len(s.conversations),
	)
}

// Has reports whether the store holds any messages for a conversation.
func (s *Store) Has(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[conversationID]
	return ok
}

// Len returns the number of conversations held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Messages returns a copy of every stored message for a conversation,
// including expired ones not yet swept.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return []Message{}
	}
	msgs := make([]Message, len(conv.messages))
	copy(msgs, conv.messages)
	return msgs
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, conv := range s.conversations {
		total += len(conv.messages)
	}

	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      total,
		"ttl":           s.ttl.String(),
	}
}

// live reports whether m is within the TTL at now.
func (s *Store) live(m Message, now time.Time) bool {
	return now.Sub(m.Timestamp) <= s.ttl
}
