// Package signal connects Kindred to Signal through signal-cli running
// in JSON-RPC mode: it sends replies and unprompted messages, and feeds
// inbound messages from the recipient into the chat handler.
package signal

// Envelope is what signal-cli pushes for each received event. Only
// envelopes carrying a data message reach the bridge.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// Sender returns the phone number of the sender when signal-cli knows
// it, falling back to the opaque source identifier.
func (e *Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

// MessageTimestamp is the data message timestamp, or the envelope
// timestamp when the data message has none. Read receipts target it.
func (e *Envelope) MessageTimestamp() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// DataMessage is a normal text or media message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
	Reaction  *Reaction  `json:"reaction,omitempty"`
}

// GroupInfo is set when the message was sent to a group.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// Reaction is an emoji reaction. signal-cli sends reactions inside the
// data message.
type Reaction struct {
	Emoji    string `json:"emoji"`
	IsRemove bool   `json:"isRemove"`
}

// receiveNotification is the params payload of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the result of a successful "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
