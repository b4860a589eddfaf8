// Package channel defines how chat networks hand turns to the assistant
// and carry its replies back.
package channel

import "context"

// Message is an inbound message from any channel.
type Message struct {
	Source    string // channel name, e.g. "matrix"
	SenderID  string // channel-specific sender identifier
	RoomID    string // channel-specific conversation identifier
	EventID   string // channel-specific message identifier, if any
	Content   string
	Timestamp int64 // milliseconds
}

// UserID is the stable assistant-side user key for the sender.
func (m Message) UserID() string { return m.Source + ":" + m.SenderID }

// SessionID scopes the short-term history to one conversation.
func (m Message) SessionID() string { return m.Source + ":" + m.RoomID }

// Response is an outgoing message.
type Response struct {
	Content string
	RoomID  string
}

// Channel is a communication channel.
type Channel interface {
	Name() string

	// Start listens for messages until ctx is cancelled, passing each one
	// to handler.
	Start(ctx context.Context, handler MessageHandler) error

	Send(ctx context.Context, resp Response) error

	Stop() error
}

// Typer is implemented by channels that can show a typing indicator.
type Typer interface {
	Typing(ctx context.Context, roomID string, typing bool) error
}

// MessageHandler is called for every accepted inbound message. A returned
// error is reported to the sender by the channel.
type MessageHandler func(ctx context.Context, msg Message) error
