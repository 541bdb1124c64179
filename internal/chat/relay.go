package chat

import (
	"context"
	"errors"
)

// ErrNotFound is returned by relay calls when the platform rejects the
// target (topic deleted, user blocked the bot).
var ErrNotFound = errors.New("chat: target not found")

// Button is a single inline keyboard button.
type Button struct {
	Text         string
	CallbackData string
	WebAppURL    string
}

// Keyboard is rows of inline buttons attached to a post.
type Keyboard [][]Button

// Post describes a message sent into a chat, optionally inside a thread.
type Post struct {
	ChatID       int64
	ThreadHandle int64
	Text         string
	Markup       Keyboard
}

// RelaySpec describes relaying an existing user message into a thread.
// FallbackText is the plain-text excerpt posted as a last resort when both
// copy and forward semantics are rejected; empty means no text is known.
type RelaySpec struct {
	ToChatID     int64
	ThreadHandle int64
	FromChatID   int64
	MessageID    int64
	FallbackText string
}

// ReplySpec describes delivering an operator message back to the origin.
type ReplySpec struct {
	ToChatID         int64
	FromChatID       int64
	MessageID        int64
	ReplyToMessageID int64
}

// Relay is the chat platform capability consumed by the session router.
// Implementations degrade rather than drop: RelayExistingMessage walks
// copy -> forward -> plain text before giving up.
type Relay interface {
	CreateChannel(ctx context.Context, ownerScope int64, displayName string) (int64, error)
	Post(ctx context.Context, post Post) (int64, error)
	RelayExistingMessage(ctx context.Context, spec RelaySpec) (int64, error)
	Reply(ctx context.Context, spec ReplySpec) error
	// SetChannelState opens or closes the thread on the platform side.
	// Best effort: the local state store stays authoritative for routing.
	SetChannelState(ctx context.Context, ownerScope, handle int64, open bool) error
	EditMarkup(ctx context.Context, chatID, messageID int64, markup Keyboard) error
}
