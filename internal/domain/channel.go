package domain

import "time"

// ConversationChannel maps an end-user to their durable support thread.
// At most one live thread handle exists per (channel, user) pair.
type ConversationChannel struct {
	ChannelID    int64
	UserID       int64
	ThreadHandle int64
	CreatedAt    time.Time
}
