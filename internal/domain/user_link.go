package domain

import "time"

// UserLink binds a chat platform user to their backend directory subject.
type UserLink struct {
	UserID      int64
	ChannelID   int64
	SubjectUUID string
	Email       string
	UpdatedAt   time.Time
}
