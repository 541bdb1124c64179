package domain

import "time"

// Rating is an append-only feedback record collected after a thread closes.
type Rating struct {
	ID           int64
	UserID       int64
	ThreadHandle *int64
	Score        int
	CreatedAt    time.Time
}

// RatingStats aggregates collected feedback.
type RatingStats struct {
	Total        int64
	Average      float64
	Distribution map[int]int64
}
