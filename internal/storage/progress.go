package storage

import "time"

// CompletionThreshold is the percentage from which a book or chapter counts as completed.
const CompletionThreshold = 95.0

// ListeningHistory is the durable per-book projection of a user's playback.
type ListeningHistory struct {
	UserID           string
	AudiobookID      string
	CurrentChapterID string
	CurrentPosition  float64
	Progress         float64
	Completed        bool
	LastListenedAt   time.Time
	UpdatedAt        time.Time
}

// ChapterProgress is the durable per-chapter projection of a user's playback.
type ChapterProgress struct {
	UserID          string
	ChapterID       string
	AudiobookID     string
	CurrentPosition float64
	Completed       bool
	UpdatedAt       time.Time
}

// ListeningPair identifies one (user, audiobook) with listening history.
type ListeningPair struct {
	UserID      string
	AudiobookID string
}

// ListeningStats aggregates a user's listening history.
type ListeningStats struct {
	BooksStarted     int
	BooksCompleted   int
	TotalListenedSec float64
}
