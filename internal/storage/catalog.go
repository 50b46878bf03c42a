package storage

import "time"

// Audiobook is the catalog view the core needs: existence, size and offline availability.
type Audiobook struct {
	ID                 string
	Title              string
	Duration           float64 // seconds
	FileSize           int64   // bytes
	IsOfflineAvailable bool
	OverallProgress    float64
	UpdatedAt          time.Time
}

// Chapter belongs to an audiobook; Position is its ordinal within the book.
type Chapter struct {
	ID          string
	AudiobookID string
	Title       string
	Position    int
	Duration    float64 // seconds
}
