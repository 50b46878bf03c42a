package storage

import (
	"errors"
	"fmt"
	"time"
)

// MaxRetries bounds both the automatic retries of one submission and the user retries of a record.
const MaxRetries = 3

// ErrDownloadExists is returned when a record already exists for the (user, audiobook) pair.
var ErrDownloadExists = errors.New("download already exists for this audiobook")

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("record not found")

type DownloadStatus string

const (
	StatusPending    DownloadStatus = "pending"
	StatusInProgress DownloadStatus = "in_progress"
	StatusCompleted  DownloadStatus = "completed"
	StatusFailed     DownloadStatus = "failed"
	StatusCancelled  DownloadStatus = "cancelled"
)

// AllStatuses lists every download status in lifecycle order.
func AllStatuses() []DownloadStatus {
	return []DownloadStatus{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
}

// ParseStatus validates a status string coming from the outside.
func ParseStatus(value string) (DownloadStatus, bool) {
	for _, s := range AllStatuses() {
		if string(s) == value {
			return s, true
		}
	}

	return "", false
}

var transitions = map[DownloadStatus][]DownloadStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusFailed:     {StatusPending},
	StatusCancelled:  {StatusPending},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// IN_PROGRESS → PENDING is the automatic retry ladder, FAILED → PENDING the user retry (or a fresh
// request once the user retries are spent) and CANCELLED → PENDING a fresh request.
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// IsActive reports whether the status is non-terminal.
func (s DownloadStatus) IsActive() bool {
	return s == StatusPending || s == StatusInProgress
}

// DownloadRecord tracks one user's offline copy of one audiobook.
type DownloadRecord struct {
	ID           string
	UserID       string
	AudiobookID  string
	Quality      string
	Status       DownloadStatus
	Progress     float64
	FilePath     string
	FileSize     int64
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// TransitionError describes a lifecycle move the state machine does not allow.
type TransitionError struct {
	From DownloadStatus
	To   DownloadStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move download from %s to %s", e.From, e.To)
}

func (r *DownloadRecord) transition(to DownloadStatus, now time.Time) error {
	if !r.Status.CanTransitionTo(to) {
		return &TransitionError{From: r.Status, To: to}
	}

	r.Status = to
	r.UpdatedAt = now

	return nil
}

// Start claims a PENDING download for a transfer run.
func (r *DownloadRecord) Start(now time.Time) error {
	if err := r.transition(StatusInProgress, now); err != nil {
		return err
	}

	r.Progress = 0
	r.ErrorMessage = ""
	r.StartedAt = &now

	return nil
}

// RetriesExhausted reports whether a FAILED download has used up its user retries.
func (r *DownloadRecord) RetriesExhausted() bool {
	return r.Status == StatusFailed && r.RetryCount >= MaxRetries
}

// Retry moves a FAILED download back to PENDING on user request.
func (r *DownloadRecord) Retry(now time.Time) error {
	if r.Status != StatusFailed {
		return &TransitionError{From: r.Status, To: StatusPending}
	}

	if r.RetriesExhausted() {
		return fmt.Errorf("retry limit of %d reached", MaxRetries)
	}

	if err := r.transition(StatusPending, now); err != nil {
		return err
	}

	r.RetryCount++
	r.Progress = 0
	r.ErrorMessage = ""
	r.StartedAt = nil

	return nil
}

// Fail records a processor failure and reports whether another attempt should be scheduled.
// attempt is the number of automatic retries already made for the current submission. Below
// MaxRetries the record goes back to PENDING, otherwise it is FAILED. RetryCount counts user
// retries only and is left alone.
func (r *DownloadRecord) Fail(cause error, attempt int, now time.Time) (retry bool, err error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	if attempt < MaxRetries {
		if err := r.transition(StatusPending, now); err != nil {
			return false, err
		}

		r.Progress = 0
		r.ErrorMessage = msg
		r.StartedAt = nil

		return true, nil
	}

	if err := r.transition(StatusFailed, now); err != nil {
		return false, err
	}

	r.ErrorMessage = msg

	return false, nil
}

// Cancel moves a non-terminal download to CANCELLED.
func (r *DownloadRecord) Cancel(now time.Time) error {
	return r.transition(StatusCancelled, now)
}

// Restart reuses a CANCELLED record, or a FAILED one without user retries left, for a new request.
func (r *DownloadRecord) Restart(quality string, now time.Time) error {
	if r.Status != StatusCancelled && !r.RetriesExhausted() {
		return &TransitionError{From: r.Status, To: StatusPending}
	}

	if err := r.transition(StatusPending, now); err != nil {
		return err
	}

	r.Quality = quality
	r.RetryCount = 0
	r.Progress = 0
	r.ErrorMessage = ""
	r.FilePath = ""
	r.FileSize = 0
	r.StartedAt = nil
	r.CompletedAt = nil

	return nil
}
