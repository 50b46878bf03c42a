package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/audiobook_backend/internal/apperr"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

const (
	DefaultIdleTimeout = 30 * time.Minute

	MinSpeed  = 0.5
	MaxSpeed  = 3.0
	MinVolume = 0.0
	MaxVolume = 1.0
)

// ProgressTrigger schedules a progress recalculation after playback moved.
type ProgressTrigger interface {
	TriggerProgressCalculation(ctx context.Context, userID, audiobookID string) error
}

// Session is the live playback state of one user on one audiobook.
type Session struct {
	UserID           string    `json:"userId"`
	AudiobookID      string    `json:"audiobookId"`
	CurrentChapterID string    `json:"currentChapterId,omitempty"`
	CurrentPosition  float64   `json:"currentPosition"`
	PlaybackSpeed    float64   `json:"playbackSpeed"`
	Volume           float64   `json:"volume"`
	IsPlaying        bool      `json:"isPlaying"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

type sessionKey struct {
	userID      string
	audiobookID string
}

// entry serializes every operation on one key. An entry is removed from the table while its lock
// is held; a caller that locks a removed entry starts over.
type entry struct {
	mu      sync.Mutex
	removed bool
	session *Session
	chapter *storage.Chapter
}

// Coordinator keeps playback sessions in memory and mirrors them into listening history and
// chapter progress. Sessions are local to the process.
type Coordinator struct {
	catalog     storage.CatalogRepository
	progress    storage.ProgressRepository
	trigger     ProgressTrigger
	telemetry   *telemetry.Telemetry
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*entry
}

func NewCoordinator(catalog storage.CatalogRepository, progress storage.ProgressRepository, trigger ProgressTrigger, tel *telemetry.Telemetry) *Coordinator {
	return &Coordinator{
		catalog:     catalog,
		progress:    progress,
		trigger:     trigger,
		telemetry:   tel,
		idleTimeout: DefaultIdleTimeout,
		now:         time.Now,
		sessions:    make(map[sessionKey]*entry),
	}
}

// lock returns the locked entry for k. Without create it returns nil when there is no entry.
func (c *Coordinator) lock(k sessionKey, create bool) *entry {
	for {
		c.mu.Lock()
		e, ok := c.sessions[k]
		if !ok {
			if !create {
				c.mu.Unlock()

				return nil
			}

			e = &entry{}
			c.sessions[k] = e
		}
		c.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// unlock releases e, dropping it from the table when it holds no session.
func (c *Coordinator) unlock(k sessionKey, e *entry) {
	if e.session == nil && !e.removed {
		c.removeLocked(k, e)
	}

	e.mu.Unlock()
}

// removeLocked drops e from the table. The caller holds e.mu.
func (c *Coordinator) removeLocked(k sessionKey, e *entry) {
	e.removed = true
	e.session = nil
	e.chapter = nil

	c.mu.Lock()
	if c.sessions[k] == e {
		delete(c.sessions, k)
	}
	c.mu.Unlock()
}

// InitializeSession returns the user's session on the audiobook, creating it from the durable
// progress when there is none. A different chapter switches the session to its start.
func (c *Coordinator) InitializeSession(ctx context.Context, userID, audiobookID, chapterID string) (*Session, error) {
	const op = "initialize_session"

	if err := c.checkAudiobook(ctx, op, audiobookID); err != nil {
		return nil, err
	}

	var chapter *storage.Chapter
	if chapterID != "" {
		ch, err := c.chapterOf(ctx, op, audiobookID, chapterID)
		if err != nil {
			return nil, err
		}

		chapter = ch
	}

	k := sessionKey{userID: userID, audiobookID: audiobookID}
	e := c.lock(k, true)
	defer c.unlock(k, e)

	if e.session != nil {
		if chapter != nil && chapter.ID != e.session.CurrentChapterID {
			e.session.CurrentChapterID = chapter.ID
			e.session.CurrentPosition = 0
			e.chapter = chapter
		}

		e.session.LastUpdated = c.now()

		return c.snapshot(e), nil
	}

	if err := c.seed(ctx, op, e, k, chapter); err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "playback session started",
		"user_id", userID, "audiobook_id", audiobookID, "chapter_id", e.session.CurrentChapterID)

	return c.snapshot(e), nil
}

// seed builds a new session from chapter progress when a chapter is given, otherwise from the
// listening history.
func (c *Coordinator) seed(ctx context.Context, op string, e *entry, k sessionKey, chapter *storage.Chapter) error {
	s := &Session{
		UserID:        k.userID,
		AudiobookID:   k.audiobookID,
		PlaybackSpeed: 1.0,
		Volume:        1.0,
		LastUpdated:   c.now(),
	}

	if chapter != nil {
		s.CurrentChapterID = chapter.ID

		cp, err := c.progress.GetChapterProgress(ctx, k.userID, chapter.ID)
		switch {
		case err == nil:
			s.CurrentPosition = cp.CurrentPosition
		case !errors.Is(err, storage.ErrNotFound):
			return apperr.Internal(op, err)
		}
	} else {
		h, err := c.progress.GetListeningHistory(ctx, k.userID, k.audiobookID)
		switch {
		case err == nil:
			s.CurrentChapterID = h.CurrentChapterID
			s.CurrentPosition = h.CurrentPosition
		case !errors.Is(err, storage.ErrNotFound):
			return apperr.Internal(op, err)
		}

		if s.CurrentChapterID != "" {
			ch, err := c.catalog.GetChapter(ctx, s.CurrentChapterID)
			switch {
			case err == nil:
				chapter = ch
			case errors.Is(err, storage.ErrNotFound):
				s.CurrentChapterID = ""
			default:
				return apperr.Internal(op, err)
			}
		}
	}

	e.session = s
	e.chapter = chapter
	c.telemetry.SessionStarted(ctx)

	return nil
}

func (c *Coordinator) snapshot(e *entry) *Session {
	s := *e.session
	return &s
}

func (c *Coordinator) checkAudiobook(ctx context.Context, op, audiobookID string) error {
	_, err := c.catalog.GetAudiobook(ctx, audiobookID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "audiobook %s not found", audiobookID)
	}

	if err != nil {
		return apperr.Internal(op, err)
	}

	return nil
}

func (c *Coordinator) chapterOf(ctx context.Context, op, audiobookID, chapterID string) (*storage.Chapter, error) {
	ch, err := c.catalog.GetChapter(ctx, chapterID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && ch.AudiobookID != audiobookID) {
		return nil, apperr.NotFound(op, "chapter %s not found in audiobook %s", chapterID, audiobookID)
	}

	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	return ch, nil
}

// checkPosition rejects negative positions and positions past the end of the current chapter.
func checkPosition(op string, chapter *storage.Chapter, position float64) error {
	if position < 0 {
		return apperr.InvalidArgument(op, "position must not be negative")
	}

	if chapter != nil && chapter.Duration > 0 && position > chapter.Duration {
		return apperr.InvalidArgument(op, "position %.2f is past the end of the chapter (%.2f)", position, chapter.Duration)
	}

	return nil
}

// persist mirrors the session into chapter progress and listening history.
func (c *Coordinator) persist(ctx context.Context, op string, e *entry) error {
	s := e.session
	now := s.LastUpdated

	if s.CurrentChapterID != "" {
		completed := false
		if e.chapter != nil && e.chapter.Duration > 0 {
			completed = s.CurrentPosition*100/e.chapter.Duration >= storage.CompletionThreshold
		}

		err := c.progress.UpsertChapterProgress(ctx, &storage.ChapterProgress{
			UserID:          s.UserID,
			ChapterID:       s.CurrentChapterID,
			AudiobookID:     s.AudiobookID,
			CurrentPosition: s.CurrentPosition,
			Completed:       completed,
			UpdatedAt:       now,
		})
		if err != nil {
			return apperr.Internal(op, err)
		}
	}

	err := c.progress.UpsertListeningHistory(ctx, &storage.ListeningHistory{
		UserID:           s.UserID,
		AudiobookID:      s.AudiobookID,
		CurrentChapterID: s.CurrentChapterID,
		CurrentPosition:  s.CurrentPosition,
		LastListenedAt:   now,
		UpdatedAt:        now,
	})
	if err != nil {
		return apperr.Internal(op, err)
	}

	return nil
}

func (c *Coordinator) triggerProgress(ctx context.Context, userID, audiobookID string) {
	if c.trigger == nil {
		return
	}

	if err := c.trigger.TriggerProgressCalculation(ctx, userID, audiobookID); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to trigger progress calculation",
			"user_id", userID, "audiobook_id", audiobookID, "err", err)
	}
}

// CleanupInactiveSessions evicts sessions idle for longer than the idle timeout and returns how
// many were evicted.
func (c *Coordinator) CleanupInactiveSessions(ctx context.Context) int {
	cutoff := c.now().Add(-c.idleTimeout)

	c.mu.Lock()
	candidates := make(map[sessionKey]*entry, len(c.sessions))
	for k, e := range c.sessions {
		candidates[k] = e
	}
	c.mu.Unlock()

	evicted := 0

	for k, e := range candidates {
		e.mu.Lock()
		if !e.removed && e.session != nil && e.session.LastUpdated.Before(cutoff) {
			c.removeLocked(k, e)
			evicted++
		}
		e.mu.Unlock()
	}

	c.telemetry.SessionsEnded(ctx, evicted, true)

	if evicted > 0 {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "inactive playback sessions evicted", "count", evicted)
	}

	return evicted
}

// Stats summarizes a user's listening.
type Stats struct {
	BooksStarted       int     `json:"booksStarted"`
	BooksCompleted     int     `json:"booksCompleted"`
	TotalListeningTime float64 `json:"totalListeningTime"`
	ActiveSessions     int     `json:"activeSessions"`
}

func (c *Coordinator) GetPlaybackStats(ctx context.Context, userID string) (*Stats, error) {
	ls, err := c.progress.ListeningStats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("get_playback_stats", err)
	}

	return &Stats{
		BooksStarted:       ls.BooksStarted,
		BooksCompleted:     ls.BooksCompleted,
		TotalListeningTime: ls.TotalListenedSec,
		ActiveSessions:     c.activeSessions(userID),
	}, nil
}

func (c *Coordinator) activeSessions(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.sessions {
		if k.userID == userID {
			n++
		}
	}

	return n
}
