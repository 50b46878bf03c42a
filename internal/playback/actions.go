package playback

import (
	"context"

	"github.com/italolelis/audiobook_backend/internal/apperr"
	"github.com/italolelis/audiobook_backend/internal/logctx"
)

type Action string

const (
	ActionPlay   Action = "play"
	ActionPause  Action = "pause"
	ActionSeek   Action = "seek"
	ActionStop   Action = "stop"
	ActionSpeed  Action = "speed"
	ActionVolume Action = "volume"
)

// SyncRequest reports the client player's state.
type SyncRequest struct {
	Action      Action   `json:"action"`
	AudiobookID string   `json:"audiobookId"`
	Position    *float64 `json:"position,omitempty"`
	ChapterID   string   `json:"chapterId,omitempty"`
}

// ControlRequest drives playback from the server side.
type ControlRequest struct {
	Action      Action   `json:"action"`
	AudiobookID string   `json:"audiobookId"`
	Value       *float64 `json:"value,omitempty"`
}

// SyncPlayback applies a client report to an existing session and mirrors it to durable progress.
func (c *Coordinator) SyncPlayback(ctx context.Context, userID string, req SyncRequest) (*Session, error) {
	const op = "sync_playback"

	switch req.Action {
	case ActionPlay, ActionPause, ActionSeek:
	default:
		return nil, apperr.InvalidArgument(op, "unknown sync action %q", req.Action)
	}

	if req.Action == ActionSeek && req.Position == nil {
		return nil, apperr.InvalidArgument(op, "seek requires a position")
	}

	k := sessionKey{userID: userID, audiobookID: req.AudiobookID}

	e := c.lock(k, false)
	if e == nil {
		return nil, apperr.NotFound(op, "no playback session for audiobook %s", req.AudiobookID)
	}
	defer c.unlock(k, e)

	if e.session == nil {
		return nil, apperr.NotFound(op, "no playback session for audiobook %s", req.AudiobookID)
	}

	chapter := e.chapter
	if req.ChapterID != "" && req.ChapterID != e.session.CurrentChapterID {
		ch, err := c.chapterOf(ctx, op, req.AudiobookID, req.ChapterID)
		if err != nil {
			return nil, err
		}

		chapter = ch
	}

	if req.Position != nil {
		if err := checkPosition(op, chapter, *req.Position); err != nil {
			return nil, err
		}
	}

	s := e.session
	if chapter != e.chapter {
		e.chapter = chapter
		s.CurrentChapterID = chapter.ID
		s.CurrentPosition = 0
	}

	if req.Position != nil {
		s.CurrentPosition = *req.Position
	}

	switch req.Action {
	case ActionPlay:
		s.IsPlaying = true
	case ActionPause:
		s.IsPlaying = false
	}

	s.LastUpdated = c.now()

	if err := c.persist(ctx, op, e); err != nil {
		return nil, err
	}

	c.triggerProgress(ctx, userID, req.AudiobookID)

	return c.snapshot(e), nil
}

// Control applies a server-side command, starting a session when the user has none.
// stop pauses, persists and ends the session.
func (c *Coordinator) Control(ctx context.Context, userID string, req ControlRequest) (*Session, error) {
	const op = "control_playback"

	switch req.Action {
	case ActionPlay, ActionPause, ActionStop:
	case ActionSeek, ActionSpeed, ActionVolume:
		if req.Value == nil {
			return nil, apperr.InvalidArgument(op, "%s requires a value", req.Action)
		}
	default:
		return nil, apperr.InvalidArgument(op, "unknown control action %q", req.Action)
	}

	if err := c.checkAudiobook(ctx, op, req.AudiobookID); err != nil {
		return nil, err
	}

	k := sessionKey{userID: userID, audiobookID: req.AudiobookID}
	e := c.lock(k, true)
	defer c.unlock(k, e)

	if e.session == nil {
		if err := c.seed(ctx, op, e, k, nil); err != nil {
			return nil, err
		}
	}

	s := e.session
	persist := false

	switch req.Action {
	case ActionPlay:
		s.IsPlaying = true
	case ActionPause:
		s.IsPlaying = false
		persist = true
	case ActionStop:
		s.IsPlaying = false
		persist = true
	case ActionSeek:
		if err := checkPosition(op, e.chapter, *req.Value); err != nil {
			return nil, err
		}

		s.CurrentPosition = *req.Value
		persist = true
	case ActionSpeed:
		s.PlaybackSpeed = clamp(*req.Value, MinSpeed, MaxSpeed)
	case ActionVolume:
		s.Volume = clamp(*req.Value, MinVolume, MaxVolume)
	}

	s.LastUpdated = c.now()

	if persist {
		if err := c.persist(ctx, op, e); err != nil {
			return nil, err
		}

		c.triggerProgress(ctx, userID, req.AudiobookID)
	}

	out := c.snapshot(e)

	if req.Action == ActionStop {
		c.removeLocked(k, e)
		c.telemetry.SessionsEnded(ctx, 1, false)
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "playback session stopped",
			"user_id", userID, "audiobook_id", req.AudiobookID)
	}

	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
