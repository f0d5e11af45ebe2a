// Package tracker is the player's clue ledger. It is the only writer of clue
// record status, and it writes story status in the same transaction so the
// two cannot drift apart.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tatianab/nearfield/internal/content"
	"github.com/tatianab/nearfield/internal/models"
	"github.com/tatianab/nearfield/internal/repository"
)

// ErrNotTracked is returned when a clue has no linked story instance.
var ErrNotTracked = errors.New("tracker: clue is not tracked")

// Stats are counts derived from a player's clue records.
type Stats struct {
	Total     int
	Unread    int
	Read      int
	Tracking  int
	Completed int
	Abandoned int
}

type Tracker struct {
	repo      *repository.Repository
	templates content.Provider
	logger    *slog.Logger
	now       func() time.Time
}

func New(repo *repository.Repository, templates content.Provider, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, templates: templates, logger: logger, now: time.Now}
}

// ReceiveClue puts a clue from the information stream into the player's
// inbox as unread. A clue already received is returned unchanged.
func (t *Tracker) ReceiveClue(playerID, clueID string) (models.ClueRecord, error) {
	if rec, err := t.repo.GetClueRecord(playerID, clueID); err == nil {
		return rec, nil
	}
	clue, err := t.templates.Clue(clueID)
	if err != nil {
		return models.ClueRecord{}, fmt.Errorf("receive clue: %w", err)
	}
	rec := models.ClueRecord{
		ClueID:          clue.ID,
		PlayerID:        playerID,
		StoryTemplateID: clue.StoryID,
		Title:           clue.Title,
		Description:     clue.Description,
		Source:          clue.Source,
		Status:          models.ClueUnread,
		ReceivedAt:      t.now(),
	}
	if err := t.repo.UpsertClueRecord(rec); err != nil {
		return models.ClueRecord{}, err
	}
	t.logger.Info("tracker: clue received", "player", playerID, "clue", clueID)
	return rec, nil
}

// MarkClueRead moves an unread clue to read. Other statuses are kept.
func (t *Tracker) MarkClueRead(playerID, clueID string) error {
	return t.repo.UpdateClueRecord(playerID, clueID, func(rec *models.ClueRecord) {
		if rec.Status != models.ClueUnread {
			return
		}
		now := t.now()
		rec.Status = models.ClueRead
		rec.ReadAt = &now
	})
}

// TrackClue links the clue to its story instance, creating the instance on
// first track, and returns the instance id. Tracking a tracked clue returns
// the existing id; tracking an abandoned one resumes it.
func (t *Tracker) TrackClue(playerID, clueID string) (string, error) {
	rec, err := t.ReceiveClue(playerID, clueID)
	if err != nil {
		return "", err
	}
	if rec.StoryInstanceID != "" && rec.Status != models.ClueAbandoned {
		return rec.StoryInstanceID, nil
	}

	id := rec.StoryInstanceID
	if id == "" {
		tmpl, err := t.templates.StoryTemplate(rec.StoryTemplateID)
		if err != nil {
			return "", fmt.Errorf("track clue %q: %w", clueID, err)
		}
		id, err = t.repo.CreateStoryInstance(playerID, clueID, tmpl)
		if err != nil {
			return "", fmt.Errorf("track clue %q: %w", clueID, err)
		}
	}

	err = t.repo.Update(func(tx *repository.Tx) error {
		c, err := tx.ClueRecord(playerID, clueID)
		if err != nil {
			return err
		}
		s, err := tx.StoryInstance(id)
		if err != nil {
			return err
		}
		now := tx.Now()
		c.StoryInstanceID = id
		if s.Status == models.StoryCompleted {
			c.Status = models.ClueCompleted
		} else {
			c.Status = models.ClueTracking
		}
		if c.ReadAt == nil {
			c.ReadAt = &now
		}
		if c.TrackedAt == nil {
			c.TrackedAt = &now
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	t.logger.Info("tracker: clue tracked", "player", playerID, "clue", clueID, "story_instance", id)
	return id, nil
}

// AbandonClue drops a clue from the player's active list. The story instance
// is kept so tracking again resumes it. Completed clues stay completed.
func (t *Tracker) AbandonClue(playerID, clueID string) error {
	return t.repo.UpdateClueRecord(playerID, clueID, func(rec *models.ClueRecord) {
		if rec.Status == models.ClueCompleted {
			return
		}
		rec.Status = models.ClueAbandoned
	})
}

// StoryInstanceID returns the story instance a tracked clue is linked to.
func (t *Tracker) StoryInstanceID(playerID, clueID string) (string, error) {
	rec, err := t.repo.GetClueRecord(playerID, clueID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("clue %q not received: %w", clueID, ErrNotTracked)
	}
	if err != nil {
		return "", err
	}
	if rec.StoryInstanceID == "" || rec.Status == models.ClueAbandoned {
		return "", fmt.Errorf("clue %q: %w", clueID, ErrNotTracked)
	}
	return rec.StoryInstanceID, nil
}

// MarkSceneCompleted records sceneID as completed on the clue's story
// instance. Repeated calls leave a single entry.
func (t *Tracker) MarkSceneCompleted(playerID, clueID, sceneID string) error {
	id, err := t.StoryInstanceID(playerID, clueID)
	if err != nil {
		return err
	}
	now := t.now()
	return t.repo.UpdateStoryInstance(id, func(s *models.StoryInstance) {
		s.CompleteScene(sceneID)
		if s.Status == models.StoryNotStarted {
			s.Status = models.StoryInProgress
		}
		s.Touch(now)
	})
}

// MarkStoryCompleted completes the clue's story instance and the clue in one
// transaction: every scene is marked completed, progress goes to 100 and the
// current scene is cleared. marker is kept on the instance for history and is
// never turned into a clue record.
func (t *Tracker) MarkStoryCompleted(playerID, clueID, marker string) error {
	err := t.repo.Update(func(tx *repository.Tx) error {
		c, err := tx.ClueRecord(playerID, clueID)
		if err != nil {
			return err
		}
		if c.StoryInstanceID == "" {
			return fmt.Errorf("clue %q: %w", clueID, ErrNotTracked)
		}
		s, err := tx.StoryInstance(c.StoryInstanceID)
		if err != nil {
			return err
		}

		now := tx.Now()
		if s.Status != models.StoryCompleted {
			for _, entry := range s.SceneSequence {
				s.CompleteScene(entry.SceneID)
			}
			s.Status = models.StoryCompleted
			s.Progress = 100
			s.CurrentSceneID = ""
			s.CompletedAt = &now
			s.Touch(now)
		}
		if marker != "" && !slices.Contains(s.CompletionMarkers, marker) {
			s.CompletionMarkers = append(s.CompletionMarkers, marker)
		}
		if c.Status != models.ClueCompleted {
			c.Status = models.ClueCompleted
			c.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.logger.Info("tracker: story completed", "player", playerID, "clue", clueID, "marker", marker)
	return nil
}

func (t *Tracker) Clue(playerID, clueID string) (models.ClueRecord, error) {
	return t.repo.GetClueRecord(playerID, clueID)
}

// Clues lists the player's inbox in the order received.
func (t *Tracker) Clues(playerID string) []models.ClueRecord {
	return t.repo.ListClueRecords(playerID)
}

// Stats counts the player's clues by status. Nothing is cached.
func (t *Tracker) Stats(playerID string) Stats {
	var s Stats
	for _, rec := range t.repo.ListClueRecords(playerID) {
		s.Total++
		switch rec.Status {
		case models.ClueUnread:
			s.Unread++
		case models.ClueRead:
			s.Read++
		case models.ClueTracking:
			s.Tracking++
		case models.ClueCompleted:
			s.Completed++
		case models.ClueAbandoned:
			s.Abandoned++
		}
	}
	return s
}

// HasTrackedStories reports whether the player has a story to play.
func (t *Tracker) HasTrackedStories(playerID string) bool {
	return t.Stats(playerID).Tracking > 0
}
