// Package repository is the authoritative store for mutable runtime
// instances: story, scene and NPC instances, clue records and generated
// content. Values are deep-copied on the way in and on the way out, so no
// caller ever holds a reference into stored state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tatianab/nearfield/internal/models"
)

// ErrNotFound is returned when a requested instance or record does not exist.
var ErrNotFound = errors.New("repository: not found")

// Repository holds all instance maps behind one lock and writes a snapshot
// after every committed change.
type Repository struct {
	mu       sync.RWMutex
	state    *Snapshot
	store    SnapshotStore
	compress bool
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Repository)

// WithStore persists snapshots to store, zstd-compressed when compress is set.
func WithStore(store SnapshotStore, compress bool) Option {
	return func(r *Repository) {
		r.store = store
		r.compress = compress
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func New(opts ...Option) *Repository {
	r := &Repository{
		state:  newSnapshot(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore replaces in-memory state with the stored snapshot. On failure the
// current state is kept and the error is returned for the caller to log.
func (r *Repository) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	data, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = snap
	r.logger.Info("repository: snapshot restored",
		"stories", len(snap.Stories), "scenes", len(snap.Scenes),
		"npcs", len(snap.NPCs), "clues", len(snap.Clues))
	return nil
}

// Snapshot returns a deep copy of the full state.
func (r *Repository) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Snapshot{
		Version:   snapshotVersion,
		Stories:   models.CloneMap(r.state.Stories),
		Scenes:    models.CloneMap(r.state.Scenes),
		NPCs:      models.CloneMap(r.state.NPCs),
		Clues:     models.CloneMap(r.state.Clues),
		Generated: models.CloneMap(r.state.Generated),
	}
}

// Update runs fn against staged copies and commits them atomically when fn
// returns nil.
func (r *Repository) Update(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := newTx(r.state, r.now())
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}
	tx.commit()
	r.persistLocked()
	return nil
}

// persistLocked never fails the caller: in-memory state stays authoritative.
func (r *Repository) persistLocked() {
	if r.store == nil {
		return
	}
	data, err := EncodeSnapshot(r.state, r.compress)
	if err != nil {
		r.logger.Error("repository: encode snapshot", "error", err)
		return
	}
	if err := r.store.Save(context.Background(), data); err != nil {
		r.logger.Error("repository: save snapshot", "error", err)
	}
}

// CreateStoryInstance copies template into a new instance for (template,
// clue). If the instance already exists its id is returned untouched.
func (r *Repository) CreateStoryInstance(playerID, clueID string, template models.StoryTemplate) (string, error) {
	if template.ID == "" || clueID == "" {
		return "", fmt.Errorf("story template id and clue id are required")
	}
	id := models.StoryInstanceID(template.ID, clueID)
	err := r.Update(func(tx *Tx) error {
		if exists(tx.stories, tx.state.Stories, id) {
			return nil
		}
		t := template.Clone()
		seq := make([]models.SceneEntry, 0, len(t.SceneIDs))
		for _, sceneID := range t.SceneIDs {
			entry := models.SceneEntry{SceneID: sceneID, Status: models.SceneLocked}
			if sc, ok := t.Scene(sceneID); ok {
				entry.Title = sc.Title
			}
			seq = append(seq, entry)
		}
		tx.PutStoryInstance(models.StoryInstance{
			ID:              id,
			TemplateID:      t.ID,
			ClueID:          clueID,
			PlayerID:        playerID,
			Metadata:        t.Metadata,
			SceneSequence:   seq,
			CompletedScenes: []string{},
			Status:          models.StoryNotStarted,
			Progress:        0,
			CreatedAt:       tx.Now(),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetStoryInstance(id string) (models.StoryInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.state.Stories[id]
	if !ok {
		return models.StoryInstance{}, fmt.Errorf("story instance %q: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *Repository) UpdateStoryInstance(id string, fn func(*models.StoryInstance)) error {
	return r.Update(func(tx *Tx) error {
		s, err := tx.StoryInstance(id)
		if err != nil {
			return err
		}
		fn(s)
		s.ID = id
		return nil
	})
}

// ListStoryInstances returns copies of playerID's instances by creation time.
func (r *Repository) ListStoryInstances(playerID string) []models.StoryInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.StoryInstance
	for _, s := range r.state.Stories {
		if s.PlayerID == playerID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CreateSceneInstance creates the scene instance for (story instance, scene
// template) if it does not exist yet.
func (r *Repository) CreateSceneInstance(storyInstanceID string, template models.SceneTemplate) (string, error) {
	id := models.SceneInstanceID(storyInstanceID, template.ID)
	err := r.Update(func(tx *Tx) error {
		if !exists(tx.stories, tx.state.Stories, storyInstanceID) {
			return fmt.Errorf("story instance %q: %w", storyInstanceID, ErrNotFound)
		}
		if exists(tx.scenes, tx.state.Scenes, id) {
			return nil
		}
		npcIDs := make([]string, 0, len(template.NPCs))
		for _, npc := range template.NPCs {
			npcIDs = append(npcIDs, models.NPCInstanceID(storyInstanceID, npc))
		}
		tx.PutSceneInstance(models.SceneInstance{
			ID:              id,
			StoryInstanceID: storyInstanceID,
			TemplateID:      template.ID,
			Title:           template.Title,
			Location:        template.Location,
			Description:     template.Description,
			NPCInstanceIDs:  npcIDs,
			Status:          models.SceneNotEntered,
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetSceneInstance(id string) (models.SceneInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.state.Scenes[id]
	if !ok {
		return models.SceneInstance{}, fmt.Errorf("scene instance %q: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *Repository) UpdateSceneInstance(id string, fn func(*models.SceneInstance)) error {
	return r.Update(func(tx *Tx) error {
		s, err := tx.SceneInstance(id)
		if err != nil {
			return err
		}
		fn(s)
		s.ID = id
		return nil
	})
}

// CreateNPCInstance creates the NPC instance for (story instance, NPC
// template) if it does not exist yet.
func (r *Repository) CreateNPCInstance(storyInstanceID string, template models.NPCTemplate) (string, error) {
	id := models.NPCInstanceID(storyInstanceID, template.ID)
	err := r.Update(func(tx *Tx) error {
		if !exists(tx.stories, tx.state.Stories, storyInstanceID) {
			return fmt.Errorf("story instance %q: %w", storyInstanceID, ErrNotFound)
		}
		if exists(tx.npcs, tx.state.NPCs, id) {
			return nil
		}
		t := template.Clone()
		tx.PutNPCInstance(models.NPCInstance{
			ID:              id,
			StoryInstanceID: storyInstanceID,
			TemplateID:      t.ID,
			Profile:         t.Profile,
			State:           t.InitialState,
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) GetNPCInstance(id string) (models.NPCInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.state.NPCs[id]
	if !ok {
		return models.NPCInstance{}, fmt.Errorf("npc instance %q: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (r *Repository) UpdateNPCInstance(id string, fn func(*models.NPCInstance)) error {
	return r.Update(func(tx *Tx) error {
		n, err := tx.NPCInstance(id)
		if err != nil {
			return err
		}
		fn(n)
		n.ID = id
		return nil
	})
}

// UpsertClueRecord stores rec, replacing any record for the same player and clue.
func (r *Repository) UpsertClueRecord(rec models.ClueRecord) error {
	if rec.PlayerID == "" || rec.ClueID == "" {
		return fmt.Errorf("player id and clue id are required")
	}
	return r.Update(func(tx *Tx) error {
		tx.PutClueRecord(rec)
		return nil
	})
}

func (r *Repository) GetClueRecord(playerID, clueID string) (models.ClueRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.state.Clues[clueKey(playerID, clueID)]
	if !ok {
		return models.ClueRecord{}, fmt.Errorf("clue %q for player %q: %w", clueID, playerID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (r *Repository) UpdateClueRecord(playerID, clueID string, fn func(*models.ClueRecord)) error {
	return r.Update(func(tx *Tx) error {
		c, err := tx.ClueRecord(playerID, clueID)
		if err != nil {
			return err
		}
		fn(c)
		c.PlayerID, c.ClueID = playerID, clueID
		return nil
	})
}

// ListClueRecords returns copies of playerID's clues in the order received.
func (r *Repository) ListClueRecords(playerID string) []models.ClueRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ClueRecord
	for _, c := range r.state.Clues {
		if c.PlayerID == playerID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ClueID < out[j].ClueID
	})
	return out
}

// RecordGeneratedContent stores a produced turn response and returns its id.
func (r *Repository) RecordGeneratedContent(rec models.GeneratedContent) (string, error) {
	if rec.StoryInstanceID == "" {
		return "", fmt.Errorf("story instance id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := r.Update(func(tx *Tx) error {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = tx.Now()
		}
		tx.PutGeneratedContent(rec)
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ListGeneratedContent returns the records of one story instance in the
// order they were produced.
func (r *Repository) ListGeneratedContent(storyInstanceID string) []models.GeneratedContent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.GeneratedContent
	for _, g := range r.state.Generated {
		if g.StoryInstanceID == storyInstanceID {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TurnNumber < out[j].TurnNumber
	})
	return out
}
