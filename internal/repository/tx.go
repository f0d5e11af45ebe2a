package repository

import (
	"fmt"
	"sort"
	"time"

	"github.com/tatianab/nearfield/internal/models"
)

// Tx is a set of staged changes applied by Repository.Update. Every value a
// Tx hands out is a private copy; nothing reaches the repository until the
// update function returns nil.
type Tx struct {
	state *Snapshot
	now   time.Time

	stories   map[string]*models.StoryInstance
	scenes    map[string]*models.SceneInstance
	npcs      map[string]*models.NPCInstance
	clues     map[string]*models.ClueRecord
	generated map[string]*models.GeneratedContent
}

func newTx(state *Snapshot, now time.Time) *Tx {
	return &Tx{
		state:     state,
		now:       now,
		stories:   make(map[string]*models.StoryInstance),
		scenes:    make(map[string]*models.SceneInstance),
		npcs:      make(map[string]*models.NPCInstance),
		clues:     make(map[string]*models.ClueRecord),
		generated: make(map[string]*models.GeneratedContent),
	}
}

// Now is the time the transaction started.
func (tx *Tx) Now() time.Time { return tx.now }

func clueKey(playerID, clueID string) string {
	return playerID + "__" + clueID
}

// stage returns the staged copy for id, staging a clone of the stored value
// on first access.
func stage[V interface{ Clone() V }](staged map[string]*V, stored map[string]V, id string) (*V, bool) {
	if v, ok := staged[id]; ok {
		return v, true
	}
	v, ok := stored[id]
	if !ok {
		return nil, false
	}
	c := v.Clone()
	staged[id] = &c
	return &c, true
}

func exists[V any](staged map[string]*V, stored map[string]V, id string) bool {
	if _, ok := staged[id]; ok {
		return true
	}
	_, ok := stored[id]
	return ok
}

func (tx *Tx) StoryInstance(id string) (*models.StoryInstance, error) {
	s, ok := stage(tx.stories, tx.state.Stories, id)
	if !ok {
		return nil, fmt.Errorf("story instance %q: %w", id, ErrNotFound)
	}
	return s, nil
}

func (tx *Tx) PutStoryInstance(s models.StoryInstance) {
	c := s.Clone()
	tx.stories[s.ID] = &c
}

// StoryInstances stages every story instance owned by playerID, ordered by
// creation time.
func (tx *Tx) StoryInstances(playerID string) []*models.StoryInstance {
	ids := make(map[string]struct{})
	for id, s := range tx.state.Stories {
		if s.PlayerID == playerID {
			ids[id] = struct{}{}
		}
	}
	for id, s := range tx.stories {
		if s.PlayerID == playerID {
			ids[id] = struct{}{}
		}
	}
	out := make([]*models.StoryInstance, 0, len(ids))
	for id := range ids {
		s, _ := stage(tx.stories, tx.state.Stories, id)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (tx *Tx) SceneInstance(id string) (*models.SceneInstance, error) {
	s, ok := stage(tx.scenes, tx.state.Scenes, id)
	if !ok {
		return nil, fmt.Errorf("scene instance %q: %w", id, ErrNotFound)
	}
	return s, nil
}

func (tx *Tx) PutSceneInstance(s models.SceneInstance) {
	c := s.Clone()
	tx.scenes[s.ID] = &c
}

func (tx *Tx) NPCInstance(id string) (*models.NPCInstance, error) {
	n, ok := stage(tx.npcs, tx.state.NPCs, id)
	if !ok {
		return nil, fmt.Errorf("npc instance %q: %w", id, ErrNotFound)
	}
	return n, nil
}

func (tx *Tx) PutNPCInstance(n models.NPCInstance) {
	c := n.Clone()
	tx.npcs[n.ID] = &c
}

func (tx *Tx) ClueRecord(playerID, clueID string) (*models.ClueRecord, error) {
	c, ok := stage(tx.clues, tx.state.Clues, clueKey(playerID, clueID))
	if !ok {
		return nil, fmt.Errorf("clue %q for player %q: %w", clueID, playerID, ErrNotFound)
	}
	return c, nil
}

func (tx *Tx) PutClueRecord(rec models.ClueRecord) {
	c := rec.Clone()
	tx.clues[clueKey(rec.PlayerID, rec.ClueID)] = &c
}

func (tx *Tx) PutGeneratedContent(g models.GeneratedContent) {
	c := g.Clone()
	tx.generated[g.ID] = &c
}

func (tx *Tx) dirty() bool {
	return len(tx.stories)+len(tx.scenes)+len(tx.npcs)+len(tx.clues)+len(tx.generated) > 0
}

func commit[V interface{ Clone() V }](staged map[string]*V, stored map[string]V) {
	for id, v := range staged {
		stored[id] = (*v).Clone()
	}
}

func (tx *Tx) commit() {
	commit(tx.stories, tx.state.Stories)
	commit(tx.scenes, tx.state.Scenes)
	commit(tx.npcs, tx.state.NPCs)
	commit(tx.clues, tx.state.Clues)
	commit(tx.generated, tx.state.Generated)
}
