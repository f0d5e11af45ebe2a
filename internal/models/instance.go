package models

import (
	"slices"
	"time"
)

const idSeparator = "__"

// StoryInstanceID is deterministic per (template, clue).
func StoryInstanceID(templateID, clueID string) string {
	return templateID + idSeparator + clueID
}

// SceneInstanceID is deterministic per (story instance, scene template).
func SceneInstanceID(storyInstanceID, sceneTemplateID string) string {
	return storyInstanceID + idSeparator + sceneTemplateID
}

// NPCInstanceID is deterministic per (story instance, NPC template).
func NPCInstanceID(storyInstanceID, npcTemplateID string) string {
	return storyInstanceID + idSeparator + npcTemplateID
}

// Scene returns the scene template with the given id.
func (s StoryTemplate) Scene(id string) (SceneTemplate, bool) {
	for _, sc := range s.Scenes {
		if sc.ID == id {
			return sc, true
		}
	}
	return SceneTemplate{}, false
}

// NPC returns the NPC template with the given id.
func (s StoryTemplate) NPC(id string) (NPCTemplate, bool) {
	for _, n := range s.NPCs {
		if n.ID == id {
			return n, true
		}
	}
	return NPCTemplate{}, false
}

// FirstSceneID is the entry scene of the story, or "" for an empty story.
func (s StoryTemplate) FirstSceneID() string {
	if len(s.SceneIDs) == 0 {
		return ""
	}
	return s.SceneIDs[0]
}

// CompleteScene records sceneID as completed. It is a no-op for a scene that
// is already recorded.
func (s *StoryInstance) CompleteScene(sceneID string) {
	if !slices.Contains(s.CompletedScenes, sceneID) {
		s.CompletedScenes = append(s.CompletedScenes, sceneID)
	}
	for i := range s.SceneSequence {
		if s.SceneSequence[i].SceneID == sceneID {
			s.SceneSequence[i].Status = SceneUnlocked
		}
	}
	s.RecomputeProgress()
}

// RecomputeProgress derives Progress from completed over total scenes.
func (s *StoryInstance) RecomputeProgress() {
	total := len(s.SceneSequence)
	if total == 0 {
		s.Progress = 0
		return
	}
	done := 0
	for _, e := range s.SceneSequence {
		if slices.Contains(s.CompletedScenes, e.SceneID) {
			done++
		}
	}
	s.Progress = done * 100 / total
}

// Touch sets LastPlayedAt.
func (s *StoryInstance) Touch(now time.Time) {
	s.LastPlayedAt = &now
}

// Apply folds a dialogue delta into the NPC's state and summary.
func (n *NPCInstance) Apply(d NPCDelta, now time.Time) {
	n.State.Relationship += d.Relationship
	n.State.Alertness += d.Alertness
	n.State.Trust += d.Trust
	if d.Mood != "" {
		n.State.Mood = d.Mood
	}
	if d.RevealedSecret != "" && !slices.Contains(n.Summary.RevealedSecrets, d.RevealedSecret) {
		n.Summary.RevealedSecrets = append(n.Summary.RevealedSecrets, d.RevealedSecret)
	}
	n.Summary.TotalInteractions++
	n.Summary.LastInteractionAt = &now
}

// AppendEvent adds an entry to the scene's triggered-event log.
func (s *SceneInstance) AppendEvent(kind, unitID, detail string, at time.Time) {
	s.Events = append(s.Events, SceneEvent{Kind: kind, UnitID: unitID, Detail: detail, At: at})
}
