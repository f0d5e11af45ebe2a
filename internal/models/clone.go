package models

import (
	"slices"
	"time"
)

// Clone methods return structural deep copies. Instances handed out by the
// repository must never share a slice, map or pointer with stored state.

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (p *InteractionPolicy) Clone() *InteractionPolicy {
	if p == nil {
		return nil
	}
	c := *p
	c.Constraints = slices.Clone(p.Constraints)
	return &c
}

func (u NarrativeUnit) Clone() NarrativeUnit {
	u.Policy = u.Policy.Clone()
	return u
}

// CloneUnits deep-copies a unit sequence.
func CloneUnits(units []NarrativeUnit) []NarrativeUnit {
	if units == nil {
		return nil
	}
	out := make([]NarrativeUnit, len(units))
	for i, u := range units {
		out[i] = u.Clone()
	}
	return out
}

func (r TurnResponse) Clone() TurnResponse {
	r.NewEvents = CloneUnits(r.NewEvents)
	r.NPCDeltas = slices.Clone(r.NPCDeltas)
	return r
}

func (d *DialogueScript) Clone() *DialogueScript {
	if d == nil {
		return nil
	}
	c := &DialogueScript{Convergence: CloneUnits(d.Convergence)}
	if d.Turns != nil {
		c.Turns = make(map[int]TurnResponse, len(d.Turns))
		for n, r := range d.Turns {
			c.Turns[n] = r.Clone()
		}
	}
	if d.Default != nil {
		def := d.Default.Clone()
		c.Default = &def
	}
	return c
}

func (s SceneTemplate) Clone() SceneTemplate {
	s.NPCs = slices.Clone(s.NPCs)
	s.Sequence = CloneUnits(s.Sequence)
	s.Dialogue = s.Dialogue.Clone()
	return s
}

func (p NPCProfile) Clone() NPCProfile {
	p.Traits = slices.Clone(p.Traits)
	p.Values = slices.Clone(p.Values)
	p.Secrets = slices.Clone(p.Secrets)
	return p
}

func (n NPCTemplate) Clone() NPCTemplate {
	n.Profile = n.Profile.Clone()
	return n
}

func (m StoryMetadata) Clone() StoryMetadata {
	m.Tags = slices.Clone(m.Tags)
	return m
}

func (s StoryTemplate) Clone() StoryTemplate {
	s.Metadata = s.Metadata.Clone()
	s.SceneIDs = slices.Clone(s.SceneIDs)
	if s.Scenes != nil {
		scenes := make([]SceneTemplate, len(s.Scenes))
		for i, sc := range s.Scenes {
			scenes[i] = sc.Clone()
		}
		s.Scenes = scenes
	}
	if s.NPCs != nil {
		npcs := make([]NPCTemplate, len(s.NPCs))
		for i, n := range s.NPCs {
			npcs[i] = n.Clone()
		}
		s.NPCs = npcs
	}
	return s
}

func (s StoryInstance) Clone() StoryInstance {
	s.Metadata = s.Metadata.Clone()
	s.SceneSequence = slices.Clone(s.SceneSequence)
	s.CompletedScenes = slices.Clone(s.CompletedScenes)
	s.CompletionMarkers = slices.Clone(s.CompletionMarkers)
	s.StartedAt = cloneTime(s.StartedAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	s.LastPlayedAt = cloneTime(s.LastPlayedAt)
	return s
}

func (s SceneInstance) Clone() SceneInstance {
	s.NPCInstanceIDs = slices.Clone(s.NPCInstanceIDs)
	s.EnteredAt = cloneTime(s.EnteredAt)
	s.CompletedAt = cloneTime(s.CompletedAt)
	s.Events = slices.Clone(s.Events)
	return s
}

func (n NPCInstance) Clone() NPCInstance {
	n.Profile = n.Profile.Clone()
	n.Summary.LastInteractionAt = cloneTime(n.Summary.LastInteractionAt)
	n.Summary.RevealedSecrets = slices.Clone(n.Summary.RevealedSecrets)
	return n
}

func (c ClueRecord) Clone() ClueRecord {
	c.ReadAt = cloneTime(c.ReadAt)
	c.TrackedAt = cloneTime(c.TrackedAt)
	c.CompletedAt = cloneTime(c.CompletedAt)
	return c
}

func (g GeneratedContent) Clone() GeneratedContent {
	g.Response = g.Response.Clone()
	return g
}

// CloneMap deep-copies a map whose values know how to clone themselves.
func CloneMap[V interface{ Clone() V }](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}
