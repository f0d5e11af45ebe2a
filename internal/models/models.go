package models

import "time"

// UnitKind classifies a narrative unit.
type UnitKind string

const (
	UnitNarrative         UnitKind = "narrative"
	UnitInterventionPoint UnitKind = "intervention_point"
	UnitInteractionTurn   UnitKind = "interaction_turn"
)

// Valid reports whether k is one of the known unit kinds.
func (k UnitKind) Valid() bool {
	switch k {
	case UnitNarrative, UnitInterventionPoint, UnitInteractionTurn:
		return true
	}
	return false
}

// Actors that are not NPCs. Any other actor value is an NPC template id.
const (
	ActorSystem = "system"
	ActorPlayer = "player"
)

// InteractionPolicy bounds a multi-turn exchange started at a decision point.
type InteractionPolicy struct {
	MaxTurns    int      `yaml:"max_turns"`
	Goal        string   `yaml:"goal,omitempty"`
	Constraints []string `yaml:"constraints,omitempty"`
}

// NarrativeUnit is one atomic beat of story content.
type NarrativeUnit struct {
	ID         string             `yaml:"id"`
	Kind       UnitKind           `yaml:"kind"`
	Actor      string             `yaml:"actor"`
	Content    string             `yaml:"content"`
	Hint       string             `yaml:"hint,omitempty"`   // shown at a decision point
	Policy     *InteractionPolicy `yaml:"policy,omitempty"` // interaction bounds
	IsTerminal bool               `yaml:"is_terminal,omitempty"`
}

// SceneTransition says where a scene leads once it ends.
type SceneTransition struct {
	NextSceneID      string `yaml:"next_scene_id,omitempty"`
	IsStoryTerminal  bool   `yaml:"is_story_terminal,omitempty"`
	CompletionClueID string `yaml:"completion_clue_id,omitempty"`
}

// NPCDelta is a change to an NPC's mutable state produced by a dialogue turn.
type NPCDelta struct {
	NPCID          string `yaml:"npc_id"`
	Relationship   int    `yaml:"relationship,omitempty"`
	Alertness      int    `yaml:"alertness,omitempty"`
	Trust          int    `yaml:"trust,omitempty"`
	Mood           string `yaml:"mood,omitempty"`
	RevealedSecret string `yaml:"revealed_secret,omitempty"`
}

// SceneStatus is the termination signal carried by a turn response.
type SceneStatus struct {
	IsSceneOver bool   `yaml:"is_scene_over"`
	Outcome     string `yaml:"outcome,omitempty"`
}

// TurnResponse is what one dialogue turn produces.
type TurnResponse struct {
	NewEvents   []NarrativeUnit `yaml:"new_events"`
	NPCDeltas   []NPCDelta      `yaml:"npc_deltas,omitempty"`
	SceneStatus SceneStatus     `yaml:"scene_status"`
}

// DialogueScript is canned dialogue for a scene, keyed by turn number.
type DialogueScript struct {
	Turns       map[int]TurnResponse `yaml:"turns,omitempty"`
	Default     *TurnResponse        `yaml:"default,omitempty"`
	Convergence []NarrativeUnit      `yaml:"convergence,omitempty"` // resolves the decision point
}

// SceneTemplate is the immutable definition of a scene.
type SceneTemplate struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Location    string          `yaml:"location,omitempty"`
	Description string          `yaml:"description,omitempty"`
	NPCs        []string        `yaml:"npcs,omitempty"` // NPC template ids present
	Sequence    []NarrativeUnit `yaml:"sequence"`
	MaxTurns    int             `yaml:"max_turns,omitempty"`
	Transition  SceneTransition `yaml:"transition"`
	Dialogue    *DialogueScript `yaml:"dialogue,omitempty"`
}

// NPCProfile is the static personality of an NPC.
type NPCProfile struct {
	Name          string   `yaml:"name"`
	Role          string   `yaml:"role,omitempty"`
	Traits        []string `yaml:"traits,omitempty"`
	Values        []string `yaml:"values,omitempty"`
	SpeakingStyle string   `yaml:"speaking_style,omitempty"`
	Background    string   `yaml:"background,omitempty"`
	Secrets       []string `yaml:"secrets,omitempty"`
}

// NPCState is the mutable part of an NPC.
type NPCState struct {
	Relationship int    `yaml:"relationship"`
	Mood         string `yaml:"mood"`
	Alertness    int    `yaml:"alertness"`
	Trust        int    `yaml:"trust"`
}

// NPCTemplate is the immutable definition of an NPC.
type NPCTemplate struct {
	ID           string     `yaml:"id"`
	Profile      NPCProfile `yaml:"profile"`
	InitialState NPCState   `yaml:"initial_state"`
}

// StoryMetadata is descriptive data copied into every story instance.
type StoryMetadata struct {
	Title    string   `yaml:"title"`
	Summary  string   `yaml:"summary,omitempty"`
	Genre    string   `yaml:"genre,omitempty"`
	Location string   `yaml:"location,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
}

// StoryTemplate is the immutable definition of a story.
type StoryTemplate struct {
	ID          string          `yaml:"id"`
	Metadata    StoryMetadata   `yaml:"metadata"`
	SceneIDs    []string        `yaml:"scene_ids"`
	EntryClueID string          `yaml:"entry_clue_id"`
	Scenes      []SceneTemplate `yaml:"scenes"`
	NPCs        []NPCTemplate   `yaml:"npcs,omitempty"`
}

// ClueTemplate is an entry of the world information stream.
type ClueTemplate struct {
	ID          string `yaml:"id"`
	StoryID     string `yaml:"story_id"`
	Title       string `yaml:"title"`
	Description string `yaml:"description,omitempty"`
	Source      string `yaml:"source,omitempty"`
}

// StoryStatus is the lifecycle of a story instance.
type StoryStatus string

const (
	StoryNotStarted StoryStatus = "not_started"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
)

// SceneEntryStatus is a scene's state in a story instance's sequence view.
type SceneEntryStatus string

const (
	SceneLocked   SceneEntryStatus = "locked"
	SceneUnlocked SceneEntryStatus = "unlocked"
)

// SceneEntry is one scene in a story instance's sequence view.
type SceneEntry struct {
	SceneID string           `yaml:"scene_id"`
	Title   string           `yaml:"title"`
	Status  SceneEntryStatus `yaml:"status"`
}

// StoryInstance is one player's playthrough of a story template, keyed by
// the clue that opened it.
type StoryInstance struct {
	ID                string        `yaml:"id"`
	TemplateID        string        `yaml:"template_id"`
	ClueID            string        `yaml:"clue_id"`
	PlayerID          string        `yaml:"player_id"`
	Metadata          StoryMetadata `yaml:"metadata"`
	SceneSequence     []SceneEntry  `yaml:"scene_sequence"`
	CurrentSceneID    string        `yaml:"current_scene_id,omitempty"`
	CompletedScenes   []string      `yaml:"completed_scenes"`
	Status            StoryStatus   `yaml:"status"`
	Progress          int           `yaml:"progress_percentage"`
	Active            bool          `yaml:"active"`
	CompletionMarkers []string      `yaml:"completion_markers,omitempty"` // audit only
	CreatedAt         time.Time     `yaml:"created_at"`
	StartedAt         *time.Time    `yaml:"started_at,omitempty"`
	CompletedAt       *time.Time    `yaml:"completed_at,omitempty"`
	LastPlayedAt      *time.Time    `yaml:"last_played_at,omitempty"`
}

// SceneStatusKind is the lifecycle of a scene instance.
type SceneStatusKind string

const (
	SceneNotEntered SceneStatusKind = "not_entered"
	SceneInProgress SceneStatusKind = "in_progress"
	SceneCompleted  SceneStatusKind = "completed"
)

// SceneEvent is one entry of a scene instance's triggered-event log.
type SceneEvent struct {
	Kind   string    `yaml:"kind"`
	UnitID string    `yaml:"unit_id,omitempty"`
	Detail string    `yaml:"detail,omitempty"`
	At     time.Time `yaml:"at"`
}

// SceneInstance is a scene as entered within one story instance.
type SceneInstance struct {
	ID              string          `yaml:"id"`
	StoryInstanceID string          `yaml:"story_instance_id"`
	TemplateID      string          `yaml:"template_id"`
	Title           string          `yaml:"title"`
	Location        string          `yaml:"location,omitempty"`
	Description     string          `yaml:"description,omitempty"`
	NPCInstanceIDs  []string        `yaml:"npc_instance_ids,omitempty"`
	Status          SceneStatusKind `yaml:"status"`
	EnteredAt       *time.Time      `yaml:"entered_at,omitempty"`
	CompletedAt     *time.Time      `yaml:"completed_at,omitempty"`
	Events          []SceneEvent    `yaml:"events,omitempty"`
}

// InteractionSummary aggregates an NPC's dialogue history.
type InteractionSummary struct {
	TotalInteractions int        `yaml:"total_interactions"`
	LastInteractionAt *time.Time `yaml:"last_interaction_at,omitempty"`
	RevealedSecrets   []string   `yaml:"revealed_secrets,omitempty"`
}

// NPCInstance is an NPC as it exists within one story instance.
type NPCInstance struct {
	ID              string             `yaml:"id"`
	StoryInstanceID string             `yaml:"story_instance_id"`
	TemplateID      string             `yaml:"template_id"`
	Profile         NPCProfile         `yaml:"profile"`
	State           NPCState           `yaml:"current_state"`
	Summary         InteractionSummary `yaml:"summary"`
}

// ClueStatus is the player-facing state of a clue.
type ClueStatus string

const (
	ClueUnread    ClueStatus = "unread"
	ClueRead      ClueStatus = "read"
	ClueTracking  ClueStatus = "tracking"
	ClueCompleted ClueStatus = "completed"
	ClueAbandoned ClueStatus = "abandoned"
)

// ClueRecord is one clue in one player's inbox.
type ClueRecord struct {
	ClueID          string     `yaml:"clue_id"`
	PlayerID        string     `yaml:"player_id"`
	StoryTemplateID string     `yaml:"story_template_id"`
	StoryInstanceID string     `yaml:"story_instance_id,omitempty"`
	Title           string     `yaml:"title"`
	Description     string     `yaml:"description,omitempty"`
	Source          string     `yaml:"source,omitempty"`
	Status          ClueStatus `yaml:"status"`
	ReceivedAt      time.Time  `yaml:"received_at"`
	ReadAt          *time.Time `yaml:"read_at,omitempty"`
	TrackedAt       *time.Time `yaml:"tracked_at,omitempty"`
	CompletedAt     *time.Time `yaml:"completed_at,omitempty"`
}

// GeneratedContent records a turn response produced for a story instance.
type GeneratedContent struct {
	ID              string       `yaml:"id"`
	StoryInstanceID string       `yaml:"story_instance_id"`
	SceneID         string       `yaml:"scene_id"`
	UnitID          string       `yaml:"unit_id"`
	TurnNumber      int          `yaml:"turn_number"`
	Response        TurnResponse `yaml:"response"`
	CreatedAt       time.Time    `yaml:"created_at"`
}
