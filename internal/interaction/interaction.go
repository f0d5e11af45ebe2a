// Package interaction runs the bounded multi-turn dialogue that may follow a
// decision point. The event log passed in by the caller is the only record of
// how many turns have happened; nothing is counted here.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tatianab/nearfield/internal/models"
)

// DefaultMaxTurns applies when neither the unit policy nor the scene set one.
const DefaultMaxTurns = 3

// ErrInteractionClosed is returned for a turn submitted after convergence.
var ErrInteractionClosed = errors.New("interaction: already converged")

// TurnContext is what a dialogue provider sees for one turn.
type TurnContext struct {
	StoryInstanceID string
	StoryID         string
	Scene           models.SceneTemplate
	Unit            models.NarrativeUnit // the decision point being played out
	TurnNumber      int
	MaxTurns        int
	Intent          string
	History         []models.NarrativeUnit
	NPCs            []models.NPCInstance
}

// DialogueProvider produces the response for one turn, canned or generated.
type DialogueProvider interface {
	TurnResponse(ctx context.Context, tc TurnContext) (models.TurnResponse, error)
}

// NPCStore is the slice of the instance repository the sub-machine needs.
type NPCStore interface {
	GetNPCInstance(id string) (models.NPCInstance, error)
	UpdateNPCInstance(id string, fn func(*models.NPCInstance)) error
	RecordGeneratedContent(rec models.GeneratedContent) (string, error)
}

// Request is one submission from the playback machine.
type Request struct {
	StoryInstanceID string
	StoryID         string
	Scene           models.SceneTemplate
	Unit            models.NarrativeUnit
	Events          []models.NarrativeUnit // interaction log so far
	Intent          string
}

// MaxTurns resolves the turn cap: unit policy, then scene, then default.
func (r Request) MaxTurns() int {
	if r.Unit.Policy != nil && r.Unit.Policy.MaxTurns > 0 {
		return r.Unit.Policy.MaxTurns
	}
	if r.Scene.MaxTurns > 0 {
		return r.Scene.MaxTurns
	}
	return DefaultMaxTurns
}

// CurrentTurn is the number of the next turn: player-authored events so far
// plus one.
func CurrentTurn(events []models.NarrativeUnit) int {
	n := 0
	for _, e := range events {
		if e.Actor == models.ActorPlayer {
			n++
		}
	}
	return n + 1
}

// Machine is the interaction sub-machine. It holds no per-interaction state.
type Machine struct {
	provider DialogueProvider
	npcs     NPCStore
	logger   *slog.Logger
	now      func() time.Time
}

func New(provider DialogueProvider, npcs NPCStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{provider: provider, npcs: npcs, logger: logger, now: time.Now}
}

// SubmitTurn plays one turn. The response always starts with exactly one
// player event carrying the intent; on the last allowed turn it also carries
// the convergence units and IsSceneOver.
func (m *Machine) SubmitTurn(ctx context.Context, req Request) (models.TurnResponse, error) {
	turn := CurrentTurn(req.Events)
	maxTurns := req.MaxTurns()
	if turn > maxTurns {
		return models.TurnResponse{}, fmt.Errorf("turn %d of %d: %w", turn, maxTurns, ErrInteractionClosed)
	}

	tc := TurnContext{
		StoryInstanceID: req.StoryInstanceID,
		StoryID:         req.StoryID,
		Scene:           req.Scene,
		Unit:            req.Unit,
		TurnNumber:      turn,
		MaxTurns:        maxTurns,
		Intent:          req.Intent,
		History:         models.CloneUnits(req.Events),
		NPCs:            m.sceneNPCs(req),
	}
	resp, err := m.provider.TurnResponse(ctx, tc)
	if err != nil {
		return models.TurnResponse{}, fmt.Errorf("turn %d response: %w", turn, err)
	}
	resp = resp.Clone()

	events := make([]models.NarrativeUnit, 0, len(resp.NewEvents)+2)
	events = append(events, models.NarrativeUnit{
		Kind:    models.UnitInteractionTurn,
		Actor:   models.ActorPlayer,
		Content: req.Intent,
	})
	for _, e := range resp.NewEvents {
		// The intent above is the turn's only player event; turn numbering
		// depends on it.
		if e.Actor == models.ActorPlayer {
			continue
		}
		events = append(events, e)
	}
	resp.NewEvents = events

	if turn >= maxTurns {
		resp.NewEvents = append(resp.NewEvents, convergence(req)...)
		resp.SceneStatus.IsSceneOver = true
		if resp.SceneStatus.Outcome == "" {
			resp.SceneStatus.Outcome = "converged"
		}
		m.logger.Info("interaction: forced convergence",
			"story_instance", req.StoryInstanceID, "scene", req.Scene.ID, "turn", turn)
	}
	m.stampIDs(&resp, req.Unit.ID, turn)

	m.applyDeltas(req.StoryInstanceID, resp.NPCDeltas)
	m.record(req, turn, resp)
	return resp, nil
}

// Disengage ends the interaction at the player's request. It reaches the
// same terminal outcome as forced convergence without consulting the
// provider.
func (m *Machine) Disengage(req Request) models.TurnResponse {
	turn := CurrentTurn(req.Events)
	resp := models.TurnResponse{
		NewEvents:   convergence(req),
		SceneStatus: models.SceneStatus{IsSceneOver: true, Outcome: "disengaged"},
	}
	m.stampIDs(&resp, req.Unit.ID, turn)
	m.logger.Info("interaction: player disengaged",
		"story_instance", req.StoryInstanceID, "scene", req.Scene.ID, "turn", turn)
	return resp
}

// convergence returns the scene's resolution units, or a generic one.
func convergence(req Request) []models.NarrativeUnit {
	if req.Scene.Dialogue != nil && len(req.Scene.Dialogue.Convergence) > 0 {
		units := models.CloneUnits(req.Scene.Dialogue.Convergence)
		for i := range units {
			if units[i].Kind == "" {
				units[i].Kind = models.UnitNarrative
			}
			if units[i].Actor == "" {
				units[i].Actor = models.ActorSystem
			}
		}
		return units
	}
	text := "The moment passes. Whatever was going to be said has been said."
	if req.Unit.Policy != nil && strings.TrimSpace(req.Unit.Policy.Goal) != "" {
		text = fmt.Sprintf("The exchange winds down. (%s)", req.Unit.Policy.Goal)
	}
	return []models.NarrativeUnit{{
		Kind:    models.UnitNarrative,
		Actor:   models.ActorSystem,
		Content: text,
	}}
}

func (m *Machine) stampIDs(resp *models.TurnResponse, unitID string, turn int) {
	for i := range resp.NewEvents {
		if resp.NewEvents[i].ID == "" {
			resp.NewEvents[i].ID = fmt.Sprintf("%s-t%d-%s", unitID, turn, uuid.NewString()[:8])
		}
	}
}

func (m *Machine) sceneNPCs(req Request) []models.NPCInstance {
	if m.npcs == nil {
		return nil
	}
	var out []models.NPCInstance
	for _, npcID := range req.Scene.NPCs {
		n, err := m.npcs.GetNPCInstance(models.NPCInstanceID(req.StoryInstanceID, npcID))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// applyDeltas writes NPC state changes to the story instance's NPCs. A delta
// for an NPC that has no instance is a content error and is skipped.
func (m *Machine) applyDeltas(storyInstanceID string, deltas []models.NPCDelta) {
	if m.npcs == nil {
		return
	}
	now := m.now()
	for _, d := range deltas {
		id := models.NPCInstanceID(storyInstanceID, d.NPCID)
		err := m.npcs.UpdateNPCInstance(id, func(n *models.NPCInstance) {
			n.Apply(d, now)
		})
		if err != nil {
			m.logger.Warn("interaction: npc delta not applied", "npc", id, "error", err)
		}
	}
}

func (m *Machine) record(req Request, turn int, resp models.TurnResponse) {
	if m.npcs == nil {
		return
	}
	_, err := m.npcs.RecordGeneratedContent(models.GeneratedContent{
		StoryInstanceID: req.StoryInstanceID,
		SceneID:         req.Scene.ID,
		UnitID:          req.Unit.ID,
		TurnNumber:      turn,
		Response:        resp,
	})
	if err != nil {
		m.logger.Warn("interaction: generated content not recorded", "error", err)
	}
}

// Fallback tries primary and, on any error, secondary.
func Fallback(primary, secondary DialogueProvider, logger *slog.Logger) DialogueProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return fallback{primary: primary, secondary: secondary, logger: logger}
}

type fallback struct {
	primary, secondary DialogueProvider
	logger             *slog.Logger
}

func (f fallback) TurnResponse(ctx context.Context, tc TurnContext) (models.TurnResponse, error) {
	resp, err := f.primary.TurnResponse(ctx, tc)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("interaction: primary dialogue provider failed, using fallback",
		"scene", tc.Scene.ID, "turn", tc.TurnNumber, "error", err)
	return f.secondary.TurnResponse(ctx, tc)
}
