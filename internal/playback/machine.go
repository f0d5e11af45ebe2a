// Package playback advances one scene's narrative sequence unit by unit,
// pausing at decision points and handing dialogue to the interaction
// sub-machine.
//
// A Machine is a single-writer resource: it has no lock of its own and every
// call, including the callbacks its Scheduler runs, must be serialized by the
// owner.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
)

var (
	// ErrInvalidTransition is returned for an action the current mode does
	// not accept. State is left untouched.
	ErrInvalidTransition = errors.New("playback: action not valid in current mode")
	// ErrEmptySequence is returned when a scene has no units to play.
	ErrEmptySequence = errors.New("playback: scene has no narrative units")
)

// Mode is the playback state.
type Mode string

const (
	ModeIdle         Mode = "idle"
	ModePlaying      Mode = "playing"
	ModeIntervention Mode = "intervention"
	ModeInteraction  Mode = "interaction"
	ModeSceneEnded   Mode = "scene_ended"
)

// Reasons a scene ended.
const (
	ReasonTerminalUnit      = "terminal_unit"
	ReasonSequenceExhausted = "sequence_exhausted"
)

// State is the transient playback session. It is never persisted.
type State struct {
	Active            bool
	StoryInstanceID   string
	StoryID           string
	SceneID           string
	Sequence          []models.NarrativeUnit
	DisplayIndex      int // -1 before the first unit is shown
	Mode              Mode
	InterventionHint  string
	InteractionEvents []models.NarrativeUnit
}

// Current is the unit at DisplayIndex.
func (s State) Current() (models.NarrativeUnit, bool) {
	if s.DisplayIndex < 0 || s.DisplayIndex >= len(s.Sequence) {
		return models.NarrativeUnit{}, false
	}
	return s.Sequence[s.DisplayIndex], true
}

// AwaitingPlayer reports whether playback is paused for player input.
func (s State) AwaitingPlayer() bool {
	return s.Mode == ModeIntervention || s.Mode == ModeInteraction
}

// Shown is the part of the sequence displayed so far.
func (s State) Shown() []models.NarrativeUnit {
	if s.DisplayIndex < 0 {
		return nil
	}
	return s.Sequence[:min(s.DisplayIndex+1, len(s.Sequence))]
}

func (s State) clone() State {
	s.Sequence = models.CloneUnits(s.Sequence)
	s.InteractionEvents = models.CloneUnits(s.InteractionEvents)
	return s
}

// SceneEnd describes a scene that reached its end.
type SceneEnd struct {
	StoryInstanceID string
	StoryID         string
	SceneID         string
	Reason          string
}

// SceneSource loads scene templates.
type SceneSource interface {
	SceneTemplate(storyID, sceneID string) (models.SceneTemplate, error)
}

type Options struct {
	Scenes    SceneSource
	Turns     *interaction.Machine
	Scheduler Scheduler
	// Delay paces auto-advance between narrative units.
	Delay  time.Duration
	Logger *slog.Logger
	// OnSceneEnd is called when a terminal unit is reached or the sequence
	// runs out.
	OnSceneEnd func(SceneEnd)
	// OnUpdate is called with a copy of the state after every change.
	OnUpdate func(State)
}

type Machine struct {
	scenes     SceneSource
	turns      *interaction.Machine
	sched      Scheduler
	delay      time.Duration
	logger     *slog.Logger
	onSceneEnd func(SceneEnd)
	onUpdate   func(State)

	state   State
	scene   models.SceneTemplate
	pending Timer
	// epoch changes whenever a pending advance is cancelled, so a timer that
	// already fired and is waiting on the owner's lock can tell it is stale.
	epoch uint64
}

func New(opts Options) *Machine {
	if opts.Scheduler == nil {
		opts.Scheduler = TimeScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		scenes:     opts.Scenes,
		turns:      opts.Turns,
		sched:      opts.Scheduler,
		delay:      opts.Delay,
		logger:     opts.Logger,
		onSceneEnd: opts.OnSceneEnd,
		onUpdate:   opts.OnUpdate,
		state:      State{Mode: ModeIdle, DisplayIndex: -1},
	}
}

// State returns a copy of the current session.
func (m *Machine) State() State {
	return m.state.clone()
}

// EnterScene loads a scene and plays its first unit. A missing or empty
// scene fails before any state changes.
func (m *Machine) EnterScene(storyInstanceID, storyID, sceneID string) error {
	scene, err := m.scenes.SceneTemplate(storyID, sceneID)
	if err != nil {
		return fmt.Errorf("enter scene %q: %w", sceneID, err)
	}
	if len(scene.Sequence) == 0 {
		return fmt.Errorf("enter scene %q: %w", sceneID, ErrEmptySequence)
	}

	m.cancelPending()
	m.scene = scene
	m.state = State{
		Active:          true,
		StoryInstanceID: storyInstanceID,
		StoryID:         storyID,
		SceneID:         sceneID,
		Sequence:        models.CloneUnits(scene.Sequence),
		DisplayIndex:    -1,
		Mode:            ModePlaying,
	}
	m.logger.Info("playback: scene entered", "story_instance", storyInstanceID, "scene", sceneID, "units", len(scene.Sequence))
	return m.PlayNext()
}

// PlayNext shows the next unit. It is only valid while Playing.
func (m *Machine) PlayNext() error {
	if !m.state.Active || m.state.Mode != ModePlaying {
		return m.reject("play next")
	}
	m.cancelPending()

	next := m.state.DisplayIndex + 1
	if next >= len(m.state.Sequence) {
		m.logger.Error("playback: sequence exhausted without a terminal unit",
			"story", m.state.StoryID, "scene", m.state.SceneID, "units", len(m.state.Sequence))
		m.endScene(ReasonSequenceExhausted)
		return nil
	}
	m.state.DisplayIndex = next
	unit := m.state.Sequence[next]

	switch unit.Kind {
	case models.UnitInterventionPoint:
		m.state.Mode = ModeIntervention
		m.state.InterventionHint = unit.Hint
		m.state.InteractionEvents = nil
		m.notify()
	case models.UnitInteractionTurn:
		m.state.Mode = ModeInteraction
		m.state.InterventionHint = unit.Hint
		m.state.InteractionEvents = nil
		m.notify()
	default:
		m.notify()
		if unit.IsTerminal {
			m.endScene(ReasonTerminalUnit)
			return nil
		}
		m.schedule()
	}
	return nil
}

// HandlePass discards the decision point and resumes auto-play.
func (m *Machine) HandlePass() error {
	if !m.state.Active || m.state.Mode != ModeIntervention {
		return m.reject("pass")
	}
	m.state.InterventionHint = ""
	m.state.Mode = ModePlaying
	return m.PlayNext()
}

// HandleIntervention submits one dialogue turn for the current decision
// point. The display index stays frozen until the interaction ends, then
// playback resumes from the unit after it.
func (m *Machine) HandleIntervention(ctx context.Context, intent string) (models.TurnResponse, error) {
	if !m.state.Active || (m.state.Mode != ModeIntervention && m.state.Mode != ModeInteraction) {
		return models.TurnResponse{}, m.reject("intervene")
	}
	resp, err := m.turns.SubmitTurn(ctx, m.request(intent))
	if err != nil {
		return models.TurnResponse{}, err
	}
	m.state.Mode = ModeInteraction
	m.state.InterventionHint = ""
	m.absorb(resp)
	return resp, nil
}

// Disengage ends the current interaction early.
func (m *Machine) Disengage() (models.TurnResponse, error) {
	if !m.state.Active || m.state.Mode != ModeInteraction {
		return models.TurnResponse{}, m.reject("disengage")
	}
	resp := m.turns.Disengage(m.request(""))
	m.absorb(resp)
	return resp, nil
}

// Exit tears the session down and cancels any pending advance.
func (m *Machine) Exit() {
	m.cancelPending()
	wasActive := m.state.Active
	m.state = State{Mode: ModeIdle, DisplayIndex: -1}
	m.scene = models.SceneTemplate{}
	if wasActive {
		m.notify()
	}
}

func (m *Machine) request(intent string) interaction.Request {
	unit, _ := m.state.Current()
	return interaction.Request{
		StoryInstanceID: m.state.StoryInstanceID,
		StoryID:         m.state.StoryID,
		Scene:           m.scene,
		Unit:            unit,
		Events:          models.CloneUnits(m.state.InteractionEvents),
		Intent:          intent,
	}
}

// absorb appends a turn's events and hands control back to auto-play when
// the interaction is over.
func (m *Machine) absorb(resp models.TurnResponse) {
	m.state.InteractionEvents = append(m.state.InteractionEvents, models.CloneUnits(resp.NewEvents)...)
	if resp.SceneStatus.IsSceneOver {
		m.state.Mode = ModePlaying
		m.notify()
		m.schedule()
		return
	}
	m.notify()
}

func (m *Machine) endScene(reason string) {
	m.cancelPending()
	m.state.Mode = ModeSceneEnded
	m.state.InterventionHint = ""
	m.notify()
	end := SceneEnd{
		StoryInstanceID: m.state.StoryInstanceID,
		StoryID:         m.state.StoryID,
		SceneID:         m.state.SceneID,
		Reason:          reason,
	}
	m.logger.Info("playback: scene ended", "scene", end.SceneID, "reason", reason)
	if m.onSceneEnd != nil {
		m.onSceneEnd(end)
	}
}

func (m *Machine) schedule() {
	m.cancelPending()
	epoch := m.epoch
	m.pending = m.sched.AfterFunc(m.delay, func() {
		if m.epoch != epoch {
			return
		}
		m.pending = nil
		if err := m.PlayNext(); err != nil && !errors.Is(err, ErrInvalidTransition) {
			m.logger.Error("playback: auto-advance", "error", err)
		}
	})
}

func (m *Machine) cancelPending() {
	m.epoch++
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Machine) reject(action string) error {
	m.logger.Warn("playback: ignoring action", "action", action, "mode", m.state.Mode, "active", m.state.Active)
	return fmt.Errorf("%s in mode %s: %w", action, m.state.Mode, ErrInvalidTransition)
}

func (m *Machine) notify() {
	if m.onUpdate != nil {
		m.onUpdate(m.State())
	}
}
