// Package orchestrator owns the single playback session. It is the player
// action surface: it enters and exits stories, forwards player input to the
// playback machine, and reacts when a scene ends by moving to the next scene
// or completing the story.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tatianab/nearfield/internal/content"
	"github.com/tatianab/nearfield/internal/events"
	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
	"github.com/tatianab/nearfield/internal/playback"
	"github.com/tatianab/nearfield/internal/repository"
	"github.com/tatianab/nearfield/internal/tracker"
)

var (
	// ErrNotTracked is returned by EnterStory for a clue without a story.
	ErrNotTracked = tracker.ErrNotTracked
	// ErrStoryCompleted is returned by EnterStory for a finished story.
	ErrStoryCompleted = errors.New("orchestrator: story already completed")
)

// Phase is the session-level state.
type Phase string

const (
	PhaseIdle    Phase = "idle"    // nothing tracked
	PhaseReady   Phase = "ready"   // something tracked, nothing playing
	PhasePlaying Phase = "playing" // one story instance active
)

// Default pacing.
const (
	DefaultUnitDelay  = 1200 * time.Millisecond
	DefaultGraceDelay = 2 * time.Second
)

type Options struct {
	PlayerID   string
	Repo       *repository.Repository
	Content    content.Provider
	Tracker    *tracker.Tracker
	Turns      *interaction.Machine
	Bus        *events.Bus
	Scheduler  playback.Scheduler
	UnitDelay  time.Duration
	GraceDelay time.Duration
	Logger     *slog.Logger
}

type Orchestrator struct {
	mu sync.Mutex

	player   string
	repo     *repository.Repository
	content  content.Provider
	tracker  *tracker.Tracker
	bus      *events.Bus
	sched    playback.Scheduler
	grace    time.Duration
	logger   *slog.Logger
	playback *playback.Machine

	phase   Phase
	active  string // story instance id
	clueID  string
	storyID string
	pending playback.Timer
	epoch   uint64
}

// lockedScheduler runs scheduled calls under the orchestrator lock, which is
// what serializes the playback machine.
type lockedScheduler struct {
	o     *Orchestrator
	inner playback.Scheduler
}

func (s lockedScheduler) AfterFunc(d time.Duration, f func()) playback.Timer {
	return s.inner.AfterFunc(d, func() {
		s.o.mu.Lock()
		defer s.o.mu.Unlock()
		f()
	})
}

// New builds the orchestrator. Any story left marked active by a previous
// process is deactivated, since playback sessions do not survive restarts.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = playback.TimeScheduler{}
	}
	if opts.UnitDelay == 0 {
		opts.UnitDelay = DefaultUnitDelay
	}
	if opts.GraceDelay == 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	o := &Orchestrator{
		player:  opts.PlayerID,
		repo:    opts.Repo,
		content: opts.Content,
		tracker: opts.Tracker,
		bus:     opts.Bus,
		grace:   opts.GraceDelay,
		logger:  opts.Logger,
	}
	o.sched = lockedScheduler{o: o, inner: opts.Scheduler}
	o.playback = playback.New(playback.Options{
		Scenes:     opts.Content,
		Turns:      opts.Turns,
		Scheduler:  o.sched,
		Delay:      opts.UnitDelay,
		Logger:     opts.Logger,
		OnSceneEnd: o.onSceneEnd,
		OnUpdate: func(s playback.State) {
			if s.Mode == playback.ModeIntervention {
				unit, _ := s.Current()
				o.sceneEvent(s.SceneID, "intervention", unit.ID, unit.Hint)
			}
			o.bus.Publish(events.PlaybackUpdated{State: s})
		},
	})

	err := o.repo.Update(func(tx *repository.Tx) error {
		for _, s := range tx.StoryInstances(o.player) {
			s.Active = false
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("orchestrator: clearing stale active stories", "error", err)
	}
	o.phase = o.restingPhase()
	return o
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Playback returns a copy of the current playback session.
func (o *Orchestrator) Playback() playback.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playback.State()
}

// Active returns the active story instance and its clue, or empty strings.
func (o *Orchestrator) Active() (storyInstanceID, clueID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active, o.clueID
}

// TrackClue links a clue to its story instance, creating it on first track.
func (o *Orchestrator) TrackClue(clueID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, err := o.tracker.TrackClue(o.player, clueID)
	if err != nil {
		return "", err
	}
	if o.phase == PhaseIdle {
		o.phase = PhaseReady
	}
	o.bus.Publish(events.ClueTracked{ClueID: clueID, StoryInstanceID: id})
	return id, nil
}

// EnterStory starts or resumes the story linked to clueID. Any other story
// playing is exited first.
func (o *Orchestrator) EnterStory(clueID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, err := o.tracker.StoryInstanceID(o.player, clueID)
	if err != nil {
		return err
	}
	inst, err := o.repo.GetStoryInstance(id)
	if err != nil {
		return err
	}
	if inst.Status == models.StoryCompleted {
		return fmt.Errorf("enter %q: %w", id, ErrStoryCompleted)
	}
	tmpl, err := o.content.StoryTemplate(inst.TemplateID)
	if err != nil {
		return fmt.Errorf("enter %q: %w", id, err)
	}
	sceneID := inst.CurrentSceneID
	if sceneID == "" {
		sceneID = tmpl.FirstSceneID()
	}

	if o.phase == PhasePlaying {
		o.exitLocked(events.EndExited)
	}

	err = o.repo.Update(func(tx *repository.Tx) error {
		for _, s := range tx.StoryInstances(o.player) {
			s.Active = s.ID == id
		}
		s, err := tx.StoryInstance(id)
		if err != nil {
			return err
		}
		now := tx.Now()
		if s.Status == models.StoryNotStarted {
			s.Status = models.StoryInProgress
		}
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.CurrentSceneID = sceneID
		s.Touch(now)
		return nil
	})
	if err != nil {
		return err
	}

	o.active, o.clueID, o.storyID = id, clueID, tmpl.ID
	o.phase = PhasePlaying
	o.logger.Info("orchestrator: story entered", "story_instance", id, "scene", sceneID)

	if err := o.enterSceneLocked(sceneID); err != nil {
		o.exitLocked(events.EndError)
		return err
	}
	return nil
}

// ExitStory tears down the playback session. Calling it with nothing
// playing is ignored.
func (o *Orchestrator) ExitStory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhasePlaying {
		o.logger.Warn("orchestrator: exit with no story playing")
		return
	}
	o.exitLocked(events.EndExited)
}

// HandlePass lets the current decision point go by. Actions the session
// cannot take right now are logged and ignored.
func (o *Orchestrator) HandlePass() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.playingLocked("pass") {
		return nil
	}
	// Logged first: passing the last unit can end the scene.
	if st := o.playback.State(); st.Mode == playback.ModeIntervention {
		unit, _ := st.Current()
		o.sceneEvent(st.SceneID, "pass", unit.ID, "")
	}
	return absorb(o.playback.HandlePass())
}

// HandleIntervention submits the player's text as one dialogue turn.
func (o *Orchestrator) HandleIntervention(ctx context.Context, intent string) (models.TurnResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.playingLocked("intervene") {
		return models.TurnResponse{}, nil
	}
	st := o.playback.State()
	unit, _ := st.Current()
	resp, err := o.playback.HandleIntervention(ctx, intent)
	if err != nil {
		return models.TurnResponse{}, absorb(err)
	}
	o.sceneEvent(st.SceneID, "turn", unit.ID, intent)
	return resp, nil
}

// Disengage ends the current dialogue before its turn limit.
func (o *Orchestrator) Disengage() (models.TurnResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.playingLocked("disengage") {
		return models.TurnResponse{}, nil
	}
	st := o.playback.State()
	unit, _ := st.Current()
	resp, err := o.playback.Disengage()
	if err != nil {
		return models.TurnResponse{}, absorb(err)
	}
	o.sceneEvent(st.SceneID, "disengage", unit.ID, "")
	return resp, nil
}

func absorb(err error) error {
	if errors.Is(err, playback.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (o *Orchestrator) playingLocked(action string) bool {
	if o.phase == PhasePlaying {
		return true
	}
	o.logger.Warn("orchestrator: ignoring action with no story playing", "action", action, "phase", o.phase)
	return false
}

// enterSceneLocked creates the scene's instances on first entry and starts
// playback.
func (o *Orchestrator) enterSceneLocked(sceneID string) error {
	story, err := o.content.StoryTemplate(o.storyID)
	if err != nil {
		return err
	}
	scene, ok := story.Scene(sceneID)
	if !ok {
		return fmt.Errorf("scene %q of story %q: %w", sceneID, o.storyID, content.ErrNotFound)
	}

	sceneInstanceID, err := o.repo.CreateSceneInstance(o.active, scene)
	if err != nil {
		return err
	}
	for _, npcID := range scene.NPCs {
		npc, ok := story.NPC(npcID)
		if !ok {
			o.logger.Warn("orchestrator: scene lists unknown npc", "scene", sceneID, "npc", npcID)
			continue
		}
		if _, err := o.repo.CreateNPCInstance(o.active, npc); err != nil {
			return err
		}
	}
	err = o.repo.UpdateSceneInstance(sceneInstanceID, func(s *models.SceneInstance) {
		now := time.Now()
		if s.EnteredAt == nil {
			s.EnteredAt = &now
		}
		if s.Status != models.SceneCompleted {
			s.Status = models.SceneInProgress
		}
		s.AppendEvent("entered", "", "", now)
	})
	if err != nil {
		return err
	}
	err = o.repo.UpdateStoryInstance(o.active, func(s *models.StoryInstance) {
		s.CurrentSceneID = sceneID
	})
	if err != nil {
		return err
	}
	return o.playback.EnterScene(o.active, o.storyID, sceneID)
}

// onSceneEnd runs under the lock, from whichever call drove playback to the
// end of the scene.
func (o *Orchestrator) onSceneEnd(end playback.SceneEnd) {
	if o.phase != PhasePlaying || end.StoryInstanceID != o.active {
		return
	}
	scene, err := o.content.SceneTemplate(o.storyID, end.SceneID)
	if err != nil {
		o.logger.Error("orchestrator: ended scene has no template", "scene", end.SceneID, "error", err)
		o.afterGrace(func() { o.exitLocked(events.EndError) })
		return
	}
	o.completeSceneInstance(end.SceneID, end.Reason)

	tr := scene.Transition
	switch {
	case tr.IsStoryTerminal:
		if err := o.tracker.MarkStoryCompleted(o.player, o.clueID, tr.CompletionClueID); err != nil {
			o.logger.Error("orchestrator: mark story completed", "clue", o.clueID, "error", err)
		}
		story, _ := o.content.StoryTemplate(o.storyID)
		o.bus.Publish(events.StoryCompletionNotification{
			StoryInstanceID:  o.active,
			ClueID:           o.clueID,
			StoryID:          o.storyID,
			Title:            story.Metadata.Title,
			CompletionClueID: tr.CompletionClueID,
		})
		o.afterGrace(func() { o.exitLocked(events.EndCompleted) })

	case tr.NextSceneID != "":
		if err := o.tracker.MarkSceneCompleted(o.player, o.clueID, end.SceneID); err != nil {
			o.logger.Error("orchestrator: mark scene completed", "scene", end.SceneID, "error", err)
		}
		next := tr.NextSceneID
		if err := o.repo.UpdateStoryInstance(o.active, func(s *models.StoryInstance) { s.CurrentSceneID = next }); err != nil {
			o.logger.Error("orchestrator: set current scene", "scene", next, "error", err)
		}
		o.bus.Publish(events.SceneTransition{
			StoryInstanceID: o.active,
			ClueID:          o.clueID,
			FromSceneID:     end.SceneID,
			ToSceneID:       next,
		})
		o.afterGrace(func() {
			if err := o.enterSceneLocked(next); err != nil {
				o.logger.Error("orchestrator: enter next scene", "scene", next, "error", err)
				o.exitLocked(events.EndError)
			}
		})

	default:
		o.logger.Error("orchestrator: scene has neither a next scene nor a story ending",
			"story", o.storyID, "scene", end.SceneID)
		if err := o.tracker.MarkSceneCompleted(o.player, o.clueID, end.SceneID); err != nil {
			o.logger.Error("orchestrator: mark scene completed", "scene", end.SceneID, "error", err)
		}
		o.afterGrace(func() { o.exitLocked(events.EndContentGap) })
	}
}

func (o *Orchestrator) completeSceneInstance(sceneID, reason string) {
	err := o.repo.UpdateSceneInstance(models.SceneInstanceID(o.active, sceneID), func(s *models.SceneInstance) {
		now := time.Now()
		s.Status = models.SceneCompleted
		if s.CompletedAt == nil {
			s.CompletedAt = &now
		}
		s.AppendEvent("completed", "", reason, now)
	})
	if err != nil {
		o.logger.Warn("orchestrator: complete scene instance", "scene", sceneID, "error", err)
	}
}

func (o *Orchestrator) sceneEvent(sceneID, kind, unitID, detail string) {
	err := o.repo.UpdateSceneInstance(models.SceneInstanceID(o.active, sceneID), func(s *models.SceneInstance) {
		s.AppendEvent(kind, unitID, detail, time.Now())
	})
	if err != nil {
		o.logger.Warn("orchestrator: scene event", "scene", sceneID, "kind", kind, "error", err)
	}
}

// afterGrace runs f after the grace delay unless the session changes first.
func (o *Orchestrator) afterGrace(f func()) {
	o.cancelGrace()
	epoch := o.epoch
	o.pending = o.sched.AfterFunc(o.grace, func() {
		if o.epoch != epoch {
			return
		}
		o.pending = nil
		f()
	})
}

func (o *Orchestrator) cancelGrace() {
	o.epoch++
	if o.pending != nil {
		o.pending.Stop()
		o.pending = nil
	}
}

func (o *Orchestrator) exitLocked(reason string) {
	if o.phase != PhasePlaying {
		return
	}
	o.cancelGrace()
	o.playback.Exit()

	id, clueID := o.active, o.clueID
	err := o.repo.UpdateStoryInstance(id, func(s *models.StoryInstance) {
		s.Active = false
		s.Touch(time.Now())
	})
	if err != nil {
		o.logger.Warn("orchestrator: deactivate story", "story_instance", id, "error", err)
	}
	o.active, o.clueID, o.storyID = "", "", ""
	o.phase = o.restingPhase()
	o.logger.Info("orchestrator: story exited", "story_instance", id, "reason", reason)
	o.bus.Publish(events.StoryEnded{StoryInstanceID: id, ClueID: clueID, Reason: reason})
}

func (o *Orchestrator) restingPhase() Phase {
	if o.tracker.HasTrackedStories(o.player) {
		return PhaseReady
	}
	return PhaseIdle
}
