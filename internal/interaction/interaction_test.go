package interaction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/nearfield/internal/models"
	"github.com/tatianab/nearfield/internal/repository"
)

var errNoLine = errors.New("no line")

// echoProvider answers every turn with one NPC line and an optional delta.
type echoProvider struct {
	calls  []TurnContext
	deltas []models.NPCDelta
	err    error
	extra  []models.NarrativeUnit
}

func (p *echoProvider) TurnResponse(_ context.Context, tc TurnContext) (models.TurnResponse, error) {
	p.calls = append(p.calls, tc)
	if p.err != nil {
		return models.TurnResponse{}, p.err
	}
	events := append([]models.NarrativeUnit{{
		Kind:    models.UnitInteractionTurn,
		Actor:   "vendor",
		Content: "reply to " + tc.Intent,
	}}, p.extra...)
	return models.TurnResponse{NewEvents: events, NPCDeltas: p.deltas}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decisionRequest(maxTurns int) Request {
	return Request{
		StoryInstanceID: "demo-story__CLUE_004",
		StoryID:         "demo-story",
		Scene:           models.SceneTemplate{ID: "arrival", NPCs: []string{"vendor"}},
		Unit: models.NarrativeUnit{
			ID:     "u3",
			Kind:   models.UnitInterventionPoint,
			Hint:   "decide",
			Policy: &models.InteractionPolicy{MaxTurns: maxTurns},
		},
	}
}

// submit plays one turn and appends its events to req, as playback does.
func submit(t *testing.T, m *Machine, req *Request, intent string) models.TurnResponse {
	t.Helper()
	req.Intent = intent
	resp, err := m.SubmitTurn(context.Background(), *req)
	require.NoError(t, err)
	req.Events = append(req.Events, resp.NewEvents...)
	return resp
}

func TestCurrentTurnIsDerivedFromLog(t *testing.T) {
	assert.Equal(t, 1, CurrentTurn(nil))

	m := New(&echoProvider{}, nil, quietLogger())
	req := decisionRequest(5)
	for n := 1; n <= 4; n++ {
		submit(t, m, &req, "x")
		// Reading the turn repeatedly never changes it.
		assert.Equal(t, n+1, CurrentTurn(req.Events))
		assert.Equal(t, n+1, CurrentTurn(req.Events))
	}
}

func TestProviderSeesTurnNumbers(t *testing.T) {
	p := &echoProvider{}
	m := New(p, nil, quietLogger())
	req := decisionRequest(3)

	submit(t, m, &req, "a")
	submit(t, m, &req, "b")

	require.Len(t, p.calls, 2)
	assert.Equal(t, 1, p.calls[0].TurnNumber)
	assert.Equal(t, 2, p.calls[1].TurnNumber)
	assert.Equal(t, 3, p.calls[1].MaxTurns)
	assert.Len(t, p.calls[1].History, 2)
}

func TestForcedConvergence(t *testing.T) {
	for _, maxTurns := range []int{1, 2, 3, 5} {
		m := New(&echoProvider{}, nil, quietLogger())
		req := decisionRequest(maxTurns)

		var last models.TurnResponse
		for i := 1; i <= maxTurns; i++ {
			last = submit(t, m, &req, "anything at all")
			if i < maxTurns {
				assert.False(t, last.SceneStatus.IsSceneOver, "turn %d of %d", i, maxTurns)
			}
		}
		assert.True(t, last.SceneStatus.IsSceneOver, "max turns %d", maxTurns)
	}
}

func TestThirdTurnConvergesWithPlayerEventAndNarrative(t *testing.T) {
	m := New(&echoProvider{}, nil, quietLogger())
	req := decisionRequest(3)

	submit(t, m, &req, "a")
	submit(t, m, &req, "b")
	resp := submit(t, m, &req, "c")

	require.NotEmpty(t, resp.NewEvents)
	assert.Equal(t, models.ActorPlayer, resp.NewEvents[0].Actor)
	assert.Equal(t, "c", resp.NewEvents[0].Content)
	last := resp.NewEvents[len(resp.NewEvents)-1]
	assert.Equal(t, models.UnitNarrative, last.Kind)
	assert.True(t, resp.SceneStatus.IsSceneOver)
	for _, e := range resp.NewEvents {
		assert.NotEmpty(t, e.ID)
	}
}

func TestSceneConvergenceUnitsAreUsed(t *testing.T) {
	m := New(&echoProvider{}, nil, quietLogger())
	req := decisionRequest(1)
	req.Scene.Dialogue = &models.DialogueScript{Convergence: []models.NarrativeUnit{{Content: "It ends here."}}}

	resp := submit(t, m, &req, "a")

	last := resp.NewEvents[len(resp.NewEvents)-1]
	assert.Equal(t, "It ends here.", last.Content)
	assert.Equal(t, models.UnitNarrative, last.Kind)
	assert.Equal(t, models.ActorSystem, last.Actor)
}

func TestMaxTurnsResolution(t *testing.T) {
	req := decisionRequest(0)
	assert.Equal(t, DefaultMaxTurns, req.MaxTurns())
	req.Scene.MaxTurns = 4
	assert.Equal(t, 4, req.MaxTurns())
	req.Unit.Policy.MaxTurns = 2
	assert.Equal(t, 2, req.MaxTurns())
}

func TestSubmitAfterConvergenceFails(t *testing.T) {
	m := New(&echoProvider{}, nil, quietLogger())
	req := decisionRequest(1)
	submit(t, m, &req, "a")

	req.Intent = "again"
	_, err := m.SubmitTurn(context.Background(), req)
	assert.ErrorIs(t, err, ErrInteractionClosed)
}

func TestProviderPlayerEventsAreReplaced(t *testing.T) {
	p := &echoProvider{extra: []models.NarrativeUnit{{Actor: models.ActorPlayer, Content: "ghost line"}}}
	m := New(p, nil, quietLogger())
	req := decisionRequest(3)

	resp := submit(t, m, &req, "real line")

	var players []string
	for _, e := range resp.NewEvents {
		if e.Actor == models.ActorPlayer {
			players = append(players, e.Content)
		}
	}
	assert.Equal(t, []string{"real line"}, players)
	assert.Equal(t, 2, CurrentTurn(req.Events))
}

func TestProviderErrorPropagates(t *testing.T) {
	m := New(&echoProvider{err: errNoLine}, nil, quietLogger())
	req := decisionRequest(3)
	req.Intent = "a"

	_, err := m.SubmitTurn(context.Background(), req)
	assert.ErrorIs(t, err, errNoLine)
}

func TestDeltasAreAppliedToTheStoryInstanceNPC(t *testing.T) {
	repo := repository.New(repository.WithLogger(quietLogger()))
	tmpl := models.StoryTemplate{
		ID:       "demo-story",
		SceneIDs: []string{"arrival"},
		Scenes:   []models.SceneTemplate{{ID: "arrival", NPCs: []string{"vendor"}}},
		NPCs:     []models.NPCTemplate{{ID: "vendor", InitialState: models.NPCState{Mood: "calm"}}},
	}
	a, err := repo.CreateStoryInstance("p1", "CLUE_004", tmpl)
	require.NoError(t, err)
	b, err := repo.CreateStoryInstance("p1", "CLUE_007", tmpl)
	require.NoError(t, err)
	_, err = repo.CreateNPCInstance(a, tmpl.NPCs[0])
	require.NoError(t, err)
	_, err = repo.CreateNPCInstance(b, tmpl.NPCs[0])
	require.NoError(t, err)

	p := &echoProvider{deltas: []models.NPCDelta{
		{NPCID: "vendor", Alertness: 2, Mood: "tense"},
		{NPCID: "missing", Trust: 1},
	}}
	m := New(p, repo, quietLogger())
	req := decisionRequest(3)
	req.StoryInstanceID = a

	submit(t, m, &req, "who took it?")

	npcA, err := repo.GetNPCInstance(models.NPCInstanceID(a, "vendor"))
	require.NoError(t, err)
	npcB, err := repo.GetNPCInstance(models.NPCInstanceID(b, "vendor"))
	require.NoError(t, err)
	assert.Equal(t, 2, npcA.State.Alertness)
	assert.Equal(t, "tense", npcA.State.Mood)
	assert.Equal(t, 1, npcA.Summary.TotalInteractions)
	assert.Equal(t, 0, npcB.State.Alertness)
	assert.Equal(t, "calm", npcB.State.Mood)

	require.Len(t, p.calls, 1)
	require.Len(t, p.calls[0].NPCs, 1, "provider sees the scene's NPC instances")

	records := repo.ListGeneratedContent(a)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].TurnNumber)
	assert.Equal(t, "u3", records[0].UnitID)
}

func TestDisengage(t *testing.T) {
	p := &echoProvider{}
	m := New(p, nil, quietLogger())
	req := decisionRequest(3)
	submit(t, m, &req, "a")

	resp := m.Disengage(req)

	assert.True(t, resp.SceneStatus.IsSceneOver)
	assert.Equal(t, "disengaged", resp.SceneStatus.Outcome)
	require.NotEmpty(t, resp.NewEvents)
	assert.Equal(t, models.UnitNarrative, resp.NewEvents[0].Kind)
	assert.Len(t, p.calls, 1, "disengage does not consult the provider")
}

func TestFallback(t *testing.T) {
	primary := &echoProvider{err: errNoLine}
	secondary := &echoProvider{}
	m := New(Fallback(primary, secondary, quietLogger()), nil, quietLogger())
	req := decisionRequest(3)

	resp := submit(t, m, &req, "a")

	assert.Len(t, primary.calls, 1)
	assert.Len(t, secondary.calls, 1)
	assert.Equal(t, "reply to a", resp.NewEvents[1].Content)
}
