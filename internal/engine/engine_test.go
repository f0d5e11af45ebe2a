package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
)

func teaHouseTurn() interaction.TurnContext {
	return interaction.TurnContext{
		StoryID: "demo-story",
		Scene: models.SceneTemplate{
			ID: "tea-house", Title: "The Tea House", Location: "Wing Lok Street",
			NPCs: []string{"ah-lam"},
		},
		Unit: models.NarrativeUnit{
			Content: "Ah Lam's eyes flick to the empty corner table.",
			Policy:  &models.InteractionPolicy{MaxTurns: 3, Goal: "learn what happened to the ledger", Constraints: []string{"never name the buyer"}},
		},
		TurnNumber: 3,
		MaxTurns:   3,
		Intent:     "Where is the ledger?",
		History: []models.NarrativeUnit{
			{Actor: models.ActorPlayer, Content: "That table?"},
			{Actor: "ah-lam", Content: "Bad feng shui."},
		},
		NPCs: []models.NPCInstance{{
			TemplateID: "ah-lam",
			Profile:    models.NPCProfile{Name: "Ah Lam", Role: "owner", Traits: []string{"guarded", "proud"}},
			State:      models.NPCState{Mood: "wary", Alertness: 2},
		}},
	}
}

func TestRenderTurnPrompt(t *testing.T) {
	prompt, err := renderTurnPrompt(teaHouseTurn())
	require.NoError(t, err)

	assert.Contains(t, prompt, "The Tea House (Wing Lok Street)")
	assert.Contains(t, prompt, "Goal of this exchange: learn what happened to the ledger")
	assert.Contains(t, prompt, "Constraint: never name the buyer")
	assert.Contains(t, prompt, "traits: guarded, proud")
	assert.Contains(t, prompt, "[player] That table?")
	assert.Contains(t, prompt, "This is turn 3 of at most 3. It is the last turn")
	assert.Contains(t, prompt, "The player says or does: Where is the ledger?")
}

func TestRenderTurnPromptWithoutPolicyOrNPCs(t *testing.T) {
	tc := teaHouseTurn()
	tc.Unit.Policy = nil
	tc.NPCs = nil
	tc.History = nil
	tc.TurnNumber = 1

	prompt, err := renderTurnPrompt(tc)
	require.NoError(t, err)
	assert.NotContains(t, prompt, "Goal of this exchange")
	assert.Contains(t, prompt, "(nobody but the narrator)")
	assert.Contains(t, prompt, "(nothing yet)")
	assert.NotContains(t, prompt, "last turn")
}

func TestParseTurnResponse(t *testing.T) {
	text := "```yaml\n" + `new_events:
  - kind: narrative
    actor: ah-lam
    content: Ask Mei at the night market.
    is_terminal: true
  - content: "  "
  - content: The rain stops.
npc_deltas:
  - npc_id: ah-lam
    trust: 1
    revealed_secret: the ledger was sold
  - npc_id: stranger
    trust: 5
scene_status:
  is_scene_over: true
  outcome: pointed onward
` + "```"

	resp, err := parseTurnResponse(text, teaHouseTurn())
	require.NoError(t, err)

	require.Len(t, resp.NewEvents, 2)
	assert.Equal(t, models.NarrativeUnit{Kind: models.UnitInteractionTurn, Actor: "ah-lam", Content: "Ask Mei at the night market."}, resp.NewEvents[0])
	assert.Equal(t, models.ActorSystem, resp.NewEvents[1].Actor)
	require.Len(t, resp.NPCDeltas, 1)
	assert.Equal(t, "ah-lam", resp.NPCDeltas[0].NPCID)
	assert.True(t, resp.SceneStatus.IsSceneOver)
	assert.Equal(t, "pointed onward", resp.SceneStatus.Outcome)
}

func TestParseTurnResponseErrors(t *testing.T) {
	_, err := parseTurnResponse("new_events: [", teaHouseTurn())
	assert.Error(t, err)

	_, err = parseTurnResponse("new_events: []\n", teaHouseTurn())
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
