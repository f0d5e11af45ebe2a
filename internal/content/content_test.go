package content

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
)

func TestDefaultPack(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)

	story, err := store.StoryTemplate("demo-story")
	require.NoError(t, err)
	assert.Equal(t, []string{"tea-house", "night-market"}, story.SceneIDs)
	assert.Equal(t, "CLUE_004", story.EntryClueID)

	scene, err := store.SceneTemplate("demo-story", "tea-house")
	require.NoError(t, err)
	assert.Equal(t, "night-market", scene.Transition.NextSceneID)
	assert.Equal(t, models.UnitInterventionPoint, scene.Sequence[2].Kind)
	assert.Equal(t, "tea-house-001", scene.Sequence[0].ID, "missing unit ids are generated")
	assert.Equal(t, models.ActorSystem, scene.Sequence[0].Actor)

	ferry, err := store.StoryTemplate("night-ferry")
	require.NoError(t, err)
	assert.Equal(t, []string{"upper-deck"}, ferry.SceneIDs, "scene_ids default to scene order")

	clues := store.Clues()
	require.Len(t, clues, 3)
	assert.Equal(t, "CLUE_004", clues[0].ID)
	assert.Equal(t, []string{"demo-story", "night-ferry"}, store.StoryIDs())
}

func TestLookupsReturnCopies(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)

	scene, err := store.SceneTemplate("demo-story", "tea-house")
	require.NoError(t, err)
	scene.Sequence[0].Content = "mutated"

	again, err := store.SceneTemplate("demo-story", "tea-house")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Sequence[0].Content)
}

func TestLookupNotFound(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)

	_, err = store.StoryTemplate("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.SceneTemplate("demo-story", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Clue("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewStoreValidation(t *testing.T) {
	tests := map[string]string{
		"unknown next scene": `
stories:
  - id: s
    scenes:
      - id: a
        transition: {next_scene_id: b}
`,
		"unknown unit kind": `
stories:
  - id: s
    scenes:
      - id: a
        sequence:
          - kind: cutscene
            content: x
`,
		"unknown npc": `
stories:
  - id: s
    scenes:
      - id: a
        npcs: [ghost]
`,
		"clue for unknown story": `
stories:
  - id: s
    scenes: [{id: a}]
clues:
  - id: c
    story_id: other
`,
		"duplicate scene": `
stories:
  - id: s
    scenes: [{id: a}, {id: a}]
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := Parse([]byte(doc))
			require.NoError(t, err)
			_, err = NewStore(p)
			assert.Error(t, err)
		})
	}
}

func TestDuplicateStoryAcrossPacks(t *testing.T) {
	p, err := Parse([]byte("stories:\n  - id: s\n    scenes: [{id: a}]\n"))
	require.NoError(t, err)
	_, err = NewStore(p, p)
	assert.Error(t, err)
}

func TestScriptedDialogue(t *testing.T) {
	store, err := Default()
	require.NoError(t, err)
	scripted := Scripted{Source: store}
	ctx := context.Background()
	scene, err := store.SceneTemplate("demo-story", "tea-house")
	require.NoError(t, err)

	resp, err := scripted.TurnResponse(ctx, interaction.TurnContext{StoryID: "demo-story", Scene: scene, TurnNumber: 2})
	require.NoError(t, err)
	assert.Contains(t, resp.NewEvents[0].Content, "Old Chan")

	resp, err = scripted.TurnResponse(ctx, interaction.TurnContext{StoryID: "demo-story", Scene: scene, TurnNumber: 7})
	require.NoError(t, err)
	assert.Equal(t, "Ah Lam only shrugs.", resp.NewEvents[0].Content, "default used when no exact turn")
}

func TestScriptedDialogueNotFound(t *testing.T) {
	p, err := Parse([]byte(`
stories:
  - id: s
    scenes:
      - id: a
        dialogue:
          turns:
            1:
              new_events: [{kind: interaction_turn, actor: system, content: hi}]
              scene_status: {is_scene_over: false}
      - id: b
`))
	require.NoError(t, err)
	store, err := NewStore(p)
	require.NoError(t, err)
	scripted := Scripted{Source: store}

	_, err = scripted.TurnResponse(context.Background(), interaction.TurnContext{StoryID: "s", Scene: models.SceneTemplate{ID: "a"}, TurnNumber: 2})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = scripted.TurnResponse(context.Background(), interaction.TurnContext{StoryID: "s", Scene: models.SceneTemplate{ID: "b"}, TurnNumber: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func writePack(t *testing.T, dir, storyID string) {
	t.Helper()
	data := []byte(fmtPack(storyID))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pack.yaml"), data, 0o644))
}

func fmtPack(storyID string) string {
	return "stories:\n  - id: " + storyID + "\n    scenes:\n      - id: only\n        sequence:\n          - {kind: narrative, content: end, is_terminal: true}\n        transition: {is_story_terminal: true}\n"
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "alpha")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	store, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, store.StoryIDs())
}

func TestWatchReloadsLibrary(t *testing.T) {
	dir := t.TempDir()
	writePack(t, dir, "alpha")
	store, err := LoadDir(dir)
	require.NoError(t, err)
	lib := NewLibrary(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, dir, lib, slog.New(slog.NewTextHandler(io.Discard, nil))))

	writePack(t, dir, "beta")

	require.Eventually(t, func() bool {
		_, err := lib.StoryTemplate("beta")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
