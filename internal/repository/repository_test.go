package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/nearfield/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func demoTemplate() models.StoryTemplate {
	return models.StoryTemplate{
		ID:          "demo-story",
		Metadata:    models.StoryMetadata{Title: "Demo", Tags: []string{"noir"}},
		SceneIDs:    []string{"arrival", "market"},
		EntryClueID: "CLUE_004",
		Scenes: []models.SceneTemplate{
			{ID: "arrival", Title: "Arrival", NPCs: []string{"vendor"}},
			{ID: "market", Title: "Market"},
		},
		NPCs: []models.NPCTemplate{{
			ID:           "vendor",
			Profile:      models.NPCProfile{Name: "Ah Lam", Traits: []string{"guarded"}},
			InitialState: models.NPCState{Relationship: 0, Mood: "neutral", Alertness: 1, Trust: 0},
		}},
	}
}

func newRepo(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	return New(append([]Option{WithLogger(discardLogger())}, opts...)...)
}

func TestCreateStoryInstanceDeterministicID(t *testing.T) {
	repo := newRepo(t)

	id, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	assert.Equal(t, "demo-story__CLUE_004", id)

	inst, err := repo.GetStoryInstance(id)
	require.NoError(t, err)
	assert.Equal(t, models.StoryNotStarted, inst.Status)
	assert.Equal(t, 0, inst.Progress)
	assert.Empty(t, inst.CompletedScenes)
	require.Len(t, inst.SceneSequence, 2)
	assert.Equal(t, "Arrival", inst.SceneSequence[0].Title)
	assert.Equal(t, models.SceneLocked, inst.SceneSequence[0].Status)
}

func TestCreateStoryInstanceIdempotent(t *testing.T) {
	store := &MemoryStore{}
	repo := newRepo(t, WithStore(store, false))

	id, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStoryInstance(id, func(s *models.StoryInstance) {
		s.Status = models.StoryInProgress
	}))
	saves := store.Saves()

	again, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, saves, store.Saves(), "idempotent create must not write")

	inst, err := repo.GetStoryInstance(id)
	require.NoError(t, err)
	assert.Equal(t, models.StoryInProgress, inst.Status)
}

func TestTemplateMutationDoesNotLeakIntoInstance(t *testing.T) {
	repo := newRepo(t)
	tmpl := demoTemplate()

	id, err := repo.CreateStoryInstance("p1", "CLUE_004", tmpl)
	require.NoError(t, err)
	tmpl.Metadata.Tags[0] = "changed"

	inst, err := repo.GetStoryInstance(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"noir"}, inst.Metadata.Tags)
}

func TestGetReturnsDeepCopies(t *testing.T) {
	repo := newRepo(t)
	storyID, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	tmpl := demoTemplate()
	sceneID, err := repo.CreateSceneInstance(storyID, tmpl.Scenes[0])
	require.NoError(t, err)
	npcID, err := repo.CreateNPCInstance(storyID, tmpl.NPCs[0])
	require.NoError(t, err)

	story, err := repo.GetStoryInstance(storyID)
	require.NoError(t, err)
	story.CompletedScenes = append(story.CompletedScenes, "arrival")
	story.SceneSequence[0].Status = models.SceneUnlocked
	story.Metadata.Tags[0] = "mutated"
	story.Progress = 99

	scene, err := repo.GetSceneInstance(sceneID)
	require.NoError(t, err)
	scene.NPCInstanceIDs[0] = "mutated"
	scene.Status = models.SceneCompleted

	npc, err := repo.GetNPCInstance(npcID)
	require.NoError(t, err)
	npc.Profile.Traits[0] = "mutated"
	npc.State.Relationship = 50

	story2, err := repo.GetStoryInstance(storyID)
	require.NoError(t, err)
	assert.Empty(t, story2.CompletedScenes)
	assert.Equal(t, models.SceneLocked, story2.SceneSequence[0].Status)
	assert.Equal(t, "noir", story2.Metadata.Tags[0])
	assert.Equal(t, 0, story2.Progress)

	scene2, err := repo.GetSceneInstance(sceneID)
	require.NoError(t, err)
	assert.Equal(t, "demo-story__CLUE_004__vendor", scene2.NPCInstanceIDs[0])
	assert.Equal(t, models.SceneNotEntered, scene2.Status)

	npc2, err := repo.GetNPCInstance(npcID)
	require.NoError(t, err)
	assert.Equal(t, "guarded", npc2.Profile.Traits[0])
	assert.Equal(t, 0, npc2.State.Relationship)
}

func TestInstancesOfSameTemplateAreIndependent(t *testing.T) {
	repo := newRepo(t)
	tmpl := demoTemplate()

	a, err := repo.CreateStoryInstance("p1", "CLUE_004", tmpl)
	require.NoError(t, err)
	b, err := repo.CreateStoryInstance("p1", "CLUE_009", tmpl)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	npcA, err := repo.CreateNPCInstance(a, tmpl.NPCs[0])
	require.NoError(t, err)
	npcB, err := repo.CreateNPCInstance(b, tmpl.NPCs[0])
	require.NoError(t, err)
	require.NotEqual(t, npcA, npcB)

	require.NoError(t, repo.UpdateStoryInstance(a, func(s *models.StoryInstance) {
		s.CompleteScene("arrival")
		s.Metadata.Tags[0] = "changed"
	}))
	require.NoError(t, repo.UpdateNPCInstance(npcA, func(n *models.NPCInstance) {
		n.Apply(models.NPCDelta{Relationship: 5, RevealedSecret: "ledger"}, time.Now())
	}))

	instA, err := repo.GetStoryInstance(a)
	require.NoError(t, err)
	instB, err := repo.GetStoryInstance(b)
	require.NoError(t, err)
	assert.Equal(t, 50, instA.Progress)
	assert.Equal(t, 0, instB.Progress)
	assert.Equal(t, "noir", instB.Metadata.Tags[0])

	gotA, err := repo.GetNPCInstance(npcA)
	require.NoError(t, err)
	gotB, err := repo.GetNPCInstance(npcB)
	require.NoError(t, err)
	assert.Equal(t, 5, gotA.State.Relationship)
	assert.Equal(t, 0, gotB.State.Relationship)
	assert.Empty(t, gotB.Summary.RevealedSecrets)
}

func TestUpdateMissingInstance(t *testing.T) {
	repo := newRepo(t)

	err := repo.UpdateStoryInstance("nope", func(*models.StoryInstance) {})
	assert.ErrorIs(t, err, ErrNotFound)
	err = repo.UpdateSceneInstance("nope", func(*models.SceneInstance) {})
	assert.ErrorIs(t, err, ErrNotFound)
	err = repo.UpdateNPCInstance("nope", func(*models.NPCInstance) {})
	assert.ErrorIs(t, err, ErrNotFound)
	err = repo.UpdateClueRecord("p1", "nope", func(*models.ClueRecord) {})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.CreateSceneInstance("nope", models.SceneTemplate{ID: "s"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	require.NoError(t, repo.UpsertClueRecord(models.ClueRecord{PlayerID: "p1", ClueID: "CLUE_004", Status: models.ClueTracking}))

	boom := errors.New("boom")
	err = repo.Update(func(tx *Tx) error {
		s, err := tx.StoryInstance(id)
		if err != nil {
			return err
		}
		s.Status = models.StoryCompleted
		c, err := tx.ClueRecord("p1", "CLUE_004")
		if err != nil {
			return err
		}
		c.Status = models.ClueCompleted
		return boom
	})
	require.ErrorIs(t, err, boom)

	inst, err := repo.GetStoryInstance(id)
	require.NoError(t, err)
	assert.Equal(t, models.StoryNotStarted, inst.Status)
	clue, err := repo.GetClueRecord("p1", "CLUE_004")
	require.NoError(t, err)
	assert.Equal(t, models.ClueTracking, clue.Status)
}

func TestClueRecords(t *testing.T) {
	repo := newRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertClueRecord(models.ClueRecord{PlayerID: "p1", ClueID: "B", ReceivedAt: base.Add(time.Minute)}))
	require.NoError(t, repo.UpsertClueRecord(models.ClueRecord{PlayerID: "p1", ClueID: "A", ReceivedAt: base}))
	require.NoError(t, repo.UpsertClueRecord(models.ClueRecord{PlayerID: "p2", ClueID: "A", ReceivedAt: base}))
	assert.Error(t, repo.UpsertClueRecord(models.ClueRecord{ClueID: "A"}))

	list := repo.ListClueRecords("p1")
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].ClueID)
	assert.Equal(t, "B", list[1].ClueID)

	require.NoError(t, repo.UpdateClueRecord("p1", "A", func(c *models.ClueRecord) {
		c.Status = models.ClueRead
	}))
	got, err := repo.GetClueRecord("p1", "A")
	require.NoError(t, err)
	assert.Equal(t, models.ClueRead, got.Status)
	other, err := repo.GetClueRecord("p2", "A")
	require.NoError(t, err)
	assert.Empty(t, other.Status)
}

func TestGeneratedContent(t *testing.T) {
	repo := newRepo(t)

	id, err := repo.RecordGeneratedContent(models.GeneratedContent{
		StoryInstanceID: "s1",
		TurnNumber:      1,
		Response:        models.TurnResponse{NewEvents: []models.NarrativeUnit{{Content: "hi"}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list := repo.ListGeneratedContent("s1")
	require.Len(t, list, 1)
	list[0].Response.NewEvents[0].Content = "mutated"
	assert.Equal(t, "hi", repo.ListGeneratedContent("s1")[0].Response.NewEvents[0].Content)
}

func populate(t *testing.T, repo *Repository) string {
	t.Helper()
	tmpl := demoTemplate()
	id, err := repo.CreateStoryInstance("p1", "CLUE_004", tmpl)
	require.NoError(t, err)
	_, err = repo.CreateSceneInstance(id, tmpl.Scenes[0])
	require.NoError(t, err)
	_, err = repo.CreateNPCInstance(id, tmpl.NPCs[0])
	require.NoError(t, err)
	require.NoError(t, repo.UpsertClueRecord(models.ClueRecord{PlayerID: "p1", ClueID: "CLUE_004", StoryInstanceID: id, Status: models.ClueTracking}))
	require.NoError(t, repo.UpdateStoryInstance(id, func(s *models.StoryInstance) { s.CompleteScene("arrival") }))
	return id
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sqliteStore, err := OpenSQLite(filepath.Join(dir, "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	stores := map[string]struct {
		store    SnapshotStore
		compress bool
	}{
		"memory":          {&MemoryStore{}, false},
		"file":            {NewFileStore(dir, "plain"), false},
		"file compressed": {NewFileStore(dir, "zst"), true},
		"sqlite":          {sqliteStore, true},
	}

	for name, tc := range stores {
		t.Run(name, func(t *testing.T) {
			repo := newRepo(t, WithStore(tc.store, tc.compress))
			id := populate(t, repo)

			restored := newRepo(t, WithStore(tc.store, tc.compress))
			require.NoError(t, restored.Restore(ctx))

			inst, err := restored.GetStoryInstance(id)
			require.NoError(t, err)
			assert.Equal(t, []string{"arrival"}, inst.CompletedScenes)
			assert.Equal(t, 50, inst.Progress)
			assert.Equal(t, models.SceneUnlocked, inst.SceneSequence[0].Status)

			npc, err := restored.GetNPCInstance(models.NPCInstanceID(id, "vendor"))
			require.NoError(t, err)
			assert.Equal(t, "Ah Lam", npc.Profile.Name)

			clue, err := restored.GetClueRecord("p1", "CLUE_004")
			require.NoError(t, err)
			assert.Equal(t, id, clue.StoryInstanceID)
		})
	}
}

func TestListSaves(t *testing.T) {
	dir := t.TempDir()
	repo := newRepo(t, WithStore(NewFileStore(dir, "alpha"), true))
	populate(t, repo)

	saves, err := ListSaves(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, saves)

	none, err := ListSaves(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

type failingStore struct{}

func (failingStore) Save(context.Context, []byte) error   { return errors.New("disk full") }
func (failingStore) Load(context.Context) ([]byte, error) { return nil, errors.New("disk gone") }

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	repo := newRepo(t, WithStore(failingStore{}, false))

	id, err := repo.CreateStoryInstance("p1", "CLUE_004", demoTemplate())
	require.NoError(t, err)
	_, err = repo.GetStoryInstance(id)
	require.NoError(t, err)

	assert.Error(t, repo.Restore(context.Background()))
	_, err = repo.GetStoryInstance(id)
	assert.NoError(t, err, "failed restore keeps in-memory state")
}

func TestDecodeSnapshotRejectsNewerVersion(t *testing.T) {
	_, err := DecodeSnapshot([]byte("version: 99\n"))
	assert.Error(t, err)
}
