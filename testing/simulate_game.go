package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tatianab/nearfield/internal/config"
	"github.com/tatianab/nearfield/internal/content"
	"github.com/tatianab/nearfield/internal/engine"
	"github.com/tatianab/nearfield/internal/events"
	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
	"github.com/tatianab/nearfield/internal/orchestrator"
	"github.com/tatianab/nearfield/internal/playback"
	"github.com/tatianab/nearfield/internal/repository"
	"github.com/tatianab/nearfield/internal/tracker"
)

const (
	playerID = "simulator"
	maxSteps = 500
)

var cannedIntents = []string{
	"What happened here?",
	"I know more than you think. Tell me.",
	"Who else was asking?",
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := content.Default()
	if cfg.ContentDir != "" {
		store, err = content.LoadDir(cfg.ContentDir)
	}
	if err != nil {
		log.Fatalf("Failed to load content: %v", err)
	}

	var provider interaction.DialogueProvider = content.Scripted{Source: store}
	var player *engine.Engine
	if cfg.Dialogue.GeminiAPIKey != "" {
		// One client plays the narrator, the other plays the player.
		gm, err := engine.NewEngine(ctx, cfg.Dialogue.GeminiAPIKey, cfg.Dialogue.GeminiModel)
		if err != nil {
			log.Fatalf("Failed to create GM engine: %v", err)
		}
		defer gm.Close()
		provider = interaction.Fallback(gm, provider, logger)

		player, err = engine.NewEngine(ctx, cfg.Dialogue.GeminiAPIKey, cfg.Dialogue.GeminiModel)
		if err != nil {
			log.Fatalf("Failed to create player engine: %v", err)
		}
		defer player.Close()
	}

	repo := repository.New(repository.WithStore(&repository.MemoryStore{}, cfg.Snapshot.Compress), repository.WithLogger(logger))
	clues := tracker.New(repo, store, logger)
	bus := events.NewBus()
	sched := &playback.ManualScheduler{}
	orch := orchestrator.New(orchestrator.Options{
		PlayerID:  playerID,
		Repo:      repo,
		Content:   store,
		Tracker:   clues,
		Turns:     interaction.New(provider, repo, logger),
		Bus:       bus,
		Scheduler: sched,
		Logger:    logger,
	})

	var ended bool
	shown := map[string]int{}
	bus.Subscribe(func(p events.Payload) {
		switch e := p.(type) {
		case events.PlaybackUpdated:
			printNew(e.State, shown)
		case events.SceneTransition:
			fmt.Printf("\n--- Scene: %s -> %s ---\n", e.FromSceneID, e.ToSceneID)
		case events.StoryCompletionNotification:
			fmt.Printf("\n*** Completed: %s ***\n", e.Title)
		case events.StoryEnded:
			fmt.Printf("--- Story ended (%s) ---\n\n", e.Reason)
			ended = true
		}
	})

	for _, c := range store.Clues() {
		if _, err := clues.ReceiveClue(playerID, c.ID); err != nil {
			log.Fatalf("Failed to receive clue %s: %v", c.ID, err)
		}
		if _, err := orch.TrackClue(c.ID); err != nil {
			log.Fatalf("Failed to track clue %s: %v", c.ID, err)
		}

		fmt.Printf("=== %s (%s) ===\n", c.Title, c.ID)
		ended = false
		clear(shown)
		if err := orch.EnterStory(c.ID); err != nil {
			fmt.Printf("Could not enter story: %v\n\n", err)
			continue
		}

		turn := 0
		for step := 0; !ended && step < maxSteps; step++ {
			st := orch.Playback()
			if st.AwaitingPlayer() {
				intent := chooseIntent(ctx, player, st, turn)
				turn++
				if intent == "PASS" && st.Mode == playback.ModeIntervention {
					fmt.Println("Player passes.")
					if err := orch.HandlePass(); err != nil {
						fmt.Printf("Pass failed: %v\n", err)
					}
					continue
				}
				fmt.Printf("Player: %s\n", intent)
				if _, err := orch.HandleIntervention(ctx, intent); err != nil {
					fmt.Printf("Turn failed: %v\n", err)
					orch.ExitStory()
				}
				continue
			}
			if !sched.FireNext() {
				fmt.Println("Nothing left to advance; leaving the story.")
				orch.ExitStory()
			}
		}
		if !ended {
			fmt.Println("Step limit reached; leaving the story.")
			orch.ExitStory()
		}
	}

	stats := clues.Stats(playerID)
	fmt.Printf("Clues: %d total, %d completed, %d still tracking\n", stats.Total, stats.Completed, stats.Tracking)
	for _, s := range repo.ListStoryInstances(playerID) {
		fmt.Printf("  %s: %s, %d%%, %d generated turns\n", s.Metadata.Title, s.Status, s.Progress, len(repo.ListGeneratedContent(s.ID)))
	}
}

// printNew prints the units and dialogue this state adds since the last one.
func printNew(s playback.State, shown map[string]int) {
	if !s.Active {
		return
	}
	key := s.StoryInstanceID + "/" + s.SceneID
	idx, ok := shown[key]
	if !ok {
		idx = -1
	}
	for ; idx < s.DisplayIndex; idx++ {
		printUnit(s.Sequence[idx+1])
	}
	shown[key] = idx

	evKey := key + "#events"
	n := shown[evKey]
	if len(s.InteractionEvents) < n {
		n = 0
	}
	for ; n < len(s.InteractionEvents); n++ {
		if ev := s.InteractionEvents[n]; ev.Actor != models.ActorPlayer {
			printUnit(ev)
		}
	}
	shown[evKey] = n
}

func printUnit(u models.NarrativeUnit) {
	switch u.Actor {
	case models.ActorSystem, "":
		fmt.Println(u.Content)
	default:
		fmt.Printf("%s: %s\n", u.Actor, u.Content)
	}
	if u.Hint != "" {
		fmt.Printf("  (moment: %s)\n", u.Hint)
	}
}

func chooseIntent(ctx context.Context, player *engine.Engine, s playback.State, turn int) string {
	if player == nil {
		return cannedIntents[turn%len(cannedIntents)]
	}

	var history strings.Builder
	for _, u := range s.Shown() {
		fmt.Fprintf(&history, "[%s] %s\n", u.Actor, u.Content)
	}
	for _, u := range s.InteractionEvents {
		fmt.Fprintf(&history, "[%s] %s\n", u.Actor, u.Content)
	}

	passNote := ""
	if s.Mode == playback.ModeIntervention {
		passNote = "\nIf you would rather let the moment go, return exactly PASS."
	}
	prompt := fmt.Sprintf(`You are playing an interactive mystery. The scene so far:
%s
The story has paused for you. %s
What do you say or do? Stay in character. Return ONLY the line, no extra commentary.%s`,
		history.String(), s.InterventionHint, passNote)

	text, err := player.Text(ctx, prompt)
	if err != nil {
		return cannedIntents[turn%len(cannedIntents)]
	}
	return strings.TrimSpace(text)
}
