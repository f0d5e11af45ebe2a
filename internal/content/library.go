package content

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tatianab/nearfield/internal/models"
)

// Library is a Provider whose Store can be swapped while the game runs.
// Each Store stays immutable; a swap only changes which one is consulted.
type Library struct {
	current atomic.Pointer[Store]
}

func NewLibrary(s *Store) *Library {
	l := &Library{}
	l.current.Store(s)
	return l
}

func (l *Library) Swap(s *Store) { l.current.Store(s) }

func (l *Library) Store() *Store { return l.current.Load() }

func (l *Library) StoryTemplate(storyID string) (models.StoryTemplate, error) {
	return l.Store().StoryTemplate(storyID)
}

func (l *Library) SceneTemplate(storyID, sceneID string) (models.SceneTemplate, error) {
	return l.Store().SceneTemplate(storyID, sceneID)
}

func (l *Library) Clue(clueID string) (models.ClueTemplate, error) {
	return l.Store().Clue(clueID)
}

func (l *Library) Clues() []models.ClueTemplate {
	return l.Store().Clues()
}

// Watch reloads dir into l whenever a pack file changes, until ctx is done.
// A pack that fails to load is logged and the previous store is kept.
func Watch(ctx context.Context, dir string, l *Library, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isPackFile(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				store, err := LoadDir(dir)
				if err != nil {
					logger.Warn("content: reload failed, keeping previous packs", "file", ev.Name, "error", err)
					continue
				}
				if len(store.stories) == 0 {
					// Editors often truncate before writing.
					continue
				}
				l.Swap(store)
				logger.Info("content: packs reloaded", "file", ev.Name, "stories", len(store.stories))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("content: watcher error", "error", err)
			}
		}
	}()
	return nil
}
