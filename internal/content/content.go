// Package content holds the immutable story, scene, NPC and clue templates.
// Templates are read from YAML packs and never change after load; every
// accessor returns a copy.
package content

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tatianab/nearfield/internal/models"
)

//go:embed packs/*.yaml
var builtinPacks embed.FS

// ErrNotFound is returned for unknown stories, scenes, clues or turn responses.
var ErrNotFound = errors.New("content: not found")

// Provider is the read-only template surface consumed by the engine.
type Provider interface {
	StoryTemplate(storyID string) (models.StoryTemplate, error)
	SceneTemplate(storyID, sceneID string) (models.SceneTemplate, error)
	Clue(clueID string) (models.ClueTemplate, error)
	Clues() []models.ClueTemplate
}

// Pack is the on-disk layout of a content file.
type Pack struct {
	Stories []models.StoryTemplate `yaml:"stories"`
	Clues   []models.ClueTemplate  `yaml:"clues"`
}

// Parse decodes one YAML pack.
func Parse(data []byte) (Pack, error) {
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Pack{}, fmt.Errorf("parse pack: %w", err)
	}
	return p, nil
}

// Store is a validated, immutable set of templates.
type Store struct {
	stories map[string]models.StoryTemplate
	clues   map[string]models.ClueTemplate
	order   []string // clue ids in pack order
}

// NewStore merges and validates packs.
func NewStore(packs ...Pack) (*Store, error) {
	s := &Store{
		stories: make(map[string]models.StoryTemplate),
		clues:   make(map[string]models.ClueTemplate),
	}
	for _, p := range packs {
		for _, story := range p.Stories {
			if story.ID == "" {
				return nil, fmt.Errorf("story without id")
			}
			if _, dup := s.stories[story.ID]; dup {
				return nil, fmt.Errorf("duplicate story %q", story.ID)
			}
			story = story.Clone()
			if err := normalizeStory(&story); err != nil {
				return nil, fmt.Errorf("story %q: %w", story.ID, err)
			}
			s.stories[story.ID] = story
		}
	}
	for _, p := range packs {
		for _, clue := range p.Clues {
			if clue.ID == "" {
				return nil, fmt.Errorf("clue without id")
			}
			if _, dup := s.clues[clue.ID]; dup {
				return nil, fmt.Errorf("duplicate clue %q", clue.ID)
			}
			if _, ok := s.stories[clue.StoryID]; !ok {
				return nil, fmt.Errorf("clue %q: unknown story %q", clue.ID, clue.StoryID)
			}
			s.clues[clue.ID] = clue
			s.order = append(s.order, clue.ID)
		}
	}
	return s, nil
}

// normalizeStory fills defaults and checks references. Empty scene
// sequences are allowed here; they fail when the scene is entered.
func normalizeStory(story *models.StoryTemplate) error {
	scenes := make(map[string]bool, len(story.Scenes))
	for _, sc := range story.Scenes {
		if sc.ID == "" {
			return fmt.Errorf("scene without id")
		}
		if scenes[sc.ID] {
			return fmt.Errorf("duplicate scene %q", sc.ID)
		}
		scenes[sc.ID] = true
	}
	if len(story.SceneIDs) == 0 {
		for _, sc := range story.Scenes {
			story.SceneIDs = append(story.SceneIDs, sc.ID)
		}
	}
	for _, id := range story.SceneIDs {
		if !scenes[id] {
			return fmt.Errorf("scene_ids references unknown scene %q", id)
		}
	}

	npcs := make(map[string]bool, len(story.NPCs))
	for _, n := range story.NPCs {
		npcs[n.ID] = true
	}

	for i := range story.Scenes {
		sc := &story.Scenes[i]
		for _, npc := range sc.NPCs {
			if !npcs[npc] {
				return fmt.Errorf("scene %q: unknown npc %q", sc.ID, npc)
			}
		}
		if next := sc.Transition.NextSceneID; next != "" && !scenes[next] {
			return fmt.Errorf("scene %q: unknown next scene %q", sc.ID, next)
		}
		for j := range sc.Sequence {
			u := &sc.Sequence[j]
			if u.Kind == "" {
				u.Kind = models.UnitNarrative
			}
			if !u.Kind.Valid() {
				return fmt.Errorf("scene %q unit %d: unknown kind %q", sc.ID, j, u.Kind)
			}
			if u.Actor == "" {
				u.Actor = models.ActorSystem
			}
			if u.ID == "" {
				u.ID = fmt.Sprintf("%s-%03d", sc.ID, j+1)
			}
		}
	}
	return nil
}

// Default loads the packs bundled with the binary.
func Default() (*Store, error) {
	return loadFS(builtinPacks, "packs")
}

// LoadDir loads every .yaml/.yml file in dir as one store.
func LoadDir(dir string) (*Store, error) {
	return loadFS(os.DirFS(dir), ".")
}

func loadFS(fsys fs.FS, root string) (*Store, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read content dir: %w", err)
	}
	var packs []Pack
	for _, e := range entries {
		if e.IsDir() || !isPackFile(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		packs = append(packs, p)
	}
	return NewStore(packs...)
}

func isPackFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (s *Store) StoryTemplate(storyID string) (models.StoryTemplate, error) {
	story, ok := s.stories[storyID]
	if !ok {
		return models.StoryTemplate{}, fmt.Errorf("story %q: %w", storyID, ErrNotFound)
	}
	return story.Clone(), nil
}

func (s *Store) SceneTemplate(storyID, sceneID string) (models.SceneTemplate, error) {
	story, ok := s.stories[storyID]
	if !ok {
		return models.SceneTemplate{}, fmt.Errorf("story %q: %w", storyID, ErrNotFound)
	}
	sc, ok := story.Scene(sceneID)
	if !ok {
		return models.SceneTemplate{}, fmt.Errorf("scene %q in story %q: %w", sceneID, storyID, ErrNotFound)
	}
	return sc.Clone(), nil
}

func (s *Store) Clue(clueID string) (models.ClueTemplate, error) {
	c, ok := s.clues[clueID]
	if !ok {
		return models.ClueTemplate{}, fmt.Errorf("clue %q: %w", clueID, ErrNotFound)
	}
	return c, nil
}

// Clues returns the world information stream in pack order.
func (s *Store) Clues() []models.ClueTemplate {
	out := make([]models.ClueTemplate, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clues[id])
	}
	return out
}

// StoryIDs returns the ids of all loaded stories, sorted.
func (s *Store) StoryIDs() []string {
	ids := make([]string, 0, len(s.stories))
	for id := range s.stories {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
