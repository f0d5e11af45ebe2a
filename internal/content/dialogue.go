package content

import (
	"context"
	"fmt"

	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
)

// Scripted serves the canned dialogue authored in each scene's dialogue
// block. An exact turn match wins; the default is used only when there is
// none; with neither the lookup fails, since an empty reply would strand the
// player.
type Scripted struct {
	Source Provider
}

func (s Scripted) TurnResponse(_ context.Context, tc interaction.TurnContext) (models.TurnResponse, error) {
	scene, err := s.Source.SceneTemplate(tc.StoryID, tc.Scene.ID)
	if err != nil {
		return models.TurnResponse{}, err
	}
	if scene.Dialogue == nil {
		return models.TurnResponse{}, fmt.Errorf("dialogue for scene %q: %w", scene.ID, ErrNotFound)
	}
	if resp, ok := scene.Dialogue.Turns[tc.TurnNumber]; ok {
		return resp.Clone(), nil
	}
	if scene.Dialogue.Default != nil {
		return scene.Dialogue.Default.Clone(), nil
	}
	return models.TurnResponse{}, fmt.Errorf("turn %d of scene %q: %w", tc.TurnNumber, scene.ID, ErrNotFound)
}
