// Package engine generates dialogue turns with Gemini.
package engine

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/models"
)

//go:embed prompts/turn_response.txt
var turnResponsePrompt string

const DefaultModel = "gemini-2.5-flash"

var turnTemplate = template.Must(template.New("turn_response").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(turnResponsePrompt))

// ErrEmptyResponse is returned when the model produced nothing usable.
var ErrEmptyResponse = errors.New("engine: no content returned from Gemini")

type Engine struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewEngine(ctx context.Context, apiKey, modelName string) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not set")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Engine{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

func (e *Engine) Close() error {
	return e.client.Close()
}

// Text sends prompt and returns the first text part of the reply.
func (e *Engine) Text(ctx context.Context, prompt string) (string, error) {
	resp, err := e.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return "", fmt.Errorf("unexpected response type from Gemini")
	}
	return string(text), nil
}

// TurnResponse generates the NPC side of one dialogue turn.
func (e *Engine) TurnResponse(ctx context.Context, tc interaction.TurnContext) (models.TurnResponse, error) {
	prompt, err := renderTurnPrompt(tc)
	if err != nil {
		return models.TurnResponse{}, err
	}
	text, err := e.Text(ctx, prompt)
	if err != nil {
		return models.TurnResponse{}, err
	}
	return parseTurnResponse(text, tc)
}

func renderTurnPrompt(tc interaction.TurnContext) (string, error) {
	data := struct {
		interaction.TurnContext
		Story    string
		LastTurn bool
	}{
		TurnContext: tc,
		Story:       tc.StoryID,
		LastTurn:    tc.TurnNumber >= tc.MaxTurns,
	}
	var buf bytes.Buffer
	if err := turnTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render turn prompt: %w", err)
	}
	return buf.String(), nil
}

// stripFences removes the markdown code fence models like to wrap YAML in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```yaml")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseTurnResponse decodes the model's YAML and drops what the scene cannot
// accept: events without content and deltas for characters not present.
func parseTurnResponse(text string, tc interaction.TurnContext) (models.TurnResponse, error) {
	clean := stripFences(text)
	var resp models.TurnResponse
	if err := yaml.Unmarshal([]byte(clean), &resp); err != nil {
		return models.TurnResponse{}, fmt.Errorf("failed to parse turn YAML: %w\nOutput was: %s", err, clean)
	}

	events := resp.NewEvents[:0]
	for _, e := range resp.NewEvents {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		e.Kind = models.UnitInteractionTurn
		if e.Actor == "" {
			e.Actor = models.ActorSystem
		}
		// Unit fields that only make sense in authored content.
		e.ID, e.Hint, e.Policy, e.IsTerminal = "", "", nil, false
		events = append(events, e)
	}
	if len(events) == 0 {
		return models.TurnResponse{}, ErrEmptyResponse
	}
	resp.NewEvents = events

	deltas := resp.NPCDeltas[:0]
	for _, d := range resp.NPCDeltas {
		if slices.Contains(tc.Scene.NPCs, d.NPCID) {
			deltas = append(deltas, d)
		}
	}
	resp.NPCDeltas = deltas
	return resp, nil
}
