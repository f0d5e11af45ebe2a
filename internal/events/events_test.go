package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindNames(t *testing.T) {
	names := map[string]bool{}
	for _, k := range Kinds() {
		names[k.String()] = true
	}
	assert.Equal(t, map[string]bool{
		"playback_updated":              true,
		"scene_transition":              true,
		"story_completion_notification": true,
		"story_ended":                   true,
		"clue_tracked":                  true,
	}, names)
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestSubscribeFiltersByKind(t *testing.T) {
	bus := NewBus()
	var all, ended []Payload
	bus.Subscribe(func(p Payload) { all = append(all, p) })
	bus.Subscribe(func(p Payload) { ended = append(ended, p) }, KindStoryEnded)

	bus.Publish(SceneTransition{FromSceneID: "a", ToSceneID: "b"})
	bus.Publish(StoryEnded{ClueID: "CLUE_004", Reason: EndCompleted})

	assert.Len(t, all, 2)
	require.Len(t, ended, 1)
	assert.Equal(t, StoryEnded{ClueID: "CLUE_004", Reason: EndCompleted}, ended[0])
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	var got []string
	stopA := bus.Subscribe(func(Payload) { got = append(got, "a") })
	bus.Subscribe(func(Payload) { got = append(got, "b") })

	bus.Publish(ClueTracked{})
	stopA()
	stopA()
	bus.Publish(ClueTracked{})

	assert.Equal(t, []string{"a", "b", "b"}, got)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(StoryEnded{}) })
}
