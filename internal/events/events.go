// Package events is the typed notification stream the orchestrator raises
// for UI and logging subscribers.
package events

import (
	"sync"

	"github.com/tatianab/nearfield/internal/playback"
)

// Kind identifies an event. The set is closed.
type Kind int

const (
	KindPlaybackUpdated Kind = iota + 1
	KindSceneTransition
	KindStoryCompletionNotification
	KindStoryEnded
	KindClueTracked
)

var kindNames = map[Kind]string{
	KindPlaybackUpdated:             "playback_updated",
	KindSceneTransition:             "scene_transition",
	KindStoryCompletionNotification: "story_completion_notification",
	KindStoryEnded:                  "story_ended",
	KindClueTracked:                 "clue_tracked",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{KindPlaybackUpdated, KindSceneTransition, KindStoryCompletionNotification, KindStoryEnded, KindClueTracked}
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
}

// PlaybackUpdated carries a copy of the playback session after a change.
type PlaybackUpdated struct {
	State playback.State
}

// SceneTransition is raised when a scene completes and the next one is due.
type SceneTransition struct {
	StoryInstanceID string
	ClueID          string
	FromSceneID     string
	ToSceneID       string
}

// StoryCompletionNotification is raised when a story-terminal scene ends.
type StoryCompletionNotification struct {
	StoryInstanceID  string
	ClueID           string
	StoryID          string
	Title            string
	CompletionClueID string
}

// Reasons a story session ended.
const (
	EndCompleted  = "completed"
	EndExited     = "exited"
	EndContentGap = "content_gap"
	EndError      = "error"
)

// StoryEnded is raised when the playback session for a story is torn down.
type StoryEnded struct {
	StoryInstanceID string
	ClueID          string
	Reason          string
}

// ClueTracked is raised when a clue is linked to a story instance.
type ClueTracked struct {
	ClueID          string
	StoryInstanceID string
}

func (PlaybackUpdated) Kind() Kind             { return KindPlaybackUpdated }
func (SceneTransition) Kind() Kind             { return KindSceneTransition }
func (StoryCompletionNotification) Kind() Kind { return KindStoryCompletionNotification }
func (StoryEnded) Kind() Kind                  { return KindStoryEnded }
func (ClueTracked) Kind() Kind                 { return KindClueTracked }

// Handler receives published payloads.
type Handler func(Payload)

type subscription struct {
	id      int
	kinds   map[Kind]bool // nil means every kind
	handler Handler
}

// Bus delivers payloads to subscribers synchronously, in subscription order.
// Handlers run on the publisher's goroutine and must not publish back into
// the component that raised the event.
type Bus struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given kinds, or for every kind when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := subscription{id: b.next, handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(p Payload) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.kinds == nil || s.kinds[p.Kind()] {
			s.handler(p)
		}
	}
}
