package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tatianab/nearfield/internal/events"
	"github.com/tatianab/nearfield/internal/models"
	"github.com/tatianab/nearfield/internal/orchestrator"
	"github.com/tatianab/nearfield/internal/playback"
	"github.com/tatianab/nearfield/internal/repository"
	"github.com/tatianab/nearfield/internal/tracker"
)

type sessionState int

const (
	stateInbox sessionState = iota
	statePlaying
	stateLoading // waiting on a dialogue turn
)

// Deps is everything the UI drives.
type Deps struct {
	PlayerID     string
	Orchestrator *orchestrator.Orchestrator
	Tracker      *tracker.Tracker
	Repo         *repository.Repository
	Bus          *events.Bus
}

type model struct {
	state     sessionState
	deps      Deps
	textInput textinput.Model
	viewport  viewport.Model
	width     int
	height    int

	clues  []models.ClueRecord
	stats  tracker.Stats
	cursor int
	notice string

	playing  playback.State
	gameLog  string
	sceneID  string
	shownIdx int
	shownEvt int
}

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EEEEEE")).
			Background(lipgloss.Color("#5F5F87")).
			Bold(true).
			PaddingLeft(1)

	gameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	npcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87AFD7"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)

	stateStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("#3C3C3C")).
			PaddingLeft(2).
			Foreground(lipgloss.Color("#AAAAAA"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true).
			Underline(true)

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500")).
			Bold(true)
)

func NewModel(deps Deps) model {
	ti := textinput.New()
	ti.Placeholder = "Say or do something..."
	ti.CharLimit = 156
	ti.Width = 40

	m := model{
		state:     stateInbox,
		deps:      deps,
		textInput: ti,
		shownIdx:  -1,
	}
	return m.refresh()
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

type playbackMsg struct {
	state playback.State
}

type noticeMsg struct {
	text string
}

type storyEndedMsg struct {
	reason string
}

type clueTrackedMsg struct{}

type actionDoneMsg struct {
	err error
}

// fromEvent maps a bus payload to the message the model handles.
func fromEvent(p events.Payload) tea.Msg {
	switch e := p.(type) {
	case events.PlaybackUpdated:
		return playbackMsg{state: e.State}
	case events.SceneTransition:
		return noticeMsg{text: fmt.Sprintf("The scene shifts to %s.", e.ToSceneID)}
	case events.StoryCompletionNotification:
		return noticeMsg{text: fmt.Sprintf("Story complete: %s", e.Title)}
	case events.StoryEnded:
		return storyEndedMsg{reason: e.Reason}
	case events.ClueTracked:
		return clueTrackedMsg{}
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		switch m.state {
		case stateInbox:
			return m.updateInbox(msg)
		case statePlaying:
			if msg.Type == tea.KeyEnter {
				return m.submit()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logWidth := int(float64(msg.Width) * 0.75)
		if m.viewport.Width == 0 {
			m.viewport = viewport.New(logWidth, msg.Height-6)
		}
		m.viewport.Width = logWidth
		m.viewport.Height = msg.Height - 6
		m.viewport.SetContent(m.gameLog)

	case playbackMsg:
		m = m.appendState(msg.state)
		if msg.state.Active && m.state == stateInbox {
			m.state = statePlaying
			m.textInput.Focus()
		}
		return m, nil

	case noticeMsg:
		m = m.appendLine(helpStyle.Render("* " + msg.text))
		return m, nil

	case storyEndedMsg:
		m.state = stateInbox
		m.textInput.Blur()
		m.textInput.Reset()
		m.notice = "Story ended: " + msg.reason
		m.playing = playback.State{}
		m.sceneID = ""
		return m.refresh(), nil

	case clueTrackedMsg:
		return m.refresh(), nil

	case actionDoneMsg:
		if m.state == stateLoading {
			m.state = statePlaying
		}
		if msg.err != nil {
			switch {
			case errors.Is(msg.err, orchestrator.ErrNotTracked):
				m.notice = "Track that clue first."
			case errors.Is(msg.err, orchestrator.ErrStoryCompleted):
				m.notice = "That story is already finished."
			default:
				m.notice = "Error: " + msg.err.Error()
			}
		}
		return m.refresh(), nil
	}

	if m.state == statePlaying {
		m.textInput, cmd = m.textInput.Update(msg)
		var vpCmd tea.Cmd
		m.viewport, vpCmd = m.viewport.Update(msg)
		return m, tea.Batch(cmd, vpCmd)
	}

	return m, nil
}

func (m model) updateInbox(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.clues)-1 {
			m.cursor++
		}
	}

	clue, ok := m.selected()
	if !ok {
		return m, nil
	}
	d := m.deps
	switch msg.String() {
	case "enter", "r":
		return m, m.do(func() error { return d.Tracker.MarkClueRead(d.PlayerID, clue.ClueID) })
	case "t":
		return m, m.do(func() error {
			_, err := d.Orchestrator.TrackClue(clue.ClueID)
			return err
		})
	case "p":
		return m, m.do(func() error { return d.Orchestrator.EnterStory(clue.ClueID) })
	case "a":
		return m, m.do(func() error { return d.Tracker.AbandonClue(d.PlayerID, clue.ClueID) })
	}
	return m, nil
}

func (m model) submit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textInput.Value())
	m.textInput.Reset()
	o := m.deps.Orchestrator

	switch input {
	case "/quit":
		return m, tea.Quit
	case "/exit":
		return m, m.do(func() error {
			o.ExitStory()
			return nil
		})
	case "/pass", "":
		if m.playing.Mode != playback.ModeIntervention {
			return m, nil
		}
		return m, m.do(o.HandlePass)
	case "/leave":
		return m, m.do(func() error {
			_, err := o.Disengage()
			return err
		})
	}

	if !m.playing.AwaitingPlayer() {
		m.notice = "Wait for a moment to step in."
		return m, nil
	}
	m.state = stateLoading
	return m, m.do(func() error {
		_, err := o.HandleIntervention(context.Background(), input)
		return err
	})
}

// do runs a player action off the UI goroutine.
func (m model) do(action func() error) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{err: action()}
	}
}

func (m model) selected() (models.ClueRecord, bool) {
	if m.cursor < 0 || m.cursor >= len(m.clues) {
		return models.ClueRecord{}, false
	}
	return m.clues[m.cursor], true
}

// refresh reloads the inbox from the tracker.
func (m model) refresh() model {
	if m.deps.Tracker == nil {
		return m
	}
	m.clues = m.deps.Tracker.Clues(m.deps.PlayerID)
	m.stats = m.deps.Tracker.Stats(m.deps.PlayerID)
	if m.cursor >= len(m.clues) {
		m.cursor = max(len(m.clues)-1, 0)
	}
	return m
}

// appendState adds whatever the new playback state shows that the log does
// not have yet.
func (m model) appendState(s playback.State) model {
	m.playing = s
	if !s.Active {
		return m
	}
	if s.SceneID != m.sceneID {
		m.sceneID = s.SceneID
		m.shownIdx = -1
		m.shownEvt = 0
		m = m.appendLine(titleStyle.Render(s.SceneID))
	}
	for m.shownIdx < s.DisplayIndex {
		m.shownIdx++
		m = m.appendLine(m.renderUnit(s.Sequence[m.shownIdx]))
	}
	if len(s.InteractionEvents) < m.shownEvt {
		m.shownEvt = 0
	}
	for ; m.shownEvt < len(s.InteractionEvents); m.shownEvt++ {
		m = m.appendLine(m.renderUnit(s.InteractionEvents[m.shownEvt]))
	}
	return m
}

func (m model) appendLine(line string) model {
	m.gameLog += line + "\n\n"
	m.viewport.SetContent(m.gameLog)
	m.viewport.GotoBottom()
	return m
}

func (m model) renderUnit(u models.NarrativeUnit) string {
	logWidth := max(int(float64(m.width)*0.75), 20)
	switch u.Actor {
	case models.ActorPlayer:
		return userStyle.Width(logWidth).Render("> " + u.Content)
	case models.ActorSystem, "":
		return gameStyle.Width(logWidth).Render(u.Content)
	default:
		return npcStyle.Width(logWidth).Render(u.Actor + ": " + u.Content)
	}
}

func (m model) View() string {
	var s string

	switch m.state {
	case stateInbox:
		mainView := lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(int(float64(m.width)*0.75)).Render(m.renderInbox()),
			m.renderStats(),
		)
		help := helpStyle.Render("up/down move, enter read, t track, p play, a abandon, q quit")
		s = lipgloss.JoinVertical(lipgloss.Left, mainView, "\n"+m.renderNotice(), help)

	case statePlaying, stateLoading:
		mainView := lipgloss.JoinHorizontal(lipgloss.Top,
			m.viewport.View(),
			m.renderState(),
		)

		var help string
		switch {
		case m.state == stateLoading:
			help = helpStyle.Render("...")
		case m.playing.Mode == playback.ModeIntervention:
			help = helpStyle.Render("Type to step in, /pass to let it go, /exit to leave the story.")
		case m.playing.Mode == playback.ModeInteraction:
			help = helpStyle.Render("Type to respond, /leave to walk away, /exit to leave the story.")
		default:
			help = helpStyle.Render("Watching. /exit to leave the story, /quit to quit.")
		}

		s = lipgloss.JoinVertical(lipgloss.Left,
			mainView,
			"\n"+m.textInput.View(),
			"\n"+m.renderNotice(),
			help,
		)
	}

	return "\n" + s + "\n"
}

func (m model) renderNotice() string {
	if m.notice == "" {
		return ""
	}
	return m.notice + "\n"
}

func (m model) renderInbox() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("CLUES") + "\n\n")
	if len(m.clues) == 0 {
		b.WriteString("(no clues yet)\n")
	}
	for i, c := range m.clues {
		line := fmt.Sprintf("[%-9s] %s", c.Status, c.Title)
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> "+line) + "\n")
			continue
		}
		b.WriteString("  " + line + "\n")
	}

	if c, ok := m.selected(); ok && c.Status != models.ClueUnread {
		b.WriteString("\n" + gameStyle.Render(c.Description) + "\n")
		if c.Source != "" {
			b.WriteString(helpStyle.Render("from "+c.Source) + "\n")
		}
	}
	return b.String()
}

func (m model) renderStats() string {
	st := m.stats
	content := titleStyle.Render("INBOX") + "\n" +
		fmt.Sprintf("Total: %d\nUnread: %d\nRead: %d\nTracking: %d\nCompleted: %d\nAbandoned: %d\n\n",
			st.Total, st.Unread, st.Read, st.Tracking, st.Completed, st.Abandoned)

	if c, ok := m.selected(); ok && c.StoryInstanceID != "" && m.deps.Repo != nil {
		if story, err := m.deps.Repo.GetStoryInstance(c.StoryInstanceID); err == nil {
			content += titleStyle.Render("STORY") + "\n" +
				fmt.Sprintf("%s\n%s, %d%%\n", story.Metadata.Title, story.Status, story.Progress)
		}
	}

	stateWidth := int(float64(m.width) * 0.23)
	return stateStyle.Width(stateWidth).Render(content)
}

func (m model) renderState() string {
	s := m.playing
	if !s.Active {
		return ""
	}

	scene := titleStyle.Render("SCENE") + "\n" + s.SceneID + "\n\n"
	mode := titleStyle.Render("MODE") + "\n" + string(s.Mode) + "\n\n"
	hint := ""
	if s.InterventionHint != "" {
		hint = titleStyle.Render("MOMENT") + "\n" + s.InterventionHint + "\n\n"
	}
	progress := fmt.Sprintf("%d / %d", s.DisplayIndex+1, len(s.Sequence))

	content := scene + mode + hint + titleStyle.Render("PROGRESS") + "\n" + progress

	stateWidth := int(float64(m.width) * 0.23)
	return stateStyle.Width(stateWidth).Height(m.viewport.Height).Render(content)
}

// relay forwards bus events to the program in publish order. Bus handlers
// run under the orchestrator lock, so they only enqueue.
type relay struct {
	mu    sync.Mutex
	queue []tea.Msg
	wake  chan struct{}
}

func newRelay() *relay {
	return &relay{wake: make(chan struct{}, 1)}
}

func (r *relay) push(p events.Payload) {
	msg := fromEvent(p)
	if msg == nil {
		return
	}
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relay) run(ctx context.Context, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		for _, msg := range batch {
			p.Send(msg)
		}
	}
}

func Run(ctx context.Context, deps Deps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	r := newRelay()
	unsubscribe := deps.Bus.Subscribe(r.push)
	defer unsubscribe()
	go r.run(ctx, p)

	_, err := p.Run()
	return err
}
