// Package views provides TUI view components for trivium.
package views

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/tui"
)

// Answerer is the engine operation the session view drives.
type Answerer interface {
	Answer(ctx context.Context, owner string, hint cq.ContextType, text string) (*cq.Response, error)
}

// SessionModel is the interactive answering screen for one session.
type SessionModel struct {
	engine   Answerer
	owner    string
	hint     cq.ContextType
	snapshot *cq.Snapshot

	messages  []tui.ChatMessage
	textarea  textarea.Model
	viewport  viewport.Model
	spinner   spinner.Model
	isLoading bool
	finished  bool
	width     int
	height    int
}

// NewSessionModel creates a SessionModel seeded with the response that
// opened or reported the session.
func NewSessionModel(engine Answerer, owner string, hint cq.ContextType, first *cq.Response, width, height int) SessionModel {
	ta := textarea.New()
	ta.Placeholder = "Type your answer... (Enter to send)"
	ta.CharLimit = 5000
	ta.SetWidth(width - 8) // Account for box padding
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline = tui.DefaultKeyMap.NewLine
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))

	vp := viewport.New(viewportSize(width, height))

	m := SessionModel{
		engine:   engine,
		owner:    owner,
		hint:     hint,
		textarea: ta,
		viewport: vp,
		spinner:  sp,
		width:    width,
		height:   height,
	}
	if first != nil {
		m = m.apply(first)
	}
	return m
}

// viewportSize reserves room for header, status bar, textarea and footer.
func viewportSize(width, height int) (int, int) {
	w := width - 8
	if w < 20 {
		w = 20
	}
	h := height - 16
	if h < 5 {
		h = 5
	}
	return w, h
}

// Init returns the initial command for the session view.
func (m SessionModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// Update handles messages for the session view.
func (m SessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, tui.DefaultKeyMap.Quit):
			return m, tea.Quit
		case key.Matches(msg, tui.DefaultKeyMap.Submit):
			if m.isLoading || m.finished {
				return m, nil
			}
			content := strings.TrimSpace(m.textarea.Value())
			if content == "" {
				return m, nil
			}
			m.messages = append(m.messages, tui.ChatMessage{Role: "owner", Content: content})
			m.refresh()
			m.textarea.Reset()
			m.isLoading = true
			return m, tea.Batch(m.submit(content), m.spinner.Tick)
		}

	case tui.AnswerResultMsg:
		m.isLoading = false
		if msg.Err != nil {
			m.messages = append(m.messages, tui.ChatMessage{Role: "system", Content: tui.IconFailed + " " + msg.Err.Error()})
			m.refresh()
			return m, nil
		}
		return m.apply(msg.Response), nil

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width, m.viewport.Height = viewportSize(msg.Width, msg.Height)
		m.textarea.SetWidth(m.viewport.Width)
		m.refresh()
		return m, nil
	}

	if !m.isLoading && !m.finished {
		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m SessionModel) submit(content string) tea.Cmd {
	engine, owner, hint := m.engine, m.owner, m.hint
	return func() tea.Msg {
		resp, err := engine.Answer(context.Background(), owner, hint, content)
		return tui.AnswerResultMsg{Response: resp, Err: err}
	}
}

// apply folds an engine response into the transcript.
func (m SessionModel) apply(resp *cq.Response) SessionModel {
	if resp.Session != nil {
		m.snapshot = resp.Session
		m.hint = resp.Session.Context
	}
	if n := len(m.messages); n > 0 && m.messages[n-1].Role == "owner" {
		icon := tui.IconRejected
		if resp.Accepted {
			icon = tui.IconAccepted
		}
		m.messages[n-1].Content = icon + " " + m.messages[n-1].Content
	}

	switch {
	case resp.Completed:
		m.finished = true
		text := "Session complete."
		if resp.FinalizeError != "" {
			text += " Writing results failed: " + resp.FinalizeError
		}
		m.messages = append(m.messages, tui.ChatMessage{Role: "system", Content: text})
	case resp.Session != nil && resp.Session.Status == cq.StatusPaused:
		m.finished = true
		m.messages = append(m.messages, tui.ChatMessage{Role: "system", Content: tui.IconPaused + " " + resp.Question})
	case resp.Question != "":
		m.messages = append(m.messages, tui.ChatMessage{Role: "engine", Content: resp.Question})
	}
	m.refresh()
	return m
}

func (m *SessionModel) refresh() {
	m.viewport.SetContent(formatMessages(m.messages))
	m.viewport.GotoBottom()
}

// View renders the session view.
func (m SessionModel) View() string {
	var b strings.Builder

	title := "Classical Questioning"
	if m.snapshot != nil {
		title += ": " + string(m.snapshot.Context)
		if m.snapshot.SubScope != "" {
			title += " / " + m.snapshot.SubScope
		}
	}
	b.WriteString(tui.TitleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	if m.snapshot != nil && len(m.snapshot.Choices) > 0 && !m.finished {
		for i, c := range m.snapshot.Choices {
			b.WriteString(tui.DimStyle.Render(fmt.Sprintf("  %d) %s", i+1, c)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	switch {
	case m.isLoading:
		b.WriteString(fmt.Sprintf("%s Checking answer...", m.spinner.View()))
		b.WriteString("\n\n")
		b.WriteString(tui.DimStyle.Render(m.textarea.View()))
	case m.finished:
		b.WriteString(tui.DimStyle.Render("Nothing left to answer here."))
	default:
		b.WriteString(m.textarea.View())
	}

	b.WriteString("\n\n")
	b.WriteString(tui.DimStyle.Render("Enter: Send · Ctrl+J: New line · Esc: Leave"))

	boxed := tui.BoxStyle.
		Width(m.width - 4).
		Render(b.String())

	contentHeight := lipgloss.Height(boxed)
	if m.height > contentHeight {
		padding := (m.height - contentHeight) / 3
		if padding > 0 {
			boxed = strings.Repeat("\n", padding) + boxed
		}
	}

	return boxed
}

func (m SessionModel) statusBar() string {
	s := m.snapshot
	if s == nil {
		return ""
	}
	cov := s.Coverage
	parts := []string{
		fmt.Sprintf("grammar %d  logic %d  rhetoric %d", cov.Grammar, cov.Logic, cov.Rhetoric),
		fmt.Sprintf("questions %s %d/%d", tui.ProgressBar(s.QuestionCount, s.QuestionCap), s.QuestionCount, s.QuestionCap),
	}
	if len(s.RemainingRequirements) > 0 {
		parts = append(parts, "needs "+strings.Join(s.RemainingRequirements, ", "))
	}
	return tui.StatusBarStyle.Render(strings.Join(parts, " · "))
}

// Finished reports whether the session reached a state with no question.
func (m SessionModel) Finished() bool {
	return m.finished
}

// Transcript returns the messages shown so far.
func (m SessionModel) Transcript() []tui.ChatMessage {
	return m.messages
}

// formatMessages formats the transcript for display in the viewport.
func formatMessages(messages []tui.ChatMessage) string {
	if len(messages) == 0 {
		return tui.DimStyle.Render("No question yet.")
	}

	var b strings.Builder

	ownerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	engineStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7C3AED")).
		Bold(true)

	for i, msg := range messages {
		var prefix string
		var style lipgloss.Style

		switch msg.Role {
		case "owner":
			prefix = "You: "
			style = ownerStyle
		case "engine":
			prefix = "Q: "
			style = engineStyle
		default:
			prefix = ""
			style = tui.DimStyle
		}

		b.WriteString(style.Render(prefix))
		b.WriteString(msg.Content)

		if i < len(messages)-1 {
			b.WriteString("\n\n")
		}
	}

	return b.String()
}
