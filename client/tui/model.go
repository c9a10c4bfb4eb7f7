package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"askpdf/client"
	"askpdf/types"
)

// Asker is the TUI-facing subset of the HTTP client.
type Asker interface {
	Ask(ctx context.Context, query string, fn func(types.StreamEvent) error) error
}

type eventMsg struct {
	seq uint64
	ev  types.StreamEvent
	ch  <-chan tea.Msg
}

type endMsg struct {
	seq uint64
	err error
}

// Model is the Bubble Tea model of the chat screen.
type Model struct {
	asker    Asker
	conv     *client.Conversation
	input    textinput.Model
	viewport viewport.Model
	status   string
	ready    bool
	cancel   context.CancelFunc
}

func New(asker Asker) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your documents and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		asker:    asker,
		conv:     client.NewConversation(),
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   "Enter sends, Esc stops the answer, Ctrl+C quits.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

// Conversation exposes the chat history.
func (m Model) Conversation() *client.Conversation { return m.conv }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, qh := inputBoxStyle.GetFrameSize()
		_, ch := chatBoxStyle.GetFrameSize()
		reserved := 1 + 1 + qh + 1 + ch // header, input line, status
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			m.stop()
			return m, tea.Quit
		case tea.KeyEsc:
			if m.stop() {
				m.status = "Stopped."
				m.refresh()
			}
			return m, nil
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" {
				return m, nil
			}
			if _, active := m.conv.Streaming(); active {
				m.status = "Still answering. Press Esc to stop."
				return m, nil
			}
			m.input.Reset()
			m.status = "Thinking..."
			cmd := m.ask(q)
			m.refresh()
			return m, cmd
		}

	case eventMsg:
		if m.conv.Apply(msg.seq, msg.ev) {
			if msg.ev.Terminal() {
				m.status = "Ready."
			}
			m.refresh()
		}
		return m, listen(msg.ch)

	case endMsg:
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			if m.conv.Fail(msg.seq, msg.err) {
				m.status = "Request failed."
				m.refresh()
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// ask starts a request whose events are delivered as messages until the
// channel closes.
func (m *Model) ask(query string) tea.Cmd {
	seq := m.conv.Begin(query)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	ch := make(chan tea.Msg, 16)

	go func() {
		defer close(ch)
		defer cancel()
		err := m.asker.Ask(ctx, query, func(ev types.StreamEvent) error {
			select {
			case ch <- eventMsg{seq: seq, ev: ev, ch: ch}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		ch <- endMsg{seq: seq, err: err}
	}()
	return listen(ch)
}

func listen(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// stop cancels the active request, if any.
func (m *Model) stop() bool {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	return m.conv.Cancel()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.render())
	m.viewport.GotoBottom()
}

func (m Model) render() string {
	var b strings.Builder
	width := max(10, m.viewport.Width-2)
	for _, turn := range m.conv.Turns() {
		switch turn.Role {
		case types.RoleUser:
			b.WriteString(wrap(width, userStyle.Render("You: ")+turn.Text))
		default:
			b.WriteString(wrap(width, assistantStyle.Render("Assistant: ")+turn.Text))
			if len(turn.Sources) > 0 {
				b.WriteString("\n")
				b.WriteString(sourceStyle.Render("Sources: " + strings.Join(turn.Sources, ", ")))
			}
		}
		b.WriteString("\n\n")
	}
	if text, active := m.conv.Streaming(); active {
		b.WriteString(wrap(width, assistantStyle.Render("Assistant: ")+text+"▌"))
	}
	if b.Len() == 0 {
		return "No messages yet."
	}
	return b.String()
}

func wrap(width int, s string) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Ask your PDF")
	chat := chatBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + chat + "\n" + input + "\n" + status
}

var (
	chatBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)
