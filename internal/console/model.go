// Package console is a local terminal chat with Claude for operators. It
// drives the same facade as the Telegram bot, as one configured user.
package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/facade"
	"github.com/berth-dev/claudegram/internal/ui"
)

// Claude is the part of *facade.Integration the console drives.
type Claude interface {
	Run(ctx context.Context, req facade.Request) (*facade.Response, error)
	NewSession(ctx context.Context, userID int64, workingDir string) (*facade.SessionInfo, error)
}

// Stopper cancels a running conversation.
type Stopper interface {
	Stop(userID int64) bool
}

type entry struct {
	role string // "user", "assistant" or "system"
	text string
}

// streamMsg carries one backend event into the update loop.
type streamMsg struct {
	ev backend.Event
	ch <-chan tea.Msg
}

// doneMsg ends a request.
type doneMsg struct {
	resp *facade.Response
	err  error
}

// Model is the bubbletea model of the console.
type Model struct {
	ctx     context.Context
	claude  Claude
	stopper Stopper
	userID  int64
	workDir string

	sessionID string
	entries   []entry
	toolCalls []string
	waiting   bool

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	markdown *glamour.TermRenderer
	width    int
	height   int
}

// New returns a console model chatting as userID in workDir.
func New(ctx context.Context, claude Claude, stopper Stopper, userID int64, workDir string) Model {
	ta := textarea.New()
	ta.Placeholder = "Message Claude... (Enter to send, /new, /stop)"
	ta.CharLimit = 8000
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("ctrl+j"), key.WithHelp("ctrl+j", "new line"))
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = ui.TitleStyle

	m := Model{
		ctx:      ctx,
		claude:   claude,
		stopper:  stopper,
		userID:   userID,
		workDir:  workDir,
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		width:    80,
		height:   30,
	}
	m.resize(80, 30)
	return m
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles input, stream events and request completion.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.waiting && m.stopper != nil {
				m.stopper.Stop(m.userID)
			}
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case streamMsg:
		if msg.ev.Type == backend.EventToolUse {
			m.toolCalls = append(m.toolCalls, msg.ev.ToolName)
		}
		return m, wait(msg.ch)

	case doneMsg:
		m.waiting = false
		m.toolCalls = nil
		m.finish(msg.resp, msg.err)
		return m, nil

	case spinner.TickMsg:
		if m.waiting {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	if _, ok := msg.(tea.MouseMsg); ok {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}
	m.textarea.Reset()

	switch text {
	case "/stop":
		if m.stopper != nil && m.stopper.Stop(m.userID) {
			m.add("system", "Stopped.")
		} else {
			m.add("system", "Nothing is running.")
		}
		return m, nil
	case "/new":
		if m.waiting {
			m.add("system", "Wait for the current reply or /stop it first.")
			return m, nil
		}
		info, err := m.claude.NewSession(m.ctx, m.userID, m.workDir)
		if err != nil {
			m.add("system", "Could not start a session: "+err.Error())
			return m, nil
		}
		m.sessionID = info.SessionID
		m.add("system", "New session started.")
		return m, nil
	}

	if m.waiting {
		m.add("system", "Still working on the previous message.")
		return m, nil
	}
	m.add("user", text)
	m.waiting = true

	ch := make(chan tea.Msg, 16)
	return m, tea.Batch(m.run(text, ch), wait(ch), m.spinner.Tick)
}

// run executes the request and reports stream events and the result on ch.
func (m Model) run(prompt string, ch chan tea.Msg) tea.Cmd {
	req := facade.Request{
		Prompt:     prompt,
		WorkingDir: m.workDir,
		UserID:     m.userID,
		SessionID:  m.sessionID,
	}
	return func() tea.Msg {
		req.OnStream = func(ev backend.Event) error {
			select {
			case ch <- streamMsg{ev: ev, ch: ch}:
			case <-m.ctx.Done():
			}
			return nil
		}
		resp, err := m.claude.Run(m.ctx, req)
		select {
		case ch <- doneMsg{resp: resp, err: err}:
		case <-m.ctx.Done():
		}
		return nil
	}
}

func wait(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg { return <-ch }
}

func (m *Model) finish(resp *facade.Response, err error) {
	if err != nil {
		m.add("system", "Error: "+err.Error())
		return
	}
	if resp.SessionID != "" {
		m.sessionID = resp.SessionID
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		text = "(no output)"
	}
	if resp.IsError {
		m.add("system", text)
		return
	}
	m.add("assistant", text)
	if resp.Cost > 0 {
		m.add("system", fmt.Sprintf("%s, %d turns", ui.FormatCost(resp.Cost), resp.NumTurns))
	}
}

func (m *Model) add(role, text string) {
	m.entries = append(m.entries, entry{role: role, text: text})
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	inner := max(width-4, 20)
	m.textarea.SetWidth(inner)
	m.viewport.Width = inner
	m.viewport.Height = max(height-10, 5)
	// Replies stay plain text if the renderer cannot be built.
	m.markdown, _ = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(inner),
	)
	m.viewport.SetContent(m.transcript())
}

func (m Model) transcript() string {
	wrap := lipgloss.NewStyle().Width(max(m.width-4, 20))
	var sb strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch e.role {
		case "user":
			sb.WriteString(ui.UserStyle.Render("You") + "\n")
			sb.WriteString(wrap.Render(e.text))
		case "assistant":
			sb.WriteString(ui.AssistantStyle.Render("Claude") + "\n")
			sb.WriteString(m.renderMarkdown(e.text, wrap))
		default:
			sb.WriteString(ui.DimStyle.Render(wrap.Render(e.text)))
		}
	}
	return sb.String()
}

func (m Model) renderMarkdown(text string, fallback lipgloss.Style) string {
	if m.markdown == nil {
		return fallback.Render(text)
	}
	out, err := m.markdown.Render(text)
	if err != nil {
		return fallback.Render(text)
	}
	return strings.TrimRight(out, "\n")
}

// View renders the console.
func (m Model) View() string {
	session := m.sessionID
	if session == "" {
		session = "new"
	}
	header := ui.TitleStyle.Render("claudegram console") + " " +
		ui.DimStyle.Render(fmt.Sprintf("%s · session %s", m.workDir, session))

	status := ui.DimStyle.Render("enter send · ctrl+j newline · /new · /stop · esc quit")
	if m.waiting {
		status = m.spinner.View() + " " + ui.WarningStyle.Render(fmt.Sprintf("Claude is working (%d tool calls)", len(m.toolCalls)))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		ui.BoxStyle.Render(m.viewport.View()),
		status,
		m.textarea.View(),
	)
}

// Run starts the console program and blocks until the operator quits.
func Run(ctx context.Context, claude Claude, stopper Stopper, userID int64, workDir string) error {
	p := tea.NewProgram(New(ctx, claude, stopper, userID, workDir), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
