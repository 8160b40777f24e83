package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxHistory bounds the scrollback kept by the TUI.
const maxHistory = 1000

// lineBacklog is how many rendered lines may wait for the TUI before
// notifications block.
const lineBacklog = 256

type lineMsg string

type doneMsg struct{}

// TUI is a full-screen chat view with an input line. Notifications are
// rendered by the embedded Console and queued to the running program.
type TUI struct {
	*Console

	in     io.Reader
	out    io.Writer
	lines  chan string
	done   chan struct{}
	once   sync.Once
	status lipgloss.Style
}

// NewTUI creates a TUI reading keys from in and drawing to out. onReject
// runs after a login rejection and may be nil.
func NewTUI(in io.Reader, out io.Writer, onReject func()) *TUI {
	r := lipgloss.NewRenderer(out)
	t := &TUI{
		in:     in,
		out:    out,
		lines:  make(chan string, lineBacklog),
		done:   make(chan struct{}),
		status: r.NewStyle().Foreground(lipgloss.Color("241")),
	}
	t.Console = newConsole(r, t.emit, onReject)
	return t
}

// emit queues a line for display. It never blocks after Stop.
func (t *TUI) emit(line string) {
	select {
	case t.lines <- line:
	case <-t.done:
	}
}

// Stop ends a running program once queued lines are shown and releases
// pending notifications. It is safe to call more than once.
func (t *TUI) Stop() {
	t.once.Do(func() { close(t.done) })
}

// Run drives the program until the user quits, ctx ends or Stop is called.
// Quitting from the keyboard closes cl. The last line shown is repeated on
// the normal screen after the alternate screen is torn down.
func (t *TUI) Run(ctx context.Context, cl Client) error {
	defer t.Stop()

	p := tea.NewProgram(newModel(cl, t.lines, t.done, t.status),
		tea.WithAltScreen(),
		tea.WithInput(t.in),
		tea.WithOutput(t.out))
	stop := context.AfterFunc(ctx, p.Quit)
	defer stop()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("terminal ui: %w", err)
	}
	if m, ok := final.(model); ok && len(m.history) > 0 {
		fmt.Fprintln(t.out, m.history[len(m.history)-1])
	}
	return nil
}

type model struct {
	client  Client
	lines   <-chan string
	done    <-chan struct{}
	input   textinput.Model
	view    viewport.Model
	status  lipgloss.Style
	history []string
}

func newModel(cl Client, lines <-chan string, done <-chan struct{}, status lipgloss.Style) model {
	ti := textinput.New()
	ti.Placeholder = "message, /fileList, /download <name>, /upload <path>, /quit"
	ti.Focus()

	vp := viewport.New(80, 20)
	// Letter keys belong to the input line.
	vp.KeyMap = viewport.KeyMap{
		PageUp:   key.NewBinding(key.WithKeys("pgup")),
		PageDown: key.NewBinding(key.WithKeys("pgdown")),
	}

	return model{
		client: cl,
		lines:  lines,
		done:   done,
		input:  ti,
		view:   vp,
		status: status,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.wait())
}

// wait delivers the next queued line, or doneMsg once the queue is drained
// after Stop.
func (m model) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case line := <-m.lines:
			return lineMsg(line)
		case <-m.done:
			select {
			case line := <-m.lines:
				return lineMsg(line)
			default:
				return doneMsg{}
			}
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.client.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			if !Dispatch(line, m.client) {
				m.client.Close()
				return m, tea.Quit
			}
			return m, nil
		}

	case lineMsg:
		m.history = append(m.history, string(msg))
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
		m.view.SetContent(strings.Join(m.history, "\n"))
		m.view.GotoBottom()
		return m, m.wait()

	case doneMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-2, 1)
		m.input.Width = max(msg.Width-3, 1)
		m.view.SetContent(strings.Join(m.history, "\n"))
		m.view.GotoBottom()
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.view, cmd = m.view.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	rule := m.status.Render(strings.Repeat("─", max(m.view.Width, 1)))
	return m.view.View() + "\n" + rule + "\n" + m.input.View()
}
