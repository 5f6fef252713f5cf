// Package tui is a live presentation surface: a terminal viewer of the
// merged, sorted tab list published by the display builder.
package tui

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/lotas/tabzentrale/internal/display"
	"github.com/lotas/tabzentrale/internal/protocol"
	"github.com/lotas/tabzentrale/internal/registry"
	"github.com/lotas/tabzentrale/internal/types"
)

// Messages from the coordinator
type displayMsg struct {
	state *types.DisplayState
}
type commandFailedMsg struct {
	id  string
	err string
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	browserStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	sectionStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("109"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// Viewer renders display states and routes key actions back through the
// registry as commands. It implements display.Sink.
//
// Publish never blocks: tea.Program.Send only becomes safe once the
// program loop is running, so states arriving earlier are parked
// (latest wins) and flushed by the model's Init command.
type Viewer struct {
	program *tea.Program

	mu      sync.Mutex
	running bool
	pending *types.DisplayState
}

// NewViewer creates the viewer over the builder (strategy switching)
// and registry (commands, drop counters).
func NewViewer(builder *display.Builder, reg *registry.Registry) *Viewer {
	v := &Viewer{}
	m := model{viewer: v, builder: builder, registry: reg, state: builder.State()}
	v.program = tea.NewProgram(m, tea.WithAltScreen())

	reg.SetCommandResultHandler(func(sessionKey string, res *protocol.CommandResultPayload) {
		if !res.OK {
			v.send(commandFailedMsg{id: res.ID, err: res.Error})
		}
	})
	return v
}

// Publish hands a fresh state to the running UI, or parks it until the
// UI starts.
func (v *Viewer) Publish(state *types.DisplayState) {
	v.mu.Lock()
	if !v.running {
		v.pending = state
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.program.Send(displayMsg{state: state})
}

// send drops messages that arrive before the program loop runs. Only
// display states are worth parking; transient notices are not.
func (v *Viewer) send(msg tea.Msg) {
	v.mu.Lock()
	running := v.running
	v.mu.Unlock()
	if running {
		v.program.Send(msg)
	}
}

// start executes as the model's Init command, inside the program's own
// loop: from here on Send cannot block, so mark the viewer live and
// flush whatever state was parked before startup.
func (v *Viewer) start() tea.Msg {
	v.mu.Lock()
	v.running = true
	state := v.pending
	v.pending = nil
	v.mu.Unlock()
	if state == nil {
		return nil
	}
	return displayMsg{state: state}
}

// Run blocks until the user quits.
func (v *Viewer) Run() error {
	_, err := v.program.Run()
	return err
}

type model struct {
	viewer   *Viewer
	builder  *display.Builder
	registry *registry.Registry
	state    *types.DisplayState
	cursor   int
	lastErr  string
	width    int
	height   int
}

func (m model) Init() tea.Cmd {
	return m.viewer.start
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case displayMsg:
		m.state = msg.state
		if m.cursor >= len(m.state.Tabs) {
			m.cursor = len(m.state.Tabs) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}

	case commandFailedMsg:
		m.lastErr = fmt.Sprintf("command %s failed: %s", msg.id, msg.err)

	case tea.KeyMsg:
		m.lastErr = ""
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.state.Tabs)-1 {
				m.cursor++
			}
		case "enter":
			return m, m.sendCommand(protocol.CommandActivateTab)
		case "x":
			return m, m.sendCommand(protocol.CommandCloseTab)
		case "1":
			return m, setStrategy(m.builder, types.SortLastActivated)
		case "2":
			return m, setStrategy(m.builder, types.SortWindowGrouped)
		case "3":
			return m, setStrategy(m.builder, types.SortLastAccessed)
		case "4":
			return m, setStrategy(m.builder, types.SortLastDeactivated)
		}
	}
	return m, nil
}

func setStrategy(b *display.Builder, s types.SortStrategy) tea.Cmd {
	return func() tea.Msg {
		b.SetStrategy(s)
		return nil
	}
}

func (m model) sendCommand(action string) tea.Cmd {
	if m.cursor >= len(m.state.Tabs) {
		return nil
	}
	tab := m.state.Tabs[m.cursor]
	reg := m.registry
	return func() tea.Msg {
		reg.SendCommand(tab.SessionKey, &protocol.CommandPayload{
			ID:       "tui-" + tab.ID,
			Action:   action,
			TabID:    tab.TabID,
			WindowID: tab.WindowID,
		})
		return nil
	}
}

func (m model) View() string {
	var b strings.Builder

	header := fmt.Sprintf("tabzentrale — %d tabs", len(m.state.Tabs))
	if m.state.ActiveSessions == 0 {
		header = "tabzentrale — no browsers connected"
	} else if m.state.ActiveSessions > 1 {
		header = fmt.Sprintf("tabzentrale — %d tabs across %d browsers", len(m.state.Tabs), m.state.ActiveSessions)
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString(dimStyle.Render("  [" + string(m.state.Strategy) + "]"))
	b.WriteString("\n\n")

	visible := m.height - 8
	if visible < 5 {
		visible = 5
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}

	for i := start; i < len(m.state.Tabs) && i < start+visible; i++ {
		tab := m.state.Tabs[i]
		marker := "  "
		if tab.Active {
			marker = activeStyle.Render("● ")
		}
		pin := ""
		if tab.Pinned {
			pin = "📌 "
		}
		title := tab.Title
		if title == "" {
			title = tab.URL
		}
		title = truncate(title, 70)
		line := fmt.Sprintf("%s%s%s %s %s", marker, pin, title,
			browserStyle.Render("["+tab.BrowserType+"]"),
			dimStyle.Render(tab.ID))
		if i == m.cursor {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if len(m.state.RecentlyClosed) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Recently closed") + "\n")
		for _, c := range m.state.RecentlyClosed {
			b.WriteString(dimStyle.Render("  ✕ "+truncate(firstNonEmpty(c.Title, c.URL), 70)) + "\n")
		}
	}
	if len(m.state.OtherDevices) > 0 {
		b.WriteString("\n" + sectionStyle.Render("Other devices") + "\n")
		for _, d := range m.state.OtherDevices {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %s (%d tabs)", d.DeviceName, len(d.Tabs))) + "\n")
		}
	}

	if m.lastErr != "" {
		b.WriteString("\n" + errStyle.Render(m.lastErr) + "\n")
	}

	stats := m.registry.Stats()
	footer := "enter activate · x close · 1-4 strategy · q quit"
	if drops := stats.ProtocolDrops + stats.SessionDrops + stats.OrderingDrops; drops > 0 {
		footer += dimStyle.Render(fmt.Sprintf("  (drops: %d)", drops))
	}
	b.WriteString("\n" + dimStyle.Render(footer))

	return b.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
