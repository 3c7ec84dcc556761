// Package ui renders the operator dashboard behind `aria top`. It polls the
// gateway's /statusz endpoint and draws live connection and session state.
package ui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/aria/internal/registry"
)

// pollInterval paces the /statusz requests.
const pollInterval = 2 * time.Second

// headerHeight is the screen space above and below the connection viewport.
const headerHeight = 7

// Status mirrors the gateway's /statusz payload.
type Status struct {
	Status            string          `json:"status"`
	UptimeSeconds     int64           `json:"uptime_seconds"`
	ActiveConnections int             `json:"active_connections"`
	ActiveSessions    int             `json:"active_sessions"`
	SessionsByKind    map[string]int  `json:"sessions_by_kind"`
	Connections       []registry.Info `json:"connections"`
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#5A56E0")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

type tickMsg time.Time

type fetchedMsg struct {
	status *Status
	err    error
}

// Model is the dashboard state.
type Model struct {
	base   string
	client *http.Client

	status      *Status
	fetchErr    error
	lastUpdated time.Time

	viewport viewport.Model
	ready    bool
	quitting bool
	width    int
	height   int
}

func NewModel(baseURL string) Model {
	return Model{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch runs on the bubbletea command pool, off the update loop.
func (m Model) fetch() tea.Msg {
	resp, err := m.client.Get(m.base + "/statusz")
	if err != nil {
		return fetchedMsg{err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fetchedMsg{err: fmt.Errorf("statusz returned %s", resp.Status)}
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fetchedMsg{err: err}
	}
	return fetchedMsg{status: &st}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		m.viewport.SetContent(renderConnections(m.connections()))

	case tickMsg:
		return m, tea.Batch(m.fetch, tick())

	case fetchedMsg:
		m.fetchErr = msg.err
		if msg.status != nil {
			m.status = msg.status
			m.lastUpdated = time.Now()
		}
		if m.ready {
			m.viewport.SetContent(renderConnections(m.connections()))
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}

	header := titleStyle.Render(" ARIA Gateway ")
	summary := infoStyle.Render(" " + m.summaryLine() + " ")

	var errLine string
	if m.fetchErr != nil {
		errLine = errorStyle.Render(fmt.Sprintf(" %v ", m.fetchErr))
	}

	footer := footerStyle.Render(m.footerLine())

	view := fmt.Sprintf("%s%s\n%s\n\n%s\n\n%s",
		header, summary, errLine,
		m.viewport.View(),
		footer)

	if m.quitting {
		return view + "\n"
	}
	return view
}

func (m Model) summaryLine() string {
	if m.status == nil {
		return "waiting for gateway..."
	}
	st := m.status
	return fmt.Sprintf("uptime %s | %d connections | %d sessions (voice %d / text %d)",
		formatUptime(st.UptimeSeconds),
		st.ActiveConnections,
		st.ActiveSessions,
		st.SessionsByKind["voice"],
		st.SessionsByKind["text"])
}

func (m Model) footerLine() string {
	if m.lastUpdated.IsZero() {
		return " q quit "
	}
	return fmt.Sprintf(" q quit | refreshed %s ", m.lastUpdated.Format("15:04:05"))
}

func (m Model) connections() []registry.Info {
	if m.status == nil {
		return nil
	}
	return m.status.Connections
}

func renderConnections(conns []registry.Info) string {
	if len(conns) == 0 {
		return "no active connections"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-24s %-12s %-10s %s\n", "CONN", "SUBJECT", "TIER", "SINCE", "SESSIONS")
	for _, c := range conns {
		sessions := make([]string, 0, len(c.Sessions))
		for _, s := range c.Sessions {
			sessions = append(sessions, s.Kind+":"+string(s.State))
		}
		label := strings.Join(sessions, " ")
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(&b, "%-10s %-24s %-12s %-10s %s\n",
			shortID(c.ID), c.SubjectID, c.Tier,
			c.ConnectedAt.Local().Format("15:04:05"), label)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(baseURL string) error {
	p := tea.NewProgram(NewModel(baseURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
