package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// --- STYLES ---
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#575B7E")).
			Padding(0, 1)

	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	statusKeyStyle = lipgloss.NewStyle().Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Source is the read side of the measurement store.
type Source interface {
	LatestPerDevice(ctx context.Context) ([]types.Measurement, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// staleCycles is how many missed scan cycles mark a device stale.
const staleCycles = 3

// StaleAfter derives the stale threshold from a stored refresh_interval
// value, clamped like the collector clamps it. Unusable values yield fallback.
func StaleAfter(raw string, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return staleCycles * modbus.ClampInterval(time.Duration(secs)*time.Second, modbus.MinInterval)
}

// --- MODEL ---
type tickMsg time.Time

type dataMsg struct {
	rows  []types.Measurement
	err   error
	at    time.Time
	stale time.Duration
}

type Model struct {
	source   Source
	interval time.Duration
	// rows older than this are flagged as stale; refreshed from the store
	staleAfter    time.Duration
	staleFallback time.Duration
	now           func() time.Time

	table       table.Model
	rows        []types.Measurement
	err         error
	lastRefresh time.Time
	width       int
}

var columns = []table.Column{
	{Title: "ID", Width: 4},
	{Title: "Last seen", Width: 10},
	{Title: "Power W", Width: 9},
	{Title: "Voltage V", Width: 9},
	{Title: "Current A", Width: 9},
	{Title: "Temp °C", Width: 8},
	{Title: "Fault", Width: 12},
	{Title: "", Width: 6},
}

func NewModel(source Source, interval, staleAfter time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#575B7E"))
	t.SetStyles(styles)

	return Model{
		source:        source,
		interval:      interval,
		staleAfter:    staleAfter,
		staleFallback: staleAfter,
		now:           time.Now,
		table:         t,
	}
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	source, now, fallback := m.source, m.now, m.staleFallback
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := source.LatestPerDevice(ctx)

		stale := fallback
		if v, ok, serr := source.GetSetting(ctx, settings.KeyRefreshInterval); serr == nil && ok {
			stale = StaleAfter(v, fallback)
		}
		return dataMsg{rows: rows, err: err, at: now(), stale: stale}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// --- UPDATE ---
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		// title, summary, border, footer
		height := msg.Height - 8
		if height < 3 {
			height = 3
		}
		m.table.SetHeight(height)

	case tickMsg:
		return m, m.fetch()

	case dataMsg:
		m.lastRefresh = msg.at
		m.err = msg.err
		if msg.stale > 0 {
			m.staleAfter = msg.stale
		}
		if msg.err == nil {
			m.rows = msg.rows
			m.table.SetRows(BuildRows(msg.rows, msg.at, m.staleAfter))
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// BuildRows renders measurements as table rows. Rows whose timestamp lies
// more than staleAfter before now carry a STALE marker.
func BuildRows(rows []types.Measurement, now time.Time, staleAfter time.Duration) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		marker := ""
		if staleAfter > 0 && now.Sub(r.Timestamp) > staleAfter {
			marker = "STALE"
		}
		out = append(out, table.Row{
			fmt.Sprintf("%d", r.DeviceID),
			r.Timestamp.Local().Format("15:04:05"),
			fmt.Sprintf("%.0f", r.Power),
			fmt.Sprintf("%.1f", r.Voltage),
			fmt.Sprintf("%.2f", r.Current),
			fmt.Sprintf("%.1f", r.Temperature),
			FormatFault(r.FaultCode, r.FaultCode2),
			marker,
		})
	}
	return out
}

// FormatFault shows the fault words in hex, or "-" when both are clear.
func FormatFault(code, code2 uint32) string {
	switch {
	case code == 0 && code2 == 0:
		return "-"
	case code2 == 0:
		return fmt.Sprintf("0x%X", code)
	default:
		return fmt.Sprintf("0x%X/0x%X", code, code2)
	}
}

// --- VIEW ---
func (m Model) View() string {
	var total float64
	for _, r := range m.rows {
		total += r.Power
	}

	refreshed := "never"
	if !m.lastRefresh.IsZero() {
		refreshed = m.lastRefresh.Local().Format("15:04:05")
	}

	summary := lipgloss.JoinHorizontal(lipgloss.Left,
		statusKeyStyle.Render("Inverters: "), fmt.Sprintf("%-5d", len(m.rows)),
		statusKeyStyle.Render("Total: "), fmt.Sprintf("%-10s", fmt.Sprintf("%.0f W", total)),
		statusKeyStyle.Render("Refreshed: "), refreshed,
	)

	var b strings.Builder
	b.WriteString(titleStyle.Render("OpenSolarCollector") + "\n")
	b.WriteString(summary + "\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("Store error: "+m.err.Error()) + "\n")
	}
	if len(m.rows) == 0 {
		b.WriteString(baseStyle.Render("No measurements yet") + "\n")
	} else {
		b.WriteString(baseStyle.Render(m.table.View()) + "\n")
	}
	b.WriteString(helpStyle.Render(fmt.Sprintf("refresh every %s | (r) refresh now | (q) quit", m.interval)))
	return b.String()
}
