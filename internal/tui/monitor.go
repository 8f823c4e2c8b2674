// Package tui renders the live execution monitor for `exec monitor`.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	statusColors = map[models.Status]lipgloss.Style{
		models.StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		models.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusKilled:    lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		models.StatusTimedOut:  lipgloss.NewStyle().Foreground(lipgloss.Color("227")),
	}
)

type Monitor struct {
	store *storage.Store
	table table.Model
	err   error
}

func NewMonitor(store *storage.Store) *Monitor {
	columns := []table.Column{
		{Title: "ID", Width: 24},
		{Title: "Status", Width: 10},
		{Title: "PID", Width: 8},
		{Title: "Heartbeat", Width: 12},
		{Title: "Task", Width: 48},
	}

	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return &Monitor{store: store, table: tbl}
}

type tickMsg time.Time

type recordsMsg struct {
	rows []table.Row
	err  error
}

func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.loadRecords, m.tickCmd())
}

func (m *Monitor) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Monitor) loadRecords() tea.Msg {
	recs, err := m.store.ListRecords(storage.ListFilter{Limit: 50})
	if err != nil {
		return recordsMsg{err: err}
	}

	rows := make([]table.Row, 0, len(recs))
	for _, rec := range recs {
		pid := "-"
		if rec.PID != nil {
			pid = fmt.Sprintf("%d", *rec.PID)
		}
		beat := "-"
		if rec.LastHeartbeat != nil {
			beat = fmt.Sprintf("%ds ago", int(time.Since(*rec.LastHeartbeat).Seconds()))
		}
		status := statusColors[rec.Status].Render(string(rec.Status))
		rows = append(rows, table.Row{rec.ID, status, pid, beat, truncate(rec.Task, 48)})
	}
	return recordsMsg{rows: rows}
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case recordsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.table.SetRows(msg.rows)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadRecords, m.tickCmd())
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Monitor) View() string {
	s := titleStyle.Render("foreman executions") + "\n\n"
	s += m.table.View() + "\n"
	if m.err != nil {
		s += "\nerror: " + m.err.Error() + "\n"
	}
	s += helpStyle.Render("q: quit")
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
