package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type workDoneMsg struct {
	err error
}

// progressSpinner shows a label and the elapsed time while one blocking job runs.
type progressSpinner struct {
	spinner spinner.Model
	elapsed lipgloss.Style
	label   string
	job     tea.Cmd
	started time.Time
	now     time.Time
	err     error
	done    bool
}

func newProgressSpinner(label string, job tea.Cmd, started time.Time) progressSpinner {
	return progressSpinner{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.MiniDot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("203"))),
		),
		elapsed: lipgloss.NewStyle().Faint(true),
		label:   label,
		job:     job,
		started: started,
		now:     started,
	}
}

func (m progressSpinner) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.job)
}

func (m progressSpinner) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case workDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		m.now = msg.Time
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressSpinner) View() string {
	if m.done {
		return ""
	}

	elapsed := m.now.Sub(m.started).Truncate(time.Second)
	return fmt.Sprintf("%s %s %s", m.spinner.View(), m.label, m.elapsed.Render(elapsed.String()))
}

// runWithSpinner renders on output until job returns, then yields job's error.
func runWithSpinner(ctx context.Context, output io.Writer, label string, job func(context.Context) error) error {
	program := tea.NewProgram(
		newProgressSpinner(label, func() tea.Msg { return workDoneMsg{err: job(ctx)} }, time.Now()),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("run spinner: %w", err)
	}

	state, ok := final.(progressSpinner)
	if !ok {
		return fmt.Errorf("unexpected final spinner model type %T", final)
	}

	return state.err
}
