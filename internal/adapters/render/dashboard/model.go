package dashboard

import (
	"errors"
	"io"

	"github.com/bnema/interpreter-scheduler/internal/application"
	tea "github.com/charmbracelet/bubbletea"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

type viewFunc func(styles) string

type frameReadyMsg struct{}

// frame renders its view exactly once and quits, so callers get a plain string.
type frame struct {
	view   viewFunc
	styles styles
	out    string
}

func (f frame) Init() tea.Cmd {
	return func() tea.Msg { return frameReadyMsg{} }
}

func (f frame) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(frameReadyMsg); ok {
		f.out = f.view(f.styles)
		return f, tea.Quit
	}
	return f, nil
}

func (f frame) View() string {
	return f.out
}

func RenderPool(board application.PoolDashboard, opts RenderOptions) (string, error) {
	return renderOnce(func(s styles) string { return poolView(board, opts, s) })
}

func RenderHealth(report application.HealthReport, _ RenderOptions) (string, error) {
	return renderOnce(func(s styles) string { return healthView(report, s) })
}

func RenderStatus(status application.RealTimeStatus, opts RenderOptions) (string, error) {
	return renderOnce(func(s styles) string { return statusView(status, opts, s) })
}

func renderOnce(view viewFunc) (string, error) {
	final, err := tea.NewProgram(
		frame{view: view, styles: newStyles()},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	).Run()
	if err != nil {
		return "", err
	}

	done, ok := final.(frame)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return done.View(), nil
}
