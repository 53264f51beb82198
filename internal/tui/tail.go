// Package tui implements the terminal log viewer using Bubble Tea.
package tui

import (
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// IsTTY returns true if stdout is connected to a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RunTail opens a scrollable viewer over the given log lines.
func RunTail(title string, lines []string) error {
	m := tailModel{title: title, content: strings.Join(lines, "\n")}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type tailModel struct {
	title    string
	content  string
	viewport viewport.Model
	ready    bool
}

func (m tailModel) Init() tea.Cmd {
	return nil
}

func (m tailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		// Header and footer each take one line.
		height := msg.Height - 2
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.SetContent(m.content)
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m tailModel) View() string {
	if !m.ready {
		return "loading..."
	}
	header := headerStyle.Render(m.title)
	footer := footerStyle.Render("↑/↓ scroll · q quit")
	return header + "\n" + m.viewport.View() + "\n" + footer
}
