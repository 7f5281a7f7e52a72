// Package prompt implements interactive terminal prompts with bubbletea.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"monorel/internal/version"
)

// ErrCanceled is returned when the user aborts a prompt.
var ErrCanceled = errors.New("prompt canceled")

var (
	questionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

// Terminal prompts on a terminal. Zero values use stdin and stderr.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

func (t *Terminal) run(m tea.Model) (tea.Model, error) {
	in, out := t.In, t.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return tea.NewProgram(m, tea.WithInput(in), tea.WithOutput(out)).Run()
}

// Select implements version.Prompter.
func (t *Terminal) Select(message string, choices []version.Choice) (string, error) {
	final, err := t.run(newSelectModel(message, choices))
	if err != nil {
		return "", err
	}
	m := final.(selectModel)
	if m.canceled {
		return "", ErrCanceled
	}
	return m.choices[m.cursor].Value, nil
}

// Input implements version.Prompter.
func (t *Terminal) Input(message, initial string, validate func(string) error) (string, error) {
	final, err := t.run(newInputModel(message, initial, validate))
	if err != nil {
		return "", err
	}
	m := final.(inputModel)
	if m.canceled {
		return "", ErrCanceled
	}
	return m.value, nil
}

// Confirm asks a yes/no question.
func (t *Terminal) Confirm(message string) (bool, error) {
	final, err := t.run(confirmModel{message: message})
	if err != nil {
		return false, err
	}
	m := final.(confirmModel)
	if m.canceled {
		return false, ErrCanceled
	}
	return m.answer, nil
}

type selectModel struct {
	message  string
	choices  []version.Choice
	cursor   int
	done     bool
	canceled bool
}

func newSelectModel(message string, choices []version.Choice) selectModel {
	return selectModel{message: message, choices: choices}
}

func (m selectModel) Init() tea.Cmd { return nil }

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "esc", "q":
		m.canceled = true
		return m, tea.Quit
	case "enter":
		if len(m.choices) > 0 {
			m.done = true
			return m, tea.Quit
		}
	case "down", "j":
		m.cursor++
		if m.cursor >= len(m.choices) {
			m.cursor = 0
		}
	case "up", "k":
		m.cursor--
		if m.cursor < 0 {
			m.cursor = len(m.choices) - 1
		}
	}
	return m, nil
}

func (m selectModel) View() string {
	if m.done || m.canceled {
		return ""
	}
	var b strings.Builder
	b.WriteString(questionStyle.Render("? "+m.message) + "\n")
	for i, c := range m.choices {
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("> "+c.Label) + "\n")
		} else {
			b.WriteString("  " + c.Label + "\n")
		}
	}
	b.WriteString(hintStyle.Render("(up/down to move, enter to select)") + "\n")
	return b.String()
}

type inputModel struct {
	message  string
	input    textinput.Model
	validate func(string) error
	err      error
	value    string
	done     bool
	canceled bool
}

func newInputModel(message, initial string, validate func(string) error) inputModel {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 40
	ti.SetValue(initial)
	return inputModel{message: message, input: ti, validate: validate}
}

func (m inputModel) Init() tea.Cmd { return textinput.Blink }

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.canceled = true
			return m, tea.Quit
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			if m.validate != nil {
				if err := m.validate(value); err != nil {
					m.err = err
					return m, nil
				}
			}
			m.value = value
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.err = nil
	return m, cmd
}

func (m inputModel) View() string {
	if m.done || m.canceled {
		return ""
	}
	s := questionStyle.Render("? "+m.message) + "\n" + m.input.View() + "\n"
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf(">> %v", m.err)) + "\n"
	}
	return s
}

type confirmModel struct {
	message  string
	answer   bool
	done     bool
	canceled bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch strings.ToLower(key.String()) {
	case "ctrl+c", "esc":
		m.canceled = true
		return m, tea.Quit
	case "y":
		m.answer, m.done = true, true
		return m, tea.Quit
	case "n", "enter":
		m.answer, m.done = false, true
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	if m.done || m.canceled {
		return ""
	}
	return questionStyle.Render("? "+m.message) + hintStyle.Render(" (y/N) ") + "\n"
}

// Yes answers every confirmation with true without prompting.
type Yes struct{}

// Confirm implements Confirmer.
func (Yes) Confirm(string) (bool, error) { return true, nil }

// Confirmer asks yes/no questions.
type Confirmer interface {
	Confirm(message string) (bool, error)
}
