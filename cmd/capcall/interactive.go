package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/wippyai/capbridge/schema"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	methodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type methodInfo struct {
	name    string
	params  []*schema.Field
	results []*schema.Field
	node    *schema.Node
}

type modelState int

const (
	stateSelectMethod modelState = iota
	stateInputParams
	stateShowResult
)

// pickerModel lets the user pick a method and fill in its parameters. Calls
// run one at a time from tea commands, so the context is never used by two
// goroutines at once.
type pickerModel struct {
	ctx      context.Context
	s        *session
	err      error
	result   string
	methods  []methodInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	busy     bool
	state    modelState
}

type callResultMsg struct {
	err    error
	result string
}

func newPickerModel(ctx context.Context, s *session) (*pickerModel, error) {
	m := &pickerModel{ctx: ctx, s: s, state: stateSelectMethod}
	for _, e := range s.methods.Entries {
		params, err := e.Method.Params()
		if err != nil {
			return nil, err
		}
		results, err := e.Method.Results()
		if err != nil {
			return nil, err
		}
		m.methods = append(m.methods, methodInfo{
			name:    e.Method.Name,
			params:  params.Fields,
			results: results.Fields,
			node:    params,
		})
	}
	return m, nil
}

func (m *pickerModel) Init() tea.Cmd {
	return nil
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputParams {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectMethod && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectMethod && m.selected < len(m.methods)-1 {
				m.selected++
			}

		case "enter":
			if m.busy {
				return m, nil
			}
			switch m.state {
			case stateSelectMethod:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					m.busy = true
					return m, m.callMethod
				}
				m.state = stateInputParams
				return m, textinput.Blink

			case stateInputParams:
				m.busy = true
				return m, m.callMethod

			case stateShowResult:
				m.state = stateSelectMethod
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputParams && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputParams:
				m.state = stateSelectMethod
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectMethod
				m.result = ""
				m.err = nil
			}
		}

	case callResultMsg:
		m.busy = false
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputParams {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *pickerModel) prepareInputs() {
	f := m.methods[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = p.Type.String()
		ti.Prompt = p.Name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *pickerModel) callMethod() tea.Msg {
	f := m.methods[m.selected]
	args := make([]string, 0, len(m.inputs))
	for i, input := range m.inputs {
		if v := input.Value(); v != "" {
			args = append(args, f.params[i].Name+"="+v)
		}
	}
	params, err := parseParams(f.node, args)
	if err != nil {
		return callResultMsg{err: err}
	}
	out, err := m.s.invoke(m.ctx, f.name, params)
	if err != nil {
		return callResultMsg{err: err}
	}
	var b bytes.Buffer
	if err := render(&b, "yaml", out); err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: strings.TrimRight(b.String(), "\n")}
}

func (m *pickerModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("capcall"))
	b.WriteString(" ")
	b.WriteString(cfg.Object + " @ " + cfg.Address)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectMethod:
		b.WriteString("Select a method to call:\n\n")
		for i, f := range m.methods {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatMethod(f)))
			} else {
				b.WriteString("  " + formatMethod(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputParams:
		f := m.methods[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", methodStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(f.params[i].Type.String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		if m.busy {
			b.WriteString(helpStyle.Render("calling..."))
		} else {
			b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))
		}

	case stateShowResult:
		f := m.methods[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", methodStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatMethod(f methodInfo) string {
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = p.Name + ": " + typeStyle.Render(p.Type.String())
	}
	results := make([]string, len(f.results))
	for i, r := range f.results {
		results[i] = r.Name + ": " + typeStyle.Render(r.Type.String())
	}
	out := methodStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")"
	if len(results) > 0 {
		out += " -> (" + strings.Join(results, ", ") + ")"
	}
	return out
}

func runInteractive(ctx context.Context, s *session) error {
	m, err := newPickerModel(ctx, s)
	if err != nil {
		return err
	}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
