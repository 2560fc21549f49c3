package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	PackageID = iota
	Threshold
	KeyServers
	LedgerRPC
	SessionTTL
	StoragePath
)

type (
	errMsg error
)

const (
	hotPink  = lipgloss.Color("#FF06B7")
	darkGray = lipgloss.Color("#767676")
)

var (
	inputStyle    = lipgloss.NewStyle().Foreground(hotPink)
	continueStyle = lipgloss.NewStyle().Foreground(darkGray)
)

var labels = []string{
	PackageID:   "Package ID",
	Threshold:   "Threshold",
	KeyServers:  "Key Servers",
	LedgerRPC:   "Ledger RPC URL",
	SessionTTL:  "Session TTL (min)",
	StoragePath: "Storage Path",
}

type Model struct {
	Inputs  []textinput.Model
	focused int
	err     error
	Quit    bool
}

func newInput(placeholder string, width int) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	in.CharLimit = 512
	in.Width = width
	return in
}

// InitialModel seeds the form with current values, indexed like the
// field constants. Missing entries start empty.
func InitialModel(current ...string) Model {
	inputs := make([]textinput.Model, len(labels))
	inputs[PackageID] = newInput("0x...", 70)
	inputs[Threshold] = newInput("2", 5)
	inputs[KeyServers] = newInput("object_id=https://url,object_id=https://url", 100)
	inputs[LedgerRPC] = newInput("https://fullnode.mainnet.sui.io", 70)
	inputs[SessionTTL] = newInput("30", 5)
	inputs[StoragePath] = newInput("~/.satya/data", 70)
	for i, v := range current {
		if i < len(inputs) {
			inputs[i].SetValue(v)
		}
	}
	inputs[PackageID].Focus()
	return Model{
		Inputs: inputs,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	cmds := make([]tea.Cmd, len(m.Inputs))
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			if m.focused == len(m.Inputs)-1 {
				return m, tea.Quit
			}
			m.nextInput()
		case tea.KeyCtrlC, tea.KeyEsc:
			m.Quit = true
			return m, tea.Quit
		case tea.KeyShiftTab, tea.KeyCtrlP:
			m.prevInput()
		case tea.KeyTab, tea.KeyCtrlN:
			m.nextInput()
		}
		for i := range m.Inputs {
			m.Inputs[i].Blur()
		}
		m.Inputs[m.focused].Focus()

	case errMsg:
		m.err = msg
		return m, nil
	}

	for i := range m.Inputs {
		m.Inputs[i], cmds[i] = m.Inputs[i].Update(msg)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString("\n")
	for i, label := range labels {
		fmt.Fprintf(&b, " %s  %s\n", inputStyle.Width(24).Render(label), m.Inputs[i].View())
	}
	if m.err != nil {
		fmt.Fprintf(&b, "\n %s\n", m.err)
	}
	fmt.Fprintf(&b, "\n %s\n", continueStyle.Render("Submit ->"))
	return b.String()
}

// Value returns the trimmed content of field i.
func (m Model) Value(i int) string {
	return strings.TrimSpace(m.Inputs[i].Value())
}

func (m Model) Focused() int {
	return m.focused
}

// nextInput focuses the next input field
func (m *Model) nextInput() {
	m.focused = (m.focused + 1) % len(m.Inputs)
}

// prevInput focuses the previous input field
func (m *Model) prevInput() {
	m.focused--
	// Wrap around
	if m.focused < 0 {
		m.focused = len(m.Inputs) - 1
	}
}

// ParseKeyServers reads "id=url" pairs separated by commas.
func ParseKeyServers(s string) (map[string]string, []string, error) {
	urls := make(map[string]string)
	var order []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, u, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(u) == "" {
			return nil, nil, fmt.Errorf("key server %q is not object_id=url", part)
		}
		id = strings.TrimSpace(id)
		if _, dup := urls[id]; !dup {
			order = append(order, id)
		}
		urls[id] = strings.TrimSpace(u)
	}
	return urls, order, nil
}
