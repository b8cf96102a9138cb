package modal

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// InputModal asks for a name and, optionally, a description
type InputModal struct {
	modalType        ModalType
	title            string
	subtitle         string
	withDescription  bool
	urlSafe          bool
	maxLength        int
	cancellable      bool
	nameInput        string
	descriptionInput string
	focusedField     int // 0 = name, 1 = description
	errorMessage     string
	onConfirm        func(name, description string) tea.Cmd
}

// NewDisplayNameModal asks for the name shown next to the user's messages.
// It cannot be dismissed without an answer.
func NewDisplayNameModal(current string, onConfirm func(name string) tea.Cmd) *InputModal {
	return &InputModal{
		modalType: ModalDisplayName,
		title:     "Choose a Display Name",
		subtitle:  "Shown next to every message you send",
		maxLength: 32,
		nameInput: current,
		onConfirm: func(name, _ string) tea.Cmd { return onConfirm(name) },
	}
}

// NewCreateServerModal asks for the name of a new server
func NewCreateServerModal(onConfirm func(name string) tea.Cmd) *InputModal {
	return &InputModal{
		modalType:   ModalCreateServer,
		title:       "Create Server",
		maxLength:   50,
		cancellable: true,
		onConfirm:   func(name, _ string) tea.Cmd { return onConfirm(name) },
	}
}

// NewCreateChannelModal asks for a channel name and description
func NewCreateChannelModal(serverName string, onConfirm func(name, description string) tea.Cmd) *InputModal {
	return &InputModal{
		modalType:       ModalCreateChannel,
		title:           "Create Channel",
		subtitle:        fmt.Sprintf("In server: %s", serverName),
		withDescription: true,
		urlSafe:         true,
		maxLength:       30,
		cancellable:     true,
		onConfirm:       onConfirm,
	}
}

func (m *InputModal) Type() ModalType {
	return m.modalType
}

// Name returns the current name input
func (m *InputModal) Name() string {
	return m.nameInput
}

// Error returns the validation message, if any
func (m *InputModal) Error() string {
	return m.errorMessage
}

func (m *InputModal) validate() string {
	name := strings.TrimSpace(m.nameInput)
	if name == "" {
		return "Name cannot be empty"
	}
	if utf8.RuneCountInString(name) > m.maxLength {
		return fmt.Sprintf("Name must be at most %d characters", m.maxLength)
	}
	if m.urlSafe {
		for _, c := range name {
			if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
				return "Name can only contain letters, numbers, hyphens, and underscores"
			}
		}
	}
	return ""
}

// HandleKey processes keyboard input
func (m *InputModal) HandleKey(msg tea.KeyMsg) (bool, Modal, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		if m.withDescription {
			m.focusedField = 1 - m.focusedField
		}
		return true, m, nil

	case "enter":
		if problem := m.validate(); problem != "" {
			m.errorMessage = problem
			return true, m, nil
		}
		var cmd tea.Cmd
		if m.onConfirm != nil {
			cmd = m.onConfirm(strings.TrimSpace(m.nameInput), strings.TrimSpace(m.descriptionInput))
		}
		return true, nil, cmd

	case "esc":
		if !m.cancellable {
			return true, m, nil
		}
		return true, nil, nil

	case "backspace":
		field := m.field()
		if len(*field) > 0 {
			_, size := utf8.DecodeLastRuneInString(*field)
			*field = (*field)[:len(*field)-size]
		}
		return true, m, nil

	case " ":
		if m.focusedField == 0 && m.urlSafe {
			m.errorMessage = "Spaces not allowed in name"
			return true, m, nil
		}
		*m.field() += " "
		return true, m, nil

	default:
		if msg.Type == tea.KeyRunes {
			*m.field() += string(msg.Runes)
			m.errorMessage = ""
		}
		// Consume all other keys
		return true, m, nil
	}
}

func (m *InputModal) field() *string {
	if m.focusedField == 1 {
		return &m.descriptionInput
	}
	return &m.nameInput
}

// Render returns the modal content
func (m *InputModal) Render(width, height int) string {
	primaryColor := lipgloss.Color("#00D0D0")
	mutedColor := lipgloss.Color("240")

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor).
		Align(lipgloss.Center).
		MarginBottom(1).
		Render(m.title)

	inputStyle := func(focused bool) lipgloss.Style {
		border := lipgloss.Color("240")
		if focused {
			border = lipgloss.Color("170")
		}
		return lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Padding(0, 1).
			Width(50)
	}

	parts := []string{"", title}
	if m.subtitle != "" {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			MarginBottom(1).
			Render(m.subtitle))
	}

	name := m.nameInput
	if m.focusedField == 0 {
		name += "█"
	}
	parts = append(parts, inputStyle(m.focusedField == 0).Render("Name: "+name))

	if m.withDescription {
		desc := m.descriptionInput
		if m.focusedField == 1 {
			desc += "█"
		}
		parts = append(parts, inputStyle(m.focusedField == 1).Render("Desc: "+desc))
	}

	if m.errorMessage != "" {
		parts = append(parts, lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Render(m.errorMessage))
	}

	hint := "[Enter] Confirm"
	if m.withDescription {
		hint = "[Tab] Next field  " + hint
	}
	if m.cancellable {
		hint += "  [ESC] Cancel"
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(mutedColor).
		MarginTop(1).
		Render(hint), "")

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(primaryColor).
		Padding(1, 3).
		Width(60).
		Render(lipgloss.JoinVertical(lipgloss.Center, parts...))

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func (m *InputModal) IsBlockingInput() bool {
	return true
}
