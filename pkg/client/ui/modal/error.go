package modal

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrorModal displays an error message that must be acknowledged
type ErrorModal struct {
	title   string
	message string
}

// NewErrorModal creates a new error modal
func NewErrorModal(title, message string) *ErrorModal {
	return &ErrorModal{title: title, message: message}
}

func (m *ErrorModal) Type() ModalType {
	return ModalError
}

// HandleKey closes the modal on enter, esc or space and swallows the rest
func (m *ErrorModal) HandleKey(msg tea.KeyMsg) (bool, Modal, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc", " ":
		return true, nil, nil
	}
	return true, m, nil
}

func (m *ErrorModal) Render(width, height int) string {
	errorColor := lipgloss.Color("#FF5555")

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(errorColor).
		MarginBottom(1).
		Align(lipgloss.Center)

	messageStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")).
		MarginBottom(1)

	hintStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	content := titleStyle.Render(m.title) + "\n\n" +
		messageStyle.Render(m.message) + "\n\n" +
		hintStyle.Render("Press Enter or Esc to dismiss")

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(errorColor).
		Padding(1, 2)

	modalWidth := 50
	if width < modalWidth+4 {
		modalWidth = width - 4
	}
	box := borderStyle.Width(modalWidth - 4).Render(content)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func (m *ErrorModal) IsBlockingInput() bool {
	return true
}
