package modal

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ConnectionFailedRetryMsg is sent when user wants to retry connection
type ConnectionFailedRetryMsg struct{}

// ConnectionFailedModal displays connection failure with recovery options
type ConnectionFailedModal struct {
	relayAddr    string
	errorMessage string
	cursor       int // 0 = Retry, 1 = Quit
}

// NewConnectionFailedModal creates a new connection failed modal
func NewConnectionFailedModal(relayAddr string, errorMessage string) *ConnectionFailedModal {
	return &ConnectionFailedModal{
		relayAddr:    relayAddr,
		errorMessage: errorMessage,
	}
}

// Type returns the modal type
func (m *ConnectionFailedModal) Type() ModalType {
	return ModalConnectionFailed
}

// HandleKey processes keyboard input
func (m *ConnectionFailedModal) HandleKey(msg tea.KeyMsg) (bool, Modal, tea.Cmd) {
	retry := func() tea.Msg { return ConnectionFailedRetryMsg{} }

	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return true, m, nil

	case "down", "j":
		if m.cursor < 1 {
			m.cursor++
		}
		return true, m, nil

	case "r":
		return true, nil, retry

	case "esc":
		// Dismiss and keep looking at whatever is loaded
		return true, nil, nil

	case "q":
		return true, nil, tea.Quit

	case "enter":
		if m.cursor == 0 {
			return true, nil, retry
		}
		return true, nil, tea.Quit

	default:
		return true, m, nil
	}
}

// Render returns the modal content
func (m *ConnectionFailedModal) Render(width, height int) string {
	primaryColor := lipgloss.Color("#FF6B6B") // Red for error

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(primaryColor).
		MarginBottom(1).
		Align(lipgloss.Center)

	errorStyle := lipgloss.NewStyle().
		Foreground(primaryColor).
		MarginBottom(1)

	relayStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true).
		MarginBottom(1)

	optionStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	selectedStyle := lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	keyHintStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var content string
	content += titleStyle.Render("⚠ Connection Failed") + "\n\n"
	content += relayStyle.Render("Relay: "+m.relayAddr) + "\n"
	content += errorStyle.Render("Error: "+m.errorMessage) + "\n\n"

	options := []struct{ label, key string }{
		{"Retry connection", "[R]"},
		{"Quit", "[Q]"},
	}
	for i, opt := range options {
		if m.cursor == i {
			content += selectedStyle.Render("→ "+opt.label) + " " + keyHintStyle.Render(opt.key) + "\n"
		} else {
			content += optionStyle.Render("  "+opt.label) + " " + keyHintStyle.Render(opt.key) + "\n"
		}
	}

	content += "\n"
	content += keyHintStyle.Render("[↑/↓] Navigate  [Enter] Select  [Esc] Dismiss")

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(primaryColor).
		Padding(1, 2)

	modalWidth := 60
	if width < modalWidth+4 {
		modalWidth = width - 4
	}
	box := borderStyle.Width(modalWidth - 4).Render(content)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

// IsBlockingInput returns false so the loaded transcript stays browsable
func (m *ConnectionFailedModal) IsBlockingInput() bool {
	return false
}
