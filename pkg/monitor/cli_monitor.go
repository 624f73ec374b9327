package monitor

import (
	"fmt"
	"io"
	"os"
	"sync"
	"unicode/utf8"
)

// maxPreviewRunes caps how much of a message the terminal view prints.
const maxPreviewRunes = 200

// CLIMonitor implements the Monitor interface, providing a direct
// terminal-based visualization of messages flowing through all channels.
type CLIMonitor struct {
	mu     sync.Mutex
	writer io.Writer // The output destination, typically os.Stdout.
	color  bool
}

// NewCLIMonitor creates a new CLI monitor
func NewCLIMonitor() *CLIMonitor {
	return NewCLIMonitorWriter(os.Stdout, true)
}

// NewCLIMonitorWriter creates a CLI monitor printing to w. color toggles the
// ANSI gray timestamp.
func NewCLIMonitorWriter(w io.Writer, color bool) *CLIMonitor {
	return &CLIMonitor{
		writer: w,
		color:  color,
	}
}

// Start starts the CLI monitor
func (m *CLIMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "💬 CLI Monitor Active - All channel messages will appear here")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

// Stop stops the CLI monitor
func (m *CLIMonitor) Stop() error {
	return nil
}

// OnMessage receives and displays a monitoring message
func (m *CLIMonitor) OnMessage(msg MonitorMessage) {
	timestamp := msg.Timestamp.Format("2006-01-02 15:04:05")
	content := preview(msg.Content)

	var displayMsg string
	switch msg.MessageType {
	case TypeAssistant:
		displayMsg = fmt.Sprintf("[AI] %s", content)
	case TypeSignal:
		displayMsg = fmt.Sprintf("[%s] ⚙️ %s", msg.ChannelID, content)
	default:
		displayMsg = fmt.Sprintf("[%s/%s] %s", msg.ChannelID, msg.Username, content)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.color {
		// Use gray color for timestamp
		fmt.Fprintf(m.writer, "\033[90m[%s]\033[0m %s\n", timestamp, displayMsg)
		return
	}
	fmt.Fprintf(m.writer, "[%s] %s\n", timestamp, displayMsg)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= maxPreviewRunes {
		return s
	}
	return string([]rune(s)[:maxPreviewRunes]) + "..."
}
