package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// debugRoot is where raw provider chunks are dumped when system.json sets
// debug_chunks.
const debugRoot = "debug/chunks"

// StreamDebugger appends raw provider chunks to a per-stream log file.
// A disabled debugger is a no-op, so providers can call it unconditionally.
type StreamDebugger struct {
	file *os.File
}

// NewStreamDebugger opens debug/chunks/[<dir>/]<provider>/<timestamp>.log when
// enabled. <dir> comes from DebugDirContextKey.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{}
	}

	debugDir := filepath.Join(debugRoot, provider)
	if dir, _ := ctx.Value(DebugDirContextKey).(string); dir != "" {
		debugDir = filepath.Join(debugRoot, dir, provider)
	}

	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Error("Failed to create debug directory", "dir", debugDir, "error", err)
		return &StreamDebugger{}
	}

	filename := filepath.Join(debugDir, fmt.Sprintf("%s.log", time.Now().Format("20060102_150405.000")))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open debug file", "file", filename, "error", err)
		return &StreamDebugger{}
	}

	slog.Debug("Chunk debugging on", "provider", provider, "file", filename)
	return &StreamDebugger{file: f}
}

// WriteJSON appends v as one JSON line.
func (d *StreamDebugger) WriteJSON(v any) {
	if d.file == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode debug chunk", "error", err)
		return
	}
	d.write(data)
}

// WriteString appends s as one line.
func (d *StreamDebugger) WriteString(s string) {
	if d.file == nil {
		return
	}
	d.write([]byte(s))
}

func (d *StreamDebugger) write(data []byte) {
	if _, err := d.file.Write(append(data, '\n')); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
}

// Close closes the debug file handle.
func (d *StreamDebugger) Close() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
