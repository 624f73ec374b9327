package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"coinagent/pkg/llm"
)

func TestCLIMonitorOnMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	testCases := []struct {
		name string
		msg  MonitorMessage
		want string
	}{
		{
			name: "User",
			msg:  MonitorMessage{Timestamp: ts, MessageType: TypeUser, ChannelID: "web", Username: "alice", Content: "price of btc?"},
			want: "[2026-01-02 15:04:05] [web/alice] price of btc?\n",
		},
		{
			name: "Assistant",
			msg:  MonitorMessage{Timestamp: ts, MessageType: TypeAssistant, ChannelID: "web", Content: "BTC is $1"},
			want: "[2026-01-02 15:04:05] [AI] BTC is $1\n",
		},
		{
			name: "Signal",
			msg:  MonitorMessage{Timestamp: ts, MessageType: TypeSignal, ChannelID: "telegram", Content: "tool:fetch_coin_rate"},
			want: "[2026-01-02 15:04:05] [telegram] ⚙️ tool:fetch_coin_rate\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			m := NewCLIMonitorWriter(&buf, false)
			m.OnMessage(tc.msg)
			if buf.String() != tc.want {
				t.Errorf("got %q, want %q", buf.String(), tc.want)
			}
		})
	}
}

func TestCLIMonitorTruncatesLongContent(t *testing.T) {
	var buf bytes.Buffer
	m := NewCLIMonitorWriter(&buf, false)
	m.OnMessage(MonitorMessage{MessageType: TypeAssistant, Content: strings.Repeat("幣", maxPreviewRunes+10)})

	line := buf.String()
	if !strings.HasSuffix(line, "...\n") {
		t.Fatalf("long content should be cut, got %q", line)
	}
	if n := strings.Count(line, "幣"); n != maxPreviewRunes {
		t.Errorf("expected %d runes kept, got %d", maxPreviewRunes, n)
	}
}

func TestCLIMonitorColor(t *testing.T) {
	var buf bytes.Buffer
	m := NewCLIMonitorWriter(&buf, true)
	m.OnMessage(MonitorMessage{MessageType: TypeUser, ChannelID: "web", Username: "bob", Content: "hi"})
	if !strings.HasPrefix(buf.String(), "\033[90m[") {
		t.Errorf("expected gray timestamp, got %q", buf.String())
	}
}

func TestCustomHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCustomHandler(&buf, slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.WithValue(context.Background(), llm.DebugDirContextKey, "a1b2c3d4")
	logger.With("channel", "web").InfoContext(ctx, "Coin rate resolved", "price", "97000.12", "took", 1500*time.Millisecond, "rank", 1)

	got := buf.String()
	for _, want := range []string{
		"[INFO] [a1b2c3d4] Coin rate resolved",
		`channel="web"`,
		`price="97000.12"`,
		"took=1.5s",
		"rank=1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("log line %q is missing %q", got, want)
		}
	}

	buf.Reset()
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at info level, got %q", buf.String())
	}
}

func TestCustomHandlerWithAttrsDoesNotShare(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewCustomHandler(&buf, slog.HandlerOptions{})).With("a", 1)
	base.With("b", 2).Info("first")
	base.With("c", 3).Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}
	if strings.Contains(lines[1], "b=2") {
		t.Errorf("attrs leaked between derived loggers: %q", lines[1])
	}
}

func TestSetLogLevel(t *testing.T) {
	t.Cleanup(func() { logLevel.Set(slog.LevelInfo) })

	var buf bytes.Buffer
	logger := slog.New(NewCustomHandler(&buf, slog.HandlerOptions{Level: logLevel}))

	SetLogLevel("error")
	logger.Warn("dropped")
	if buf.Len() != 0 {
		t.Fatalf("warn should be dropped at error level, got %q", buf.String())
	}

	SetLogLevel("debug")
	logger.Debug("kept")
	if !strings.Contains(buf.String(), "[DEBUG] kept") {
		t.Errorf("debug should pass after SetLogLevel, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range testCases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
