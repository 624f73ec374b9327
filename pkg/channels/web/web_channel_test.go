package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coinagent/pkg/api"
	"coinagent/pkg/config"
	"coinagent/pkg/llm"

	"github.com/gorilla/websocket"
)

// echoContext answers every message by streaming "echo: <text>" back.
type echoContext struct {
	ch   *WebChannel
	msgs chan *api.UnifiedMessage
}

func (e *echoContext) SendReply(session api.SessionContext, content string) error {
	return e.ch.Send(session, content)
}
func (e *echoContext) StreamReply(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	return e.ch.Stream(session, blocks)
}
func (e *echoContext) SendSignal(session api.SessionContext, signal string) error {
	return e.ch.SendSignal(session, signal)
}

func (e *echoContext) OnMessage(channelID string, msg *api.UnifiedMessage) {
	e.msgs <- msg
	go func() {
		_ = e.SendSignal(msg.Session, "thinking")
		blocks := make(chan llm.ContentBlock, 2)
		blocks <- llm.NewTextBlock("echo: ")
		blocks <- llm.NewTextBlock(msg.Content)
		close(blocks)
		_ = e.StreamReply(msg.Session, blocks)
	}()
}

func dial(t *testing.T, ch *WebChannel) (*websocket.Conn, *echoContext) {
	t.Helper()
	ctx := &echoContext{ch: ch, msgs: make(chan *api.UnifiedMessage, 4)}
	srv := httptest.NewServer(ch.Handler(ctx))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn, ctx
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebChannelConversation(t *testing.T) {
	ch := NewWebChannel(DefaultWebConfig(), config.DefaultWelcomeMessage)
	conn, ctx := dial(t, ch)

	welcome := readFrame(t, conn)
	if welcome.Type != "message" || welcome.Text != config.DefaultWelcomeMessage {
		t.Fatalf("expected welcome frame, got %+v", welcome)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"text":"btc"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := <-ctx.msgs
	if msg.Content != "btc" || msg.Session.ChannelID != "web" || msg.Session.UserID == "" {
		t.Errorf("unexpected unified message %+v", msg)
	}

	want := []frame{
		{Type: "signal", Value: "thinking"},
		{Type: "text", Text: "echo: "},
		{Type: "text", Text: "btc"},
		{Type: "done"},
	}
	for i, w := range want {
		if got := readFrame(t, conn); got != w {
			t.Errorf("frame %d: got %+v, want %+v", i, got, w)
		}
	}
}

func TestWebChannelPlainTextFrames(t *testing.T) {
	ch := NewWebChannel(DefaultWebConfig(), "")
	conn, ctx := dial(t, ch)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("top 3")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := <-ctx.msgs; msg.Content != "top 3" {
		t.Errorf("plain text should pass through, got %q", msg.Content)
	}
}

func TestWebChannelSeparateSessions(t *testing.T) {
	ch := NewWebChannel(DefaultWebConfig(), "")
	a, ctxA := dial(t, ch)
	b, ctxB := dial(t, ch)

	a.WriteMessage(websocket.TextMessage, []byte("one"))
	b.WriteMessage(websocket.TextMessage, []byte("two"))

	if (<-ctxA.msgs).Session.UserID == (<-ctxB.msgs).Session.UserID {
		t.Error("each connection should get its own session")
	}
}

func TestWebChannelUnknownSession(t *testing.T) {
	ch := NewWebChannel(DefaultWebConfig(), "")
	if err := ch.Send(api.SessionContext{UserID: "ghost"}, "hi"); err == nil {
		t.Error("Send to an unknown user should fail")
	}
}

func TestWebChannelHealthz(t *testing.T) {
	ch := NewWebChannel(DefaultWebConfig(), "")
	srv := httptest.NewServer(ch.Handler(&echoContext{ch: ch}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWebFactory(t *testing.T) {
	f := &WebFactory{}
	app := config.DefaultConfig()

	testCases := []struct {
		name    string
		raw     string
		wantNil bool
		wantErr bool
	}{
		{name: "Defaults", raw: `{}`},
		{name: "Custom port", raw: `{"port": 9453}`},
		{name: "Disabled", raw: `{"disabled": true}`, wantNil: true},
		{name: "Bad port", raw: `{"port": 70000}`, wantNil: true, wantErr: true},
		{name: "Broken JSON", raw: `{"port":`, wantNil: true, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch, err := f.Create([]byte(tc.raw), app, config.DefaultSystemConfig())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tc.wantErr)
			}
			if (ch == nil) != tc.wantNil {
				t.Errorf("Create() channel = %v, wantNil %v", ch, tc.wantNil)
			}
		})
	}
}
