package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"coinagent/pkg/api"
	"coinagent/pkg/llm"
	"coinagent/pkg/utils"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 << 10
)

// WebConfig configures the websocket channel.
type WebConfig struct {
	Host     string `json:"host"`     // Default: all interfaces
	Port     int    `json:"port"`     // Default: 8080
	Path     string `json:"path"`     // Default: /ws
	Disabled bool   `json:"disabled"` // Skip this channel
}

// DefaultWebConfig returns the settings used for keys web config omits.
func DefaultWebConfig() WebConfig {
	return WebConfig{Port: 8080, Path: "/ws"}
}

// IncomingMessage is the JSON frame sent by the web UI. Plain text frames
// are accepted too.
type IncomingMessage struct {
	Text string `json:"text"`
}

// outgoing frames: {"type":"message"|"text"|"thinking"|"error"|"signal"|"done", ...}
type frame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Value string `json:"value,omitempty"`
}

// SafeConn serialises writes; gorilla connections allow one concurrent writer.
type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *SafeConn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.Conn.WriteMessage(websocket.TextMessage, data)
}

// WebChannel serves a websocket endpoint. Each connection is its own chat;
// nothing is kept once it closes.
type WebChannel struct {
	config      WebConfig
	welcome     string
	upgrader    websocket.Upgrader
	server      *http.Server
	connections map[string]*SafeConn // Map UserID -> WS Connection
	mu          sync.RWMutex
}

func NewWebChannel(cfg WebConfig, welcome string) *WebChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	return &WebChannel{
		config:  cfg,
		welcome: welcome,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for decoupled UI
			},
		},
		connections: make(map[string]*SafeConn),
	}
}

func (c *WebChannel) ID() string {
	return "web"
}

// Handler returns the HTTP routes of the channel: the websocket endpoint
// and a /healthz probe.
func (c *WebChannel) Handler(ctx api.ChannelContext) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(c.config.Path, func(w http.ResponseWriter, r *http.Request) {
		c.handleWebSocket(w, r, ctx)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (c *WebChannel) Start(ctx api.ChannelContext) error {
	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("web listen on %s: %w", addr, err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Web API listening", "addr", ln.Addr().String(), "path", c.config.Path)

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Web API server error", "error", err)
		}
	}()

	return nil
}

func (c *WebChannel) Stop() error {
	c.mu.Lock()
	for id, conn := range c.connections {
		_ = conn.Close()
		delete(c.connections, id)
	}
	c.mu.Unlock()

	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

func (c *WebChannel) conn(session api.SessionContext) (*SafeConn, error) {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("web user %s not connected", session.UserID)
	}
	return conn, nil
}

func (c *WebChannel) Send(session api.SessionContext, message string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.writeFrame(frame{Type: "message", Text: message})
}

// SendSignal implements the gateway.SignalingChannel interface
func (c *WebChannel) SendSignal(session api.SessionContext, signal string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.writeFrame(frame{Type: "signal", Value: signal})
}

// Stream implements gateway.Channel.Stream
func (c *WebChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	conn, err := c.conn(session)
	if err != nil {
		for range blocks {
		}
		return err
	}

	for block := range blocks {
		if err := conn.writeFrame(frame{Type: block.Type, Text: block.Text}); err != nil {
			// 連線已斷，仍需消耗剩餘 blocks
			for range blocks {
			}
			return err
		}
	}

	// Send finish flag
	return conn.writeFrame(frame{Type: "done"})
}

func (c *WebChannel) handleWebSocket(w http.ResponseWriter, r *http.Request, ctx api.ChannelContext) {
	rawConn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WS Upgrade failed", "error", err)
		return
	}
	rawConn.SetReadLimit(maxMessageBytes)

	// Wrap connection
	conn := &SafeConn{Conn: rawConn}
	userID := utils.GenerateID()

	// Register connection
	c.mu.Lock()
	c.connections[userID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.connections, userID)
		c.mu.Unlock()
		conn.Close()
	}()

	// Init Session Context
	session := api.SessionContext{
		ChannelID: c.ID(),
		UserID:    userID,
		ChatID:    userID,
		Username:  "WebUser",
	}
	slog.Debug("Web client connected", "user", userID, "remote", r.RemoteAddr)

	if c.welcome != "" {
		if err := conn.writeFrame(frame{Type: "message", Text: c.welcome}); err != nil {
			slog.Warn("Failed to send welcome", "user", userID, "error", err)
			return
		}
	}

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Web client read error", "user", userID, "error", err)
			}
			return
		}

		// Try to parse as JSON, fall back to plain text
		content := string(msgBytes)
		var incoming IncomingMessage
		if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal(msgBytes, &incoming); err == nil {
				content = incoming.Text
			}
		}
		if strings.TrimSpace(content) == "" {
			continue
		}

		// Send to Gateway
		ctx.OnMessage(c.ID(), &api.UnifiedMessage{
			Session: session,
			Content: content,
			Raw:     msgBytes,
		})
	}
}
