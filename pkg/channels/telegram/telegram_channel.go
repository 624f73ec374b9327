package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"coinagent/pkg/api"
	"coinagent/pkg/llm"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig encapsulates the credentials required to authenticate with
// the Telegram Bot API.
type TelegramConfig struct {
	Token       string `json:"token"`        // The secret BOT API string provided by @BotFather
	TokenEnv    string `json:"token_env"`    // Env var holding the token when Token is empty
	APIEndpoint string `json:"api_endpoint"` // Default: tgbotapi.APIEndpoint
	PollTimeout int    `json:"poll_timeout"` // Long-poll seconds, default 60
	Disabled    bool   `json:"disabled"`
}

// TelegramChannel is the production implementation of gateway.Channel for
// the Telegram platform. It long-polls for text messages and flushes each
// streamed reply as one or more message bubbles.
type TelegramChannel struct {
	config       TelegramConfig     // Auth credentials
	bot          *tgbotapi.BotAPI   // Underlying Telegram SDK client
	messageLimit int                // Maximum character count per single message bubble
	stopCtx      context.Context    // Context used to forcibly abort the long-polling HTTP request
	stopCancel   context.CancelFunc // Function to trigger the abort
	done         chan struct{}      // Closed when the polling loop exits
	startOnce    sync.Once
}

func NewTelegramChannel(cfg TelegramConfig, msgLimit int) (*TelegramChannel, error) {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	if msgLimit <= 0 {
		msgLimit = 4000
	}

	ctx, cancel := context.WithCancel(context.Background())

	// tgbotapi v5 has no context support, so every connection is tied to
	// stopCtx: an active long-poll is torn down on Stop() instead of lingering
	// and causing a 409 Conflict for the next poller.
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	botHttpClient := &http.Client{
		Timeout: time.Duration(cfg.PollTimeout+10) * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(dialCtx, network, addr)
				if err != nil {
					return nil, err
				}
				stop := context.AfterFunc(ctx, func() { conn.Close() })
				return &stopConn{Conn: conn, stop: stop}, nil
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, botHttpClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)

	return &TelegramChannel{
		config:       cfg,
		bot:          bot,
		messageLimit: msgLimit,
		stopCtx:      ctx,
		stopCancel:   cancel,
		done:         make(chan struct{}),
	}, nil
}

// stopConn releases the shutdown hook when the transport closes the
// connection on its own.
type stopConn struct {
	net.Conn
	stop func() bool
}

func (c *stopConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// ID returns the unique platform identifier "telegram".
func (t *TelegramChannel) ID() string {
	return "telegram"
}

// Start initiates the long-polling update loop in a background goroutine.
func (t *TelegramChannel) Start(ctx api.ChannelContext) error {
	started := false
	t.startOnce.Do(func() {
		started = true
		go t.poll(ctx)
	})
	if !started {
		return errors.New("telegram channel already started")
	}
	return nil
}

func (t *TelegramChannel) poll(ctx api.ChannelContext) {
	defer close(t.done)
	offset := 0

	for {
		select {
		case <-t.stopCtx.Done():
			return // Gracefully exit on shutdown
		default:
		}

		// 使用 GetUpdates 而非 GetUpdatesChan，以便自行控制 offset 與中止
		reqConfig := tgbotapi.NewUpdate(offset)
		reqConfig.Timeout = t.config.PollTimeout
		reqConfig.AllowedUpdates = []string{"message"}

		updates, err := t.bot.GetUpdates(reqConfig)
		if err != nil {
			select {
			case <-t.stopCtx.Done():
				return // Ignore error if we are shutting down
			case <-time.After(3 * time.Second):
				slog.Debug("Failed to get telegram updates", "error", err)
				continue
			}
		}

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1

			if msg := toUnifiedMessage(update); msg != nil {
				ctx.OnMessage(t.ID(), msg)
			}
		}
	}
}

// toUnifiedMessage maps a text update to a UnifiedMessage; anything else
// (stickers, photos without caption, edits) yields nil.
func toUnifiedMessage(update tgbotapi.Update) *api.UnifiedMessage {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return nil
	}

	// Get content
	content := m.Text
	if content == "" {
		content = m.Caption
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	return &api.UnifiedMessage{
		Session: api.SessionContext{
			ChannelID: "telegram",
			UserID:    strconv.FormatInt(m.From.ID, 10),
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			Username:  m.From.UserName,
		},
		Content: content,
		Raw:     update,
	}
}

// SendSignal implements the gateway.SignalingChannel interface
func (t *TelegramChannel) SendSignal(session api.SessionContext, signal string) error {
	if signal != api.SignalThinking {
		return nil
	}
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err = t.bot.Request(action)
	return err
}

func (t *TelegramChannel) Stop() error {
	t.stopCancel() // Cancel our custom long-polling loop immediately

	if httpClient, ok := t.bot.Client.(*http.Client); ok && httpClient != nil {
		if transport, ok := httpClient.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}

	started := true
	t.startOnce.Do(func() { started = false })
	if started {
		select {
		case <-t.done:
		case <-time.After(5 * time.Second):
			return errors.New("telegram poller did not stop in time")
		}
	}
	return nil
}

func (t *TelegramChannel) Send(session api.SessionContext, message string) error {
	// Telegram Chat ID must be int64
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id for telegram: %s", session.ChatID)
	}

	for i, chunk := range splitMessage(message, t.messageLimit) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send chunk %d failed: %w", i, err)
		}
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// break after a newline in the second half of a piece.
func splitMessage(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var out []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= limit {
			out = append(out, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	return out
}

// Stream implements the streaming response protocol for Telegram.
// Telegram has no mid-message streaming, so blocks are accumulated and
// flushed once the stream ends: thinking first (if any), then the reply.
func (t *TelegramChannel) Stream(session api.SessionContext, blocks <-chan llm.ContentBlock) error {
	var thinkingBuf strings.Builder
	var textBuf strings.Builder

	for block := range blocks {
		switch block.Type {
		case llm.BlockTypeThinking:
			thinkingBuf.WriteString(block.Text)
		case llm.BlockTypeText, llm.BlockTypeError:
			textBuf.WriteString(block.Text)
		}
	}

	if thinkingBuf.Len() > 0 {
		if err := t.Send(session, "💭 Reasoning process:\n\n"+thinkingBuf.String()); err != nil {
			slog.Error("Failed to send thinking", "error", err)
		}
	}

	// Send assistant response (if any)
	if strings.TrimSpace(textBuf.String()) != "" {
		return t.Send(session, strings.TrimSpace(textBuf.String()))
	}
	return nil
}
