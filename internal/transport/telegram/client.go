// Package telegram adapts the Telegram Bot API to the transport interfaces.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/phonecheck/phonecheck/internal/transport"
)

// Config configures a Client. Empty endpoints default to the public Bot API.
type Config struct {
	Token        string
	APIEndpoint  string
	FileEndpoint string
	// SendRate caps outbound messages per second; 0 disables the limit.
	SendRate int
	// PollTimeout is the longest long-poll the HTTP client must allow.
	PollTimeout time.Duration
}

// Client implements transport.Source, transport.Sender and transport.Files.
type Client struct {
	bot          *tgbotapi.BotAPI
	http         *http.Client
	limiter      *rate.Limiter
	fileEndpoint string
}

// New connects to the Bot API and verifies the token.
func New(cfg Config) (*Client, error) {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}

	httpClient := &http.Client{Timeout: cfg.PollTimeout + 30*time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}

	limit := rate.Inf
	burst := 1
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
		burst = cfg.SendRate
	}

	return &Client{
		bot:          bot,
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		fileEndpoint: cfg.FileEndpoint,
	}, nil
}

// Username returns the bot's username as reported by getMe.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

type pollResult struct {
	updates []tgbotapi.Update
	err     error
}

// Updates long-polls getUpdates. Non-message updates are returned with only
// their ID so the caller's cursor still moves past them.
func (c *Client) Updates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(timeout / time.Second)

	// The library call ignores contexts; run it aside so shutdown is not
	// held up by an open long-poll. Unacknowledged updates are redelivered.
	ch := make(chan pollResult, 1)
	go func() {
		updates, err := c.bot.GetUpdates(cfg)
		ch <- pollResult{updates: updates, err: err}
	}()

	var res pollResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return nil, fmt.Errorf("get updates: %w", res.err)
	}

	out := make([]transport.Update, 0, len(res.updates))
	for _, u := range res.updates {
		out = append(out, convert(u))
	}
	return out, nil
}

func convert(u tgbotapi.Update) transport.Update {
	out := transport.Update{ID: int64(u.UpdateID)}
	m := u.Message
	if m == nil {
		return out
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
	}
	out.UserID = out.ChatID
	if m.From != nil {
		out.UserID = m.From.ID
	}
	out.Text = m.Text
	if m.Document != nil {
		out.Document = &transport.Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			FileSize: int64(m.Document.FileSize),
		}
	}
	return out
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, mode transport.ParseMode) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = string(mode)
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, path, name, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	if _, err := c.bot.Send(doc); err != nil {
		return fmt.Errorf("send document to %d: %w", chatID, err)
	}
	return nil
}

// Download fetches an uploaded file, refusing anything above limit bytes.
func (c *Client) Download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if limit > 0 && int64(file.FileSize) > limit {
		return nil, transport.ErrFileTooLarge
	}

	url := fmt.Sprintf(c.fileEndpoint, c.bot.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file %s: status %d", fileID, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, transport.ErrFileTooLarge
	}
	return data, nil
}
