// Package transport describes the chat transport the bot is driven by.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrFileTooLarge is returned by Files.Download when a file exceeds the limit.
var ErrFileTooLarge = errors.New("file too large")

// Update is one inbound event. Text and Document are mutually exclusive in
// practice; when both are set, Text wins.
type Update struct {
	ID       int64
	ChatID   int64
	UserID   int64
	Text     string
	Document *Document
}

// Document references an uploaded file.
type Document struct {
	FileID   string
	FileName string
	FileSize int64
}

// ParseMode selects message formatting.
type ParseMode string

const (
	ParsePlain    ParseMode = ""
	ParseMarkdown ParseMode = "Markdown"
)

// Source long-polls for updates with ID >= offset. offset 0 means no lower
// bound. It blocks up to timeout when nothing is pending.
type Source interface {
	Updates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Sender delivers outbound messages.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, mode ParseMode) error
	SendDocument(ctx context.Context, chatID int64, path, name, caption string) error
}

// Files resolves a document to its bytes, refusing files above limit bytes.
type Files interface {
	Download(ctx context.Context, fileID string, limit int64) ([]byte, error)
}
