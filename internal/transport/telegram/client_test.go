package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonecheck/phonecheck/internal/transport"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	offsets  []string
	sent     []map[string]string
	docNames []string
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"phonecheck_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			require.NoError(t, r.ParseForm())
			f.mu.Lock()
			f.offsets = append(f.offsets, r.FormValue("offset"))
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":[
				{"update_id":5,"message":{"message_id":1,"date":1,"from":{"id":9,"is_bot":false,"first_name":"u"},"chat":{"id":10,"type":"private"},"text":"/status"}},
				{"update_id":6,"message":{"message_id":2,"date":1,"from":{"id":9,"is_bot":false,"first_name":"u"},"chat":{"id":10,"type":"private"},"document":{"file_id":"f1","file_unique_id":"u1","file_name":"numbers.txt","file_size":24}}},
				{"update_id":7,"edited_message":{"message_id":1,"date":1,"chat":{"id":10,"type":"private"},"text":"/help"}}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			f.mu.Lock()
			f.sent = append(f.sent, map[string]string{
				"chat_id":    r.FormValue("chat_id"),
				"text":       r.FormValue("text"),
				"parse_mode": r.FormValue("parse_mode"),
			})
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":3,"date":1,"chat":{"id":10,"type":"private"}}}`)
		case strings.HasSuffix(r.URL.Path, "/sendDocument"):
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_, hdr, err := r.FormFile("document")
			require.NoError(t, err)
			f.mu.Lock()
			f.docNames = append(f.docNames, hdr.Filename)
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":4,"date":1,"chat":{"id":10,"type":"private"}}}`)
		case strings.HasSuffix(r.URL.Path, "/getFile"):
			fmt.Fprint(w, `{"ok":true,"result":{"file_id":"f1","file_unique_id":"u1","file_size":24,"file_path":"documents/numbers.txt"}}`)
		case strings.HasSuffix(r.URL.Path, "/documents/numbers.txt"):
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "12345678901\n+19876543210\n")
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Token:        "TOKEN",
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
		PollTimeout:  time.Second,
	})
	require.NoError(t, err)
	return c, fake
}

func TestClient_Updates(t *testing.T) {
	c, fake := newTestClient(t)
	assert.Equal(t, "phonecheck_bot", c.Username())

	updates, err := c.Updates(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Len(t, updates, 3)

	assert.Equal(t, transport.Update{ID: 5, ChatID: 10, UserID: 9, Text: "/status"}, updates[0])
	assert.Equal(t, int64(6), updates[1].ID)
	require.NotNil(t, updates[1].Document)
	assert.Equal(t, "f1", updates[1].Document.FileID)
	assert.Equal(t, "numbers.txt", updates[1].Document.FileName)
	assert.Equal(t, int64(24), updates[1].Document.FileSize)
	assert.Equal(t, transport.Update{ID: 7}, updates[2])

	assert.Equal(t, []string{"5"}, fake.offsets)
}

func TestClient_SendText(t *testing.T) {
	c, fake := newTestClient(t)

	require.NoError(t, c.SendText(context.Background(), 10, "*hi*", transport.ParseMarkdown))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "10", fake.sent[0]["chat_id"])
	assert.Equal(t, "*hi*", fake.sent[0]["text"])
	assert.Equal(t, "Markdown", fake.sent[0]["parse_mode"])
}

func TestClient_SendDocument(t *testing.T) {
	c, fake := newTestClient(t)
	path := filepath.Join(t.TempDir(), "job_x.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	require.NoError(t, c.SendDocument(context.Background(), 10, path, "results_x.json", "Results for job x"))
	assert.Equal(t, []string{"results_x.json"}, fake.docNames)

	err := c.SendDocument(context.Background(), 10, filepath.Join(t.TempDir(), "missing"), "x", "")
	assert.Error(t, err)
}

func TestClient_Download(t *testing.T) {
	c, _ := newTestClient(t)

	data, err := c.Download(context.Background(), "f1", 1024)
	require.NoError(t, err)
	assert.Equal(t, "12345678901\n+19876543210\n", string(data))

	_, err = c.Download(context.Background(), "f1", 10)
	assert.ErrorIs(t, err, transport.ErrFileTooLarge)
}

func TestClient_UpdatesCancelled(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Updates(ctx, 0, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
