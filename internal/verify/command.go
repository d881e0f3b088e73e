package verify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/phonecheck/phonecheck/internal/job"
)

// Command runs an external checker executable once per number. The checker
// prints JSON lines on stdout; the last {"type":"result"} line wins.
type Command struct {
	Path    string
	Timeout time.Duration
}

// NewCommand returns a Command verifier for the executable at path.
func NewCommand(path string, timeout time.Duration) *Command {
	return &Command{Path: path, Timeout: timeout}
}

// Check execute le checker et retourne son verdict pour number.
func (c *Command) Check(ctx context.Context, number string) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, number)
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Result{}, fmt.Errorf("start checker: %w", err)
	}

	res := Result{Number: number}
	var found bool
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		status, detail, ok := parseLine(line)
		if !ok {
			continue
		}
		res.Outcome = job.Outcome(status)
		res.Detail = detail
		found = true
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("checker exited: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if !found {
		return Result{}, errors.New("checker produced no result")
	}
	if !res.Outcome.Valid() {
		return Result{}, fmt.Errorf("checker returned unknown status %q", res.Outcome)
	}
	return res, nil
}

// filteredEnv retourne os.Environ() sans les variables de configuration du bot.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "PHONECHECK_") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extrait le statut final d'une ligne JSON. Les lignes "progress"
// sont seulement journalisées.
func parseLine(line []byte) (status, detail string, ok bool) {
	var msg struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return "", "", false
	}

	switch msg.Type {
	case "progress":
		slog.Debug("checker progress", "message", msg.Message)
	case "result":
		return msg.Status, msg.Detail, true
	}
	return "", "", false
}
