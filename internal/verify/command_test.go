package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonecheck/phonecheck/internal/job"
)

// mockCheckerPath returns the absolute path to testdata/mock-checker.sh at
// the root of the repository.
func mockCheckerPath(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "testdata", "mock-checker.sh")
}

func TestCommand_Outcomes(t *testing.T) {
	t.Parallel()
	c := NewCommand(mockCheckerPath(t), 0)

	tests := []struct {
		number string
		want   job.Outcome
	}{
		{"12345678901", job.OutcomeValid},
		{"12345678902", job.OutcomeInvalid},
		{"12345678903", job.OutcomeMultiAccount},
		{"12345678904", job.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			t.Parallel()
			res, err := c.Check(context.Background(), tt.number)
			require.NoError(t, err)
			assert.Equal(t, tt.number, res.Number)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, "mock", res.Detail)
		})
	}
}

func TestCommand_NonZeroExit(t *testing.T) {
	t.Parallel()
	c := NewCommand(mockCheckerPath(t), 0)
	_, err := c.Check(context.Background(), "12345678909")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "checker crashed")
}

func TestCommand_MissingBinaryIsUnavailable(t *testing.T) {
	t.Parallel()
	c := NewCommand(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	_, err := c.Check(context.Background(), "12345678901")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCommand_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCommand(mockCheckerPath(t), 0)
	_, err := c.Check(ctx, "12345678901")
	assert.Error(t, err)
}

func TestCommand_UnknownStatus(t *testing.T) {
	t.Parallel()
	script := filepath.Join(t.TempDir(), "odd-checker.sh")
	content := "#!/bin/bash\necho '{\"type\":\"result\",\"status\":\"captcha\"}'\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	_, err := NewCommand(script, 0).Check(context.Background(), "12345678901")
	assert.Error(t, err)
}

func TestCommand_NoResultLine(t *testing.T) {
	t.Parallel()
	script := filepath.Join(t.TempDir(), "silent-checker.sh")
	content := "#!/bin/bash\necho 'not json'\necho '{\"type\":\"progress\",\"message\":\"hi\"}'\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	_, err := NewCommand(script, 0).Check(context.Background(), "12345678901")
	assert.Error(t, err)
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	status, detail, ok := parseLine([]byte(`{"type":"result","status":"valid","detail":"otp sent"}`))
	assert.True(t, ok)
	assert.Equal(t, "valid", status)
	assert.Equal(t, "otp sent", detail)

	_, _, ok = parseLine([]byte(`{"type":"progress","message":"x"}`))
	assert.False(t, ok)
	_, _, ok = parseLine([]byte(`garbage`))
	assert.False(t, ok)
}
