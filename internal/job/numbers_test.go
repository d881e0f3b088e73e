package job

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumbers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "drops invalid and duplicate lines",
			input: "12345678901\nnot-a-number\n12345678901\n+19876543210\n",
			want:  []string{"12345678901", "+19876543210"},
		},
		{
			name:  "trims whitespace and CRLF",
			input: "  12345678901  \r\n\t+447911123456\r\n",
			want:  []string{"12345678901", "+447911123456"},
		},
		{
			name:  "no trailing newline",
			input: "12345678901",
			want:  []string{"12345678901"},
		},
		{
			name:  "length bounds",
			input: "123456789\n1234567890\n123456789012345\n1234567890123456\n",
			want:  []string{"1234567890", "123456789012345"},
		},
		{
			name:  "plus only at start",
			input: "1234+5678901\n++12345678901\n",
			want:  nil,
		},
		{
			name:  "overlong line is dropped",
			input: strings.Repeat("1", 200000) + "\n12345678901\n",
			want:  []string{"12345678901"},
		},
		{
			name:  "byte order mark",
			input: "\ufeff12345678901\n",
			want:  []string{"12345678901"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseNumbers(strings.NewReader(tt.input))
			if tt.want == nil {
				assert.True(t, errors.Is(err, ErrNoNumbers))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNumbers_Empty(t *testing.T) {
	t.Parallel()
	_, err := ParseNumbers(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoNumbers)
}
