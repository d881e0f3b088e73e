package job

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var numberPattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// ParseNumbers reads one candidate phone number per line. Lines are trimmed,
// lines that do not look like a number are dropped and duplicates keep their
// first occurrence. ErrNoNumbers is returned when nothing is left.
func ParseNumbers(r io.Reader) ([]string, error) {
	reader := bufio.NewReader(r)
	seen := make(map[string]bool)
	var numbers []string

	for {
		line, err := reader.ReadString('\n')
		if n := strings.TrimSpace(strings.TrimPrefix(line, "\ufeff")); n != "" && numberPattern.MatchString(n) && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read numbers: %w", err)
		}
	}

	if len(numbers) == 0 {
		return nil, ErrNoNumbers
	}
	return numbers, nil
}
