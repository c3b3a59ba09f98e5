package emails

import (
	"strconv"
	"strings"
)

const (
	// MinFetchCount is the smallest number of emails a fetch may request.
	MinFetchCount = 1
	// MaxFetchCount is the largest number of emails a fetch may request.
	MaxFetchCount = 50
	// DefaultFetchCount is used when no usable count was given.
	DefaultFetchCount = 15
)

// ClampFetchCount forces n into [MinFetchCount, MaxFetchCount].
func ClampFetchCount(n int) int {
	if n < MinFetchCount {
		return MinFetchCount
	}
	if n > MaxFetchCount {
		return MaxFetchCount
	}
	return n
}

// ParseFetchCount reads a count typed by the user. Non-numeric input falls
// back to DefaultFetchCount; everything else is clamped. A leading integer
// prefix is accepted ("20abc" is 20).
func ParseFetchCount(raw string) int {
	n, ok := leadingInt(strings.TrimSpace(raw))
	if !ok {
		return DefaultFetchCount
	}
	return ClampFetchCount(n)
}

func leadingInt(s string) (int, bool) {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		// Overflow: only the sign matters once clamped.
		if s[0] == '-' {
			return -1, true
		}
		return MaxFetchCount + 1, true
	}
	return n, true
}
