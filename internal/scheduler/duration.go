package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid snooze duration")

// MaxSnooze bounds a snooze. It also keeps n*unit far from overflowing.
const MaxSnooze = 365 * 24 * time.Hour

// ParseSnooze reads "15m", "1h", "2d" or a bare number of minutes.
func ParseSnooze(token string) (time.Duration, error) {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	unit := time.Minute
	num := token
	switch token[len(token)-1] {
	case 'm':
		num = token[:len(token)-1]
	case 'h':
		unit, num = time.Hour, token[:len(token)-1]
	case 'd':
		unit, num = 24*time.Hour, token[:len(token)-1]
	}

	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, token)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidDuration, token)
	}
	if int64(n) > int64(MaxSnooze/unit) {
		return 0, fmt.Errorf("%w: %q is longer than %s", ErrInvalidDuration, token, MaxSnooze)
	}
	return time.Duration(n) * unit, nil
}
