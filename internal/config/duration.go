package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

// ParseDurationField parses a Go duration string named by path (used in
// error messages). Empty means 0; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w %q: %v", path, ErrInvalidDuration, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %w %q: must be >= 0", path, ErrInvalidDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
