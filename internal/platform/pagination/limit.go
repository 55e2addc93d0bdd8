// Package pagination normalizes client-supplied list limits.
package pagination

import (
	"fmt"
	"strconv"
	"strings"
)

// LimitConfig configures list limit normalization.
type LimitConfig struct {
	Default int
	Max     int
}

// ClampLimit applies defaults and limits for list sizes.
func ClampLimit(value int, cfg LimitConfig) int {
	limit := value
	if limit <= 0 {
		limit = cfg.Default
	}
	if cfg.Max > 0 && limit > cfg.Max {
		limit = cfg.Max
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

// ParseLimit reads a limit query value. Empty means the default; anything
// that is not an integer is rejected.
func ParseLimit(raw string, cfg LimitConfig) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClampLimit(0, cfg), nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit: %s", raw)
	}
	return ClampLimit(value, cfg), nil
}
