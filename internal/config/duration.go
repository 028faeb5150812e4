package config

import (
	"strings"
	"time"
)

// duration reads a Go duration string. An empty field yields def. A zero
// value also yields def unless keepZero is set, in which case "0s" disables
// the setting it controls.
func duration(path, raw string, def time.Duration, keepZero bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, configErr("%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, configErr("%s: duration must be >= 0, got %s", path, d)
	case d == 0 && !keepZero:
		return def, nil
	}
	return d, nil
}
