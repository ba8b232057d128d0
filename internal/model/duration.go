package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// durationRx is #Duration of config.cue: "0", or an optional day count
// followed by Go duration segments.
var durationRx = regexp.MustCompile(`^(?:0|(?:(\d+)d)?((?:\d+(?:\.\d+)?(?:ns|us|µs|ms|s|m|h))*))$`)

const day = 24 * time.Hour

// ParseDuration accepts Go durations without a sign, optionally prefixed by
// a day count, like "2d", "1d12h" or "1d500ms". Negative durations and the
// empty string are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if strings.HasPrefix(s, "-") {
		return 0, errors.New("negative duration " + strconv.Quote(s))
	}
	m := durationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format " + strconv.Quote(s))
	}

	var total time.Duration
	if m[1] != "" {
		days, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || days > int64(math.MaxInt64/day) {
			return 0, errors.New("duration overflow")
		}
		total = time.Duration(days) * day
	}
	if m[2] != "" {
		rest, err := time.ParseDuration(m[2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %s: %w", strconv.Quote(s), err)
		}
		if total > time.Duration(math.MaxInt64)-rest {
			return 0, errors.New("duration overflow")
		}
		total += rest
	}
	return total, nil
}
