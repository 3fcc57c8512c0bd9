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

var ErrTimeoutFormat = errors.New("invalid timeout")

// ParseTimeout reads a timeout from module configuration. Integers are
// seconds; strings may be plain seconds, a Go duration ("1m30s") or an
// ISO8601 duration ("PT1M30S"). Zero and negative values are rejected.
func ParseTimeout(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case int:
		d = time.Duration(x) * time.Second
	case int64:
		d = time.Duration(x) * time.Second
	case uint64:
		if x > math.MaxInt64/uint64(time.Second) {
			return 0, fmt.Errorf("%w: %d is too large", ErrTimeoutFormat, x)
		}
		d = time.Duration(x) * time.Second
	case float64:
		d = time.Duration(x * float64(time.Second))
	case string:
		var err error
		d, err = parseTimeoutString(strings.TrimSpace(x))
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrTimeoutFormat, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v must be positive", ErrTimeoutFormat, v)
	}
	return d, nil
}

func parseTimeoutString(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrTimeoutFormat)
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if strings.HasPrefix(s, "P") {
		return ParseISODuration(s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTimeoutFormat, err)
	}
	return d, nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T?(?:(?P<hour>[+-]?\d+)H)?(?:(?P<minute>[+-]?\d+)M)?(?:(?P<second>[+-]?\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration supports the day and time parts of ISO8601 durations.
// Months and years are ambiguous and not accepted.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || dur == "PT" || !isoDurationRx.MatchString(dur) {
		return 0, fmt.Errorf("%w: %q is not an ISO8601 duration", ErrTimeoutFormat, dur)
	}
	match := isoDurationRx.FindStringSubmatch(dur)

	// P2M means two months, minutes need the T
	hasT := strings.Contains(dur, "T")
	hasHMS := false

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			hasHMS, hasT = true, true
			unit = time.Hour
		case "minute":
			hasHMS = true
			if !hasT {
				return 0, fmt.Errorf("%w: %q has minutes without T", ErrTimeoutFormat, dur)
			}
			unit = time.Minute
		case "second":
			hasHMS = true
			unit = time.Second
		}
		ret += time.Duration(num) * unit
		if num >= 0 {
			ret += time.Duration(frac * float64(unit))
		} else {
			ret -= time.Duration(frac * float64(unit))
		}
	}

	if hasT && !hasHMS {
		return 0, fmt.Errorf("%w: %q has an empty time part", ErrTimeoutFormat, dur)
	}
	return ret, nil
}

func splitNumber(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, fmt.Errorf("%w: fraction %q is too precise", ErrTimeoutFormat, fraction)
		}
		f, err := strconv.Atoi(fraction)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.Atoi(whole)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}
