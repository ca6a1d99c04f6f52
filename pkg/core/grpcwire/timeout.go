package grpcwire

import (
	"fmt"
	"math"
	"time"
)

// timeoutUnits orders the grpc-timeout units smallest first; formatting
// picks the first unit whose value fits in the 8-digit wire limit.
var timeoutUnits = []struct {
	suffix byte
	size   time.Duration
}{
	{'n', time.Nanosecond},
	{'u', time.Microsecond},
	{'m', time.Millisecond},
	{'S', time.Second},
	{'M', time.Minute},
	{'H', time.Hour},
}

const maxTimeoutDigits = 8

// ParseTimeout parses a grpc-timeout header value: a positive integer of at
// most eight digits followed by a case-sensitive unit.
func ParseTimeout(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > maxTimeoutDigits+1 {
		return 0, fmt.Errorf("grpc-timeout %q has invalid length", s)
	}
	unit := s[len(s)-1]
	digits := s[:len(s)-1]
	var size time.Duration
	switch unit {
	case 'H':
		size = time.Hour
	case 'M':
		size = time.Minute
	case 'S':
		size = time.Second
	case 'm':
		size = time.Millisecond
	case 'u':
		size = time.Microsecond
	case 'n':
		size = time.Nanosecond
	default:
		return 0, fmt.Errorf("grpc-timeout %q has unknown unit %q", s, string(unit))
	}
	var v uint64
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("grpc-timeout %q is not a positive integer", s)
		}
		v = v*10 + uint64(c-'0')
	}
	if v == 0 {
		return 0, fmt.Errorf("grpc-timeout %q must be positive", s)
	}
	if v > math.MaxInt64/uint64(size) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(v) * size, nil
}

// FormatTimeout renders d as a grpc-timeout value, rounding up to the
// smallest unit that fits eight digits so the parsed value never undershoots.
func FormatTimeout(d time.Duration) string {
	if d <= 0 {
		return "1n"
	}
	for _, u := range timeoutUnits {
		v := int64(d / u.size)
		if d%u.size != 0 {
			v++
		}
		if v < 1e8 {
			return fmt.Sprintf("%d%c", v, u.suffix)
		}
	}
	// Even hours overflow eight digits; clamp to the max representable.
	return fmt.Sprintf("%d%c", int64(99999999), 'H')
}
