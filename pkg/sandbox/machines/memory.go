package machines

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nstogner/agcluster/pkg/sandbox"
)

// memoryNumber is the numeric part of a limit. Signs, exponents, hex and
// NaN/Inf spellings are rejected.
var memoryNumber = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseMemoryMB converts a memory limit such as "4g", "2048m", "512mb" or
// "1gb" to megabytes. Kilobyte values are divided by 1024 and a bare number
// is taken as bytes (divided by 1e6).
func ParseMemoryMB(limit string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(limit))
	if s == "" {
		return 0, fmt.Errorf("%w: empty memory limit", sandbox.ErrInvalidResourceSpec)
	}

	var factor float64
	var num string
	switch {
	case strings.HasSuffix(s, "gb"):
		num, factor = strings.TrimSuffix(s, "gb"), 1024
	case strings.HasSuffix(s, "g"):
		num, factor = strings.TrimSuffix(s, "g"), 1024
	case strings.HasSuffix(s, "mb"):
		num, factor = strings.TrimSuffix(s, "mb"), 1
	case strings.HasSuffix(s, "m"):
		num, factor = strings.TrimSuffix(s, "m"), 1
	case strings.HasSuffix(s, "kb"):
		num, factor = strings.TrimSuffix(s, "kb"), 1.0/1024
	case strings.HasSuffix(s, "k"):
		num, factor = strings.TrimSuffix(s, "k"), 1.0/1024
	default:
		num, factor = s, 1.0/1e6
	}

	num = strings.TrimSpace(num)
	if !memoryNumber.MatchString(num) {
		return 0, invalidMemory(limit)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, invalidMemory(limit)
	}
	mb := v * factor
	if mb > math.MaxInt32 {
		return 0, fmt.Errorf("%w: memory limit %q is too large", sandbox.ErrInvalidResourceSpec, limit)
	}
	return int(mb), nil
}

func invalidMemory(limit string) error {
	return fmt.Errorf("%w: memory limit %q, use a format like '4g', '2048m' or '512mb'", sandbox.ErrInvalidResourceSpec, limit)
}
