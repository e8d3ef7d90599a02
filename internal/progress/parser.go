package progress

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a line carries a percent or rate token whose
// numeric part cannot be used.
var ErrMalformed = errors.New("malformed progress token")

var (
	percentRegex = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	rateRegex    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*([KMG])i?B/s`)
)

// Sample is one reading taken from a single output line. Speed is in MB/s.
type Sample struct {
	Percent    int
	HasPercent bool
	Speed      float64
	HasSpeed   bool
}

func (s Sample) String() string {
	switch {
	case s.HasPercent && s.HasSpeed:
		return fmt.Sprintf("%d%% @ %.2f MB/s", s.Percent, s.Speed)
	case s.HasPercent:
		return fmt.Sprintf("%d%%", s.Percent)
	case s.HasSpeed:
		return fmt.Sprintf("%.2f MB/s", s.Speed)
	default:
		return "no sample"
	}
}

// Parse extracts a percent and a transfer rate from one line of download tool
// output. ok is false when the line has neither token, which is the normal
// case for most lines and is not an error.
func Parse(line string) (sample Sample, ok bool, err error) {
	if m := percentRegex.FindStringSubmatch(line); m != nil {
		p, err := parsePercent(m[1])
		if err != nil {
			return Sample{}, false, err
		}
		sample.Percent = p
		sample.HasPercent = true
	}
	if all := rateRegex.FindAllStringSubmatch(line, -1); len(all) > 0 {
		// rate is printed after sizes and ETA fields; keep the last one
		m := all[len(all)-1]
		speed, err := ToMegabytes(m[1], m[2])
		if err != nil {
			return Sample{}, false, err
		}
		sample.Speed = speed
		sample.HasSpeed = true
	}
	return sample, sample.HasPercent || sample.HasSpeed, nil
}

func parsePercent(raw string) (int, error) {
	whole, _, _ := strings.Cut(raw, ".")
	p, err := strconv.Atoi(whole)
	if err != nil {
		return 0, fmt.Errorf("%w: percent %q: %v", ErrMalformed, raw, err)
	}
	if p > 100 {
		return 0, fmt.Errorf("%w: percent %d out of range", ErrMalformed, p)
	}
	return p, nil
}

// ToMegabytes converts a rate value with a K, M or G prefix into MB/s using
// 1024-based multipliers.
func ToMegabytes(value, unit string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: rate %q", ErrMalformed, value)
	}
	switch strings.ToUpper(unit) {
	case "K":
		return v / 1024, nil
	case "M":
		return v, nil
	case "G":
		return v * 1024, nil
	}
	return 0, fmt.Errorf("%w: unit %q", ErrMalformed, unit)
}
