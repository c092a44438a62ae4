// Package duration parses human friendly durations like "36h", "7d" or "4w",
// used in config files, alert configuration and command line flags.
package duration

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Duration time.Duration

var suffixes = []struct {
	Suffix     string
	Multiplier time.Duration
}{
	{Suffix: "d", Multiplier: time.Hour * 24},
	{Suffix: "w", Multiplier: time.Hour * 24 * 7},
	{Suffix: "y", Multiplier: time.Hour * 24 * 365},
}

// ParseDuration accepts everything time.ParseDuration does, plus the
// day/week/year suffixes above and bare numbers (taken as seconds).
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.Suffix) {
			n, err := strconv.ParseFloat(s[:len(s)-len(sf.Suffix)], 64)
			if err != nil {
				return 0, err
			}
			return time.Duration(n * float64(sf.Multiplier)), nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(time.Second)), nil
}

func (d *Duration) String() string {
	return time.Duration(*d).String()
}

func (d *Duration) Set(s string) error {
	v, err := ParseDuration(s)
	*d = Duration(v)
	return err
}

func (d *Duration) Type() string {
	return "Duration"
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.Set(string(text))
}

func newDurationValue(val time.Duration, p *time.Duration) *Duration {
	*p = val
	return (*Duration)(p)
}

// DurationVar registers a duration flag that accepts the extended syntax.
func DurationVar(f *pflag.FlagSet, p *time.Duration, name string, value time.Duration, usage string) {
	f.VarP(newDurationValue(value, p), name, "", usage)
}
