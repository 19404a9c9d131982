package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a deadline length written as amount+unit terms, e.g. "3d", "2h", "1w2d".
//
//	duration := term { term }
//	term     := digit { digit } unit
//	unit     := "w" | "d" | "h" | "m"
type Duration struct {
	time.Duration
	raw string
}

const (
	day  = 24 * time.Hour
	week = 7 * day
)

var durationUnits = map[byte]time.Duration{
	'w': week,
	'd': day,
	'h': time.Hour,
	'm': time.Minute,
}

// ParseDuration parses a deadline string. The empty string yields a zero duration.
func ParseDuration(s string) (Duration, error) {
	src := strings.ToLower(strings.TrimSpace(s))
	if src == "" {
		return Duration{}, nil
	}
	p := durationParser{src: src}
	total, err := p.parse()
	if err != nil {
		return Duration{}, validationError(err.Error(), map[string]any{"duration": s})
	}
	return Duration{Duration: total, raw: src}, nil
}

// MustParseDuration panics on malformed input; intended for fixtures.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// IsZero reports whether no deadline is configured.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// String returns the source form when known, otherwise a canonical rendering.
func (d Duration) String() string {
	if d.raw != "" {
		return d.raw
	}
	return formatDuration(d.Duration)
}

// Equal compares the parsed length only.
func (d Duration) Equal(other Duration) bool {
	return d.Duration == other.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	if d.IsZero() {
		return "", nil
	}
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type durationParser struct {
	src string
	pos int
}

func (p *durationParser) parse() (time.Duration, error) {
	var total time.Duration
	for p.pos < len(p.src) {
		amount, err := p.amount()
		if err != nil {
			return 0, err
		}
		unit, err := p.unit()
		if err != nil {
			return 0, err
		}
		if amount > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("duration %q overflows", p.src)
		}
		term := time.Duration(amount) * unit
		if total > math.MaxInt64-term {
			return 0, fmt.Errorf("duration %q overflows", p.src)
		}
		total += term
	}
	return total, nil
}

func (p *durationParser) amount() (int64, error) {
	start := p.pos
	var n int64
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		digit := int64(p.src[p.pos] - '0')
		if n > (math.MaxInt64-digit)/10 {
			return 0, fmt.Errorf("duration %q overflows", p.src)
		}
		n = n*10 + digit
		p.pos++
	}
	if p.pos == start {
		return 0, fmt.Errorf("duration %q: expected amount at offset %d", p.src, start)
	}
	return n, nil
}

func (p *durationParser) unit() (time.Duration, error) {
	if p.pos >= len(p.src) {
		return 0, fmt.Errorf("duration %q: missing unit (w, d, h, m)", p.src)
	}
	unit, ok := durationUnits[p.src[p.pos]]
	if !ok {
		return 0, fmt.Errorf("duration %q: unknown unit %q at offset %d", p.src, p.src[p.pos], p.pos)
	}
	p.pos++
	return unit, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	var b strings.Builder
	for _, u := range []struct {
		unit   time.Duration
		suffix string
	}{{week, "w"}, {day, "d"}, {time.Hour, "h"}, {time.Minute, "m"}} {
		if n := d / u.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.unit
		}
	}
	return b.String()
}
