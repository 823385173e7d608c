// Package seed generates, clamps and validates generation seeds.
package seed

import (
	"math/rand"
	"strconv"
	"strings"
)

const (
	MinSeed = 1
	MaxSeed = 2147483638
)

// GenerateRandom returns a seed uniformly distributed in [MinSeed, MaxSeed].
func GenerateRandom() int {
	return MinSeed + rand.Intn(MaxSeed-MinSeed+1)
}

// Inputs mirrors the two linked seed widgets: the numeric field and the slider.
type Inputs struct {
	Field  int
	Slider int
}

// NewInputs creates inputs holding a random seed.
func NewInputs() *Inputs {
	v := GenerateRandom()
	return &Inputs{Field: v, Slider: v}
}

// Sync clamps raw and writes the result to both widgets.
func (in *Inputs) Sync(raw string) int {
	v := Clamp(raw)
	in.Field = v
	in.Slider = v
	return v
}

// Randomize stores a fresh random seed in both widgets.
func (in *Inputs) Randomize() int {
	return in.Sync(strconv.Itoa(GenerateRandom()))
}

// Value returns the current field value as a string.
func (in *Inputs) Value() string { return strconv.Itoa(in.Field) }

// Clamp parses raw and clamps it into [MinSeed, MaxSeed]. Unparseable input
// and zero both become 1.
func Clamp(raw string) int {
	v, ok := ParseInt(raw)
	if !ok || v == 0 {
		return MinSeed
	}
	return ClampValue(v)
}

// ClampValue clamps v into [MinSeed, MaxSeed].
func ClampValue(v int64) int {
	switch {
	case v < MinSeed:
		return MinSeed
	case v > MaxSeed:
		return MaxSeed
	}
	return int(v)
}

// Validate reports whether raw parses to an integer within the seed bounds.
func Validate(raw string) bool {
	v, ok := ParseInt(raw)
	return ok && v >= MinSeed && v <= MaxSeed
}

// ParseInt reads the leading integer of raw: optional whitespace, an optional
// sign, then digits. Anything after the digits is ignored. Values beyond the
// int64 range saturate.
func ParseInt(raw string) (int64, bool) {
	s := strings.TrimLeft(raw, " \t\n\r\f\v")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	v, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		// only range errors remain; saturate by sign
		if s[0] == '-' {
			return -1 << 63, true
		}
		return 1<<63 - 1, true
	}
	return v, true
}
