package seed

import (
	"math"
	"strconv"
	"testing"
)

func TestSyncAlwaysInBoundsAndIdempotent(t *testing.T) {
	values := []int64{math.MinInt64, -5, 0, 1, 2, 42, MaxSeed - 1, MaxSeed, MaxSeed + 1, math.MaxInt64}
	for _, v := range values {
		in := &Inputs{}
		raw := strconv.FormatInt(v, 10)
		got := in.Sync(raw)
		if got < MinSeed || got > MaxSeed {
			t.Fatalf("Sync(%s) = %d out of bounds", raw, got)
		}
		if in.Field != got || in.Slider != got {
			t.Fatalf("Sync(%s) widgets = %d/%d want %d", raw, in.Field, in.Slider, got)
		}
		if v >= MinSeed && v <= MaxSeed && int64(got) != v {
			t.Fatalf("Sync(%s) changed in-range value to %d", raw, got)
		}
		if again := in.Sync(strconv.Itoa(got)); again != got {
			t.Fatalf("Sync not idempotent for %s: %d then %d", raw, got, again)
		}
	}
}

func TestClampDefaults(t *testing.T) {
	cases := map[string]int{
		"":          1,
		"abc":       1,
		"0":         1,
		"-3":        1,
		"12abc":     12,
		"3.9":       3,
		"  77":      77,
		"+5":        5,
		"999999999999999999999": MaxSeed,
	}
	for raw, want := range cases {
		if got := Clamp(raw); got != want {
			t.Fatalf("Clamp(%q) = %d want %d", raw, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, raw := range []string{"0", "2147483639", "abc", "", "-1"} {
		if Validate(raw) {
			t.Fatalf("Validate(%q) = true", raw)
		}
	}
	for _, raw := range []string{"1", "2147483638", "1234"} {
		if !Validate(raw) {
			t.Fatalf("Validate(%q) = false", raw)
		}
	}
}

func TestGenerateRandomInBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if v := GenerateRandom(); v < MinSeed || v > MaxSeed {
			t.Fatalf("GenerateRandom() = %d", v)
		}
	}
}
