// Package telemetry formats the numbers that show up in audit lines,
// CLI tables and generation statistics: byte sizes, TFLOPs, tokens/sec.
//
// Adapted from the teacher's scalar.go (GGUFBytesScalar et al.): the unit
// matrix and String() shape are kept, narrowed to the three scalar kinds
// this runtime actually reports (the teacher's FLOPS/Bps/parameter-count
// scalars served model-estimation reporting this spec does not have).
package telemetry

import (
	"errors"
	"strconv"
	"strings"
)

const (
	ki = 1 << ((iota + 1) * 10)
	mi
	gi
	ti
	pi
)

const (
	k = 1e3
	m = 1e6
	g = 1e9
	t = 1e12
	p = 1e15
)

var binaryUnits = []struct {
	Base float64
	Unit string
}{
	{pi, "Pi"}, {ti, "Ti"}, {gi, "Gi"}, {mi, "Mi"}, {ki, "Ki"},
}

var decimalUnits = []struct {
	Base float64
	Unit string
}{
	{p, "P"}, {t, "T"}, {g, "G"}, {m, "M"}, {k, "K"},
}

// BytesScalar formats a byte count using binary (Ki/Mi/Gi) units, the way
// device buffer sizes and weight tensor sizes are logged.
type BytesScalar uint64

// ParseBytesScalar parses a string such as "256Mi" or "128" back into bytes.
func ParseBytesScalar(s string) (BytesScalar, error) {
	if s == "" {
		return 0, errors.New("telemetry: empty byte scalar")
	}
	s = strings.TrimSuffix(s, "B")
	b := float64(1)
	for _, u := range binaryUnits {
		if strings.HasSuffix(s, u.Unit) {
			b, s = u.Base, strings.TrimSuffix(s, u.Unit)
			break
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return BytesScalar(f * b), nil
}

func (s BytesScalar) String() string {
	if s == 0 {
		return "0 B"
	}
	b, u := float64(1), ""
	for _, x := range binaryUnits {
		if float64(s) >= x.Base {
			b, u = x.Base, x.Unit
			break
		}
	}
	f := strconv.FormatFloat(float64(s)/b, 'f', 2, 64)
	return strings.TrimSuffix(f, ".00") + " " + u + "B"
}

// TFLOPSScalar formats a throughput measurement the autotuner's candidate
// runner reports (`mean_TFLOPs=<float>` lines, spec §4.6 step 6).
type TFLOPSScalar float64

func (s TFLOPSScalar) String() string {
	return strconv.FormatFloat(float64(s), 'f', 3, 64) + " TFLOPs"
}

// TokensPerSecondScalar formats the generator's decode throughput stat.
type TokensPerSecondScalar float64

func (s TokensPerSecondScalar) String() string {
	if s <= 0 {
		return "0 tok/s"
	}
	return strconv.FormatFloat(float64(s), 'f', 2, 64) + " tok/s"
}

// DecimalCount formats a plain count (tensor element counts, token
// counts) with decimal (K/M/G/T/P) units.
type DecimalCount uint64

func (s DecimalCount) String() string {
	if s == 0 {
		return "0"
	}
	b, u := float64(1), ""
	for _, x := range decimalUnits {
		if float64(s) >= x.Base {
			b, u = x.Base, x.Unit
			break
		}
	}
	f := strconv.FormatFloat(float64(s)/b, 'f', 2, 64)
	return strings.TrimSuffix(f, ".00") + u
}
