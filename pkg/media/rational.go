package media

import (
	"math"
	"math/bits"
	"time"
)

// Rational is a time base expressed as Num/Den seconds per tick.
type Rational struct {
	Num int64
	Den int64
}

// MPEGTSTimeBase is the 90 kHz clock used by MPEG-TS and HLS.
var MPEGTSTimeBase = Rational{Num: 1, Den: 90000}

// NanosecondTimeBase is the timescale of decoded frames.
var NanosecondTimeBase = Rational{Num: 1, Den: int64(time.Second)}

// Valid reports whether the rational can be used as a time base.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Rescale converts v ticks of from into nanoseconds.
func Rescale(v int64, from Rational) int64 {
	return RescaleQ(v, from, NanosecondTimeBase)
}

// RescaleTo converts a duration into ticks of to.
func RescaleTo(d time.Duration, to Rational) int64 {
	return RescaleQ(int64(d), NanosecondTimeBase, to)
}

// RescaleQ computes v * from / to with a 128-bit intermediate product,
// rounding half away from zero. Results that do not fit in int64 saturate.
func RescaleQ(v int64, from, to Rational) int64 {
	if !from.Valid() || !to.Valid() {
		return 0
	}
	// v * from.Num * to.Den / (from.Den * to.Num)
	b := mulSat(from.Num, to.Den)
	c := mulSat(from.Den, to.Num)
	return rescaleRnd(v, b, c)
}

// rescaleRnd returns a*b/c rounded half away from zero. b and c must be
// positive.
func rescaleRnd(a, b, c int64) int64 {
	neg := a < 0
	ua := uint64(a)
	if neg {
		ua = uint64(-(a + 1)) + 1
	}

	hi, lo := bits.Mul64(ua, uint64(b))
	// add c/2 for rounding
	var carry uint64
	lo, carry = bits.Add64(lo, uint64(c)/2, 0)
	hi += carry

	if hi >= uint64(c) {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func mulSat(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}
