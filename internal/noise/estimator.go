// Package noise maintains the running noise floor and blind-zone estimate
// used to derive the dynamic detection threshold for each frame.
package noise

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// sanityFloor is the minimum noise mean the estimator will report; below
// this the dynamic threshold could collapse toward zero and start firing
// on ordinary hiss.
const sanityFloor = 50.0

// Stats is the running per-sensor noise state, updated once per validated
// frame using Welford's online algorithm so the long-running mean and
// variance never require re-summing history.
type Stats struct {
	count    uint64
	mean     float64
	m2       float64
	min, max float64

	floor     float64 // most recent per-frame floor (5th percentile of tail)
	blindZone float64 // short running average of recent blind-zone indices
	bzInit    bool
}

// blindZoneSmoothing is the EMA factor used to stabilize the blind-zone
// index across frames; small enough to damp single-frame jitter without
// lagging behind a real change in ring-down length.
const blindZoneSmoothing = 0.3

// New returns a zeroed Stats. A cold-start Stats reports zeros for
// everything until the first Update.
func New() *Stats {
	return &Stats{min: math.Inf(1), max: math.Inf(-1)}
}

// Update folds one frame's tail window into the running statistics and
// returns the per-frame floor for that window (the 5th percentile).
//
// The percentile, not the mean, is used deliberately: the tail window is
// exactly where a genuine, not-yet-stabilized echo return is most likely
// to sit, and a handful of contaminating high samples would drag a mean
// upward while barely moving a low percentile.
func (s *Stats) Update(tail []uint16) float64 {
	if len(tail) == 0 {
		return s.floor
	}

	values := make([]float64, len(tail))
	for i, v := range tail {
		values[i] = float64(v)
	}
	sort.Float64s(values)
	s.floor = stat.Quantile(0.05, stat.Empirical, values, nil)

	for _, v := range values {
		s.count++
		delta := v - s.mean
		s.mean += delta / float64(s.count)
		delta2 := v - s.mean
		s.m2 += delta * delta2
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}

	return s.floor
}

// Mean returns the long-running mean, clamped to the sanity floor once
// any samples have been observed. Before the first Update it is zero, per
// the cold-start policy: callers fall back to a configured static
// threshold in that case.
func (s *Stats) Mean() float64 {
	if s.count == 0 {
		return 0
	}
	if s.mean < sanityFloor {
		return sanityFloor
	}
	return s.mean
}

// Variance returns the running population variance (Welford's M2 / n).
func (s *Stats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count)
}

// StdDev returns the running standard deviation.
func (s *Stats) StdDev() float64 {
	v := s.Variance()
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Min and Max return the observed extremes. Before any samples they
// report 0, never +/-Inf or NaN.
func (s *Stats) Min() float64 {
	if s.count == 0 {
		return 0
	}
	return s.min
}

func (s *Stats) Max() float64 {
	if s.count == 0 {
		return 0
	}
	return s.max
}

// Count returns the number of samples folded into the estimator so far.
func (s *Stats) Count() uint64 { return s.count }

// Floor returns the most recent per-frame floor computed by Update.
func (s *Stats) Floor() float64 { return s.floor }

// DynamicThreshold computes DYN = mean + snr*sqrt(variance), falling back
// to staticThreshold before the estimator has any data (cold start).
func (s *Stats) DynamicThreshold(snr, staticThreshold float64) float64 {
	if s.count == 0 {
		return staticThreshold
	}
	dyn := s.Mean() + snr*s.StdDev()
	if dyn < staticThreshold {
		return staticThreshold
	}
	return dyn
}

// BlindZoneParams configures the blind-zone scan.
type BlindZoneParams struct {
	IgnoreFirstSamples int
	MaxSearchSamples   int
	Margin             float64 // typical 0.9-1.3

	// Smoothing is the EMA factor applied across frames to the found
	// index. Zero falls back to blindZoneSmoothing, the package default.
	Smoothing float64
}

// BlindZoneEnd scans frame from index IgnoreFirstSamples up to, but not
// including, index MaxSearchSamples for the first index where the envelope
// falls at or below max(sanityFloor, noiseMean*margin); when no sample
// qualifies the search limit (MaxSearchSamples, clamped to the frame
// length) is used. It folds the result into a short running average to
// smooth frame-to-frame jitter and returns the smoothed index.
func (s *Stats) BlindZoneEnd(frame []uint16, p BlindZoneParams) int {
	threshold := s.Mean() * p.Margin
	if threshold < sanityFloor {
		threshold = sanityFloor
	}

	limit := p.MaxSearchSamples
	if limit > len(frame) {
		limit = len(frame)
	}

	found := limit
	if found < 0 {
		found = 0
	}
	for i := p.IgnoreFirstSamples; i < limit; i++ {
		if float64(frame[i]) <= threshold {
			found = i
			break
		}
	}

	smoothing := p.Smoothing
	if smoothing <= 0 {
		smoothing = blindZoneSmoothing
	}
	if !s.bzInit {
		s.blindZone = float64(found)
		s.bzInit = true
	} else {
		s.blindZone += (float64(found) - s.blindZone) * smoothing
	}

	return int(math.Round(s.blindZone))
}
