// Package extractor turns one validated frame plus a blind-zone index and
// dynamic threshold into an ordered list of detections.
package extractor

// SentinelIndex marks a padding detection used to fill a fixed-length
// output slice up to NMax.
const SentinelIndex = -1

// Detection is one acoustic return found within a single frame.
type Detection struct {
	StartIndex    int
	PeakIndex     int
	PeakAmplitude uint16
	PulseWidth    int
}

// Params configures peak identification and consolidation.
type Params struct {
	// MinSignalSeparation is the minimum gap, measured from one pulse's
	// end to the next pulse's start, that two surviving detections must
	// have between them.
	MinSignalSeparation int
	// ConsolidationTolerance: candidate pulses whose gap is at or below
	// this collapse into a single detection.
	ConsolidationTolerance int
	// NMax caps the number of detections returned.
	NMax int
	// PadWithSentinel, when true, pads the returned slice up to NMax with
	// sentinel detections (StartIndex == SentinelIndex) for fixed-length
	// downstream contracts.
	PadWithSentinel bool
}

// Extract scans samples[blindZone:] for pulses at or above dyn, then
// consolidates and separation-gates the candidates before capping at
// NMax. blindZone below zero is treated as zero.
func Extract(samples []uint16, blindZone int, dyn float64, p Params) []Detection {
	if blindZone < 0 {
		blindZone = 0
	}

	raw := findPulses(samples, blindZone, dyn)
	merged := reconcile(raw, p.MinSignalSeparation, p.ConsolidationTolerance)

	if p.NMax > 0 && len(merged) > p.NMax {
		merged = merged[:p.NMax]
	}
	if p.PadWithSentinel && p.NMax > 0 {
		for len(merged) < p.NMax {
			merged = append(merged, Detection{StartIndex: SentinelIndex, PeakIndex: SentinelIndex})
		}
	}
	return merged
}

// findPulses scans forward from start, recording every contiguous run of
// samples at or above dyn as a candidate pulse. Scanning resumes
// immediately after each pulse ends so that no candidate, however close
// to its predecessor, is missed by the initial pass; separation and
// consolidation rules are applied afterward by reconcile.
func findPulses(samples []uint16, start int, dyn float64) []Detection {
	var out []Detection
	n := len(samples)
	i := start
	for i < n {
		if float64(samples[i]) < dyn {
			i++
			continue
		}
		j := i + 1
		for j < n && float64(samples[j]) >= dyn {
			j++
		}
		peakIdx, peakAmp := i, samples[i]
		for k := i; k < j; k++ {
			if samples[k] > peakAmp {
				peakAmp = samples[k]
				peakIdx = k
			}
		}
		out = append(out, Detection{
			StartIndex:    i,
			PeakIndex:     peakIdx,
			PeakAmplitude: peakAmp,
			PulseWidth:    j - i,
		})
		i = j
	}
	return out
}

// reconcile enforces the minimum separation invariant and applies
// consolidation. Two candidates whose gap is within tolerance always
// collapse into one (the dominant-amplitude pulse wins, and the merged
// detection's StartIndex and PeakIndex are both set to that pulse's peak
// index, not to the start of the union). Two candidates whose gap
// clears tolerance but not the full separation requirement are resolved
// by keeping only the stronger of the pair, so every surviving detection
// respects the separation invariant.
func reconcile(candidates []Detection, minSeparation, tolerance int) []Detection {
	if len(candidates) == 0 {
		return nil
	}

	out := []Detection{candidates[0]}
	for _, next := range candidates[1:] {
		prev := &out[len(out)-1]
		gap := next.StartIndex - (prev.StartIndex + prev.PulseWidth)

		switch {
		case gap <= tolerance:
			*prev = mergeDetections(*prev, next)
		case gap < minSeparation:
			if next.PeakAmplitude > prev.PeakAmplitude {
				*prev = next
			}
		default:
			out = append(out, next)
		}
	}
	return out
}

func mergeDetections(a, b Detection) Detection {
	dominant := a
	if b.PeakAmplitude > a.PeakAmplitude {
		dominant = b
	}
	start := a.StartIndex
	if b.StartIndex < start {
		start = b.StartIndex
	}
	end := a.StartIndex + a.PulseWidth
	if bEnd := b.StartIndex + b.PulseWidth; bEnd > end {
		end = bEnd
	}
	return Detection{
		StartIndex:    dominant.PeakIndex,
		PeakIndex:     dominant.PeakIndex,
		PeakAmplitude: dominant.PeakAmplitude,
		PulseWidth:    end - start,
	}
}
