// Package tracker implements a 1-D Kalman-like temporal tracker: it
// associates per-frame detections into persistent tracks, smoothing each
// track's sample-index state and decaying tracks that stop being
// observed. It is a one-dimensional collapse of a constant-velocity 2-D
// point tracker down to a constant-position scalar state, since a sonar
// detection has no lateral component — only range.
package tracker

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// State is the lifecycle stage of a Track.
type State string

const (
	Provisional State = "provisional"
	Persistent  State = "persistent"
	Decaying    State = "decaying"
	Lost        State = "lost"
)

// singularRejection is returned by association distance when a track's
// covariance has collapsed to something numerically unusable; it is far
// larger than any real gating window so the track simply never matches.
const singularRejection = 1e9

// Config parameterizes the tracker.
type Config struct {
	MaxTracks               int
	PersistenceThreshold    int
	Headroom                int
	MaxMisses               int
	BaseTolerance           float64
	MaxBoost                float64
	BoostAmplitudeReference float64 // amplitude at which the full MaxBoost applies
	ProcessNoise            float64 // Q
	MeasurementNoiseFloor   float64 // minimum R regardless of noise variance
	MeasurementNoiseScale   float64 // R = MeasurementNoiseFloor + scale*noiseVariance
	HistoryLength           int     // H, window for the median-of-history estimate
}

// DefaultConfig returns reasonable production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTracks:               20,
		PersistenceThreshold:    10,
		Headroom:                5,
		MaxMisses:               5,
		BaseTolerance:           15,
		MaxBoost:                25,
		BoostAmplitudeReference: 1000,
		ProcessNoise:            2.0,
		MeasurementNoiseFloor:   4.0,
		MeasurementNoiseScale:   0.05,
		HistoryLength:           20,
	}
}

// Measurement is one detection offered to the tracker for a frame.
type Measurement struct {
	Index     int
	Amplitude uint16
}

// Track is a persistent identity assigned to a reflecting object across
// frames.
type Track struct {
	ID          string
	State       State
	X           float64 // filtered sample index
	P           float64 // state uncertainty
	Amplitude   uint16
	Persistence int
	Misses      int
	History     []float64
	LastFrame   uint64
}

// Median returns the median of the track's recent observed indices,
// resistant to single-frame outliers.
func (t *Track) Median() float64 {
	if len(t.History) == 0 {
		return t.X
	}
	sorted := append([]float64(nil), t.History...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Tracker owns the live set of tracks and the monotonic ID counter.
type Tracker struct {
	mu     sync.RWMutex
	tracks map[string]*Track
	nextID int64
	cfg    Config
}

// New creates a Tracker with the given configuration.
func New(cfg Config) *Tracker {
	return &Tracker{
		tracks: make(map[string]*Track),
		cfg:    cfg,
	}
}

// Update advances every track by one frame: predicts, associates
// unmatched measurements to the nearest predicted track within the
// amplitude-scaled tolerance window, applies the 1-D Kalman update to
// matches, decays unmatched tracks, spawns new tracks for unmatched
// measurements up to MaxTracks, and prunes tracks that reach Lost.
func (tr *Tracker) Update(measurements []Measurement, frameSeq uint64, noiseVariance float64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	r := tr.cfg.MeasurementNoiseFloor + tr.cfg.MeasurementNoiseScale*noiseVariance

	for _, t := range tr.tracks {
		tr.predict(t)
	}

	matchedMeasurement := make(map[int]bool, len(measurements))
	matchedTrack := make(map[string]bool, len(tr.tracks))

	// Greedy nearest-neighbor association, closest pairs first.
	type candidate struct {
		trackID string
		mIdx    int
		dist    float64
	}
	var candidates []candidate
	for id, t := range tr.tracks {
		for i, m := range measurements {
			d := tr.gatedDistance(t, m)
			if d < singularRejection {
				candidates = append(candidates, candidate{id, i, d})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	for _, c := range candidates {
		if matchedTrack[c.trackID] || matchedMeasurement[c.mIdx] {
			continue
		}
		matchedTrack[c.trackID] = true
		matchedMeasurement[c.mIdx] = true
		tr.applyUpdate(tr.tracks[c.trackID], measurements[c.mIdx], r, frameSeq)
	}

	for id, t := range tr.tracks {
		if !matchedTrack[id] {
			tr.applyMiss(t)
		}
	}

	for i, m := range measurements {
		if !matchedMeasurement[i] && len(tr.tracks) < tr.cfg.MaxTracks {
			nt := tr.newTrack(m, frameSeq)
			tr.tracks[nt.ID] = nt
		}
	}

	tr.cleanup()
}

func (tr *Tracker) predict(t *Track) {
	// Constant-position model: X is unchanged, uncertainty grows by Q.
	t.P += tr.cfg.ProcessNoise
}

func (tr *Tracker) tolerance(amplitude uint16) float64 {
	if tr.cfg.BoostAmplitudeReference <= 0 {
		return tr.cfg.BaseTolerance
	}
	frac := float64(amplitude) / tr.cfg.BoostAmplitudeReference
	if frac > 1 {
		frac = 1
	}
	return tr.cfg.BaseTolerance + frac*tr.cfg.MaxBoost
}

func (tr *Tracker) gatedDistance(t *Track, m Measurement) float64 {
	dist := math.Abs(float64(m.Index) - t.X)
	if dist > tr.tolerance(m.Amplitude) {
		return singularRejection
	}
	return dist
}

func (tr *Tracker) applyUpdate(t *Track, m Measurement, r float64, frameSeq uint64) {
	// Standard 1-D Kalman gain and update.
	k := t.P / (t.P + r)
	t.X = t.X + k*(float64(m.Index)-t.X)
	t.P = (1 - k) * t.P
	t.Amplitude = m.Amplitude
	t.Misses = 0
	t.LastFrame = frameSeq

	if t.Persistence < tr.cfg.PersistenceThreshold+tr.cfg.Headroom {
		t.Persistence++
	}
	if t.Persistence >= tr.cfg.PersistenceThreshold {
		t.State = Persistent
	} else {
		t.State = Provisional
	}

	t.History = append(t.History, t.X)
	if len(t.History) > tr.cfg.HistoryLength {
		t.History = t.History[len(t.History)-tr.cfg.HistoryLength:]
	}
}

func (tr *Tracker) applyMiss(t *Track) {
	t.Misses++
	decay := 1
	if t.Persistence > tr.cfg.PersistenceThreshold {
		decay = 2 // heavy decay above threshold, favoring re-acquisition over a stale lock
	}
	t.Persistence -= decay
	if t.Persistence < 0 {
		t.Persistence = 0
	}
	if t.State == Persistent {
		t.State = Decaying
	}
}

func (tr *Tracker) newTrack(m Measurement, frameSeq uint64) *Track {
	id := fmt.Sprintf("track_%d", tr.nextID)
	tr.nextID++
	return &Track{
		ID:          id,
		State:       Provisional,
		X:           float64(m.Index),
		P:           tr.cfg.ProcessNoise,
		Amplitude:   m.Amplitude,
		Persistence: 1,
		History:     []float64{float64(m.Index)},
		LastFrame:   frameSeq,
	}
}

func (tr *Tracker) cleanup() {
	for id, t := range tr.tracks {
		if t.Persistence <= 0 || t.Misses > tr.cfg.MaxMisses {
			t.State = Lost
			delete(tr.tracks, id)
		}
	}
}

// ActiveTracks returns a snapshot of all live tracks.
func (tr *Tracker) ActiveTracks() []*Track {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]*Track, 0, len(tr.tracks))
	for _, t := range tr.tracks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// Primary returns the closest persistent track (smallest median index at
// or above blindZone), or nil if none qualifies.
func (tr *Tracker) Primary(blindZone int) *Track {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	var best *Track
	for _, t := range tr.tracks {
		if t.State != Persistent {
			continue
		}
		median := t.Median()
		if median < float64(blindZone) {
			continue
		}
		if best == nil || median < best.Median() {
			cp := *t
			best = &cp
		}
	}
	return best
}

// Count returns the number of live tracks.
func (tr *Tracker) Count() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.tracks)
}
