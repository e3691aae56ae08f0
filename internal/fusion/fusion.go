// Package fusion correlates the fast frame-processing stream with the
// slower GPS fix stream: it buffers processed frames tagged with the
// most recent GPS snapshot, drains that buffer into a batch whenever a
// fresh GPS fix arrives, and throttles the representative-row database
// write to once per interval.
//
// Every method here is meant to be called from a single owning
// goroutine (the frame/GPS event loop); nothing in this package takes a
// lock, matching the single-writer ownership the rest of the pipeline
// gives its shared state.
package fusion

import (
	"time"

	"github.com/fathomline/sonar-telemetry/internal/extractor"
)

// GPSFix is a snapshot of the most recent valid GPS fix.
type GPSFix struct {
	Time     time.Time
	Lat      float64
	Lon      float64
	Speed    float64
	Track    float64
	Accuracy float64
	Mode     int
}

// Record is one processed frame tagged with the GPS snapshot known at
// the time it was produced.
type Record struct {
	Timestamp     time.Time
	SmoothedDepth float64
	Detections    []extractor.Detection
	GPS           *GPSFix
}

// BatchPoint is a Record projected down to the fields a "sonar batch"
// telemetry event carries.
type BatchPoint struct {
	Time    time.Time
	DepthCM float64
	Lat     float64
	Lon     float64
}

// DefaultBufferCapacity is the fusion buffer's cap before the oldest
// record is dropped to make room for a new one.
const DefaultBufferCapacity = 1024

// Buffer is the append-only-from-frames, drain-only-from-GPS record
// queue.
type Buffer struct {
	records  []Record
	capacity int
}

// NewBuffer returns an empty Buffer bounded at capacity records.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{capacity: capacity}
}

// Append adds a record, dropping the oldest if the buffer is full.
func (b *Buffer) Append(r Record) {
	if len(b.records) >= b.capacity {
		b.records = b.records[1:]
	}
	b.records = append(b.records, r)
}

// Drain returns all buffered records and empties the buffer.
func (b *Buffer) Drain() []Record {
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = nil
	return out
}

// Latest returns the most recently appended record, if any.
func (b *Buffer) Latest() (Record, bool) {
	if len(b.records) == 0 {
		return Record{}, false
	}
	return b.records[len(b.records)-1], true
}

// Len reports the number of buffered records.
func (b *Buffer) Len() int { return len(b.records) }

// ProjectBatch converts buffered records into the {time, depth_cm, lat,
// lon} shape a sonar-batch telemetry event carries. Records with no GPS
// snapshot are skipped, since a batch point without a position is not
// useful to a downstream map consumer.
func ProjectBatch(records []Record) []BatchPoint {
	out := make([]BatchPoint, 0, len(records))
	for _, r := range records {
		if r.GPS == nil {
			continue
		}
		out = append(out, BatchPoint{
			Time:    r.Timestamp,
			DepthCM: r.SmoothedDepth,
			Lat:     r.GPS.Lat,
			Lon:     r.GPS.Lon,
		})
	}
	return out
}

// Throttle gates a repeating action to at most once per interval.
type Throttle struct {
	interval time.Duration
	last     time.Time
	primed   bool
}

// NewThrottle returns a Throttle that is ready to fire immediately on
// its first Ready check.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Ready reports whether interval has elapsed since the last Mark.
func (t *Throttle) Ready(now time.Time) bool {
	if !t.primed {
		return true
	}
	return now.Sub(t.last) >= t.interval
}

// Mark records now as the last time the throttled action fired.
func (t *Throttle) Mark(now time.Time) {
	t.last = now
	t.primed = true
}

// SatelliteTracker remembers the last emitted satellite counts so a
// satellite_update event only fires when something actually changed.
type SatelliteTracker struct {
	used, total int
	init        bool
}

// Update reports whether (used, total) differs from the last emitted
// values, and records the new values as the baseline for next time.
func (s *SatelliteTracker) Update(used, total int) bool {
	changed := !s.init || used != s.used || total != s.total
	s.used, s.total = used, total
	s.init = true
	return changed
}

// State is the fusion stage's owned mutable state: the buffer, the
// persistence throttle, the satellite-change tracker, and the last
// known GPS snapshot.
type State struct {
	Buffer     *Buffer
	Throttle   *Throttle
	Satellites SatelliteTracker
	lastGPS    *GPSFix
}

// New returns fusion state with the given buffer capacity and
// persistence throttle interval.
func New(bufferCapacity int, dbWriteInterval time.Duration) *State {
	return &State{
		Buffer:   NewBuffer(bufferCapacity),
		Throttle: NewThrottle(dbWriteInterval),
	}
}

// OnFrame appends one processed frame's record, tagged with whatever
// GPS snapshot is currently known (possibly none before the first fix).
func (s *State) OnFrame(ts time.Time, smoothedDepth float64, detections []extractor.Detection) {
	var gps *GPSFix
	if s.lastGPS != nil {
		snapshot := *s.lastGPS
		gps = &snapshot
	}
	s.Buffer.Append(Record{
		Timestamp:     ts,
		SmoothedDepth: smoothedDepth,
		Detections:    detections,
		GPS:           gps,
	})
}

// OnGPSFix records a new fix and, if the fix carries at least a 2-D
// lock, drains the buffer into a batch for emission. It returns the
// batch (nil if the buffer was empty or the fix mode was too low to
// trust) and whether a GPS telemetry event should be emitted at all.
func (s *State) OnGPSFix(fix GPSFix) (batch []Record, emit bool) {
	if fix.Mode < 2 {
		return nil, false
	}
	snapshot := fix
	s.lastGPS = &snapshot
	if s.Buffer.Len() > 0 {
		batch = s.Buffer.Drain()
		// Records appended before any fix ever arrived carry no GPS
		// snapshot of their own; backfill them with this fix rather than
		// dropping them from the batch, since it is the best position
		// estimate available for them.
		for i := range batch {
			if batch[i].GPS == nil {
				fixCopy := snapshot
				batch[i].GPS = &fixCopy
			}
		}
	}
	return batch, true
}

// ShouldPersist reports whether the throttled representative-row write
// should fire now: the interval has elapsed and the latest buffered
// record carries a GPS snapshot. It does not itself drain the buffer or
// mark the throttle; callers do that after a successful write.
func (s *State) ShouldPersist(now time.Time) (Record, bool) {
	latest, ok := s.Buffer.Latest()
	if !ok || latest.GPS == nil {
		return Record{}, false
	}
	if !s.Throttle.Ready(now) {
		return Record{}, false
	}
	return latest, true
}
