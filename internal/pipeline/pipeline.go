// Package pipeline wires the frame, noise, extractor, tracker, smoother,
// gpsfeed, fusion, store, telemetry, and metrics packages into the one
// per-sensor object that owns all mutable pipeline state: State. Nothing
// here holds a package-level global; every mutable field lives on State,
// passed explicitly between stages exactly as the frame-producing
// goroutine calls them.
package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/fathomline/sonar-telemetry/internal/config"
	"github.com/fathomline/sonar-telemetry/internal/extractor"
	"github.com/fathomline/sonar-telemetry/internal/frame"
	"github.com/fathomline/sonar-telemetry/internal/fusion"
	"github.com/fathomline/sonar-telemetry/internal/gpsfeed"
	"github.com/fathomline/sonar-telemetry/internal/metrics"
	"github.com/fathomline/sonar-telemetry/internal/monitoring"
	"github.com/fathomline/sonar-telemetry/internal/noise"
	"github.com/fathomline/sonar-telemetry/internal/smoother"
	"github.com/fathomline/sonar-telemetry/internal/store"
	"github.com/fathomline/sonar-telemetry/internal/telemetry"
	"github.com/fathomline/sonar-telemetry/internal/tracker"
)

// SampleTimeSeconds is the canonical per-sample time interval (Δt),
// 13.2 microseconds, resolving the two conflicting values found across
// the source material in favor of the one used by the air/water
// resolution calculation.
const SampleTimeSeconds = 13.2e-6

// Medium selects which speed-of-sound constant governs range conversion.
type Medium int

const (
	MediumAir Medium = iota
	MediumWater
)

const (
	speedOfSoundAirMPS   = 330.0
	speedOfSoundWaterMPS = 1522.0

	// airWaterFrequencyCutoffHz separates the two acoustic front-ends
	// this pipeline's config table implies with its single
	// "sonar_frequency selects acoustic constants" knob: a 40kHz class
	// transducer is an in-air/parking-sensor part, a 200kHz class one is
	// a submerged fishfinder-style transducer.
	airWaterFrequencyCutoffHz = 100000.0

	airIgnoreFirstSamples   = 2
	waterIgnoreFirstSamples = 8
)

// SelectMedium derives the acoustic medium from the configured
// transducer frequency.
func SelectMedium(frequencyHz float64) Medium {
	if frequencyHz <= airWaterFrequencyCutoffHz {
		return MediumAir
	}
	return MediumWater
}

// SampleResolutionCM returns r, the two-way-range centimeters
// represented by one sample index: r = (c * Δt) / 2, converted to cm.
func SampleResolutionCM(m Medium) float64 {
	c := speedOfSoundAirMPS
	if m == MediumWater {
		c = speedOfSoundWaterMPS
	}
	return (c * SampleTimeSeconds / 2) * 100
}

// IgnoreFirstSamples returns the medium-appropriate blind-zone scan
// start used when the tuning config leaves it unset.
func IgnoreFirstSamples(m Medium) int {
	if m == MediumWater {
		return waterIgnoreFirstSamples
	}
	return airIgnoreFirstSamples
}

// defaultBlindZoneMargin sits in the middle of the spec's 0.9-1.3 range;
// the tuning config has no dedicated key for it.
const defaultBlindZoneMargin = 1.1

// maxDetectionsPerFrame caps both the extractor's output and the
// tracker's live track set, since a track that could never have arisen
// from a detection is not worth carrying.
const maxDetectionsPerFrame = 20

// historyCapacity bounds the in-memory depth/noise-floor history kept
// for the debug chart; at a typical multi-Hz frame rate this covers
// several minutes without growing unbounded.
const historyCapacity = 600

// HistoryPoint is one sample of the depth/noise-floor debug history.
type HistoryPoint struct {
	Time       time.Time
	DepthCM    float64
	NoiseFloor float64
}

// TelemetryPublisher is the aggregated-event side of the outgoing
// telemetry channel. *telemetry.MQTTPublisher satisfies this.
type TelemetryPublisher interface {
	PublishGPS(telemetry.GPSEvent)
	PublishSonarBatch(records []fusion.Record)
	PublishSatelliteUpdate(used, total int)
	PublishRawCountUpdate()
}

// BinaryBroadcaster is the high-rate depth channel. *telemetry.BinaryHub
// satisfies this.
type BinaryBroadcaster interface {
	Broadcast(record [3]byte)
}

// Persister is the subset of *store.Store this package writes through.
type Persister interface {
	InsertGPSPoint(store.GPSPoint) error
	InsertGPSRaw(timestamp time.Time, message string) error
	InsertSonarReading(store.SonarReading) error
}

// State owns every piece of mutable cross-stage state for one sensor:
// the running noise statistics, the live track set, the depth smoother,
// the fusion buffer/throttle/satellite tracker, and handles to the
// persistence and telemetry sinks. Nothing here is a package-level
// variable; a process running more than one sensor would simply
// construct more than one State.
type State struct {
	cfg *config.SonarTuningConfig

	noise    *noise.Stats
	tracker  *tracker.Tracker
	smoother *smoother.EMA
	fusion   *fusion.State

	store     Persister
	telemetry TelemetryPublisher
	binary    BinaryBroadcaster
	metrics   *metrics.Metrics

	resolutionCM       float64
	ignoreFirstSamples int

	history []HistoryPoint

	now func() time.Time
}

// New builds pipeline state from a tuning config and the three sinks it
// writes to. The medium, and with it the speed-of-sound constant used to
// convert sample indices to centimeters, is chosen from the configured
// sonar frequency.
func New(cfg *config.SonarTuningConfig, st Persister, tel TelemetryPublisher, bin BinaryBroadcaster, m *metrics.Metrics) *State {
	medium := SelectMedium(cfg.GetSonarFrequencyHz())
	trackerCfg := tracker.DefaultConfig()
	trackerCfg.MaxTracks = maxDetectionsPerFrame
	trackerCfg.PersistenceThreshold = cfg.GetConsistencySamples()
	trackerCfg.BaseTolerance = cfg.GetPositionTolerance()

	ignoreFirst := IgnoreFirstSamples(medium)
	if cfg.IgnoreFirstSamples != nil {
		ignoreFirst = cfg.GetIgnoreFirstSamples()
	}

	return &State{
		cfg:                cfg,
		noise:              noise.New(),
		tracker:            tracker.New(trackerCfg),
		smoother:           smoother.New(cfg.GetEMAAlpha()),
		fusion:             fusion.New(fusion.DefaultBufferCapacity, cfg.GetDBWriteInterval()),
		store:              st,
		telemetry:          tel,
		binary:             bin,
		metrics:            m,
		resolutionCM:       SampleResolutionCM(medium),
		ignoreFirstSamples: ignoreFirst,
		now:                time.Now,
	}
}

// Tracker exposes the live track set for admin/debug and metrics
// surfaces that want to inspect it directly.
func (s *State) Tracker() *tracker.Tracker { return s.tracker }

// Smoother exposes the depth smoother's current value.
func (s *State) Smoother() *smoother.EMA { return s.smoother }

// Fusion exposes the fusion buffer/throttle/satellite state.
func (s *State) Fusion() *fusion.State { return s.fusion }

// Noise exposes the running noise statistics.
func (s *State) Noise() *noise.Stats { return s.noise }

// History returns the bounded recent depth/noise-floor samples used by
// the debug chart, oldest first.
func (s *State) History() []HistoryPoint { return s.history }

func (s *State) recordHistory(ts time.Time, depthCM, noiseFloor float64) {
	s.history = append(s.history, HistoryPoint{Time: ts, DepthCM: depthCM, NoiseFloor: noiseFloor})
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
}

// ProcessFrame runs one validated frame through the full signal chain:
// noise/blind-zone estimation, extraction, tracking, smoothing, fusion
// buffering, the per-frame heartbeat and binary emit, and the throttled
// database write. It is meant to be called synchronously on the
// frame-producing goroutine, once per frame, with no suspension in the
// middle.
func (s *State) ProcessFrame(f frame.Frame) {
	samples := f.Samples[:]

	tail := tailWindow(samples, s.cfg.GetNoiseFloorRange())
	s.noise.Update(tail)

	dyn := s.noise.DynamicThreshold(s.cfg.GetSNRFactor(), s.cfg.GetValueThreshold())
	blindZone := s.noise.BlindZoneEnd(samples, noise.BlindZoneParams{
		IgnoreFirstSamples: s.ignoreFirstSamples,
		MaxSearchSamples:   s.cfg.GetMaxBZSearchSamples(),
		Margin:             defaultBlindZoneMargin,
		Smoothing:          s.cfg.GetNoiseEMAAlpha(),
	})

	detections := extractor.Extract(samples, blindZone, dyn, extractor.Params{
		MinSignalSeparation:    s.cfg.GetMinSignalSeparation(),
		ConsolidationTolerance: s.cfg.GetConsolidationTolerance(),
		NMax:                   maxDetectionsPerFrame,
	})

	measurements := make([]tracker.Measurement, len(detections))
	for i, d := range detections {
		measurements[i] = tracker.Measurement{Index: d.PeakIndex, Amplitude: d.PeakAmplitude}
	}
	s.tracker.Update(measurements, f.Seq, s.noise.Variance())

	smoothedCM := s.smoother.Value()
	if primary := s.tracker.Primary(blindZone); primary != nil {
		smoothedCM = s.smoother.Update(primary.Median() * s.resolutionCM)
	}
	// A frame with no primary target leaves the smoother's value
	// unchanged per the depth smoother's zero-observation rule.

	s.fusion.OnFrame(f.ReceivedAt, smoothedCM, detections)
	s.recordHistory(f.ReceivedAt, smoothedCM, s.noise.Floor())

	if s.metrics != nil {
		s.metrics.FramesTotal.Inc()
		s.metrics.NoiseFloor.Set(s.noise.Floor())
		s.metrics.ActiveTracks.Set(float64(s.tracker.Count()))
		s.metrics.PrimaryDepthM.Set(smoothedCM / 100)
		s.metrics.FusionBufferDepth.Set(float64(s.fusion.Buffer.Len()))
	}

	s.emitBinaryRecords(detections)

	if s.telemetry != nil {
		s.telemetry.PublishRawCountUpdate()
	}

	s.persistThrottled(f.ReceivedAt)
}

func (s *State) emitBinaryRecords(detections []extractor.Detection) {
	if s.binary == nil {
		return
	}
	threshold := s.cfg.GetBinaryWSEmitThreshold()
	for _, d := range detections {
		if d.StartIndex == extractor.SentinelIndex {
			continue
		}
		if int(d.PeakAmplitude) <= threshold {
			continue
		}
		distanceMM := float64(d.PeakIndex) * s.resolutionCM * 10
		s.binary.Broadcast(telemetry.EncodeDepthRecord(distanceMM, d.PeakAmplitude))
	}
}

func (s *State) persistThrottled(now time.Time) {
	if s.store == nil {
		return
	}
	rec, ok := s.fusion.ShouldPersist(now)
	if !ok {
		return
	}
	peakIdx, peakAmp := peakOf(rec.Detections)
	err := s.store.InsertSonarReading(store.SonarReading{
		Timestamp:      rec.Timestamp,
		Latitude:       rec.GPS.Lat,
		Longitude:      rec.GPS.Lon,
		MaxValue:       peakAmp,
		MaxSampleIndex: peakIdx,
		MaxDistanceCM:  rec.SmoothedDepth,
	})
	if err != nil {
		monitoring.Logf("pipeline: insert sonar_readings failed: %v", err)
		if s.metrics != nil {
			s.metrics.DBWriteErrors.Inc()
		}
		return
	}
	s.fusion.Throttle.Mark(now)
	if s.metrics != nil {
		s.metrics.SonarReadingsInserted.Inc()
	}
}

// HandleGPSReport dispatches one classified gpsd report to the fix or
// satellite handler, and always archives the raw line for later replay.
func (s *State) HandleGPSReport(r gpsfeed.Report) {
	if s.store != nil && r.Raw != "" {
		if err := s.store.InsertGPSRaw(s.now(), r.Raw); err != nil {
			monitoring.Logf("pipeline: insert gps_raw failed: %v", err)
			if s.metrics != nil {
				s.metrics.DBWriteErrors.Inc()
			}
		}
	}

	switch r.Class {
	case gpsfeed.ClassTPV:
		if r.TPV != nil {
			s.onGPSFix(*r.TPV)
		}
	case gpsfeed.ClassSKY:
		if r.SKY != nil {
			s.onSatelliteUpdate(*r.SKY)
		}
	}
}

func (s *State) onGPSFix(tpv gpsfeed.TPV) {
	fix := fusion.GPSFix{
		Time:     parseFixTime(tpv.Time, s.now()),
		Lat:      tpv.Lat,
		Lon:      tpv.Lon,
		Speed:    tpv.Speed,
		Track:    tpv.Track,
		Accuracy: horizontalAccuracy(tpv),
		Mode:     tpv.Mode,
	}

	batch, emit := s.fusion.OnGPSFix(fix)
	if !emit {
		return
	}

	if s.store != nil {
		err := s.store.InsertGPSPoint(store.GPSPoint{
			Timestamp: fix.Time,
			Lat:       fix.Lat,
			Lon:       fix.Lon,
			Speed:     fix.Speed,
			Track:     fix.Track,
			Accuracy:  fix.Accuracy,
			FixMode:   fix.Mode,
		})
		if err != nil {
			monitoring.Logf("pipeline: insert gps_points failed: %v", err)
			if s.metrics != nil {
				s.metrics.DBWriteErrors.Inc()
			}
		} else if s.metrics != nil {
			s.metrics.GPSPointsInserted.Inc()
		}
	}

	if s.telemetry != nil {
		if len(batch) > 0 {
			s.telemetry.PublishSonarBatch(batch)
		}
		s.telemetry.PublishGPS(telemetry.GPSEvent{
			Lat:      fix.Lat,
			Lon:      fix.Lon,
			Alt:      tpv.Alt,
			Speed:    fix.Speed,
			Track:    fix.Track,
			Time:     fix.Time,
			FixMode:  fix.Mode,
			Accuracy: fix.Accuracy,
			Status:   fixStatus(fix.Mode),
			DepthM:   s.smoother.Value() / 100,
		})
	}

	if s.metrics != nil {
		s.metrics.GPSFixMode.Set(float64(fix.Mode))
	}
}

func (s *State) onSatelliteUpdate(sky gpsfeed.SKY) {
	used := sky.SatelliteCount()
	total := len(sky.Satellites)
	if !s.fusion.Satellites.Update(used, total) {
		return
	}
	if s.telemetry != nil {
		s.telemetry.PublishSatelliteUpdate(used, total)
	}
	if s.metrics != nil {
		s.metrics.GPSSatellites.WithLabelValues("used").Set(float64(used))
		s.metrics.GPSSatellites.WithLabelValues("total").Set(float64(total))
	}
}

func tailWindow(samples []uint16, n int) []uint16 {
	if n <= 0 || n > len(samples) {
		return samples
	}
	return samples[len(samples)-n:]
}

func peakOf(detections []extractor.Detection) (index int, amplitude uint16) {
	for _, d := range detections {
		if d.StartIndex == extractor.SentinelIndex {
			continue
		}
		if d.PeakAmplitude > amplitude {
			amplitude = d.PeakAmplitude
			index = d.PeakIndex
		}
	}
	return index, amplitude
}

func horizontalAccuracy(tpv gpsfeed.TPV) float64 {
	if tpv.EPX == 0 && tpv.EPY == 0 {
		return 0
	}
	return math.Hypot(tpv.EPX, tpv.EPY)
}

func parseFixTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t
}

func fixStatus(mode int) string {
	switch mode {
	case 3:
		return "3d"
	case 2:
		return "2d"
	case 1:
		return "no_fix"
	default:
		return fmt.Sprintf("unknown(%d)", mode)
	}
}
