package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomline/sonar-telemetry/internal/config"
	"github.com/fathomline/sonar-telemetry/internal/frame"
	"github.com/fathomline/sonar-telemetry/internal/fusion"
	"github.com/fathomline/sonar-telemetry/internal/gpsfeed"
	"github.com/fathomline/sonar-telemetry/internal/store"
	"github.com/fathomline/sonar-telemetry/internal/telemetry"
)

type fakeTelemetry struct {
	gpsEvents  []telemetry.GPSEvent
	batches    [][]fusion.Record
	satUpdates [][2]int
	heartbeats int
}

func (f *fakeTelemetry) PublishGPS(e telemetry.GPSEvent)        { f.gpsEvents = append(f.gpsEvents, e) }
func (f *fakeTelemetry) PublishSonarBatch(r []fusion.Record)    { f.batches = append(f.batches, r) }
func (f *fakeTelemetry) PublishSatelliteUpdate(used, total int) { f.satUpdates = append(f.satUpdates, [2]int{used, total}) }
func (f *fakeTelemetry) PublishRawCountUpdate()                 { f.heartbeats++ }

type fakeBinary struct {
	records [][3]byte
}

func (f *fakeBinary) Broadcast(r [3]byte) { f.records = append(f.records, r) }

type fakePersister struct {
	gpsPoints     []store.GPSPoint
	gpsRaw        []string
	sonarReadings []store.SonarReading
}

func (f *fakePersister) InsertGPSPoint(p store.GPSPoint) error {
	f.gpsPoints = append(f.gpsPoints, p)
	return nil
}

func (f *fakePersister) InsertGPSRaw(timestamp time.Time, message string) error {
	f.gpsRaw = append(f.gpsRaw, message)
	return nil
}

func (f *fakePersister) InsertSonarReading(r store.SonarReading) error {
	f.sonarReadings = append(f.sonarReadings, r)
	return nil
}

func testConfig() *config.SonarTuningConfig {
	return config.EmptySonarTuningConfig()
}

func frameWithPeak(seq uint64, at time.Time, start, end int, amplitude uint16) frame.Frame {
	var samples [frame.SampleCount]uint16
	for i := start; i <= end; i++ {
		samples[i] = amplitude
	}
	return frame.Frame{Seq: seq, ReceivedAt: at, Samples: samples}
}

func TestProcessFrame_CleanSingleTargetPingProducesOneDetection(t *testing.T) {
	tel := &fakeTelemetry{}
	bin := &fakeBinary{}
	st := New(testConfig(), nil, tel, bin, nil)

	f := frameWithPeak(0, time.Now(), 400, 410, 200)
	st.ProcessFrame(f)

	assert.Equal(t, 1, st.Tracker().Count())
	assert.Equal(t, 1, tel.heartbeats)
	require.Len(t, bin.records, 1, "amplitude 200 exceeds the default binary emit threshold")
}

func TestProcessFrame_PersistenceGatingRequiresConsistencySamples(t *testing.T) {
	st := New(testConfig(), nil, &fakeTelemetry{}, &fakeBinary{}, nil)

	base := time.Now()
	for i := 0; i < 9; i++ {
		st.ProcessFrame(frameWithPeak(uint64(i), base, 700, 710, 200))
	}
	assert.Nil(t, st.Tracker().Primary(0), "fewer than consistency_samples frames must not yield a persistent track")

	st.ProcessFrame(frameWithPeak(9, base, 700, 710, 200))
	primary := st.Tracker().Primary(0)
	require.NotNil(t, primary)
	assert.InDelta(t, 700, primary.Median(), 1)
}

func TestProcessFrame_NoDetectionsEventuallyDropsAllTracks(t *testing.T) {
	st := New(testConfig(), nil, &fakeTelemetry{}, &fakeBinary{}, nil)

	base := time.Now()
	st.ProcessFrame(frameWithPeak(0, base, 700, 710, 200))
	require.Equal(t, 1, st.Tracker().Count())

	var blank [frame.SampleCount]uint16
	for i := 1; i <= 10; i++ {
		st.ProcessFrame(frame.Frame{Seq: uint64(i), ReceivedAt: base, Samples: blank})
	}
	assert.Equal(t, 0, st.Tracker().Count())
}

func TestHandleGPSReport_TPVWithoutPriorFixesEmitsGPSEventAndNoBatch(t *testing.T) {
	tel := &fakeTelemetry{}
	pers := &fakePersister{}
	st := New(testConfig(), pers, tel, &fakeBinary{}, nil)

	st.HandleGPSReport(gpsfeed.Report{
		Class: gpsfeed.ClassTPV,
		TPV:   &gpsfeed.TPV{Mode: 3, Lat: 44.5, Lon: 15.1},
		Raw:   `{"class":"TPV","mode":3}`,
	})

	require.Len(t, tel.gpsEvents, 1)
	assert.Equal(t, 44.5, tel.gpsEvents[0].Lat)
	assert.Empty(t, tel.batches, "no frames were buffered before this fix")
	require.Len(t, pers.gpsPoints, 1)
	require.Len(t, pers.gpsRaw, 1, "the raw line is always archived regardless of class")
}

func TestHandleGPSReport_LowModeFixIsIgnoredButRawIsStillArchived(t *testing.T) {
	tel := &fakeTelemetry{}
	pers := &fakePersister{}
	st := New(testConfig(), pers, tel, &fakeBinary{}, nil)

	st.HandleGPSReport(gpsfeed.Report{
		Class: gpsfeed.ClassTPV,
		TPV:   &gpsfeed.TPV{Mode: 1},
		Raw:   `{"class":"TPV","mode":1}`,
	})

	assert.Empty(t, tel.gpsEvents)
	assert.Empty(t, pers.gpsPoints)
	assert.Len(t, pers.gpsRaw, 1)
}

func TestProcessFrame_GPSGatedBatchEmitDrainsBufferedFrames(t *testing.T) {
	tel := &fakeTelemetry{}
	pers := &fakePersister{}
	st := New(testConfig(), pers, tel, &fakeBinary{}, nil)

	base := time.Now()
	for i := 0; i < 50; i++ {
		st.ProcessFrame(frame.Frame{Seq: uint64(i), ReceivedAt: base.Add(time.Duration(i) * 40 * time.Millisecond)})
	}
	assert.Equal(t, 50, st.Fusion().Buffer.Len())

	st.HandleGPSReport(gpsfeed.Report{
		Class: gpsfeed.ClassTPV,
		TPV:   &gpsfeed.TPV{Mode: 3, Lat: 44.5, Lon: 15.1},
		Raw:   `{"class":"TPV","mode":3}`,
	})

	require.Len(t, tel.batches, 1)
	assert.Len(t, tel.batches[0], 50)
	assert.Equal(t, 0, st.Fusion().Buffer.Len())
}

func TestHandleGPSReport_SKYOnlyEmitsSatelliteUpdateOnChange(t *testing.T) {
	tel := &fakeTelemetry{}
	st := New(testConfig(), nil, tel, &fakeBinary{}, nil)

	sky := gpsfeed.SKY{Satellites: []struct {
		PRN  int     `json:"PRN"`
		Used bool    `json:"used"`
		SS   float64 `json:"ss"`
	}{{PRN: 1, Used: true}, {PRN: 2, Used: false}}}

	st.HandleGPSReport(gpsfeed.Report{Class: gpsfeed.ClassSKY, SKY: &sky, Raw: "{}"})
	st.HandleGPSReport(gpsfeed.Report{Class: gpsfeed.ClassSKY, SKY: &sky, Raw: "{}"})

	require.Len(t, tel.satUpdates, 1, "an identical repeat must not re-emit")
	assert.Equal(t, [2]int{1, 2}, tel.satUpdates[0])
}

func TestProcessFrame_HistoryAccumulatesOneSampleFrame(t *testing.T) {
	st := New(testConfig(), nil, &fakeTelemetry{}, &fakeBinary{}, nil)

	base := time.Now()
	for i := 0; i < 3; i++ {
		st.ProcessFrame(frame.Frame{Seq: uint64(i), ReceivedAt: base.Add(time.Duration(i) * time.Second)})
	}

	history := st.History()
	require.Len(t, history, 3)
	assert.Equal(t, base, history[0].Time)
}

func TestProcessFrame_ThrottledDBWriteFiresOncePerInterval(t *testing.T) {
	pers := &fakePersister{}
	st := New(testConfig(), pers, &fakeTelemetry{}, &fakeBinary{}, nil)

	base := time.Now()
	st.HandleGPSReport(gpsfeed.Report{
		Class: gpsfeed.ClassTPV,
		TPV:   &gpsfeed.TPV{Mode: 3, Lat: 44.5, Lon: 15.1},
		Raw:   "{}",
	})

	st.ProcessFrame(frame.Frame{Seq: 0, ReceivedAt: base})
	assert.Len(t, pers.sonarReadings, 1, "the throttle is ready immediately on first check")

	st.ProcessFrame(frame.Frame{Seq: 1, ReceivedAt: base.Add(1 * time.Second)})
	assert.Len(t, pers.sonarReadings, 1, "still within the default 3s interval")

	st.ProcessFrame(frame.Frame{Seq: 2, ReceivedAt: base.Add(4 * time.Second)})
	assert.Len(t, pers.sonarReadings, 2)
}
