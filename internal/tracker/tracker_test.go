package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_PersistenceGatingRequiresThresholdFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceThreshold = 10
	tr := New(cfg)

	for i := 0; i < 9; i++ {
		tr.Update([]Measurement{{Index: 700, Amplitude: 300}}, uint64(i), 4.0)
	}
	assert.Nil(t, tr.Primary(0), "9 observations must not yet be persistent")

	tr.Update([]Measurement{{Index: 700, Amplitude: 300}}, 9, 4.0)
	primary := tr.Primary(0)
	require.NotNil(t, primary, "the 10th observation should cross the persistence threshold")
	assert.Equal(t, Persistent, primary.State)
}

func TestUpdate_TrackIDsAreMonotonicAndNeverReused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMisses = 0
	tr := New(cfg)

	tr.Update([]Measurement{{Index: 100, Amplitude: 300}}, 0, 4.0)
	first := tr.ActiveTracks()
	require.Len(t, first, 1)
	firstID := first[0].ID

	// Miss enough frames to lose the track (MaxMisses=0 means one miss kills it).
	tr.Update(nil, 1, 4.0)
	assert.Equal(t, 0, tr.Count())

	// A new detection at a very different index must mint a fresh ID, never
	// reusing the retired one.
	tr.Update([]Measurement{{Index: 900, Amplitude: 300}}, 2, 4.0)
	second := tr.ActiveTracks()
	require.Len(t, second, 1)
	assert.NotEqual(t, firstID, second[0].ID)
}

func TestUpdate_AssociatesWithinToleranceAcrossFrames(t *testing.T) {
	tr := New(DefaultConfig())

	tr.Update([]Measurement{{Index: 500, Amplitude: 200}}, 0, 4.0)
	tracks := tr.ActiveTracks()
	require.Len(t, tracks, 1)
	id := tracks[0].ID

	// Small jitter within tolerance keeps the same track identity.
	tr.Update([]Measurement{{Index: 505, Amplitude: 200}}, 1, 4.0)
	tracks = tr.ActiveTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, id, tracks[0].ID)
}

func TestUpdate_FarMeasurementSpawnsSeparateTrack(t *testing.T) {
	tr := New(DefaultConfig())

	tr.Update([]Measurement{{Index: 200, Amplitude: 300}}, 0, 4.0)
	tr.Update([]Measurement{{Index: 200, Amplitude: 300}, {Index: 900, Amplitude: 300}}, 1, 4.0)

	assert.Equal(t, 2, tr.Count())
}

func TestUpdate_MissesDecayPersistenceAndEventuallyDropTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceThreshold = 3
	cfg.MaxMisses = 2
	tr := New(cfg)

	for i := 0; i < 3; i++ {
		tr.Update([]Measurement{{Index: 400, Amplitude: 300}}, uint64(i), 4.0)
	}
	require.Equal(t, 1, tr.Count())

	tr.Update(nil, 3, 4.0)
	tr.Update(nil, 4, 4.0)
	assert.Equal(t, 1, tr.Count(), "still within MaxMisses")

	tr.Update(nil, 5, 4.0)
	assert.Equal(t, 0, tr.Count(), "misses exceeded MaxMisses")
}

func TestPrimary_IgnoresTracksBelowBlindZoneAndPicksClosest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceThreshold = 2
	tr := New(cfg)

	for i := 0; i < 3; i++ {
		tr.Update([]Measurement{
			{Index: 50, Amplitude: 300},
			{Index: 600, Amplitude: 300},
			{Index: 900, Amplitude: 300},
		}, uint64(i), 4.0)
	}

	primary := tr.Primary(100)
	require.NotNil(t, primary)
	assert.InDelta(t, 600, primary.Median(), 1.0)
}

func TestMedian_ResistsSingleFrameOutlier(t *testing.T) {
	tk := &Track{History: []float64{100, 101, 99, 100, 500}}
	assert.Less(t, tk.Median(), 150.0)
}
