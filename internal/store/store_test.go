package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	s, err := Open(filepath.Join(tmpDir, "sonar-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesSchemaUpToDate(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"gps_points", "gps_raw", "sonar_readings", "gps_waypoints"} {
		var name string
		err := s.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist after migration", table)
		assert.Equal(t, table, name)
	}
}

func TestInsertGPSPoint_PersistsRow(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertGPSPoint(GPSPoint{
		Timestamp: time.Unix(1000, 0),
		Lat:       47.6,
		Lon:       -122.3,
		Speed:     1.2,
		Track:     90,
		Accuracy:  2.5,
		FixMode:   3,
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.QueryRow(`SELECT COUNT(*) FROM gps_points`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInsertSonarReading_PersistsRowAndCounts(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.InsertSonarReading(SonarReading{
			Timestamp:      time.Unix(int64(1000+i), 0),
			Latitude:       47.6,
			Longitude:      -122.3,
			MaxValue:       500,
			MaxSampleIndex: 700,
			MaxDistanceCM:  462.0,
		})
		require.NoError(t, err)
	}

	n, err := s.CountSonarReadings()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInsertGPSRaw_PersistsMessage(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertGPSRaw(time.Unix(1000, 0), `{"class":"TPV"}`)
	require.NoError(t, err)

	var message string
	require.NoError(t, s.QueryRow(`SELECT message FROM gps_raw`).Scan(&message))
	assert.Equal(t, `{"class":"TPV"}`, message)
}

func TestOpen_IsIdempotentAcrossReopens(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "reopen.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.InsertGPSRaw(time.Unix(1, 0), "line-one"))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.QueryRow(`SELECT COUNT(*) FROM gps_raw`).Scan(&count))
	assert.Equal(t, 1, count)
}
