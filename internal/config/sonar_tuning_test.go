package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySonarTuningConfig_GettersReturnDefaults(t *testing.T) {
	cfg := EmptySonarTuningConfig()

	assert.Equal(t, 250000, cfg.GetBaudRate())
	assert.Equal(t, 200000.0, cfg.GetSonarFrequencyHz())
	assert.Equal(t, 60.0, cfg.GetValueThreshold())
	assert.Equal(t, 3.0, cfg.GetSNRFactor())
	assert.Equal(t, 10, cfg.GetConsistencySamples())
	assert.Equal(t, 20, cfg.GetMinSignalSeparation())
	assert.Equal(t, 5, cfg.GetConsolidationTolerance())
	assert.Equal(t, 3*time.Second, cfg.GetDBWriteInterval())
	assert.Equal(t, "sonar", cfg.GetMQTTTopicPrefix())
	assert.Equal(t, "tcp://localhost:1883", cfg.GetMQTTBrokerURL())
	assert.Equal(t, 50, cfg.GetBinaryWSEmitThreshold())

	cmd, args := cfg.GetGPSCommand()
	assert.Equal(t, "gpspipe", cmd)
	assert.Equal(t, []string{"-w"}, args)
}

func TestLoadSonarTuningConfig_PartialOverridesRestFromDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "sonar.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"snr_factor": 4.4,
		"mqtt_broker_url": "tcp://boat.local:1883",
		"gps_command": "gpspipe",
		"gps_args": ["-w", "-n", "5"]
	}`), 0644))

	cfg, err := LoadSonarTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4.4, cfg.GetSNRFactor())
	assert.Equal(t, "tcp://boat.local:1883", cfg.GetMQTTBrokerURL())
	assert.Equal(t, 60.0, cfg.GetValueThreshold(), "unset fields still fall back to defaults")

	cmd, args := cfg.GetGPSCommand()
	assert.Equal(t, "gpspipe", cmd)
	assert.Equal(t, []string{"-w", "-n", "5"}, args)
}

func TestLoadSonarTuningConfig_RejectsNonJSONExtension(t *testing.T) {
	_, err := LoadSonarTuningConfig("/some/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadSonarTuningConfig_RejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "large.json")
	require.NoError(t, os.WriteFile(path, make([]byte, 2*1024*1024), 0644))

	_, err := LoadSonarTuningConfig(path)
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRangeSNRFactor(t *testing.T) {
	cfg := EmptySonarTuningConfig()
	bad := -1.0
	cfg.SNRFactor = &bad
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeEMAAlpha(t *testing.T) {
	cfg := EmptySonarTuningConfig()
	bad := 1.5
	cfg.EMAAlpha = &bad
	assert.Error(t, cfg.Validate())
}
