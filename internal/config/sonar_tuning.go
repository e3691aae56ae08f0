package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultSonarConfigPath is the tuning config file read when no -config
// flag is given. When it cannot be loaded, the built-in Get* defaults
// apply.
const DefaultSonarConfigPath = "config/sonar-tuning.defaults.json"

// SonarTuningConfig holds every tunable knob for the sonar telemetry
// pipeline. Numeric fields are pointers and string fields are left empty
// when unset, so a partial JSON document only overrides what it mentions;
// Get* accessors supply the rest from defaults.
type SonarTuningConfig struct {
	SerialPath string `json:"serial_path,omitempty"`
	BaudRate   *int   `json:"baud_rate,omitempty"`

	SonarFrequencyHz *float64 `json:"sonar_frequency,omitempty"`

	ValueThreshold *float64 `json:"value_threshold,omitempty"`
	SNRFactor      *float64 `json:"snr_factor,omitempty"`

	ConsistencySamples *int     `json:"consistency_samples,omitempty"`
	PositionTolerance  *float64 `json:"position_tolerance,omitempty"`

	MinSignalSeparation    *int `json:"min_signal_separation,omitempty"`
	ConsolidationTolerance *int `json:"consolidation_tolerance,omitempty"`

	NoiseFloorRange    *int `json:"noise_floor_range,omitempty"`
	MaxBZSearchSamples *int `json:"max_bz_search_samples,omitempty"`
	IgnoreFirstSamples *int `json:"ignore_first_samples,omitempty"`

	EMAAlpha      *float64 `json:"ema_alpha,omitempty"`
	NoiseEMAAlpha *float64 `json:"noise_ema_alpha,omitempty"`

	DBWriteIntervalMS *int `json:"db_write_interval_ms,omitempty"`

	HTTPPort *int `json:"http_port,omitempty"`

	MQTTBrokerURL         string `json:"mqtt_broker_url,omitempty"`
	MQTTTopicPrefix       string `json:"mqtt_topic_prefix,omitempty"`
	BinaryWSEmitThreshold *int   `json:"binary_ws_emit_threshold,omitempty"`

	GPSCommand string   `json:"gps_command,omitempty"`
	GPSArgs    []string `json:"gps_args,omitempty"`
}

// EmptySonarTuningConfig returns a config with every field unset.
func EmptySonarTuningConfig() *SonarTuningConfig {
	return &SonarTuningConfig{}
}

// LoadSonarTuningConfig loads a SonarTuningConfig from a JSON file at
// path. The file must have a .json extension and be at most 1 MB.
func LoadSonarTuningConfig(path string) (*SonarTuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySonarTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks any fields with defined domain constraints.
func (c *SonarTuningConfig) Validate() error {
	if c.SNRFactor != nil && *c.SNRFactor <= 0 {
		return fmt.Errorf("snr_factor must be positive, got %f", *c.SNRFactor)
	}
	if c.MinSignalSeparation != nil && *c.MinSignalSeparation < 0 {
		return fmt.Errorf("min_signal_separation must be non-negative, got %d", *c.MinSignalSeparation)
	}
	if c.ConsolidationTolerance != nil && *c.ConsolidationTolerance < 0 {
		return fmt.Errorf("consolidation_tolerance must be non-negative, got %d", *c.ConsolidationTolerance)
	}
	if c.EMAAlpha != nil && (*c.EMAAlpha <= 0 || *c.EMAAlpha > 1) {
		return fmt.Errorf("ema_alpha must be in (0, 1], got %f", *c.EMAAlpha)
	}
	if c.NoiseEMAAlpha != nil && (*c.NoiseEMAAlpha <= 0 || *c.NoiseEMAAlpha > 1) {
		return fmt.Errorf("noise_ema_alpha must be in (0, 1], got %f", *c.NoiseEMAAlpha)
	}
	return nil
}

func (c *SonarTuningConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 250000
	}
	return *c.BaudRate
}

// GetSonarFrequencyHz returns the configured acoustic frequency, or the
// 200kHz default appropriate for a shallow-water transducer.
func (c *SonarTuningConfig) GetSonarFrequencyHz() float64 {
	if c.SonarFrequencyHz == nil {
		return 200000
	}
	return *c.SonarFrequencyHz
}

func (c *SonarTuningConfig) GetValueThreshold() float64 {
	if c.ValueThreshold == nil {
		return 60
	}
	return *c.ValueThreshold
}

func (c *SonarTuningConfig) GetSNRFactor() float64 {
	if c.SNRFactor == nil {
		return 3.0
	}
	return *c.SNRFactor
}

// GetConsistencySamples returns PERSISTENCE_THRESHOLD under its
// configuration-table name.
func (c *SonarTuningConfig) GetConsistencySamples() int {
	if c.ConsistencySamples == nil {
		return 10
	}
	return *c.ConsistencySamples
}

func (c *SonarTuningConfig) GetPositionTolerance() float64 {
	if c.PositionTolerance == nil {
		return 15
	}
	return *c.PositionTolerance
}

func (c *SonarTuningConfig) GetMinSignalSeparation() int {
	if c.MinSignalSeparation == nil {
		return 20
	}
	return *c.MinSignalSeparation
}

func (c *SonarTuningConfig) GetConsolidationTolerance() int {
	if c.ConsolidationTolerance == nil {
		return 5
	}
	return *c.ConsolidationTolerance
}

func (c *SonarTuningConfig) GetNoiseFloorRange() int {
	if c.NoiseFloorRange == nil {
		return 200
	}
	return *c.NoiseFloorRange
}

func (c *SonarTuningConfig) GetMaxBZSearchSamples() int {
	if c.MaxBZSearchSamples == nil {
		return 1000
	}
	return *c.MaxBZSearchSamples
}

func (c *SonarTuningConfig) GetIgnoreFirstSamples() int {
	if c.IgnoreFirstSamples == nil {
		return 2
	}
	return *c.IgnoreFirstSamples
}

func (c *SonarTuningConfig) GetEMAAlpha() float64 {
	if c.EMAAlpha == nil {
		return 0.1
	}
	return *c.EMAAlpha
}

func (c *SonarTuningConfig) GetNoiseEMAAlpha() float64 {
	if c.NoiseEMAAlpha == nil {
		return 0.1
	}
	return *c.NoiseEMAAlpha
}

func (c *SonarTuningConfig) GetDBWriteInterval() time.Duration {
	if c.DBWriteIntervalMS == nil {
		return 3 * time.Second
	}
	return time.Duration(*c.DBWriteIntervalMS) * time.Millisecond
}

func (c *SonarTuningConfig) GetHTTPPort() int {
	if c.HTTPPort == nil {
		return 8080
	}
	return *c.HTTPPort
}

func (c *SonarTuningConfig) GetMQTTBrokerURL() string {
	if c.MQTTBrokerURL == "" {
		return "tcp://localhost:1883"
	}
	return c.MQTTBrokerURL
}

func (c *SonarTuningConfig) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == "" {
		return "sonar"
	}
	return c.MQTTTopicPrefix
}

func (c *SonarTuningConfig) GetBinaryWSEmitThreshold() int {
	if c.BinaryWSEmitThreshold == nil {
		return 50
	}
	return *c.BinaryWSEmitThreshold
}

func (c *SonarTuningConfig) GetGPSCommand() (string, []string) {
	if c.GPSCommand == "" {
		return "gpspipe", []string{"-w"}
	}
	return c.GPSCommand, c.GPSArgs
}
