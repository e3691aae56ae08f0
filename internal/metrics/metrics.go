// Package metrics exposes the pipeline's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector this pipeline exposes.
type Metrics struct {
	FramesTotal         prometheus.Counter
	FrameChecksumErrors prometheus.Counter
	FrameDroppedBytes   prometheus.Counter

	NoiseFloor    prometheus.Gauge
	ActiveTracks  prometheus.Gauge
	PrimaryDepthM prometheus.Gauge

	FusionBufferDepth prometheus.Gauge

	SonarReadingsInserted prometheus.Counter
	GPSPointsInserted     prometheus.Counter
	DBWriteErrors         prometheus.Counter

	MQTTPublishFailures prometheus.Counter
	MQTTConnected       prometheus.Gauge

	WebSocketSubscribers prometheus.Gauge
	WebSocketDropped     prometheus.Counter

	GPSFixMode    prometheus.Gauge
	GPSSatellites *prometheus.GaugeVec
}

// New creates and registers all pipeline metrics against the default
// registry, mirroring the promauto pattern used for every collector.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates and registers all pipeline metrics against
// reg, so callers that need an isolated registry (tests, multiple
// instances in one process) don't collide with the default one.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_frames_total",
			Help: "Total number of sonar frames successfully reassembled.",
		}),
		FrameChecksumErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_frame_checksum_errors_total",
			Help: "Total number of frames dropped for a checksum mismatch.",
		}),
		FrameDroppedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_frame_dropped_bytes_total",
			Help: "Total number of raw bytes discarded while resynchronizing on a frame boundary.",
		}),
		NoiseFloor: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_noise_floor",
			Help: "Current estimated noise floor amplitude.",
		}),
		ActiveTracks: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_active_tracks",
			Help: "Number of tracks currently held by the tracker.",
		}),
		PrimaryDepthM: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_primary_depth_meters",
			Help: "Smoothed depth of the current primary track, in meters.",
		}),
		FusionBufferDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_fusion_buffer_depth",
			Help: "Number of depth records buffered awaiting a GPS fix.",
		}),
		SonarReadingsInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_readings_inserted_total",
			Help: "Total number of sonar_readings rows written to the database.",
		}),
		GPSPointsInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_gps_points_inserted_total",
			Help: "Total number of gps_points rows written to the database.",
		}),
		DBWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_db_write_errors_total",
			Help: "Total number of failed database write attempts.",
		}),
		MQTTPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_mqtt_publish_failures_total",
			Help: "Total number of MQTT publish calls that failed or timed out.",
		}),
		MQTTConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_mqtt_connected",
			Help: "1 if the MQTT client is currently connected to its broker, 0 otherwise.",
		}),
		WebSocketSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_websocket_subscribers",
			Help: "Number of connected binary websocket subscribers.",
		}),
		WebSocketDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "sonar_websocket_dropped_total",
			Help: "Total number of binary records dropped because a subscriber's send buffer was full.",
		}),
		GPSFixMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "sonar_gps_fix_mode",
			Help: "Most recent GPS fix mode (0=unknown, 1=no fix, 2=2D, 3=3D).",
		}),
		GPSSatellites: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sonar_gps_satellites",
			Help: "Satellite counts from the most recent SKY report.",
		}, []string{"state"}),
	}
}

// Handler returns the standard Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
