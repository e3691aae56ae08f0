// Package telemetry publishes pipeline events over the two outgoing
// channels: structured JSON over MQTT for the aggregated event stream,
// and raw binary frames over a websocket for the high-rate primary-depth
// stream.
package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fathomline/sonar-telemetry/internal/fusion"
	"github.com/fathomline/sonar-telemetry/internal/metrics"
	"github.com/fathomline/sonar-telemetry/internal/monitoring"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	BrokerURL   string
	TopicPrefix string
	Username    string
	Password    string
	QoS         byte
}

// GPSEvent is the payload published on `<prefix>/gps`.
type GPSEvent struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Alt      float64   `json:"alt"`
	Speed    float64   `json:"speed"`
	Track    float64   `json:"track"`
	Time     time.Time `json:"time"`
	FixMode  int       `json:"fix_mode"`
	Accuracy float64   `json:"accuracy"`
	Status   string    `json:"status"`
	DepthM   float64   `json:"depth_m"`
}

// SonarBatchPoint is one element of the array published on
// `<prefix>/sonar_batch`.
type SonarBatchPoint struct {
	Time    time.Time `json:"time"`
	DepthCM float64   `json:"depth_cm"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
}

// SatelliteUpdate is the payload published on `<prefix>/satellite_update`.
type SatelliteUpdate struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// MQTTPublisher publishes pipeline events as JSON over MQTT.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	metrics *metrics.Metrics
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "sonar_" + hex.EncodeToString(b)
}

// NewMQTTPublisher connects to the configured broker and returns a
// ready-to-use publisher. m may be nil, in which case connection and
// publish-failure counters are not exported.
func NewMQTTPublisher(cfg MQTTConfig, m *metrics.Metrics) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(generateClientID())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		monitoring.Logf("telemetry: connected to mqtt broker %s", cfg.BrokerURL)
		if m != nil {
			m.MQTTConnected.Set(1)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		monitoring.Logf("telemetry: mqtt connection lost: %v", err)
		if m != nil {
			m.MQTTConnected.Set(0)
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect: %w", token.Error())
	}
	if m != nil {
		m.MQTTConnected.Set(1)
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "sonar"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: cfg.QoS, metrics: m}, nil
}

func (p *MQTTPublisher) topic(name string) string {
	return fmt.Sprintf("%s/%s", p.prefix, name)
}

func (p *MQTTPublisher) publish(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("telemetry: marshal %s failed: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, p.qos, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			monitoring.Logf("telemetry: publish %s failed: %v", topic, token.Error())
			if p.metrics != nil {
				p.metrics.MQTTPublishFailures.Inc()
			}
		}
	}()
}

// PublishGPS publishes one gps event.
func (p *MQTTPublisher) PublishGPS(e GPSEvent) {
	p.publish(p.topic("gps"), e)
}

// PublishSonarBatch projects fusion records to their wire shape and
// publishes them as a single array under `<prefix>/sonar_batch`.
func (p *MQTTPublisher) PublishSonarBatch(records []fusion.Record) {
	points := fusion.ProjectBatch(records)
	batch := make([]SonarBatchPoint, len(points))
	for i, pt := range points {
		batch[i] = SonarBatchPoint{Time: pt.Time, DepthCM: pt.DepthCM, Lat: pt.Lat, Lon: pt.Lon}
	}
	p.publish(p.topic("sonar_batch"), batch)
}

// PublishSatelliteUpdate publishes a satellite count change.
func (p *MQTTPublisher) PublishSatelliteUpdate(used, total int) {
	p.publish(p.topic("satellite_update"), SatelliteUpdate{Used: used, Total: total})
}

// PublishRawCountUpdate publishes the per-frame heartbeat, which carries
// no payload.
func (p *MQTTPublisher) PublishRawCountUpdate() {
	p.publish(p.topic("raw_count_update"), struct{}{})
}

// Close disconnects the MQTT client.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	if p.metrics != nil {
		p.metrics.MQTTConnected.Set(0)
	}
}
