// Command sonar runs the acoustic sonar telemetry daemon: it reads
// framed pings from the serial front-end, tracks and smooths the
// primary depth target, fuses it with a gpsd feed, and publishes the
// result over MQTT and a binary websocket while persisting to SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fathomline/sonar-telemetry/internal/api"
	"github.com/fathomline/sonar-telemetry/internal/config"
	"github.com/fathomline/sonar-telemetry/internal/frame"
	"github.com/fathomline/sonar-telemetry/internal/fusion"
	"github.com/fathomline/sonar-telemetry/internal/gpsfeed"
	"github.com/fathomline/sonar-telemetry/internal/metrics"
	"github.com/fathomline/sonar-telemetry/internal/pipeline"
	"github.com/fathomline/sonar-telemetry/internal/sonarport"
	"github.com/fathomline/sonar-telemetry/internal/store"
	"github.com/fathomline/sonar-telemetry/internal/telemetry"
	"github.com/fathomline/sonar-telemetry/internal/version"
)

// noopTelemetry discards every event, used when no MQTT broker is
// configured so the pipeline never needs a nil check on its publisher.
type noopTelemetry struct{}

func (noopTelemetry) PublishGPS(telemetry.GPSEvent)             {}
func (noopTelemetry) PublishSonarBatch(records []fusion.Record) {}
func (noopTelemetry) PublishSatelliteUpdate(used, total int)    {}
func (noopTelemetry) PublishRawCountUpdate()                    {}

var (
	configPath = flag.String("config", config.DefaultSonarConfigPath, "path to the sonar tuning config JSON")
	serialPath = flag.String("serial", "/dev/ttyUSB0", "serial device the sonar front-end is attached to")
	dbFile     = flag.String("db", "sonar.db", "path to the SQLite database file")
	listen     = flag.String("listen", ":8082", "HTTP listen address for telemetry, metrics, and admin routes")
	showVer    = flag.Bool("version", false, "print version information and exit")

	gpsRespawnDelay = 5 * time.Second
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("sonar %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg, err := config.LoadSonarTuningConfig(*configPath)
	if err != nil {
		log.Printf("no tuning config at %s, using defaults: %v", *configPath, err)
		cfg = config.EmptySonarTuningConfig()
	}

	effectiveSerialPath := *serialPath
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if cfg.SerialPath != "" && !setFlags["serial"] {
		effectiveSerialPath = cfg.SerialPath
	}

	db, err := store.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	m := metrics.New()

	var publisher pipeline.TelemetryPublisher = noopTelemetry{}
	if cfg.MQTTBrokerURL != "" {
		mqttPub, err := telemetry.NewMQTTPublisher(telemetry.MQTTConfig{
			BrokerURL:   cfg.GetMQTTBrokerURL(),
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
		}, m)
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		defer mqttPub.Close()
		publisher = mqttPub
	} else {
		log.Print("no mqtt_broker_url configured, GPS/sonar events will not be published")
	}

	binaryHub := telemetry.NewBinaryHub(m)
	pipe := pipeline.New(cfg, db, publisher, binaryHub, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	tailer := sonarport.NewTailer()
	portOpts := sonarport.PortOptions{BaudRate: cfg.GetBaudRate()}
	port, err := sonarport.Open(effectiveSerialPath, portOpts)
	if err != nil {
		log.Fatalf("failed to open sonar serial port %s: %v", effectiveSerialPath, err)
	}
	defer port.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reassembler := frame.New()
		onFrame := func(f frame.Frame) {
			pipe.ProcessFrame(f)
			tailer.Publish(frameSummary(f))
		}
		if err := sonarport.Monitor(ctx, port, reassembler, m, onFrame); err != nil && err != context.Canceled {
			log.Printf("sonar serial monitor stopped: %v", err)
		}
		log.Print("sonar serial monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runGPSFeed(ctx, cfg, pipe)
		log.Print("gps feed routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHTTPServer(ctx, cfg, pipe, port, tailer, db, binaryHub)
		log.Print("http server routine terminated")
	}()

	wg.Wait()
	log.Print("graceful shutdown complete")
}

// runGPSFeed launches the gpsd client and feeds every report into the
// pipeline, respawning the child process after a fixed delay if it
// exits, following the STARTING -> RUNNING -> FAILED -> (delay) ->
// STARTING link state machine.
func runGPSFeed(ctx context.Context, cfg *config.SonarTuningConfig, pipe *pipeline.State) {
	command, args := cfg.GetGPSCommand()
	if command == "" {
		log.Print("no gps_command configured, GPS fusion disabled")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		feed := gpsfeed.New(command, args...)
		reports := make(chan gpsfeed.Report, 32)

		var feedWG sync.WaitGroup
		feedWG.Add(1)
		go func() {
			defer feedWG.Done()
			for r := range reports {
				pipe.HandleGPSReport(r)
			}
		}()

		log.Printf("starting gps feed: %s", command)
		err := feed.Run(ctx, reports)
		close(reports)
		feedWG.Wait()

		if ctx.Err() != nil {
			return
		}
		log.Printf("gps feed exited, respawning in %s: %v", gpsRespawnDelay, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(gpsRespawnDelay):
		}
	}
}

// runHTTPServer serves the binary depth websocket, prometheus metrics,
// and the admin/debug surface until ctx is cancelled, then shuts down
// gracefully.
func runHTTPServer(
	ctx context.Context,
	cfg *config.SonarTuningConfig,
	pipe *pipeline.State,
	port sonarport.SonarPorter,
	tailer *sonarport.Tailer,
	db *store.Store,
	binaryHub *telemetry.BinaryHub,
) {
	mux := http.NewServeMux()
	mux.Handle("/ws/depth", binaryHub)
	mux.Handle("/metrics", metrics.Handler())

	db.AttachAdminRoutes(mux)
	sonarport.AttachAdminRoutes(mux, port, tailer)

	apiServer := api.NewServer(cfg, pipe)
	apiMux := apiServer.ServeMux()
	mux.Handle("/debug/config", apiMux)
	mux.Handle("/debug/depth-chart", apiMux)

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		log.Printf("starting http server on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("shutting down http server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("http server force close error: %v", err)
		}
	}
}

func frameSummary(f frame.Frame) string {
	return fmt.Sprintf("frame seq=%d at=%s", f.Seq, f.ReceivedAt.Format(time.RFC3339Nano))
}
