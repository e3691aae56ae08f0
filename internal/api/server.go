// Package api exposes the small HTTP admin/debug surface that sits
// alongside the sonar pipeline: a JSON dump of the effective tuning
// configuration and a go-echarts line chart of recent smoothed-depth
// and noise-floor history. The raw-command and live-tail routes live on
// internal/sonarport instead, since they need direct access to the
// serial port; the ad-hoc SQL console lives on internal/store, since it
// needs direct access to the database handle.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fathomline/sonar-telemetry/internal/config"
	"github.com/fathomline/sonar-telemetry/internal/pipeline"
)

// ANSI escape codes used by LoggingMiddleware to color status codes.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// HistoryProvider is the subset of *pipeline.State this package reads
// to render the depth chart.
type HistoryProvider interface {
	History() []pipeline.HistoryPoint
}

// Server serves the /debug/config and /debug/depth-chart routes.
type Server struct {
	cfg     *config.SonarTuningConfig
	history HistoryProvider
}

// NewServer returns a Server backed by the given tuning config and
// history source.
func NewServer(cfg *config.SonarTuningConfig, history HistoryProvider) *Server {
	return &Server{cfg: cfg, history: history}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration for every
// request that passes through it.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the mux for this package's two routes. Callers mount
// it alongside the sonarport and store admin routes on a shared
// top-level mux.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/config", s.showConfig)
	mux.HandleFunc("/debug/depth-chart", s.depthChart)
	return mux
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.cfg); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode config: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) depthChart(w http.ResponseWriter, r *http.Request) {
	points := s.history.History()

	xAxis := make([]string, 0, len(points))
	depth := make([]opts.LineData, 0, len(points))
	noiseFloor := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		xAxis = append(xAxis, p.Time.Format("15:04:05"))
		depth = append(depth, opts.LineData{Value: p.DepthCM})
		noiseFloor = append(noiseFloor, opts.LineData{Value: p.NoiseFloor})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sonar Depth", Theme: "dark", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Smoothed Depth / Noise Floor", Subtitle: fmt.Sprintf("last %d samples", len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "cm"}),
	)
	line.SetXAxis(xAxis).
		AddSeries("depth_cm", depth).
		AddSeries("noise_floor", noiseFloor).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(w); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
	}
}
