package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silviot/negotiate_timing_go/pkg/capture"
	"github.com/silviot/negotiate_timing_go/pkg/config"
	"github.com/silviot/negotiate_timing_go/pkg/console"
	"github.com/silviot/negotiate_timing_go/pkg/session"
	"github.com/silviot/negotiate_timing_go/pkg/webrtc"
)

func main() {
	// Parse flags
	var (
		configPath = flag.String("config", "", "Path to a TOML config file")
		port       = flag.String("port", "", "HTTP server port")
		logLevel   = flag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
		mode       = flag.String("mode", "serve", "serve: HTTP control page, run: play the sequence once and exit")
		sequence   = flag.String("sequence", "", "Comma separated video section counts for run mode, e.g. 1,4,16,1")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *sequence != "" {
		seq, err := config.ParseSequence(*sequence)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.Sequence = seq
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	switch *mode {
	case "serve":
		serve(cfg)
	case "run":
		if err := run(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

// sessionConfig maps the file configuration onto the session packages
func sessionConfig(cfg config.Config, reporter session.Reporter, logger *slog.Logger) session.Config {
	return session.Config{
		Capture: capture.Settings{
			Audio: capture.AudioSettings{
				Label:           cfg.Audio.Label,
				ToneHz:          cfg.Audio.ToneHz,
				Amplitude:       cfg.Audio.Amplitude,
				CaptureRate:     cfg.Audio.CaptureRate,
				FrameDurationMs: cfg.Audio.FrameDuration,
			},
			Video: capture.VideoSettings{
				Label:     cfg.Video.Label,
				Width:     cfg.Video.Width,
				Height:    cfg.Video.Height,
				FPS:       cfg.Video.FPS,
				FrameSize: cfg.Video.FrameSize,
			},
		},
		Connection: webrtc.ConnectionConfig{
			STUN:         cfg.STUN,
			LoopbackOnly: cfg.LoopbackOnly,
			PlayoutDelay: cfg.PlayoutDelay.Duration,
		},
		MaxVideoSections: cfg.MaxVideoSections,
		MeasureDelay:     cfg.MeasureDelay.Duration,
		Reporter:         reporter,
		Logger:           logger,
	}
}

func serve(cfg config.Config) {
	level := parseLevel(cfg.LogLevel)

	// The hub logs its own failures straight to stdout so they never loop back
	hub := console.NewHub(500, setupLogger(os.Stdout, level))
	defer hub.Close()

	logger := slog.New(console.NewHandler(newJSONHandler(os.Stdout, level), hub, slog.LevelInfo))

	logger.Info("starting negotiate timing service",
		"port", cfg.Port,
		"loopback_only", cfg.LoopbackOnly,
		"max_video_sections", cfg.MaxVideoSections)

	sess := session.New(sessionConfig(cfg, hub, logger))
	defer sess.Close()

	// Push the new state to the page after every action
	withState := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			h(w, r)
			hub.Publish(console.Entry{Kind: console.KindState, Text: string(sess.Status().State)})
		}
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", console.ServePage)
	mux.HandleFunc("GET /ws/log", hub.ServeWS)

	mux.HandleFunc("POST /api/v1/start", withState(sess.HandleStart))
	mux.HandleFunc("POST /api/v1/call", withState(sess.HandleCall))
	mux.HandleFunc("POST /api/v1/renegotiate", withState(sess.HandleRenegotiate))
	mux.HandleFunc("POST /api/v1/hangup", withState(sess.HandleHangup))
	mux.HandleFunc("GET /api/v1/state", sess.HandleState)

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"state":     sess.Status().State,
			"consoles":  hub.ClientCount(),
			"timestamp": time.Now().Unix(),
		})
	})

	// Metrics endpoint
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		writeMetrics(w, sess.Status())
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("negotiate timing service stopped")
}

func writeMetrics(w http.ResponseWriter, st session.Status) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP negotiate_renegotiations_total Completed renegotiations\n")
	fmt.Fprintf(w, "# TYPE negotiate_renegotiations_total counter\n")
	fmt.Fprintf(w, "negotiate_renegotiations_total %d\n", st.Renegotiated)
	fmt.Fprintf(w, "# HELP negotiate_in_call Whether a call is active\n")
	fmt.Fprintf(w, "# TYPE negotiate_in_call gauge\n")
	inCall := 0
	if st.State == session.StateInCall {
		inCall = 1
	}
	fmt.Fprintf(w, "negotiate_in_call %d\n", inCall)
	fmt.Fprintf(w, "# HELP negotiate_setup_time_ms Time from call to first video packet\n")
	fmt.Fprintf(w, "# TYPE negotiate_setup_time_ms gauge\n")
	fmt.Fprintf(w, "negotiate_setup_time_ms %.3f\n", st.SetupTimeMs)
	if st.Last != nil {
		fmt.Fprintf(w, "# HELP negotiate_last_elapsed_ms Duration of the last renegotiation\n")
		fmt.Fprintf(w, "# TYPE negotiate_last_elapsed_ms gauge\n")
		fmt.Fprintf(w, "negotiate_last_elapsed_ms %.3f\n", float64(st.Last.Elapsed)/float64(time.Millisecond))
		fmt.Fprintf(w, "# HELP negotiate_last_audio_impairment Concealed samples gained during the last renegotiation\n")
		fmt.Fprintf(w, "# TYPE negotiate_last_audio_impairment gauge\n")
		fmt.Fprintf(w, "negotiate_last_audio_impairment %d\n", st.Last.AudioImpairment)
	}
}

// stdoutReporter prints result lines in run mode
type stdoutReporter struct{}

func (stdoutReporter) Report(text string) {
	fmt.Println(text)
}

// run plays start, call, one renegotiation per sequence entry and hangup
func run(cfg config.Config) error {
	logger := setupLogger(os.Stderr, parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(sessionConfig(cfg, stdoutReporter{}, logger))
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := sess.Call(ctx); err != nil {
		return err
	}

	for _, n := range cfg.Sequence {
		if _, err := sess.Renegotiate(ctx, n); err != nil {
			return fmt.Errorf("renegotiate to %d: %w", n, err)
		}
	}

	if err := sess.Hangup(); err != nil {
		return err
	}

	logger.Info("sequence complete", "renegotiations", len(sess.Results()))
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return webrtc.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// setupLogger creates a structured logger
func setupLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(newJSONHandler(w, level))
}
