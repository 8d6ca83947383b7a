package main

import (
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/vistream/detection-relay/adapter"
	"github.com/vistream/detection-relay/engine"
	"github.com/vistream/detection-relay/jobs"
	"github.com/vistream/detection-relay/pubsub"
	"github.com/vistream/detection-relay/registry"
	"github.com/vistream/detection-relay/settings"
	"github.com/vistream/detection-relay/supervisor"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envOr("RELAY_ADDR", "127.0.0.1:8080"), "listen address")
	modelRoot := flag.String("models", envOr("RELAY_MODELS", "models"), "model artifact root")
	cacheDir := flag.String("cache", envOr("RELAY_CACHE", "cache"), "upload cache directory")
	settingsPath := flag.String("settings", envOr("RELAY_SETTINGS", "relay.db"), "settings database path")
	ffmpegBin := flag.String("ffmpeg", envOr("RELAY_FFMPEG", "ffmpeg"), "ffmpeg binary for video decoding")
	flag.Parse()

	var base *zap.Logger
	var err error
	if os.Getenv("DEBUG") == "true" {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer base.Sync() //nolint:errcheck
	logger := base.Sugar()

	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		logger.Fatalw("failed to initialize onnx runtime", "error", err)
	}
	defer ort.DestroyEnvironment() //nolint:errcheck

	reg := registry.New(filepath.Clean(*modelRoot), logger.Named("registry"))
	if err := reg.Refresh(); err != nil {
		logger.Fatalw("model discovery failed", "error", err)
	}

	store, err := settings.Open(*settingsPath)
	if err != nil {
		logger.Fatalw("failed to open settings store", "error", err)
	}
	defer store.Close() //nolint:errcheck

	jobStore, err := jobs.NewStore(*cacheDir, logger.Named("jobs"))
	if err != nil {
		logger.Fatalw("failed to create job store", "error", err)
	}

	hub := pubsub.NewHub(logger.Named("pubsub"))
	defer hub.Close()

	sup := supervisor.New(
		reg, store, hub, adapter.DefaultConfig(),
		func(h registry.Handle, cfg adapter.Config) (adapter.Detector, error) {
			return adapter.NewONNXDetector(h.Path, cfg)
		},
		func(h registry.Handle, cfg adapter.Config) (adapter.Segmenter, error) {
			return adapter.NewONNXSegmenter(h.Path, cfg)
		},
		logger.Named("supervisor"),
		engine.WithFFmpeg(*ffmpegBin),
	)
	defer sup.Clear()

	srv := &http.Server{
		Handler: newServer(reg, jobStore, sup, hub, logger.Named("http")).routes(),
		Addr:    *addr,
		// no write timeout: websocket result streams stay open for the
		// length of a video
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infow("starting server", "addr", srv.Addr, "models", reg.Names())
	logger.Fatal(srv.ListenAndServe())
}
