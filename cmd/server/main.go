// Watchtower server - runs the capture pipeline and serves its REST, WebSocket, MJPEG and health endpoints
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/watchtower/internal/audio"
	"github.com/GriffinCanCode/watchtower/internal/camera"
	"github.com/GriffinCanCode/watchtower/internal/config"
	"github.com/GriffinCanCode/watchtower/internal/notify"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/eventlog"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/motion"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/noise"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/object"
	"github.com/GriffinCanCode/watchtower/internal/orchestrator/recording"
	"github.com/GriffinCanCode/watchtower/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("watchtower exited", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(cfg.SettingsFile, cfg.Pipeline, config.DefaultFlushDelay)
	if err := store.Load(); err != nil {
		slog.Warn("settings file ignored", "path", cfg.SettingsFile, "error", err)
	}
	defer store.Close()
	settings := store.Snapshot()

	// The camera is mandatory: without it there is nothing to watch.
	cam, err := camera.Open(ctx, camera.Options{
		Device:      cfg.CameraDevice,
		Width:       cfg.FrameWidth,
		Height:      cfg.FrameHeight,
		OpenTimeout: cfg.CameraOpenTimeout,
	})
	if err != nil {
		return err
	}

	var src audio.Source
	if cfg.AudioEnabled {
		src = audio.NewCapturer(cfg.SampleRate, cfg.AudioBlockSize(), cfg.ExcludedAudioDevices)
	}
	sound := noise.New(src, noise.Options{Threshold: settings.NoiseThreshold})

	recOpts := recording.Options{
		Dir:   cfg.RecordingsDir,
		FPS:   cfg.VideoFPS,
		Codec: cfg.VideoCodec,
	}
	if cfg.AudioEnabled {
		recOpts.SampleRate = cfg.SampleRate
		recOpts.Audio = sound
	}

	notifier, closeNotifier := buildNotifier(cfg)
	defer closeNotifier()

	mgr, err := orchestrator.New(orchestrator.Deps{
		Camera:   cam,
		Settings: store,
		Motion:   motion.New(motion.DefaultOptions()),
		Noise:    sound,
		Objects:  object.NewScheduler(object.New(object.Options{ModelDir: cfg.ModelDir}), object.MaxHashDistance),
		Recorder: recording.NewController(recOpts),
		Alerts: alert.New(notifier, alert.Options{
			QueueSize: cfg.AlertQueueSize,
			Cooldown:  settings.AlertCooldown(),
			Enabled:   settings.AlertsEnabled,
		}),
		Events: eventlog.New(orchestrator.EventLogEntries, orchestrator.EventLogBuffer),
	}, orchestrator.Options{
		SnapshotDir:     cfg.RecordingsDir,
		MaxReadFailures: cfg.MaxReadFailures,
		ReadRetryDelay:  cfg.ReadRetryDelay,
		AlertGrace:      cfg.AlertShutdownGrace,
	})
	if err != nil {
		_ = cam.Close()
		return err
	}
	defer mgr.Stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	srv := server.New(mgr, mgr.Frames())
	health := server.NewHealth(mgr)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		slog.Info("grpc health starting", "addr", cfg.GRPCAddr)
		return health.GRPC().Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Live video streams never go idle, so fall back to a hard close.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown timed out", "error", err)
			_ = httpServer.Close()
		}
		health.GRPC().Stop()
		return nil
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

// buildNotifier picks the configured alert transports, falling back to the log.
func buildNotifier(cfg *config.Config) (alert.Notifier, func()) {
	var transports notify.Multi
	closeFn := func() {}

	if cfg.EmailConfigured() {
		email, err := notify.NewEmail(notify.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			To:       cfg.AlertRecipients,
		})
		if err != nil {
			slog.Warn("email alerts disabled", "error", err)
		} else {
			transports = append(transports, email)
		}
	}

	if cfg.MQTTBroker != "" {
		mq, err := notify.NewMQTT(notify.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		})
		if err != nil {
			slog.Warn("mqtt alerts disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			transports = append(transports, mq)
			closeFn = func() { _ = mq.Close() }
		}
	}

	switch len(transports) {
	case 0:
		slog.Info("no alert transport configured, alerts go to the log")
		return notify.Log{}, closeFn
	case 1:
		return transports[0], closeFn
	}
	return transports, closeFn
}
