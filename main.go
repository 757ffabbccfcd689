package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"gige-streamer/camera"
	"gige-streamer/config"
	"gige-streamer/metrics"
	"gige-streamer/sink"
	"gige-streamer/udp"
	"gige-streamer/web"
	"gige-streamer/webrtc"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "GigE Frame Streamer"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	metrics       *metrics.Metrics
	hub           *sink.Hub
	frames        *sink.WebSocketTransport
	cameraManager *camera.Manager
	webrtcServer  *webrtc.Server
	udpStreamer   *udp.Streamer
	webServer     *web.Server

	// shutdown asks main to stop the application
	shutdown context.CancelFunc
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Distributes GigE Vision camera frames to websocket, WebRTC and UDP subscribers")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  GIGE_BIND_IP - Override the address the HTTP servers bind to")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := createLogger(*logLevel, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting GigE frame streamer",
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	if envIP := os.Getenv("GIGE_BIND_IP"); envIP != "" {
		cfg.Server.BindIP = envIP
		logger.Info("Bind address overridden from environment", zap.String("ip", envIP))
	}

	logger.Info("Configuration loaded",
		zap.String("device", cfg.Device.Kind),
		zap.Int("streams", len(cfg.Streams)),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.Bool("webrtc", cfg.WebRTC.Enabled),
		zap.Bool("udp", cfg.UDP.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	app := NewApplication(cfg, logger, cancel)
	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance. shutdown is called when
// a component can no longer run, such as when the camera disappears.
func NewApplication(cfg *config.Config, logger *zap.Logger, shutdown context.CancelFunc) *Application {
	return &Application{
		config:   cfg,
		logger:   logger,
		shutdown: shutdown,
	}
}

// Start builds and starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	a.metrics = metrics.NewDefault()
	a.hub = sink.NewHub(a.metrics, a.logger)
	a.frames = sink.NewWebSocketTransport(a.hub, a.config.Server.AllowedOrigins, a.config.Buffers.SubscriberQueue, a.logger)

	if err := a.initializeCameraManager(); err != nil {
		return fmt.Errorf("failed to initialize camera manager: %w", err)
	}

	if a.config.WebRTC.Enabled {
		server, err := webrtc.NewServer(a.config, a.hub, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create WebRTC server: %w", err)
		}
		a.webrtcServer = server
	}

	// UDP targets name topics, which exist once the camera manager is built
	if a.config.UDP.Enabled {
		streamer, err := udp.NewStreamer(a.config, a.hub, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create UDP streamer: %w", err)
		}
		a.udpStreamer = streamer
	}

	a.webServer = web.NewServer(a.config, a.hub, a.metrics, a.frames, a.logger)
	a.webServer.SetCameraManager(a.cameraManager)
	a.webServer.AddTransport(a.frames.Name(), a.frames)
	if a.webrtcServer != nil {
		a.webServer.AddTransport(a.webrtcServer.Name(), a.webrtcServer)
	}
	if a.udpStreamer != nil {
		a.webServer.AddTransport(a.udpStreamer.Name(), a.udpStreamer)
	}

	if err := a.startComponents(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.BindIP, a.config.Server.WebPort)),
		zap.Strings("topics", a.hub.Topics()))
	return nil
}

// initializeCameraManager opens the device and builds its streams
func (a *Application) initializeCameraManager() error {
	dev, err := camera.OpenDevice(a.config, a.logger)
	if err != nil {
		return err
	}

	manager, err := camera.NewManager(a.config, dev, a.hub, a.metrics, a.logger)
	if err != nil {
		dev.Close()
		return err
	}
	manager.SetControlLostHandler(func() {
		a.logger.Error("Camera lost, stopping application")
		a.shutdown()
	})

	a.cameraManager = manager
	return nil
}

// startComponents starts the transports first so no subscriber misses the
// first frames, then the camera
func (a *Application) startComponents(ctx context.Context) error {
	if a.webrtcServer != nil {
		if err := a.webrtcServer.Start(); err != nil {
			return fmt.Errorf("failed to start WebRTC server: %w", err)
		}
	}

	if err := a.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	if a.udpStreamer != nil {
		if err := a.udpStreamer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start UDP streamer: %w", err)
		}
	}

	if err := a.cameraManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	return nil
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	done := make(chan error, 1)
	go func() {
		var err error

		if a.webServer != nil {
			err = multierr.Append(err, a.webServer.Stop())
		}
		if a.webrtcServer != nil {
			err = multierr.Append(err, a.webrtcServer.Stop())
		}
		if a.udpStreamer != nil {
			err = multierr.Append(err, a.udpStreamer.Stop())
		}
		if a.frames != nil {
			a.frames.Close()
		}
		if a.cameraManager != nil {
			err = multierr.Append(err, a.cameraManager.Close())
		}
		done <- err
	}()

	select {
	case err := <-done:
		a.logger.Info("All components stopped")
		return err
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		return ctx.Err()
	}
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file, keeping at most maxFiles log files
func createLogger(level string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	const logDir = "logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("gige-streamer-%s.log", ts))

	if maxFiles <= 0 {
		maxFiles = 20
	}
	files, _ := filepath.Glob(filepath.Join(logDir, "gige-streamer-*.log"))
	if len(files) > maxFiles {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-maxFiles] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
