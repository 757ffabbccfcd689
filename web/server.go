package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gige-streamer/config"
	"gige-streamer/metrics"
	"gige-streamer/sink"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

// Server represents the main web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server

	metrics  *metrics.Metrics
	frames   http.Handler
	handlers *Handlers
}

// NewServer creates the web server. frames serves the websocket frame
// subscriptions on /frames.
func NewServer(cfg *config.Config, hub *sink.Hub, m *metrics.Metrics, frames http.Handler, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		frames:   frames,
		handlers: NewHandlers(cfg, hub, logger),
	}
}

// SetCameraManager sets the camera manager
func (s *Server) SetCameraManager(manager CameraManager) {
	s.handlers.SetCameraManager(manager)
}

// AddTransport exposes the statistics of a frame transport
func (s *Server) AddTransport(name string, transport StatsProvider) {
	s.handlers.AddTransport(name, transport)
}

// Handler builds the router with its middleware
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handlers.HandleHome)
	r.Get("/health", s.handlers.HandleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	if s.frames != nil {
		r.Handle("/frames", s.frames)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handlers.HandleAPIStatus)
		r.Get("/stats", s.handlers.HandleAPIStats)
		r.Get("/config", s.handlers.HandleAPIConfig)
		r.Get("/topics", s.handlers.HandleAPITopics)
		r.Get("/calibration/*", s.handlers.HandleGetCalibration)
		r.Put("/calibration/*", s.handlers.HandlePutCalibration)
	})

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.config.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return cors(r)
}

// Start starts the web server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started", zap.String("address", s.httpServer.Addr))
	return nil
}

// loggingMiddleware logs every request. The wrapped writer still supports
// hijacking for websocket upgrades.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Stop stops the web server
func (s *Server) Stop() error {
	s.logger.Info("Stopping web server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.config.Timeouts.HTTPShutdownTimeout)*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}

// GetServerInfo returns information about the web server
func (s *Server) GetServerInfo() map[string]interface{} {
	info := map[string]interface{}{
		"bind_ip":  s.config.Server.BindIP,
		"web_port": s.config.Server.WebPort,
		"running":  s.httpServer != nil,
	}
	if s.httpServer != nil {
		info["address"] = s.httpServer.Addr
	}
	return info
}
