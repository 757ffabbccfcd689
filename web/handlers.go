package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gige-streamer/calibration"
	"gige-streamer/config"
	"gige-streamer/sink"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxCalibrationBody bounds the size of an uploaded calibration
const maxCalibrationBody = 1 << 20

// CameraManager is the part of the camera manager served over HTTP
type CameraManager interface {
	GetStatus() map[string]interface{}
	GetStats() map[string]interface{}
	Calibration(topic string) (*calibration.Manager, bool)
}

// StatsProvider reports component statistics
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	hub       *sink.Hub
	startedAt time.Time

	mu            sync.RWMutex
	cameraManager CameraManager
	transports    map[string]StatsProvider
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, hub *sink.Hub, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:     cfg,
		logger:     logger,
		hub:        hub,
		startedAt:  time.Now(),
		transports: make(map[string]StatsProvider),
	}
}

// SetCameraManager sets the camera manager
func (h *Handlers) SetCameraManager(manager CameraManager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cameraManager = manager
}

// AddTransport registers the statistics of a frame transport
func (h *Handlers) AddTransport(name string, transport StatsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transports[name] = transport
}

func (h *Handlers) manager() CameraManager {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cameraManager
}

func (h *Handlers) transportStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := make(map[string]interface{}, len(h.transports))
	for name, t := range h.transports {
		stats[name] = t.GetStats()
	}
	return stats
}

// HandleHome lists the endpoints and topics
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "GigE frame streamer\n\nTopics:\n")
	for _, topic := range h.hub.Topics() {
		fmt.Fprintf(w, "  %s\n", topic)
	}
	fmt.Fprintf(w, "\nEndpoints:\n  /frames?topic=<topic>\n  /api/status\n  /api/stats\n  /api/topics\n  /api/config\n  /api/calibration/<topic>\n  /metrics\n  /health\n")
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"bind_ip":  h.config.Server.BindIP,
			"web_port": h.config.Server.WebPort,
			"running":  true,
			"uptime":   time.Since(h.startedAt).Round(time.Second).String(),
		},
		"topics": len(h.hub.Topics()),
	}

	if mgr := h.manager(); mgr != nil {
		status["camera"] = mgr.GetStatus()
	}

	h.writeJSONResponse(w, status)
}

// HandleAPIConfig returns the current configuration
func (h *Handlers) HandleAPIConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.config)
}

// HandleAPIStats returns stream and transport statistics
func (h *Handlers) HandleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp":  time.Now().Unix(),
		"transports": h.transportStats(),
	}

	if mgr := h.manager(); mgr != nil {
		stats["camera"] = mgr.GetStats()
	}

	h.writeJSONResponse(w, stats)
}

// topicInfo describes one published topic
type topicInfo struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Calibrated  bool   `json:"calibrated"`
}

// HandleAPITopics lists the topics with their subscriber counts
func (h *Handlers) HandleAPITopics(w http.ResponseWriter, r *http.Request) {
	mgr := h.manager()
	topics := h.hub.Topics()

	infos := make([]topicInfo, 0, len(topics))
	for _, topic := range topics {
		info := topicInfo{Topic: topic, Subscribers: h.hub.SubscriberCount(topic)}
		if mgr != nil {
			if cal, ok := mgr.Calibration(topic); ok {
				info.Calibrated = cal.IsCalibrated()
			}
		}
		infos = append(infos, info)
	}

	h.writeJSONResponse(w, infos)
}

// calibrationFor resolves the calibration named by the wildcard of the route
func (h *Handlers) calibrationFor(w http.ResponseWriter, r *http.Request) (string, *calibration.Manager, bool) {
	topic := chi.URLParam(r, "*")

	mgr := h.manager()
	if mgr == nil {
		h.writeErrorResponse(w, "Camera manager not available", http.StatusServiceUnavailable)
		return topic, nil, false
	}

	cal, ok := mgr.Calibration(topic)
	if !ok {
		h.writeErrorResponse(w, fmt.Sprintf("Unknown topic %q", topic), http.StatusNotFound)
		return topic, nil, false
	}
	return topic, cal, true
}

// HandleGetCalibration returns the calibration of one topic
func (h *Handlers) HandleGetCalibration(w http.ResponseWriter, r *http.Request) {
	topic, cal, ok := h.calibrationFor(w, r)
	if !ok {
		return
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"topic":       topic,
		"calibrated":  cal.IsCalibrated(),
		"path":        cal.Path(),
		"camera_info": cal.Info(),
	})
}

// HandlePutCalibration stores a new calibration for one topic
func (h *Handlers) HandlePutCalibration(w http.ResponseWriter, r *http.Request) {
	topic, cal, ok := h.calibrationFor(w, r)
	if !ok {
		return
	}

	var info calibration.CameraInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCalibrationBody)).Decode(&info); err != nil {
		h.writeErrorResponse(w, fmt.Sprintf("Invalid calibration: %v", err), http.StatusBadRequest)
		return
	}

	if err := cal.Save(info); err != nil {
		h.logger.Error("Failed to save calibration", zap.String("topic", topic), zap.Error(err))
		h.writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	}

	h.logger.Info("Calibration updated", zap.String("topic", topic))
	h.writeJSONResponse(w, map[string]interface{}{
		"topic":      topic,
		"calibrated": true,
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}

	if mgr := h.manager(); mgr != nil {
		status := mgr.GetStatus()
		services["camera"] = map[string]interface{}{
			"running":   status["running"],
			"acquiring": status["acquiring"],
		}
	}

	h.mu.RLock()
	for name := range h.transports {
		services[name] = "running"
	}
	h.mu.RUnlock()

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		h.writeErrorResponse(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
