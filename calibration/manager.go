package calibration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gige-streamer/pool"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadSettle = 100 * time.Millisecond

// Manager holds the calibration of one substream and keeps it in sync with its file
type Manager struct {
	name   string
	path   string
	logger *zap.Logger

	mu         sync.RWMutex
	info       CameraInfo
	calibrated bool

	warnedSize atomic.Bool
}

// NewManager loads the calibration at url. A missing or unreadable file leaves
// the camera uncalibrated; the pipeline still publishes with empty calibration.
func NewManager(name, url string, logger *zap.Logger) *Manager {
	m := &Manager{
		name:   name,
		logger: logger.With(zap.String("calibration", name)),
	}
	m.info.CameraName = name

	if url == "" {
		m.logger.Info("No calibration configured, camera is uncalibrated")
		return m
	}

	path, err := ResolvePath(url)
	if err != nil {
		m.logger.Warn("Ignoring calibration url", zap.String("url", url), zap.Error(err))
		return m
	}
	m.path = path

	if err := m.Reload(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("Calibration file not found, camera is uncalibrated", zap.String("path", path))
		} else {
			m.logger.Error("Failed to load calibration", zap.String("path", path), zap.Error(err))
		}
	}
	return m
}

// Reload reads the calibration file again
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("no calibration file configured")
	}

	info, err := Load(m.path)
	if err != nil {
		return err
	}
	if info.CameraName == "" {
		info.CameraName = m.name
	}

	m.mu.Lock()
	m.info = info
	m.calibrated = true
	m.mu.Unlock()

	// A new file may carry a size again
	m.warnedSize.Store(false)

	m.logger.Info("Calibration loaded",
		zap.String("path", m.path),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.String("distortion_model", info.DistortionModel))
	return nil
}

// Save replaces the calibration and writes it to the calibration file
func (m *Manager) Save(info CameraInfo) error {
	if m.path == "" {
		return fmt.Errorf("no calibration file configured")
	}
	if info.CameraName == "" {
		info.CameraName = m.name
	}

	data, err := Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode calibration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create calibration directory: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration: %w", err)
	}

	m.mu.Lock()
	m.info = info.Clone()
	m.info.Header = pool.Header{}
	m.calibrated = true
	m.mu.Unlock()
	m.warnedSize.Store(false)

	m.logger.Info("Calibration saved", zap.String("path", m.path))
	return nil
}

// IsCalibrated reports whether a calibration file has been loaded
func (m *Manager) IsCalibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calibrated
}

// Info returns a copy of the current calibration
func (m *Manager) Info() CameraInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.Clone()
}

// Path returns the calibration file path, empty when none is configured
func (m *Manager) Path() string {
	return m.path
}

// Stamp returns the calibration for one image. When the calibration has no
// image size the current region size is used instead, with a single warning.
func (m *Manager) Stamp(header pool.Header, width, height int) *CameraInfo {
	info := m.Info()
	info.Header = header

	if info.Width == 0 || info.Height == 0 {
		if m.warnedSize.CompareAndSwap(false, true) {
			m.logger.Warn("Calibration has no image size, using the region of interest",
				zap.Int("width", width),
				zap.Int("height", height))
		}
		info.Width = width
		info.Height = height
	}
	return &info
}

// Watch reloads the calibration whenever its file changes, until ctx is done.
// The directory is watched so that editors replacing the file are noticed.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create calibration watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Error("Calibration watcher error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Let the writer finish before reading
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reloadSettle):
			}

			if err := m.Reload(); err != nil {
				m.logger.Error("Failed to reload calibration", zap.Error(err))
			}
		}
	}
}
