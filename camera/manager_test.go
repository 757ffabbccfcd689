package camera

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"gige-streamer/config"
	"gige-streamer/device"
	"gige-streamer/metrics"
	"gige-streamer/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig returns a small two part configuration driven by explicit triggers
func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Device.Simulated.FPS = 0
	cfg.Pipeline.WaitTimeoutMS = 50
	cfg.Logging.StatsLogInterval = 0
	for i := range cfg.Streams[0].Substreams {
		sub := &cfg.Streams[0].Substreams[i]
		sub.ROI = config.ROIConfig{Width: 8, Height: 4}
		sub.CameraInfoURL = filepath.Join(t.TempDir(), sub.Name+".yaml")
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

type fixture struct {
	cfg     *config.Config
	dev     *device.Simulated
	hub     *sink.Hub
	metrics *metrics.Metrics
	manager *Manager
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dev, err := OpenDevice(cfg, logger)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	hub := sink.NewHub(m, logger)
	mgr, err := NewManager(cfg, dev, hub, m, logger)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { mgr.Close() })

	return &fixture{cfg: cfg, dev: dev.(*device.Simulated), hub: hub, metrics: m, manager: mgr}
}

func receive(t *testing.T, sub *sink.Subscription) *sink.Frame {
	t.Helper()
	select {
	case f := <-sub.C:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// TestOpenDevice tests device selection from the configuration
func TestOpenDevice(t *testing.T) {
	cfg := testConfig(t)

	dev, err := OpenDevice(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, dev.ChannelCount())
	// Mono12p 8x4 plus Coord3D_C16 8x4
	assert.Equal(t, 48+64, dev.PayloadSize(0))

	cfg.Device.Simulated.Payload = "image"
	dev, err = OpenDevice(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 48, dev.PayloadSize(0), "an image payload carries only the first part")

	cfg.Device.Kind = "gige"
	_, err = OpenDevice(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

// TestNewManagerChecksChannels tests that every stream needs a device channel
func TestNewManagerChecksChannels(t *testing.T) {
	cfg := testConfig(t)
	dev, err := OpenDevice(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	extra := cfg.Streams[0]
	extra.Name = "second"
	cfg.Streams = append(cfg.Streams, extra)

	m := metrics.New(prometheus.NewRegistry())
	_, err = NewManager(cfg, dev, sink.NewHub(m, zaptest.NewLogger(t)), m, zaptest.NewLogger(t))
	assert.Error(t, err)
}

// TestAcquisitionFollowsSubscribers tests on-demand acquisition and end to end delivery
func TestAcquisitionFollowsSubscribers(t *testing.T) {
	f := newFixture(t, testConfig(t))
	assert.False(t, f.dev.IsAcquiring(), "no subscribers, no acquisition")
	assert.Equal(t, []string{"camera/depth", "camera/intensity"}, f.hub.Topics())

	intensity, err := f.hub.Subscribe("camera/intensity", 4)
	require.NoError(t, err)
	depth, err := f.hub.Subscribe("camera/depth", 4)
	require.NoError(t, err)
	require.Eventually(t, f.dev.IsAcquiring, time.Second, 5*time.Millisecond)
	assert.True(t, f.manager.IsAcquiring())

	require.NoError(t, f.dev.ExecuteCommand(device.CommandTriggerSoftware))

	fi := receive(t, intensity)
	assert.Equal(t, "camera/intensity", fi.Topic)
	assert.Equal(t, "camera/intensity", fi.Header.FrameID)
	assert.Equal(t, uint64(1), fi.Header.Seq)
	assert.Equal(t, 8, fi.Width)
	assert.Equal(t, 4, fi.Height)
	assert.Equal(t, "mono16", fi.Encoding)
	assert.Len(t, fi.Data, 8*4*2)
	require.NotNil(t, fi.Info)
	assert.Equal(t, 8, fi.Info.Width, "uncalibrated info takes the image size")

	fd := receive(t, depth)
	assert.Equal(t, uint64(1), fd.Header.Seq)
	assert.Equal(t, "mono16", fd.Encoding)
	assert.Equal(t, 16, fd.Step)

	intensity.Close()
	assert.True(t, f.dev.IsAcquiring(), "one subscriber left")
	depth.Close()
	require.Eventually(t, func() bool { return !f.dev.IsAcquiring() }, time.Second, 5*time.Millisecond)

	stats := f.manager.Streams()[0].Stats()
	assert.Equal(t, uint64(1), stats.Routed)
	assert.Equal(t, uint64(1), stats.Channel.Completed)
}

// TestSoftwareTrigger tests that the trigger loop drives acquisition
func TestSoftwareTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trigger.SoftwareRate = 50
	f := newFixture(t, cfg)

	sub, err := f.hub.Subscribe("camera/depth", 4)
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Greater(t, second.Header.Seq, first.Header.Seq)
}

// TestFailedBuffersAreCounted tests that incomplete buffers never reach subscribers
func TestFailedBuffersAreCounted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Device.Simulated.FailEvery = 2
	f := newFixture(t, cfg)

	sub, err := f.hub.Subscribe("camera/intensity", 4)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, f.dev.IsAcquiring, time.Second, 5*time.Millisecond)

	// Every second frame completes with missing packets
	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, f.dev.ExecuteCommand(device.CommandTriggerSoftware))
		if seq%2 == 1 {
			assert.Equal(t, seq, receive(t, sub).Header.Seq)
		}
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.BuffersRejected.WithLabelValues("camera", "failed")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), f.manager.Streams()[0].Stats().Channel.MissingPackets)
}

// TestControlLost tests that losing the device runs the shutdown handler
func TestControlLost(t *testing.T) {
	f := newFixture(t, testConfig(t))

	var called atomic.Bool
	f.manager.SetControlLostHandler(func() { called.Store(true) })

	f.dev.LoseControl()
	assert.Eventually(t, called.Load, time.Second, 5*time.Millisecond)
}

// TestManagerStatus tests the status and statistics maps
func TestManagerStatus(t *testing.T) {
	f := newFixture(t, testConfig(t))

	status := f.manager.GetStatus()
	assert.Equal(t, true, status["running"])
	assert.Equal(t, false, status["acquiring"])

	streams := status["streams"].(map[string]interface{})
	camera := streams["camera"].(map[string]interface{})
	assert.Equal(t, true, camera["running"])
	assert.Equal(t, []string{"camera/intensity", "camera/depth"}, camera["topics"])

	stats := f.manager.GetStats()
	assert.Contains(t, stats["streams"], "camera")
}

// TestManagerClose tests that closing releases the device and is repeatable
func TestManagerClose(t *testing.T) {
	f := newFixture(t, testConfig(t))

	sub, err := f.hub.Subscribe("camera/intensity", 1)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, f.dev.IsAcquiring, time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Close())
	assert.False(t, f.dev.IsAcquiring())
	assert.False(t, f.manager.Streams()[0].IsRunning())
	assert.NoError(t, f.manager.Stop())
}

// TestNewManagerChecksPayloadLimit tests the payload size limit
func TestNewManagerChecksPayloadLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxPayloadSizeMB = 1
	for i := range cfg.Streams[0].Substreams {
		cfg.Streams[0].Substreams[i].ROI = config.ROIConfig{Width: 1024, Height: 1024}
	}

	dev, err := OpenDevice(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	_, err = NewManager(cfg, dev, sink.NewHub(m, zaptest.NewLogger(t)), m, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "exceeds")
}

// TestCalibrationByTopic tests calibration lookup by topic
func TestCalibrationByTopic(t *testing.T) {
	f := newFixture(t, testConfig(t))

	cal, ok := f.manager.Calibration("camera/depth")
	require.True(t, ok)
	assert.False(t, cal.IsCalibrated())
	assert.Equal(t, f.cfg.Streams[0].Substreams[1].CameraInfoURL, cal.Path())

	_, ok = f.manager.Calibration("camera/nope")
	assert.False(t, ok)
}
