package calibration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gige-streamer/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const sampleYAML = `image_width: 640
image_height: 480
camera_name: left
camera_matrix:
  rows: 3
  cols: 3
  data: [500, 0, 320, 0, 500, 240, 0, 0, 1]
distortion_model: plumb_bob
distortion_coefficients:
  rows: 1
  cols: 5
  data: [0.1, -0.2, 0, 0, 0]
rectification_matrix:
  rows: 3
  cols: 3
  data: [1, 0, 0, 0, 1, 0, 0, 0, 1]
projection_matrix:
  rows: 3
  cols: 4
  data: [500, 0, 320, 0, 0, 500, 240, 0, 0, 0, 1, 0]
`

// TestParse tests decoding of a camera_info document
func TestParse(t *testing.T) {
	info, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "left", info.CameraName)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)
	assert.Equal(t, "plumb_bob", info.DistortionModel)
	assert.Equal(t, []float64{0.1, -0.2, 0, 0, 0}, info.D)
	assert.Equal(t, 500.0, info.K[0])
	assert.Equal(t, 240.0, info.P[6])
}

// TestParseRejectsBadMatrix tests that a wrongly sized matrix is an error
func TestParseRejectsBadMatrix(t *testing.T) {
	_, err := Parse([]byte("camera_matrix:\n  rows: 2\n  cols: 2\n  data: [1, 2, 3, 4]\n"))
	assert.Error(t, err)
}

// TestMarshalLoads tests that a written calibration is read back the same
func TestMarshalLoads(t *testing.T) {
	info, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	data, err := Marshal(info)
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, info, again)
}

// TestResolvePath tests calibration url handling
func TestResolvePath(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "calib/left.yaml", want: "calib/left.yaml"},
		{url: "file:///etc/cam/left.yaml", want: "/etc/cam/left.yaml"},
		{url: "package://cam/left.yaml", wantErr: true},
		{url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ResolvePath(tt.url)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnsupportedURL))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestManagerMissingFile tests that a missing file leaves the camera uncalibrated
func TestManagerMissingFile(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewManager("left", filepath.Join(t.TempDir(), "missing.yaml"), zap.New(core))

	assert.False(t, m.IsCalibrated())
	assert.Equal(t, 1, logs.FilterMessage("Calibration file not found, camera is uncalibrated").Len())
	assert.Equal(t, "left", m.Info().CameraName)
}

// TestStampFallsBackToROI tests the size fallback and its single warning
func TestStampFallsBackToROI(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewManager("left", "", zap.New(core))

	header := pool.Header{Seq: 3, FrameID: "cam/left"}
	first := m.Stamp(header, 320, 240)
	second := m.Stamp(header, 320, 240)

	assert.Equal(t, 320, first.Width)
	assert.Equal(t, 240, second.Height)
	assert.Equal(t, header, first.Header)
	assert.Equal(t, 1, logs.FilterMessage("Calibration has no image size, using the region of interest").Len())
}

// TestStampKeepsCalibratedSize tests that a calibrated size wins over the region
func TestStampKeepsCalibratedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "left.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	m := NewManager("left", "file://"+path, zaptest.NewLogger(t))
	require.True(t, m.IsCalibrated())

	info := m.Stamp(pool.Header{}, 100, 100)
	assert.Equal(t, 640, info.Width)
	assert.Equal(t, 480, info.Height)

	// Stamps are copies
	info.D[0] = 42
	assert.Equal(t, 0.1, m.Info().D[0])
}

// TestWatchReloads tests that rewriting the file updates the calibration
func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "left.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	m := NewManager("left", path, zaptest.NewLogger(t))
	require.Equal(t, 640, m.Info().Width)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	info := m.Info()
	info.Width = 1280
	data, err := Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	assert.Eventually(t, func() bool { return m.Info().Width == 1280 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

// TestManagerSave tests that saved calibration is used and survives a reload
func TestManagerSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib", "left.yaml")
	m := NewManager("left", path, zaptest.NewLogger(t))
	require.False(t, m.IsCalibrated())

	info := CameraInfo{
		Width:           640,
		Height:          480,
		DistortionModel: "plumb_bob",
		D:               []float64{0.1, 0, 0, 0, 0},
		K:               [9]float64{500, 0, 320, 0, 500, 240, 0, 0, 1},
	}
	require.NoError(t, m.Save(info))
	assert.True(t, m.IsCalibrated())
	assert.Equal(t, "left", m.Info().CameraName)

	reloaded := NewManager("left", path, zaptest.NewLogger(t))
	require.True(t, reloaded.IsCalibrated())
	assert.Equal(t, info.K, reloaded.Info().K)
	assert.Equal(t, info.D, reloaded.Info().D)

	assert.Error(t, NewManager("right", "", zaptest.NewLogger(t)).Save(info), "no file configured")
}
