package udp

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"gige-streamer/config"
	"gige-streamer/metrics"
	"gige-streamer/pool"
	"gige-streamer/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(port int) *config.Config {
	cfg := config.Default()
	cfg.Logging.StatsLogInterval = 0
	cfg.UDP = config.UDPConfig{
		Enabled:   true,
		MTU:       64,
		QueueSize: 4,
		Targets:   []config.UDPTarget{{Topic: "camera/depth", Host: "127.0.0.1", Port: port}},
	}
	return cfg
}

func testImage() *pool.Image {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	img := pool.NewImage(data)
	img.Width = 150
	img.Height = 1
	img.Step = 300
	img.Encoding = "mono16"
	img.Header = pool.Header{StampNS: 42, Seq: 7, FrameID: "camera/depth"}
	return img
}

// readFrame collects the datagrams of one frame and decodes it
func readFrame(t *testing.T, conn *net.UDPConn) sink.Frame {
	t.Helper()
	buf := make([]byte, 2048)
	var parts [][]byte
	received := 0

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, sink.ChunkHeaderSize)

		index := int(binary.LittleEndian.Uint16(buf[4:6]))
		count := int(binary.LittleEndian.Uint16(buf[6:8]))
		if parts == nil {
			parts = make([][]byte, count)
		}
		require.Len(t, parts, count)
		parts[index] = append([]byte(nil), buf[sink.ChunkHeaderSize:n]...)
		received++
		if received == count {
			break
		}
	}

	var msg []byte
	for _, p := range parts {
		msg = append(msg, p...)
	}
	var f sink.Frame
	require.NoError(t, f.UnmarshalBinary(msg))
	return f
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestStreamerDeliversFrames tests that a published frame arrives chunked
func TestStreamerDeliversFrames(t *testing.T) {
	receiver := listen(t)
	port := receiver.LocalAddr().(*net.UDPAddr).Port

	hub := sink.NewHub(metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
	pub := hub.Publisher("camera/depth")
	hub.Publisher("camera/intensity")

	s, err := NewStreamer(testConfig(port), hub, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "udp", s.Name())
	assert.Equal(t, 0, s.Subscribers("camera/depth"))

	var changes int
	hub.OnSubscribersChanged(func() { changes++ })

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, 1, changes)
	assert.True(t, pub.HasSubscribers())
	assert.Equal(t, 0, hub.SubscriberCount("camera/intensity"))
	assert.Equal(t, []string{"camera/depth=>127.0.0.1:" + strconv.Itoa(port)}, s.Destinations())

	require.NoError(t, pub.Publish(testImage(), nil))

	f := readFrame(t, receiver)
	assert.Equal(t, "camera/depth", f.Topic)
	assert.Equal(t, uint64(7), f.Header.Seq)
	assert.Equal(t, testImage().Data, f.Data)

	assert.Eventually(t, func() bool {
		return s.GetStats()["frames_sent"].(uint64) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Greater(t, s.GetStats()["packets_sent"].(uint64), uint64(1))
}

// TestStreamerStop tests that a stopped streamer leaves no subscribers
func TestStreamerStop(t *testing.T) {
	receiver := listen(t)
	port := receiver.LocalAddr().(*net.UDPAddr).Port

	hub := sink.NewHub(metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
	pub := hub.Publisher("camera/depth")

	s, err := NewStreamer(testConfig(port), hub, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.False(t, pub.HasSubscribers())

	// Sending after stop is ignored
	s.Send("camera/depth", []byte{1})
	assert.Equal(t, uint64(0), s.GetStats()["frames_dropped"].(uint64))
}

// TestStreamerDropsWhenQueueFull tests the non-blocking enqueue
func TestStreamerDropsWhenQueueFull(t *testing.T) {
	hub := sink.NewHub(metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
	hub.Publisher("camera/depth")

	s, err := NewStreamer(testConfig(9), hub, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Running without a sender loop keeps the queue full
	s.isRunning.Store(true)
	for i := 0; i < 6; i++ {
		s.Send("camera/depth", []byte{byte(i)})
	}
	assert.Equal(t, uint64(2), s.dropCount.Load())
}

// TestNewStreamerErrors tests configuration errors
func TestNewStreamerErrors(t *testing.T) {
	hub := sink.NewHub(metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
	hub.Publisher("camera/depth")

	cfg := testConfig(9)
	cfg.UDP.Targets[0].Topic = "camera/nope"
	_, err := NewStreamer(cfg, hub, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown topic")

	cfg = testConfig(9)
	cfg.UDP.MTU = sink.ChunkHeaderSize
	_, err = NewStreamer(cfg, hub, zaptest.NewLogger(t))
	assert.Error(t, err)
}
