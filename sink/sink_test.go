package sink

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gige-streamer/calibration"
	"gige-streamer/metrics"
	"gige-streamer/pool"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) *Hub {
	return NewHub(metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
}

func testImage() *pool.Image {
	img := pool.NewImage([]byte{1, 2, 3, 4, 5, 6})
	img.Width = 3
	img.Height = 1
	img.Step = 6
	img.Encoding = "mono16"
	img.Header = pool.Header{StampNS: 1234, Seq: 9, FrameID: "camera/depth"}
	return img
}

// TestFrameEncoding tests that the wire format carries header, calibration and pixels
func TestFrameEncoding(t *testing.T) {
	info := &calibration.CameraInfo{Width: 3, Height: 1, DistortionModel: "plumb_bob", D: []float64{0.5}}
	info.K[0] = 100

	f := NewFrame("camera/depth", testImage(), info)
	msg, err := f.MarshalBinary()
	require.NoError(t, err)

	var got Frame
	require.NoError(t, got.UnmarshalBinary(msg))

	assert.Equal(t, "camera/depth", got.Topic)
	assert.Equal(t, f.Header, got.Header)
	assert.Equal(t, 3, got.Width)
	assert.Equal(t, 6, got.Step)
	assert.Equal(t, "mono16", got.Encoding)
	assert.Equal(t, f.Data, got.Data)
	require.NotNil(t, got.Info)
	assert.Equal(t, 100.0, got.Info.K[0])
	assert.Equal(t, []float64{0.5}, got.Info.D)

	// Every truncation is rejected
	for n := 0; n < len(msg); n += 7 {
		assert.True(t, errors.Is(got.UnmarshalBinary(msg[:n]), ErrBadFrame), "length %d", n)
	}
}

// TestNewFrameCopies tests that a frame does not alias the pooled image
func TestNewFrameCopies(t *testing.T) {
	img := testImage()
	f := NewFrame("t", img, nil)
	img.Data[0] = 99

	assert.Equal(t, byte(1), f.Data[0])
	assert.Nil(t, f.Info)
}

// TestHubLocalSubscription tests in-process delivery and subscriber accounting
func TestHubLocalSubscription(t *testing.T) {
	h := newTestHub(t)
	pub := h.Publisher("camera")

	var changes atomic.Int32
	h.OnSubscribersChanged(func() { changes.Add(1) })

	assert.False(t, pub.HasSubscribers())
	assert.False(t, h.AnySubscribers())

	sub, err := h.Subscribe("camera", 1)
	require.NoError(t, err)
	assert.True(t, pub.HasSubscribers())
	assert.True(t, h.AnySubscribers())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Subscribers.WithLabelValues("camera")))

	require.NoError(t, pub.Publish(testImage(), nil))
	require.NoError(t, pub.Publish(testImage(), nil))

	frame := <-sub.C
	assert.Equal(t, uint64(9), frame.Header.Seq)
	assert.Equal(t, uint64(1), sub.Dropped())

	sub.Close()
	sub.Close()
	assert.False(t, pub.HasSubscribers())
	assert.Equal(t, int32(2), changes.Load())

	_, ok := <-sub.C
	assert.False(t, ok)
}

// TestHubUnknownTopic tests that subscriptions need an existing topic
func TestHubUnknownTopic(t *testing.T) {
	h := newTestHub(t)
	_, err := h.Subscribe("nope", 1)
	assert.Error(t, err)
}

// TestPublisherIsShared tests that a topic has a single publisher
func TestPublisherIsShared(t *testing.T) {
	h := newTestHub(t)
	assert.Same(t, h.Publisher("a"), h.Publisher("a"))
	h.Publisher("b")
	assert.Equal(t, []string{"a", "b"}, h.Topics())
}

// TestOriginChecker tests origin filtering
func TestOriginChecker(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard allows all", allowed: []string{"*"}, origin: "http://evil.com", want: true},
		{name: "listed origin", allowed: []string{"http://localhost:3000"}, origin: "http://localhost:3000", want: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:3000"}, origin: "http://evil.com", want: false},
		{name: "no origin header", allowed: []string{"http://localhost:3000"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/frames", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, OriginChecker(tt.allowed, logger)(req))
		})
	}
}

// TestWebSocketTransportDelivers tests frame delivery to a websocket subscriber
func TestWebSocketTransportDelivers(t *testing.T) {
	h := newTestHub(t)
	pub := h.Publisher("camera/depth")
	transport := NewWebSocketTransport(h, []string{"*"}, 4, zaptest.NewLogger(t))

	server := httptest.NewServer(transport)
	defer server.Close()
	wsURL := strings.Replace(server.URL, "http", "ws", 1)

	// Unknown topics are refused before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?topic=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?topic=camera/depth", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, pub.HasSubscribers, time.Second, 10*time.Millisecond)
	require.NoError(t, pub.Publish(testImage(), nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	var f Frame
	require.NoError(t, f.UnmarshalBinary(msg))
	assert.Equal(t, "camera/depth", f.Topic)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, f.Data)

	conn.Close()
	assert.Eventually(t, func() bool { return !pub.HasSubscribers() }, time.Second, 10*time.Millisecond)
}
