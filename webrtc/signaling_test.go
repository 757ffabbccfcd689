package webrtc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func dialSignaling(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http", "ws", 1)+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func signalingServer(t *testing.T, s *SignalingServer) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// TestNewSignalingServer tests the defaults of the signaling server
func TestNewSignalingServer(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name           string
		allowedOrigins []string
		sendBufferSize int
		sendTimeout    time.Duration
		wantBufferSize int
		wantTimeout    time.Duration
	}{
		{
			name:           "default values",
			wantBufferSize: 1024,
			wantTimeout:    5 * time.Second,
		},
		{
			name:           "custom values",
			allowedOrigins: []string{"http://localhost:3000"},
			sendBufferSize: 2048,
			sendTimeout:    time.Second,
			wantBufferSize: 2048,
			wantTimeout:    time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSignalingServer(tt.allowedOrigins, tt.sendBufferSize, tt.sendTimeout, 0, logger)
			assert.Equal(t, tt.wantBufferSize, s.sendBufferSize)
			assert.Equal(t, tt.wantTimeout, s.sendTimeout)
			assert.NotEmpty(t, s.allowedOrigins)
		})
	}
}

// TestSignalingPingAndErrors tests ping replies and unknown message types
func TestSignalingPingAndErrors(t *testing.T) {
	s := NewSignalingServer(nil, 0, 0, 0, zaptest.NewLogger(t))
	conn := dialSignaling(t, signalingServer(t, s).URL)

	require.NoError(t, conn.WriteJSON(SignalingMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(SignalingMessage{Type: "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, string(msg.Data), "unknown message type")
}

// TestSignalingRejectsOrigin tests that foreign origins cannot connect
func TestSignalingRejectsOrigin(t *testing.T) {
	s := NewSignalingServer([]string{"http://localhost:3000"}, 0, 0, 0, zaptest.NewLogger(t))
	server := signalingServer(t, s)

	header := http.Header{"Origin": []string{"http://evil.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(server.URL, "http", "ws", 1)+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestSignalingMaxClients tests the client limit
func TestSignalingMaxClients(t *testing.T) {
	s := NewSignalingServer(nil, 0, 0, 1, zaptest.NewLogger(t))
	server := signalingServer(t, s)

	dialSignaling(t, server.URL)
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(server.URL, "http", "ws", 1)+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestSignalingDisconnect tests client cleanup when the socket closes
func TestSignalingDisconnect(t *testing.T) {
	s := NewSignalingServer(nil, 0, 0, 0, zaptest.NewLogger(t))

	var disconnected atomic.Int32
	s.SetHandlers(nil, nil, nil, func(*SignalingClient) { disconnected.Add(1) })

	conn := dialSignaling(t, signalingServer(t, s).URL)
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, s.GetClients(), 1)

	conn.Close()
	assert.Eventually(t, func() bool { return s.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), disconnected.Load())

	// Closing the server with no clients is harmless
	s.Close()
}

// TestSignalingClose tests that closing the server disconnects clients
func TestSignalingClose(t *testing.T) {
	s := NewSignalingServer(nil, 0, 0, 0, zaptest.NewLogger(t))
	conn := dialSignaling(t, signalingServer(t, s).URL)
	require.Eventually(t, func() bool { return s.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	s.Close()
	assert.Equal(t, 0, s.GetClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
