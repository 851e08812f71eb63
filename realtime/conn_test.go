package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/notiflow/errors"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "http", base: "http://localhost:3000", want: "ws://localhost:3000/socket.io/?EIO=4&transport=websocket"},
		{name: "https with trailing slash", base: "https://api.example.com/", want: "wss://api.example.com/socket.io/?EIO=4&transport=websocket"},
		{name: "base path kept", base: "https://example.com/backend", want: "wss://example.com/backend/socket.io/?EIO=4&transport=websocket"},
		{name: "custom path", base: "ws://example.com", path: "/rt", want: "ws://example.com/rt/?EIO=4&transport=websocket"},
		{name: "bad scheme", base: "ftp://example.com", wantErr: true},
		{name: "garbage", base: "://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EndpointURL(tt.base, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPToWS(t *testing.T) {
	assert.Equal(t, "ws://a", httpToWS("http://a"))
	assert.Equal(t, "wss://a", httpToWS("https://a"))
	assert.Equal(t, "wss://a", httpToWS("wss://a"))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "ws://example.com/socket.io/", redactURL("ws://user:secret@example.com/socket.io/"))
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4", r.URL.Query().Get("EIO"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...))
	}))
	defer srv.Close()

	endpoint, err := EndpointURL(srv.URL, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := WebSocketDialer{}.Dial(ctx, endpoint, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage([]byte("2probe")))
	require.NoError(t, conn.(deadlineConn).SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:2probe", string(msg))
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WebSocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), strings.Replace(srv.URL, "http", "ws", 1), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}
