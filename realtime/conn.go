package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/notiflow/errors"
)

// Conn abstracts the websocket for testability. The real implementation wraps
// gorilla/websocket; tests use a channel pair. Each message is one text frame.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// deadlineConn is implemented by connections that support read deadlines.
// The feed uses it to detect a server that stopped sending pings.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Conn to a websocket URL.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

const (
	// Max time to write a frame
	writeWait = 10 * time.Second

	// Max inbound frame size; history snapshots can be large
	maxMessageSize = 4 << 20
)

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(errors.ErrUnauthorized, "websocket handshake rejected: %s", resp.Status)
		}
		return nil, errors.Wrapf(err, "failed to dial %s", redactURL(rawURL))
	}
	conn.SetReadLimit(maxMessageSize)
	return &gorillaConn{conn: conn}, nil
}

// gorillaConn serializes writes; gorilla allows one concurrent writer.
type gorillaConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *gorillaConn) Close() error {
	return c.conn.Close()
}

// lockedConn serializes writes for Conn implementations that don't.
type lockedConn struct {
	Conn
	mu sync.Mutex
}

func (c *lockedConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(data)
}

func (c *lockedConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.Conn.(deadlineConn); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

// httpToWS converts http(s) URLs to ws(s) URLs.
func httpToWS(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// EndpointURL builds the Engine.IO websocket URL for a base URL and path.
func EndpointURL(base, path string) (string, error) {
	u, err := url.Parse(httpToWS(strings.TrimSpace(base)))
	if err != nil {
		return "", errors.Wrapf(err, "invalid realtime url %q", base)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Newf("realtime url must be http(s) or ws(s), got %q", base)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	return u.Redacted()
}
