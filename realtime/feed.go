// Package realtime owns the Socket.IO push connection that delivers
// notifications as they happen.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/realtime/sio"
)

// State is the feed connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Defaults
const (
	DefaultPath              = "/socket.io/"
	DefaultNamespace         = am.DefaultNamespace
	DefaultChannel           = am.DefaultChannel
	DefaultReconnectAttempts = am.DefaultReconnectAttempts
	DefaultReconnectDelay    = time.Duration(am.DefaultReconnectDelayMS) * time.Millisecond
)

// Event names on the notifications namespace
const (
	EventNotification = "notification"
	EventHistory      = "notifications:history"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
)

var (
	errServerClosed     = errors.New("server closed the connection")
	errServerDisconnect = errors.New("server disconnected the namespace")
	errConnectRejected  = errors.New("namespace connection rejected")
)

// Alert is a transient, user-visible message about the connection.
type Alert struct {
	Severity notification.Severity
	Title    string
	Message  string
	Err      error
}

// Listener receives everything the feed delivers. Calls come from the feed's
// read goroutine in arrival order. Implementations must not block for long
// and must not call Disconnect, SetCredential or Reconnect synchronously.
type Listener interface {
	OnNotification(n notification.Notification)
	OnHistory(ns []notification.Notification)
	OnStateChange(s State)
	OnAlert(a Alert)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Notification func(notification.Notification)
	History      func([]notification.Notification)
	StateChange  func(State)
	Alert        func(Alert)
}

func (l ListenerFuncs) OnNotification(n notification.Notification) {
	if l.Notification != nil {
		l.Notification(n)
	}
}

func (l ListenerFuncs) OnHistory(ns []notification.Notification) {
	if l.History != nil {
		l.History(ns)
	}
}

func (l ListenerFuncs) OnStateChange(s State) {
	if l.StateChange != nil {
		l.StateChange(s)
	}
}

func (l ListenerFuncs) OnAlert(a Alert) {
	if l.Alert != nil {
		l.Alert(a)
	}
}

// Config configures a Feed.
type Config struct {
	URL               string // http(s) or ws(s) base
	Path              string // Engine.IO path, default /socket.io/
	Namespace         string
	Channel           string
	ReconnectAttempts int // retries after a failure; 0 = none
	ReconnectDelay    time.Duration
}

// ConfigFromAM maps the realtime section of the application config.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		URL:               cfg.RealtimeURL(),
		Namespace:         cfg.Realtime.Namespace,
		Channel:           cfg.Realtime.Channel,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay(),
	}
}

// Option configures a Feed.
type Option func(*Feed)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(f *Feed) { f.dialer = d }
}

// WithLogger sets the feed logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(f *Feed) { f.logger = logger.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(f *Feed) { f.sink = metrics.OrNoop(s) }
}

// Feed manages a single Socket.IO connection to the notifications namespace.
type Feed struct {
	cfg      Config
	endpoint string
	dialer   Dialer
	listener Listener
	sink     metrics.Sink
	logger   *zap.SugaredLogger

	// ctlMu serializes SetCredential, Reconnect and Disconnect
	ctlMu sync.Mutex

	mu        sync.Mutex
	state     State
	token     string
	conn      *lockedConn
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFeed creates a disconnected feed. It connects once a credential is set.
func NewFeed(cfg Config, listener Listener, opts ...Option) (*Feed, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if !strings.HasPrefix(cfg.Namespace, "/") {
		return nil, errors.Newf("namespace must start with \"/\", got %q", cfg.Namespace)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}

	endpoint, err := EndpointURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}

	if listener == nil {
		listener = ListenerFuncs{}
	}

	f := &Feed{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   WebSocketDialer{},
		listener: listener,
		sink:     metrics.NewNoopSink(),
		logger:   logger.OrNop(nil),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(logger.FieldComponent, "realtime", logger.FieldNamespace, cfg.Namespace)
	return f, nil
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SessionID identifies the current connected session, "" when not connected.
func (f *Feed) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// Running reports whether a connect/reconnect loop is active.
func (f *Feed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// SetCredential supplies the bearer token. A new token (re)connects; an empty
// token disconnects. Setting the same token again is a no-op.
func (f *Feed) SetCredential(token string) {
	token = strings.TrimSpace(token)

	f.ctlMu.Lock()
	defer f.ctlMu.Unlock()

	f.mu.Lock()
	if token == f.token {
		f.mu.Unlock()
		return
	}
	f.token = token
	f.mu.Unlock()

	f.stopLoop(metrics.ReasonClient)

	if token == "" {
		f.logger.Infow("Credential cleared, feed disconnected")
		return
	}

	f.mu.Lock()
	f.startLocked()
	f.mu.Unlock()
}

// Reconnect restarts the connection loop after reconnect attempts ran out.
// It is a no-op while a loop is already running.
func (f *Feed) Reconnect() error {
	f.ctlMu.Lock()
	defer f.ctlMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return errors.Wrap(errors.ErrUnauthorized, "cannot connect without a credential")
	}
	if f.cancel != nil {
		return nil
	}
	f.startLocked()
	return nil
}

// Disconnect closes the connection and stops reconnecting. Safe to call at
// any time, any number of times.
func (f *Feed) Disconnect() {
	f.ctlMu.Lock()
	defer f.ctlMu.Unlock()
	f.stopLoop(metrics.ReasonClient)
}

// Subscribe asks the server to deliver a channel on the current session.
func (f *Feed) Subscribe(channel string) error {
	return f.emitCurrent(EventSubscribe, channel)
}

// Unsubscribe stops delivery of a channel on the current session.
func (f *Feed) Unsubscribe(channel string) error {
	return f.emitCurrent(EventUnsubscribe, channel)
}

func (f *Feed) emitCurrent(event, channel string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.Wrapf(errors.ErrNotConnected, "cannot %s %q", event, channel)
	}
	return f.emit(conn, event, map[string]string{"channel": channel})
}

func (f *Feed) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	go f.run(ctx, f.token, done)
}

// stopLoop cancels the running loop, waits for it, and settles on Disconnected.
func (f *Feed) stopLoop(reason string) {
	f.mu.Lock()
	cancel, done, conn := f.cancel, f.done, f.conn
	f.cancel, f.done = nil, nil
	wasConnected := f.state == StateConnected
	f.mu.Unlock()

	if conn != nil {
		// Best effort; the server also notices the closed socket
		_ = conn.WriteMessage(sio.NewDisconnect(f.cfg.Namespace).Encode())
	}
	if cancel != nil {
		cancel()
		<-done
	}

	f.setState(StateDisconnected)
	if wasConnected {
		f.sink.FeedDisconnected(reason)
	}
}

// loopExited clears the loop handle when the loop gave up on its own.
func (f *Feed) loopExited(done chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == done {
		f.cancel()
		f.cancel, f.done = nil, nil
	}
}

func (f *Feed) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	failures := 0
	alerted := false
	for {
		f.setState(StateConnecting)
		f.sink.FeedConnectAttempt()
		f.logger.Debugw("Connecting", logger.FieldURL, redactURL(f.endpoint), logger.FieldAttempt, failures)

		established, err := f.session(ctx, token)
		if ctx.Err() != nil {
			return
		}

		f.setState(StateDisconnected)
		reason := disconnectReason(err)
		if established {
			failures = 0
			alerted = false
			f.sink.FeedDisconnected(reason)
			f.logger.Infow("Realtime connection dropped", "reason", reason, logger.FieldError, err)
		} else {
			f.logger.Warnw("Realtime connection failed", "reason", reason, logger.FieldAttempt, failures+1, logger.FieldError, err)
		}

		failures++
		// One warning per streak of failed attempts, including redials after a drop
		if !established && !alerted {
			alerted = true
			f.listener.OnAlert(Alert{
				Severity: notification.SeverityWarning,
				Title:    "Realtime connection error",
				Message:  connectErrorMessage(err),
				Err:      err,
			})
		}

		if failures > f.cfg.ReconnectAttempts {
			f.sink.FeedReconnectExhausted()
			f.logger.Warnw("Giving up on realtime connection", "reconnect_attempts", f.cfg.ReconnectAttempts)
			f.listener.OnAlert(Alert{
				Severity: notification.SeverityError,
				Title:    "Realtime connection lost",
				Message:  "Live notifications are paused. Reconnect to resume.",
				Err:      err,
			})
			f.loopExited(done)
			return
		}

		timer := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to drop. established reports whether
// the namespace handshake completed.
func (f *Feed) session(ctx context.Context, token string) (established bool, err error) {
	raw, err := f.dialer.Dial(ctx, f.endpoint, nil)
	if err != nil {
		return false, err
	}
	conn := &lockedConn{Conn: raw}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	open, err := f.awaitOpen(conn)
	if err != nil {
		return false, err
	}
	if err := f.connectNamespace(conn, open, token); err != nil {
		return false, err
	}

	sessionID := uuid.NewString()
	f.mu.Lock()
	f.conn = conn
	f.sessionID = sessionID
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
			f.sessionID = ""
		}
		f.mu.Unlock()
	}()

	f.setState(StateConnected)
	f.sink.FeedConnected()
	f.logger.Infow("Realtime connected",
		logger.FieldSessionID, sessionID,
		"engine_sid", open.SID,
		logger.FieldChannel, f.cfg.Channel)

	channel := map[string]string{"channel": f.cfg.Channel}
	if err := f.emit(conn, EventSubscribe, channel); err != nil {
		return true, err
	}
	if err := f.emit(conn, EventHistory, channel); err != nil {
		return true, err
	}

	for {
		pkt, err := f.readPacket(conn, open)
		if err != nil {
			return true, err
		}
		if pkt.Namespace != f.cfg.Namespace {
			continue
		}
		switch pkt.Type {
		case sio.PacketEvent:
			f.dispatch(pkt)
		case sio.PacketDisconnect:
			return true, errServerDisconnect
		case sio.PacketConnectError:
			return true, errors.Wrap(errConnectRejected, pkt.ConnectErrorMessage())
		}
	}
}

func (f *Feed) awaitOpen(conn *lockedConn) (sio.OpenPayload, error) {
	frame, err := conn.ReadMessage()
	if err != nil {
		return sio.OpenPayload{}, errors.Wrap(err, "failed to read engine.io open packet")
	}
	typ, payload, err := sio.DecodeEngine(frame)
	if err != nil {
		return sio.OpenPayload{}, err
	}
	if typ != sio.EngineOpen {
		return sio.OpenPayload{}, errors.Newf("expected engine.io open packet, got %s", typ)
	}
	return sio.DecodeOpen(payload)
}

func (f *Feed) connectNamespace(conn *lockedConn, open sio.OpenPayload, token string) error {
	pkt, err := sio.NewConnect(f.cfg.Namespace, map[string]string{"token": token})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(pkt.Encode()); err != nil {
		return errors.Wrap(err, "failed to send namespace connect")
	}

	for {
		reply, err := f.readPacket(conn, open)
		if err != nil {
			return errors.Wrap(err, "namespace handshake failed")
		}
		if reply.Namespace != f.cfg.Namespace {
			continue
		}
		switch reply.Type {
		case sio.PacketConnect:
			return nil
		case sio.PacketConnectError:
			return errors.Wrap(errConnectRejected, reply.ConnectErrorMessage())
		}
	}
}

// readPacket returns the next Socket.IO packet, answering pings on the way.
func (f *Feed) readPacket(conn *lockedConn, open sio.OpenPayload) (sio.Packet, error) {
	for {
		if open.PingInterval > 0 {
			wait := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
			_ = conn.SetReadDeadline(time.Now().Add(wait))
		}

		frame, err := conn.ReadMessage()
		if err != nil {
			return sio.Packet{}, errors.Wrap(err, "read failed")
		}

		typ, payload, err := sio.DecodeEngine(frame)
		if err != nil {
			f.logger.Warnw("Dropping malformed frame", logger.FieldError, err)
			continue
		}

		switch typ {
		case sio.EnginePing:
			if err := conn.WriteMessage(sio.EncodeEngine(sio.EnginePong, payload)); err != nil {
				return sio.Packet{}, errors.Wrap(err, "failed to answer ping")
			}
		case sio.EngineClose:
			return sio.Packet{}, errServerClosed
		case sio.EngineMessage:
			pkt, err := sio.DecodePacket(payload)
			if err != nil {
				f.logger.Warnw("Dropping malformed packet", logger.FieldError, err)
				continue
			}
			return pkt, nil
		}
	}
}

func (f *Feed) emit(conn *lockedConn, event string, arg interface{}) error {
	pkt, err := sio.NewEvent(f.cfg.Namespace, event, arg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(pkt.Encode()); err != nil {
		return errors.Wrapf(err, "failed to emit %s", event)
	}
	f.logger.Debugw("Emitted", logger.FieldEvent, event)
	return nil
}

func (f *Feed) dispatch(pkt sio.Packet) {
	name, args, err := pkt.Event()
	if err != nil {
		f.logger.Warnw("Dropping undecodable event", logger.FieldError, err)
		return
	}

	switch name {
	case EventNotification:
		if len(args) == 0 {
			f.logger.Warnw("Notification event without payload")
			return
		}
		var n notification.Notification
		if err := json.Unmarshal(args[0], &n); err != nil {
			f.logger.Warnw("Dropping invalid notification payload", logger.FieldError, err)
			return
		}
		kind := notification.Decode(n).Kind()
		f.logger.Debugw("Notification received",
			logger.FieldNotificationID, n.ID.String(),
			"kind", kind,
			logger.FieldSeverity, n.Type)
		f.sink.NotificationReceived(string(kind))
		f.listener.OnNotification(n)

	case EventHistory:
		var ns []notification.Notification
		if len(args) > 0 {
			decoded, err := decodeHistory(args[0])
			if err != nil {
				f.logger.Warnw("Dropping invalid history payload", logger.FieldError, err)
				return
			}
			ns = decoded
		}
		f.logger.Debugw("History received", logger.FieldCount, len(ns))
		f.sink.HistoryReceived(len(ns))
		f.listener.OnHistory(ns)

	default:
		f.logger.Debugw("Ignoring event", logger.FieldEvent, name)
	}
}

// decodeHistory accepts a bare array or an object wrapping it.
func decodeHistory(raw json.RawMessage) ([]notification.Notification, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var ns []notification.Notification
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Notifications []notification.Notification `json:"notifications"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, errors.Wrap(err, "invalid history object")
		}
		return wrapped.Notifications, nil
	}
	if err := json.Unmarshal(trimmed, &ns); err != nil {
		return nil, errors.Wrap(err, "invalid history array")
	}
	return ns, nil
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	if f.state == s {
		f.mu.Unlock()
		return
	}
	prev := f.state
	f.state = s
	f.mu.Unlock()

	f.logger.Debugw("Realtime state changed", "from", prev.String(), logger.FieldState, s.String())
	f.listener.OnStateChange(s)
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrUnauthorized), errors.Is(err, errConnectRejected):
		return metrics.ReasonUnauthorized
	case errors.Is(err, errServerClosed), errors.Is(err, errServerDisconnect):
		return metrics.ReasonServer
	default:
		return metrics.ReasonTransport
	}
}

func connectErrorMessage(err error) string {
	switch {
	case errors.Is(err, errConnectRejected), errors.Is(err, errors.ErrUnauthorized):
		return "The server rejected the realtime connection: " + err.Error()
	default:
		return "Could not reach the realtime server. Retrying."
	}
}
