package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/notification"
)

const waitFor = 2 * time.Second

var errPipeClosed = errors.New("pipe closed")

// chanConn implements Conn over a pair of channels for in-process testing.
// Closing either end closes both, like a dropped socket.
type chanConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   *sync.Once
}

func (c *chanConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errPipeClosed
	}
}

func (c *chanConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	case <-c.closed:
		return errPipeClosed
	}
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// connPair creates two connected Conn implementations for testing.
func connPair() (*chanConn, *chanConn) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &chanConn{in: ba, out: ab, closed: closed, once: once},
		&chanConn{in: ab, out: ba, closed: closed, once: once}
}

// fakeDialer hands the client end of each pair to the feed and the server
// end to the test. The first failures dials return an error.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	servers  chan *chanConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, servers: make(chan *chanConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	client, server := connPair()
	d.servers <- server
	return client, nil
}

// failNext makes the next n dials return an error.
func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *chanConn {
	t.Helper()
	select {
	case s := <-d.servers:
		return s
	case <-time.After(waitFor):
		t.Fatal("feed never dialed")
		return nil
	}
}

func readFrame(t *testing.T, c *chanConn) string {
	t.Helper()
	select {
	case b := <-c.in:
		return string(b)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return ""
	}
}

func send(c *chanConn, frame string) {
	c.out <- []byte(frame)
}

// handshake plays the server side up to the subscribe and history requests
// and returns the connect frame the client sent.
func handshake(t *testing.T, server *chanConn) string {
	t.Helper()
	send(server, `0{"sid":"engine-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	connect := readFrame(t, server)
	send(server, `40/notifications,{"sid":"ns-1"}`)
	assert.Equal(t, `42/notifications,["subscribe",{"channel":"notifications"}]`, readFrame(t, server))
	assert.Equal(t, `42/notifications,["notifications:history",{"channel":"notifications"}]`, readFrame(t, server))
	return connect
}

// recorder collects listener callbacks.
type recorder struct {
	states        chan State
	notifications chan notification.Notification
	histories     chan []notification.Notification
	alerts        chan Alert
}

func newRecorder() *recorder {
	return &recorder{
		states:        make(chan State, 64),
		notifications: make(chan notification.Notification, 64),
		histories:     make(chan []notification.Notification, 64),
		alerts:        make(chan Alert, 64),
	}
}

func (r *recorder) OnNotification(n notification.Notification) { r.notifications <- n }
func (r *recorder) OnHistory(ns []notification.Notification)   { r.histories <- ns }
func (r *recorder) OnStateChange(s State)                       { r.states <- s }
func (r *recorder) OnAlert(a Alert)                             { r.alerts <- a }

func (r *recorder) expectState(t *testing.T, want State) {
	t.Helper()
	select {
	case got := <-r.states:
		require.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

func (r *recorder) expectAlert(t *testing.T) Alert {
	t.Helper()
	select {
	case a := <-r.alerts:
		return a
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an alert")
		return Alert{}
	}
}

func newTestFeed(t *testing.T, d Dialer, l Listener, attempts int) *Feed {
	t.Helper()
	f, err := NewFeed(Config{
		URL:               "http://localhost:3000",
		ReconnectAttempts: attempts,
		ReconnectDelay:    5 * time.Millisecond,
	}, l, WithDialer(d))
	require.NoError(t, err)
	return f
}

func TestFeed_ConnectsAndDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)

	f.SetCredential("tok-1")
	rec.expectState(t, StateConnecting)

	server := d.next(t)
	connect := handshake(t, server)
	assert.Equal(t, `40/notifications,{"token":"tok-1"}`, connect)
	rec.expectState(t, StateConnected)
	assert.Equal(t, StateConnected, f.State())
	assert.NotEmpty(t, f.SessionID())

	send(server, `2`)
	assert.Equal(t, "3", readFrame(t, server))

	send(server, `42/notifications,["notification",{"id":7,"type":"success","title":"Import done","message":"ok","data":{"jobId":"j1","completed":true,"total":3},"timestamp":"2024-05-01T10:00:00Z","read":false}]`)
	select {
	case n := <-rec.notifications:
		assert.Equal(t, notification.ID("7"), n.ID)
		assert.Equal(t, notification.SeveritySuccess, n.Type)
		assert.True(t, notification.IsJobCompletionNotification(n.Data))
	case <-time.After(waitFor):
		t.Fatal("notification not delivered")
	}

	send(server, `42/notifications,["notifications:history",[{"id":"a","type":"info","title":"A","message":"","timestamp":"2024-05-01T09:00:00Z"},{"id":"b","type":"warning","title":"B","message":"","timestamp":"2024-05-01T09:30:00Z"}]]`)
	select {
	case ns := <-rec.histories:
		require.Len(t, ns, 2)
		assert.Equal(t, notification.ID("a"), ns[0].ID)
	case <-time.After(waitFor):
		t.Fatal("history not delivered")
	}

	f.Disconnect()
	rec.expectState(t, StateDisconnected)
	assert.Equal(t, "41/notifications,", readFrame(t, server))
	assert.Empty(t, f.SessionID())
	assert.False(t, f.Running())
}

func TestFeed_IgnoresOtherNamespacesAndMalformedFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)
	defer f.Disconnect()

	f.SetCredential("tok")
	server := d.next(t)
	handshake(t, server)

	send(server, ``)
	send(server, `9garbage`)
	send(server, `42/notifications,not-json`)
	send(server, `42/other,["notification",{"id":1,"title":"wrong ns"}]`)
	send(server, `42/notifications,["notification","not an object"]`)
	send(server, `42/notifications,["typing",{}]`)
	send(server, `42/notifications,["notification",{"id":2,"title":"right"}]`)

	select {
	case n := <-rec.notifications:
		assert.Equal(t, "right", n.Title)
	case <-time.After(waitFor):
		t.Fatal("notification not delivered")
	}
	assert.Empty(t, rec.notifications)
	assert.Equal(t, StateConnected, f.State())
}

func TestFeed_HistoryWrappedObject(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)
	defer f.Disconnect()

	f.SetCredential("tok")
	server := d.next(t)
	handshake(t, server)

	send(server, `42/notifications,["notifications:history",{"notifications":[{"id":"x","title":"X"}]}]`)
	select {
	case ns := <-rec.histories:
		require.Len(t, ns, 1)
		assert.Equal(t, "X", ns[0].Title)
	case <-time.After(waitFor):
		t.Fatal("history not delivered")
	}
}

func TestFeed_ReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)
	defer f.Disconnect()

	f.SetCredential("tok")
	rec.expectState(t, StateConnecting)
	first := d.next(t)
	handshake(t, first)
	rec.expectState(t, StateConnected)
	firstSession := f.SessionID()

	first.Close()
	rec.expectState(t, StateDisconnected)
	rec.expectState(t, StateConnecting)

	second := d.next(t)
	handshake(t, second)
	rec.expectState(t, StateConnected)
	assert.NotEqual(t, firstSession, f.SessionID())
	assert.Empty(t, rec.alerts, "a drop followed by a successful reconnect raises no alert")
}

func TestFeed_ServerDisconnectReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)
	defer f.Disconnect()

	f.SetCredential("tok")
	rec.expectState(t, StateConnecting)
	first := d.next(t)
	handshake(t, first)
	rec.expectState(t, StateConnected)

	send(first, `41/notifications,`)
	rec.expectState(t, StateDisconnected)
	rec.expectState(t, StateConnecting)

	second := d.next(t)
	handshake(t, second)
	rec.expectState(t, StateConnected)

	send(second, `1`)
	rec.expectState(t, StateDisconnected)
	rec.expectState(t, StateConnecting)
	handshake(t, d.next(t))
	rec.expectState(t, StateConnected)
	assert.Equal(t, 3, d.Dials())
}

func TestFeed_GivesUpAfterReconnectAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(100)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 2)
	defer f.Disconnect()

	f.SetCredential("tok")

	first := rec.expectAlert(t)
	assert.Equal(t, "Realtime connection error", first.Title)
	assert.Equal(t, notification.SeverityWarning, first.Severity)
	assert.Error(t, first.Err)

	exhausted := rec.expectAlert(t)
	assert.Equal(t, "Realtime connection lost", exhausted.Title)

	require.Eventually(t, func() bool { return !f.Running() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 3, d.Dials(), "initial attempt plus two retries")
	assert.Equal(t, StateDisconnected, f.State())

	// The same credential does not restart the loop
	f.SetCredential("tok")
	assert.False(t, f.Running())

	require.NoError(t, f.Reconnect())
	require.Eventually(t, func() bool { return d.Dials() > 3 }, waitFor, 5*time.Millisecond)
}

func TestFeed_FailedRedialsAfterDropRaiseAlert(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 3)
	defer f.Disconnect()

	f.SetCredential("tok")
	handshake(t, d.next(t))
	rec.expectState(t, StateConnecting)
	rec.expectState(t, StateConnected)

	// Two redials fail, the third succeeds
	d.failNext(2)
	first := d.next(t)
	first.Close()

	a := rec.expectAlert(t)
	assert.Equal(t, "Realtime connection error", a.Title)
	assert.Equal(t, notification.SeverityWarning, a.Severity)
	assert.ErrorContains(t, a.Err, "connection refused")

	second := d.next(t)
	handshake(t, second)
	require.Eventually(t, func() bool { return f.State() == StateConnected }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 4, d.Dials())
	assert.Empty(t, rec.alerts, "one alert per failure streak")

	// A new streak after the next drop alerts again
	d.failNext(1)
	second.Close()
	again := rec.expectAlert(t)
	assert.Equal(t, "Realtime connection error", again.Title)
	handshake(t, d.next(t))
}

func TestFeed_ConnectErrorRaisesAlert(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 0)
	defer f.Disconnect()

	f.SetCredential("expired")
	server := d.next(t)
	send(server, `0{"sid":"engine-1","pingInterval":25000,"pingTimeout":20000}`)
	assert.Equal(t, `40/notifications,{"token":"expired"}`, readFrame(t, server))
	send(server, `44/notifications,{"message":"invalid token"}`)

	a := rec.expectAlert(t)
	assert.Contains(t, a.Message, "invalid token")
	assert.True(t, errors.Is(a.Err, errConnectRejected))

	rec.expectAlert(t) // exhausted with zero retries
	require.Eventually(t, func() bool { return !f.Running() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestFeed_CredentialTransitions(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	rec := newRecorder()
	f := newTestFeed(t, d, rec, 5)
	defer f.Disconnect()

	assert.Equal(t, StateDisconnected, f.State())

	f.SetCredential("  ")
	assert.False(t, f.Running())
	assert.Equal(t, 0, d.Dials())

	f.SetCredential("first")
	rec.expectState(t, StateConnecting)
	first := d.next(t)
	assert.Contains(t, handshake(t, first), `"token":"first"`)
	rec.expectState(t, StateConnected)

	f.SetCredential("second")
	rec.expectState(t, StateDisconnected)
	rec.expectState(t, StateConnecting)
	second := d.next(t)
	assert.Contains(t, handshake(t, second), `"token":"second"`)
	rec.expectState(t, StateConnected)

	f.SetCredential("")
	rec.expectState(t, StateDisconnected)
	assert.False(t, f.Running())
	assert.Equal(t, 2, d.Dials())

	err := f.Reconnect()
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestFeed_DisconnectIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	f := newTestFeed(t, newFakeDialer(0), rec, 5)

	f.Disconnect()
	f.Disconnect()
	assert.Equal(t, StateDisconnected, f.State())
	assert.Empty(t, rec.states)
}

func TestFeed_SubscribeRequiresConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newFakeDialer(0)
	f := newTestFeed(t, d, nil, 5)
	defer f.Disconnect()

	err := f.Subscribe("billing")
	assert.True(t, errors.Is(err, errors.ErrNotConnected))

	f.SetCredential("tok")
	server := d.next(t)
	handshake(t, server)
	require.Eventually(t, func() bool { return f.State() == StateConnected }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.Subscribe("billing"))
	assert.Equal(t, `42/notifications,["subscribe",{"channel":"billing"}]`, readFrame(t, server))
	require.NoError(t, f.Unsubscribe("billing"))
	assert.Equal(t, `42/notifications,["unsubscribe",{"channel":"billing"}]`, readFrame(t, server))
}

func TestNewFeed_Validation(t *testing.T) {
	_, err := NewFeed(Config{URL: "ftp://example.com"}, nil)
	assert.Error(t, err)

	_, err = NewFeed(Config{URL: "http://example.com", Namespace: "notifications"}, nil)
	assert.Error(t, err)

	f, err := NewFeed(Config{URL: "http://example.com", ReconnectAttempts: -1, ReconnectDelay: -time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace, f.cfg.Namespace)
	assert.Equal(t, DefaultChannel, f.cfg.Channel)
	assert.Equal(t, 0, f.cfg.ReconnectAttempts)
	assert.Equal(t, time.Duration(0), f.cfg.ReconnectDelay)
	assert.True(t, strings.HasPrefix(f.endpoint, "ws://example.com/socket.io/"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(42).String())
}
