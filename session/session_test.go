package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/auth"
	"github.com/teranos/notiflow/cache"
	"github.com/teranos/notiflow/db"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/realtime"
)

// platform fakes the REST endpoints and the Socket.IO namespace.
type platform struct {
	t      *testing.T
	tokens chan string
}

func (p *platform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/socket.io/"):
		p.serveSocket(w, r)
	case r.URL.Path == "/notifications" && r.Method == http.MethodGet:
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"message":"jwt expired"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"id": 2, "type": "info", "title": "rest-2", "message": "", "timestamp": "2024-05-01T10:02:00Z"},
			{"id": 1, "type": "info", "title": "rest-1", "message": "", "timestamp": "2024-05-01T10:01:00Z"}
		]`)
	default:
		http.NotFound(w, r)
	}
}

func (p *platform) serveSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	write := func(frame string) bool {
		return conn.WriteMessage(websocket.TextMessage, []byte(frame)) == nil
	}
	read := func() (string, bool) {
		_, b, err := conn.ReadMessage()
		return string(b), err == nil
	}

	if !write(`0{"sid":"e1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`) {
		return
	}
	connect, ok := read()
	if !ok {
		return
	}
	p.tokens <- connect
	write(`40/notifications,{"sid":"n1"}`)

	// subscribe, then history request
	for i := 0; i < 2; i++ {
		if _, ok := read(); !ok {
			return
		}
	}

	write(`42/notifications,["notifications:history",[
		{"id": 12, "type": "info", "title": "progress", "message": "", "timestamp": "2024-05-01T10:12:00Z", "data": {"jobId": "imp-1", "progress": 40, "processed": 4}},
		{"id": 11, "type": "info", "title": "started", "message": "", "timestamp": "2024-05-01T10:11:00Z", "data": {"jobId": "imp-1", "jobStarted": true}},
		{"id": 10, "type": "success", "title": "old", "message": "", "timestamp": "2024-05-01T10:10:00Z"}
	]]`)
	write(`42/notifications,["notification",{"id": 13, "type": "success", "title": "done", "message": "", "timestamp": "2024-05-01T10:13:00Z", "data": {"jobId": "imp-1", "completed": true, "processed": 10, "total": 10}}]`)

	for {
		if _, ok := read(); !ok {
			return
		}
	}
}

func testConfig(baseURL, dir string) *am.Config {
	return &am.Config{
		API: am.APIConfig{
			BaseURL:           baseURL,
			OrgID:             "org-1",
			TimeoutSeconds:    5,
			RequestsPerSecond: 100,
			AllowPrivateHosts: true,
		},
		Realtime: am.RealtimeConfig{
			Namespace:         am.DefaultNamespace,
			Channel:           am.DefaultChannel,
			ReconnectAttempts: 1,
			ReconnectDelayMS:  10,
		},
		Auth:     am.AuthConfig{CredentialsPath: filepath.Join(dir, "credentials.toml")},
		Jobs:     am.JobsConfig{CleanupDays: 7, CleanupSchedule: "@hourly"},
		Database: am.DatabaseConfig{Path: filepath.Join(dir, "cache.db")},
	}
}

func TestSession_EndToEnd(t *testing.T) {
	p := &platform{t: t, tokens: make(chan string, 4)}
	srv := httptest.NewServer(p)
	defer srv.Close()

	dir := t.TempDir()
	cfg := testConfig(srv.URL, dir)
	require.NoError(t, auth.SaveCredentials(cfg.Auth.CredentialsPath, auth.Credentials{Token: "tok"}))

	s, err := New(cfg, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))

	select {
	case connect := <-p.tokens:
		assert.Equal(t, `40/notifications,{"token":"tok"}`, connect)
	case <-time.After(5 * time.Second):
		t.Fatal("feed never connected")
	}

	m := s.Manager()
	require.Eventually(t, func() bool { return len(m.Notifications()) == 4 }, 5*time.Second, 10*time.Millisecond)
	ns := m.Notifications()
	assert.Equal(t, "done", ns[0].Title)
	assert.Equal(t, "progress", ns[1].Title)
	assert.Equal(t, realtime.StateConnected, s.Feed().State())

	job, ok := s.Tracker().GetJobProgress("imp-1")
	require.True(t, ok)
	assert.False(t, job.IsActive())
	assert.Equal(t, 10, job.Processed)

	stats := m.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.CompletedJobs)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, realtime.StateDisconnected, s.Feed().State())

	// The cache outlives the session
	conn, err := db.Open(cfg.Database.Path, nil)
	require.NoError(t, err)
	defer conn.Close()
	cached, err := cache.NewStore(conn, "org-1", nil).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, 4)
	assert.Equal(t, "done", cached[0].Title)
}

func TestSession_WarmStartWhenServerRejects(t *testing.T) {
	p := &platform{t: t, tokens: make(chan string, 4)}
	srv := httptest.NewServer(p)
	defer srv.Close()

	dir := t.TempDir()
	cfg := testConfig(srv.URL, dir)

	// Seed the cache as a previous run would have left it
	conn, err := db.OpenWithMigrations(cfg.Database.Path, nil)
	require.NoError(t, err)
	require.NoError(t, cache.NewStore(conn, "org-1", nil).Replace(context.Background(), []notification.Notification{
		{ID: "5", Type: notification.SeverityInfo, Title: "cached", Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}))
	require.NoError(t, conn.Close())

	s, err := New(cfg, Options{
		Credentials: auth.StaticSource{Creds: auth.Credentials{Token: "stale"}},
		NoFeed:      true,
	})
	require.NoError(t, err)
	defer s.Close()

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt expired")
	assert.Nil(t, s.Feed())

	ns := s.Manager().Notifications()
	require.Len(t, ns, 1, "cached list kept when the refresh fails")
	assert.Equal(t, "cached", ns[0].Title)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	cfg := testConfig("http://localhost:3000", t.TempDir())
	cfg.Realtime.ReconnectAttempts = -1
	_, err = New(cfg, Options{})
	assert.Error(t, err)

	cfg = testConfig("http://localhost:3000", t.TempDir())
	cfg.Jobs.CleanupSchedule = "never"
	_, err = New(cfg, Options{})
	assert.Error(t, err)
}

func TestSession_NoCredentialLeavesFeedIdle(t *testing.T) {
	p := &platform{t: t, tokens: make(chan string, 4)}
	srv := httptest.NewServer(p)
	defer srv.Close()

	cfg := testConfig(srv.URL, t.TempDir())
	s, err := New(cfg, Options{NoCache: true})
	require.NoError(t, err)
	defer s.Close()

	// No credentials file: REST is rejected and the feed stays idle
	require.Error(t, s.Start(context.Background()))
	assert.False(t, s.Feed().Running())
	assert.Equal(t, realtime.StateDisconnected, s.Feed().State())
}
