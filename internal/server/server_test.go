package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/api"
	"github.com/reedfamily/reedwrap/internal/auth"
	"github.com/reedfamily/reedwrap/internal/backup"
	"github.com/reedfamily/reedwrap/internal/config"
	"github.com/reedfamily/reedwrap/internal/db"
	"github.com/reedfamily/reedwrap/internal/scheduler"
	"github.com/reedfamily/reedwrap/internal/stats"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

type idleWorker struct{}

func (idleWorker) State() supervisor.State { return supervisor.Stopped }
func (idleWorker) Generation() uint64      { return 0 }
func (idleWorker) Uptime() time.Duration   { return 0 }
func (idleWorker) IsRestarting() bool      { return false }
func (idleWorker) OutputHistory() []string { return nil }

type idleMaintenance struct{}

func (idleMaintenance) Save(ctx context.Context) error                    { return nil }
func (idleMaintenance) Backup(ctx context.Context) error                  { return nil }
func (idleMaintenance) Restart(ctx context.Context, countdown bool) error { return nil }
func (idleMaintenance) Render(ctx context.Context) error                  { return nil }
func (idleMaintenance) Players() []string                                 { return nil }
func (idleMaintenance) IsSaving() bool                                    { return false }
func (idleMaintenance) RequiresBackup() bool                              { return false }
func (idleMaintenance) Holder() string                                    { return "" }

type discard struct{}

func (discard) Submit(text string, source supervisor.Source) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "reedwrap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn))

	authSvc := auth.NewService(conn)
	require.NoError(t, authSvc.EnsureDefaultOperator(context.Background(), "admin", "s3cret"))

	history := supervisor.NewHistory(10)
	srv := New(config.Default().Admin, authSvc, Handlers{
		Auth: api.NewAuthHandler(authSvc),
		Control: api.NewControlHandler(context.Background(), api.ControlOptions{
			Worker:      idleWorker{},
			Maintenance: idleMaintenance{},
			Commands:    discard{},
			Events:      db.NewJournal(conn),
			Stop:        func() {},
		}),
		Jobs:    api.NewJobHandler(scheduler.New()),
		Backups: api.NewBackupHandler(backup.NewService(conn, t.TempDir())),
		Stats:   api.NewStatsHandler(stats.NewCollector(conn, stats.Options{Worker: idleWorker{}})),
		Console: api.NewConsoleHandler(history, discard{}),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func request(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	ts := newTestServer(t)

	resp := request(t, http.MethodGet, ts.URL+"/api/v1/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/api/v1/auth/login", "", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/api/v1/auth/login", "", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.Token)

	resp = request(t, http.MethodGet, ts.URL+"/api/v1/status", login.Token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st api.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "stopped", st.State)

	// Websocket clients pass the token in the query string.
	resp = request(t, http.MethodGet, ts.URL+"/api/v1/jobs?token="+login.Token, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = request(t, http.MethodGet, ts.URL+"/api/v1/stats", login.Token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = request(t, http.MethodPost, ts.URL+"/api/v1/auth/logout", login.Token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = request(t, http.MethodGet, ts.URL+"/api/v1/status", login.Token, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default().Admin
	cfg.Listen = "127.0.0.1:0"
	srv := &Server{cfg: cfg, router: nil}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
