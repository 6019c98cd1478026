package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/scheduler"
)

func TestJobHandler(t *testing.T) {
	ran := make(chan struct{}, 1)
	aborted := make(chan struct{}, 1)
	s := scheduler.New()
	s.Add(scheduler.Job{
		Name:     "auto-backup",
		Enabled:  func() bool { return false },
		Schedule: func() (scheduler.Schedule, error) { return scheduler.Every(time.Hour), nil },
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			<-ctx.Done()
			aborted <- struct{}{}
			return ctx.Err()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	h := NewJobHandler(s)
	r := chi.NewRouter()
	r.Get("/jobs", h.List)
	r.Post("/jobs/{name}/run", h.Run)
	r.Post("/jobs/{name}/interrupt", h.Interrupt)
	serve := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := serve(http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"auto-backup"`)

	rec = serve(http.MethodPost, "/jobs/auto-backup/run")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not triggered")
	}

	rec = serve(http.MethodPost, "/jobs/auto-backup/interrupt")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("running cycle was not interrupted")
	}

	rec = serve(http.MethodPost, "/jobs/auto-nothing/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(http.MethodPost, "/jobs/auto-nothing/interrupt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
