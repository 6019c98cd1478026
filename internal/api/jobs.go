package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/scheduler"
)

type Jobs interface {
	Status() []scheduler.Status
	Trigger(name string) error
	Interrupt(name string) error
}

// JobHandler lists the periodic jobs and starts them on demand.
type JobHandler struct {
	jobs Jobs
}

func NewJobHandler(jobs Jobs) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Status())
}

// Run starts the job now without waiting for it to finish.
func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "triggered", h.jobs.Trigger)
}

// Interrupt aborts the job's current cycle; it runs again on its next tick.
func (h *JobHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "interrupted", h.jobs.Interrupt)
}

func (h *JobHandler) apply(w http.ResponseWriter, r *http.Request, verb string, fn func(string) error) {
	name := chi.URLParam(r, "name")
	if err := fn(name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("api: %s %s %s", operatorName(r.Context()), verb, name)
	writeJSON(w, http.StatusAccepted, map[string]string{"message": name + " " + verb})
}
