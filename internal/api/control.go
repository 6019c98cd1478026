package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/console"
	"github.com/reedfamily/reedwrap/internal/db"
	"github.com/reedfamily/reedwrap/internal/supervisor"
)

type Worker interface {
	State() supervisor.State
	Generation() uint64
	Uptime() time.Duration
	IsRestarting() bool
	OutputHistory() []string
}

type Maintenance interface {
	Save(ctx context.Context) error
	Backup(ctx context.Context) error
	Restart(ctx context.Context, countdown bool) error
	Render(ctx context.Context) error
	Players() []string
	IsSaving() bool
	RequiresBackup() bool
	Holder() string
}

type Commands interface {
	Submit(text string, source supervisor.Source) error
}

type Events interface {
	Recent(ctx context.Context, limit int) ([]db.Event, error)
}

type ControlOptions struct {
	Worker      Worker
	Maintenance Maintenance
	Commands    Commands
	Events      Events
	// Stop shuts the wrapper down.
	Stop func()
}

// ControlHandler exposes the worker state and the maintenance operations.
// Operations are accepted and run in the background; their outcome is
// logged and shows up in the event journal.
type ControlHandler struct {
	opts ControlOptions

	base    context.Context
	running sync.WaitGroup
}

// NewControlHandler runs background operations with base.
func NewControlHandler(base context.Context, opts ControlOptions) *ControlHandler {
	return &ControlHandler{opts: opts, base: base}
}

type Status struct {
	State          string   `json:"state"`
	Generation     uint64   `json:"generation"`
	UptimeSeconds  int64    `json:"uptime_seconds"`
	Restarting     bool     `json:"restarting"`
	Saving         bool     `json:"saving"`
	RequiresBackup bool     `json:"requires_backup"`
	Players        []string `json:"players"`
	Maintenance    string   `json:"maintenance,omitempty"`
}

func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	m := h.opts.Maintenance
	players := m.Players()
	if players == nil {
		players = []string{}
	}
	writeJSON(w, http.StatusOK, Status{
		State:          h.opts.Worker.State().String(),
		Generation:     h.opts.Worker.Generation(),
		UptimeSeconds:  int64(h.opts.Worker.Uptime() / time.Second),
		Restarting:     h.opts.Worker.IsRestarting(),
		Saving:         m.IsSaving(),
		RequiresBackup: m.RequiresBackup(),
		Players:        players,
		Maintenance:    m.Holder(),
	})
}

// History returns the buffered worker output, optionally only the last n
// lines.
func (h *ControlHandler) History(w http.ResponseWriter, r *http.Request) {
	lines := h.opts.Worker.OutputHistory()
	if s := r.URL.Query().Get("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
			return
		}
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *ControlHandler) Events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := h.opts.Events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *ControlHandler) Players(w http.ResponseWriter, r *http.Request) {
	players := h.opts.Maintenance.Players()
	if players == nil {
		players = []string{}
	}
	writeJSON(w, http.StatusOK, players)
}

// Command sends a line to the worker as if typed on the console, so wrapper
// commands like backup are intercepted.
func (h *ControlHandler) Command(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		writeError(w, http.StatusBadRequest, "command must be a single non-empty line")
		return
	}
	if err := h.opts.Commands.Submit(cmd, supervisor.Interactive); err != nil {
		if errors.Is(err, console.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "command queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Infof("api: %s ran %q", operatorName(r.Context()), cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "command queued"})
}

func (h *ControlHandler) Save(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "save", h.opts.Maintenance.Save)
}

func (h *ControlHandler) Backup(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "backup", h.opts.Maintenance.Backup)
}

func (h *ControlHandler) Render(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "render", h.opts.Maintenance.Render)
}

// Restart announces a countdown first unless ?now=true.
func (h *ControlHandler) Restart(w http.ResponseWriter, r *http.Request) {
	countdown := r.URL.Query().Get("now") != "true"
	h.start(w, r, "restart", func(ctx context.Context) error {
		return h.opts.Maintenance.Restart(ctx, countdown)
	})
}

func (h *ControlHandler) Stop(w http.ResponseWriter, r *http.Request) {
	log.Warnf("api: %s requested shutdown", operatorName(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "shutting down"})
	h.opts.Stop()
}

func (h *ControlHandler) start(w http.ResponseWriter, r *http.Request, name string, op func(context.Context) error) {
	who := operatorName(r.Context())
	log.Infof("api: %s requested %s", who, name)

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		if err := op(h.base); err != nil {
			log.Warnf("api: %s requested by %s failed: %v", name, who, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": name + " started"})
}

// Wait blocks until background operations have returned.
func (h *ControlHandler) Wait() {
	h.running.Wait()
}
