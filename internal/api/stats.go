package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/stats"
)

const (
	writeWait  = 10 * time.Second
	maxHistory = 24 * time.Hour
)

type StatsHandler struct {
	collector *stats.Collector
}

func NewStatsHandler(collector *stats.Collector) *StatsHandler {
	return &StatsHandler{collector: collector}
}

// Latest returns the most recent sample.
func (h *StatsHandler) Latest(w http.ResponseWriter, r *http.Request) {
	s := h.collector.Latest()
	if s == nil {
		writeError(w, http.StatusNotFound, "no stats available")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// History returns samples for the last period (default 1h, at most 24h).
func (h *StatsHandler) History(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1h"
	}

	duration, err := time.ParseDuration(period)
	if err != nil || duration <= 0 || duration > maxHistory {
		writeError(w, http.StatusBadRequest, "invalid period: use format like 1h, 6h, 24h")
		return
	}

	result, err := h.collector.Since(r.Context(), time.Now().Add(-duration))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query stats")
		return
	}
	if result == nil {
		result = []stats.Sample{}
	}
	writeJSON(w, http.StatusOK, result)
}

// Live pushes every new sample over a websocket.
func (h *StatsHandler) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("api: stats websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := h.collector.Subscribe()
	defer h.collector.Unsubscribe(ch)

	send := func(s *stats.Sample) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(s)
	}

	if latest := h.collector.Latest(); latest != nil {
		if err := send(latest); err != nil {
			return
		}
	}

	done := readUntilClosed(conn, nil)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			if err := send(s); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// readUntilClosed hands text messages to onMessage until the peer goes
// away; the returned channel is closed then.
func readUntilClosed(conn *websocket.Conn, onMessage func(string)) <-chan struct{} {
	// The server read timeout was armed for the upgrade request.
	_ = conn.SetReadDeadline(time.Time{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && onMessage != nil {
				onMessage(string(msg))
			}
		}
	}()
	return done
}
