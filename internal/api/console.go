package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ConsoleHandler struct {
	history  *supervisor.History
	commands Commands
}

func NewConsoleHandler(history *supervisor.History, commands Commands) *ConsoleHandler {
	return &ConsoleHandler{history: history, commands: commands}
}

// Handle streams the buffered output followed by live lines. Lines sent by
// the client go to the worker as console input.
func (h *ConsoleHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("api: console websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	who := operatorName(r.Context())
	log.Infof("api: %s attached to the console", who)
	defer log.Infof("api: %s detached from the console", who)

	snapshot, lines, cancel := h.history.Subscribe(256)
	defer cancel()

	send := func(line string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	}
	for _, line := range snapshot {
		if err := send(line); err != nil {
			return
		}
	}

	done := readUntilClosed(conn, func(msg string) {
		for _, line := range strings.Split(strings.TrimRight(msg, "\r\n"), "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := h.commands.Submit(line, supervisor.Interactive); err != nil {
				log.Warnf("api: console input from %s dropped: %v", who, err)
			}
		}
	})

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := send(line); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
