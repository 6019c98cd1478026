package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reedfamily/reedwrap/internal/supervisor"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestConsoleStreamsHistoryAndLiveLines(t *testing.T) {
	history := supervisor.NewHistory(10)
	history.Append("[Server thread/INFO]: Starting minecraft server")
	commands := &fakeCommands{}
	srv := httptest.NewServer(http.HandlerFunc(NewConsoleHandler(history, commands).Handle))
	defer srv.Close()

	conn := dial(t, srv)
	assert.Equal(t, "[Server thread/INFO]: Starting minecraft server", readText(t, conn))

	history.Append("[Server thread/INFO]: Done (4.2s)!")
	assert.Equal(t, "[Server thread/INFO]: Done (4.2s)!", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("say hi\r\n\nlist\n")))
	require.Eventually(t, func() bool { return len(commands.Records()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []supervisor.Record{
		{Text: "say hi", Source: supervisor.Interactive},
		{Text: "list", Source: supervisor.Interactive},
	}, commands.Records())
}
