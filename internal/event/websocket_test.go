package event

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocketStreamsEventsAndControlMessages(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, 1, hub.ClientCount())

	require.NoError(t, conn.WriteJSON(ControlMessage{Type: "subscribe", Topic: TopicTasks}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ack.Type)

	hub.Broadcast(InterventionTimeout{TaskID: "t-1"})
	env := readEnvelope(t, conn)
	assert.Equal(t, TypeFrontendInterventionTimeout, env.Type)
	assert.Equal(t, "t-1", env.Data.(map[string]any)["taskId"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsUnknownOrigin(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewWebSocketHandler(hub, []string{"https://ops.example"}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())
}
