package events_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/services/events"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "events-test")
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	code := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	hub := events.NewHub(logger.New("testing"))
	defer hub.Shutdown()

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("fetch_completed", map[string]interface{}{"key": "screener:DJIA:Energy", "record_count": 3})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg events.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "fetch_completed", msg.Type)
	assert.Equal(t, "screener:DJIA:Energy", msg.Data.(map[string]interface{})["key"])
	assert.NotEmpty(t, msg.Time)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishAfterShutdown(t *testing.T) {
	hub := events.NewHub(logger.New("testing"))
	hub.Shutdown()
	hub.Shutdown()
	assert.NotPanics(t, func() {
		hub.Publish("task_failed", nil)
	})
}

func httpHandler(hub *events.Hub) http.Handler {
	return http.HandlerFunc(hub.HandleWebSocket)
}
