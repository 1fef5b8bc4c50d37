package http

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"scout/internal/events"
	"scout/internal/server/app"
)

// startRunningSession submits a gated session and waits until its first
// stage is visible, so the snapshot content is deterministic.
func startRunningSession(t *testing.T, f *routerFixture, id string) {
	t.Helper()
	f.runner.gate = make(chan struct{})
	t.Cleanup(func() { close(f.runner.gate) })
	rec := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"subject": "streams", "session_id": id})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitState(t, id, func(s app.SessionState) bool {
		return s.Status == events.RunRunning && len(s.Agents) == 1
	})
}

func dialStream(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := events.ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func TestWebSocketSendsSnapshotThenLiveEvents(t *testing.T) {
	f := newRouterFixture(t, StreamConfig{})
	startRunningSession(t, f, "sess-ws")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dialStream(t, srv, "sess-ws")

	snapshot := readFrame(t, conn)
	require.True(t, snapshot.Snapshot)
	require.Equal(t, "sess-ws", snapshot.SessionID)
	// Initializing and running collapse into the latest status.
	require.Len(t, snapshot.Events, 2)
	require.Equal(t, events.TypeAgentUpdate, snapshot.Events[0].Type())
	status := snapshot.Events[1].Payload.(events.ResearchStatus)
	require.Equal(t, events.RunRunning, status.OverallStatus)

	require.Eventually(t, func() bool { return f.hub.ClientCount("sess-ws") == 1 }, time.Second, 5*time.Millisecond)
	f.svc.Publish(events.Now("sess-ws", events.LogMessage{Message: "searching sources", Level: "info"}))

	live := readFrame(t, conn)
	require.False(t, live.Snapshot)
	require.Equal(t, events.TypeLog, live.Event.Type())
	require.Equal(t, "searching sources", live.Event.Payload.(events.LogMessage).Message)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.ClientCount("sess-ws") == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketUnknownSessionFailsHandshake(t *testing.T) {
	f := newRouterFixture(t, StreamConfig{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/ghost/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWebSocketHeartbeatAndShutdown(t *testing.T) {
	f := newRouterFixture(t, StreamConfig{HeartbeatInterval: 20 * time.Millisecond, DeadPeerTimeout: time.Second})
	startRunningSession(t, f, "sess-ping")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dialStream(t, srv, "sess-ping")
	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}

	f.router.Streams.Close()
	select {
	case err := <-readErr:
		require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed on shutdown")
	}
}

func TestSSEStreamsSnapshotEventsAndHeartbeats(t *testing.T) {
	f := newRouterFixture(t, StreamConfig{HeartbeatInterval: 30 * time.Millisecond})
	startRunningSession(t, f, "sess-sse")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/sess-sse/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	next := func() string {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended")
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("no SSE line received")
			return ""
		}
	}

	require.Equal(t, "event: snapshot", next())
	data := strings.TrimPrefix(next(), "data: ")
	frame, err := events.ParseFrame([]byte(data))
	require.NoError(t, err)
	require.True(t, frame.Snapshot)
	require.Len(t, frame.Events, 2)

	f.svc.Publish(events.Now("sess-sse", events.LogMessage{Message: "drafting"}))

	var sawHeartbeat, sawLog bool
	for !(sawHeartbeat && sawLog) {
		switch line := next(); {
		case line == ": heartbeat":
			sawHeartbeat = true
		case line == "event: log":
			live, err := events.ParseFrame([]byte(strings.TrimPrefix(next(), "data: ")))
			require.NoError(t, err)
			require.Equal(t, "drafting", live.Event.Payload.(events.LogMessage).Message)
			sawLog = true
		}
	}

	cancel()
	require.Eventually(t, func() bool { return f.hub.ClientCount("sess-sse") == 0 }, time.Second, 5*time.Millisecond)
}
