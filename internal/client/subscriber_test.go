package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/server/app"
)

// hubServer streams a hub session the way the API server does: snapshot
// first, then live events. A send on drop cuts the current connection.
type hubServer struct {
	hub      *app.Hub
	drop     chan struct{}
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func newHubServer() *hubServer {
	return &hubServer{
		hub:  app.NewHub(app.HubConfig{}, app.WithHubLogger(logging.Nop())),
		drop: make(chan struct{}),
	}
}

func (h *hubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/stream")
	if _, ok := h.hub.View(id); !ok {
		http.NotFound(w, r)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub, snapshot := h.hub.Subscribe(id)
	defer sub.Close()
	if !h.write(conn, events.SnapshotFrame(id, snapshot)) {
		return
	}
	for {
		select {
		case env, ok := <-sub.C:
			if !ok || !h.write(conn, events.EventFrame(env)) {
				return
			}
		case <-h.drop:
			return
		case <-gone:
			return
		}
	}
}

func (h *hubServer) write(conn *websocket.Conn, frame events.Frame) bool {
	data, err := events.MarshalFrame(frame)
	if err != nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func publishAgent(hub *app.Hub, id, name string, status events.AgentStatus, progress float64) {
	hub.Publish(events.Now("sess-live", events.AgentUpdate{AgentID: id, AgentName: name, Status: status, Progress: events.Float(progress)}))
}

func TestStreamURL(t *testing.T) {
	got, err := StreamURL("https://scout.example/base/", "sess 1")
	require.NoError(t, err)
	require.Equal(t, "wss://scout.example/base/api/sessions/sess%201/stream", got)

	got, err = StreamURL("http://127.0.0.1:8080", "abc")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8080/api/sessions/abc/stream", got)

	_, err = StreamURL("ftp://host", "abc")
	require.Error(t, err)
	_, err = StreamURL("http://", "abc")
	require.Error(t, err)
}

func TestSubscriberRehydratesAfterReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHubServer()
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.wg.Wait()

	publishAgent(h.hub, "researcher", "Researcher", events.AgentRunning, 40)

	store := NewStore("sess-live")
	sub, err := NewSubscriber(SubscriberConfig{
		BaseURL:        srv.URL,
		SessionID:      "sess-live",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		StopOnTerminal: true,
	}, store, WithSubscriberLogger(logging.Nop()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sub.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, 5*time.Millisecond)
	publishAgent(h.hub, "writer", "Writer", events.AgentRunning, 10)
	require.Eventually(t, func() bool { return reportedCount(store) == 2 }, 2*time.Second, 5*time.Millisecond)

	h.drop <- struct{}{}
	publishAgent(h.hub, "researcher", "Researcher", events.AgentCompleted, 100)
	publishAgent(h.hub, "writer", "Writer", events.AgentCompleted, 100)
	h.hub.Publish(events.Now("sess-live", events.FileGenerated{FileID: "f1", Filename: "report.md", FileType: "md"}))
	h.hub.Publish(events.Now("sess-live", events.ResearchStatus{OverallStatus: events.RunCompleted, Progress: 100}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop at terminal status")
	}
	require.GreaterOrEqual(t, sub.Connects(), int64(2))

	view, ok := h.hub.View("sess-live")
	require.True(t, ok)
	require.Equal(t, view.Status.OverallStatus, store.Status())
	if diff := cmp.Diff(view.Files, store.Files()); diff != "" {
		t.Fatalf("files mismatch (-hub +store):\n%s", diff)
	}
	var want, got []StageView
	for _, a := range view.Agents {
		want = append(want, StageView{ID: a.AgentID, Name: a.AgentName, Status: a.Status, Progress: a.Progress, Message: a.Message, Reported: true})
	}
	for _, stage := range store.Ordered() {
		if stage.Reported {
			got = append(got, stage)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stages mismatch (-hub +store):\n%s", diff)
	}
}

func reportedCount(store *Store) int {
	n := 0
	for _, stage := range store.Ordered() {
		if stage.Reported {
			n++
		}
	}
	return n
}

func TestSubscriberUnknownSessionStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHubServer()
	srv := httptest.NewServer(h)
	defer srv.Close()

	sub, err := NewSubscriber(SubscriberConfig{BaseURL: srv.URL, SessionID: "ghost"}, NewStore("ghost"), WithSubscriberLogger(logging.Nop()))
	require.NoError(t, err)
	err = sub.Run(context.Background())
	require.ErrorIs(t, err, scouterrors.ErrSessionNotFound)
}

func TestSubscriberStopsWhenContextEnds(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHubServer()
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.wg.Wait()
	publishAgent(h.hub, "editor", "Editor", events.AgentRunning, 5)

	var mu sync.Mutex
	var updates []Snapshot
	store := NewStore("sess-live")
	sub, err := NewSubscriber(SubscriberConfig{BaseURL: srv.URL, SessionID: "sess-live"}, store,
		WithSubscriberLogger(logging.Nop()),
		WithUpdateHook(func(s Snapshot) {
			mu.Lock()
			updates = append(updates, s)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.Connects() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber ignored cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	require.Equal(t, events.AgentRunning, updates[0].Stages[2].Status)
}

func TestNewSubscriberValidates(t *testing.T) {
	_, err := NewSubscriber(SubscriberConfig{BaseURL: "http://localhost"}, NewStore(""))
	require.Error(t, err)
	_, err = NewSubscriber(SubscriberConfig{BaseURL: "http://localhost", SessionID: "x"}, nil)
	require.Error(t, err)
}
