package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/presence"
)

func startServer(t *testing.T) (*presence.Registry, string) {
	t.Helper()
	reg := presence.NewRegistry()
	srv := httptest.NewServer(NewHandler(reg, 5*time.Second))
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func receive(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg string
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatalf("receive: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(msg), &out); err != nil {
		t.Fatalf("decoding %q: %v", msg, err)
	}
	return out
}

func join(t *testing.T, ws *websocket.Conn, userID string) string {
	t.Helper()
	if err := websocket.JSON.Send(ws, frame{Type: "join", UserID: userID}); err != nil {
		t.Fatalf("send join: %v", err)
	}
	got := receive(t, ws)
	if got["type"] != "joined" || got["user_id"] != userID {
		t.Fatalf("join reply = %v", got)
	}
	return got["conn_id"].(string)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinRegistersPresence(t *testing.T) {
	reg, url := startServer(t)
	ws := dial(t, url)
	connID := join(t, ws, "u1")

	c, ok := reg.HandleFor("u1")
	if !ok || c.ID() != connID {
		t.Fatalf("HandleFor(u1) = (%v, %v), want conn %s", c, ok, connID)
	}
}

func TestPingPong(t *testing.T) {
	_, url := startServer(t)
	ws := dial(t, url)

	if err := websocket.JSON.Send(ws, frame{Type: "ping"}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	if got := receive(t, ws); got["type"] != "pong" {
		t.Errorf("reply = %v, want pong", got)
	}
}

func TestJoinWithoutUserAndUnknownFrame(t *testing.T) {
	_, url := startServer(t)
	ws := dial(t, url)

	websocket.JSON.Send(ws, frame{Type: "join"})
	if got := receive(t, ws); got["type"] != "error" {
		t.Errorf("join without user reply = %v, want error", got)
	}
	websocket.JSON.Send(ws, frame{Type: "subscribe"})
	if got := receive(t, ws); got["type"] != "error" {
		t.Errorf("unknown frame reply = %v, want error", got)
	}
}

func TestDisconnectLeaves(t *testing.T) {
	reg, url := startServer(t)
	ws := dial(t, url)
	join(t, ws, "u1")

	ws.Close()
	waitFor(t, func() bool {
		_, ok := reg.HandleFor("u1")
		return !ok
	})
}

// Reconnecting as h2 before h1's disconnect is processed leaves u -> h2.
func TestReconnectRace(t *testing.T) {
	reg, url := startServer(t)
	ws1 := dial(t, url)
	join(t, ws1, "u1")
	ws2 := dial(t, url)
	id2 := join(t, ws2, "u1")

	ws1.Close()
	// Give the server time to process the stale disconnect.
	time.Sleep(100 * time.Millisecond)

	c, ok := reg.HandleFor("u1")
	if !ok || c.ID() != id2 {
		t.Errorf("HandleFor(u1) = (%v, %v), want %s", c, ok, id2)
	}
}

func TestDispatcherPushReachesClient(t *testing.T) {
	reg, url := startServer(t)
	ws := dial(t, url)
	join(t, ws, "u1")

	d := notify.NewDispatcher(reg, nil, notify.Options{})
	ev := notify.NewEvent(notify.EventMatchFound, "Match found", "", nil)
	if got := d.Dispatch(context.Background(), "u1", ev); got != notify.OutcomeLive {
		t.Fatalf("Dispatch = %v, want live", got)
	}

	got := receive(t, ws)
	if got["type"] != "notification" {
		t.Fatalf("frame = %v, want notification", got)
	}
	if inner, _ := got["event"].(map[string]any); inner["id"] != ev.ID {
		t.Errorf("event = %v, want id %s", got["event"], ev.ID)
	}
}
