package monitor

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdougie/spotflow/internal/models"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestHubBroadcastsRunEvents(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	conn := dial(t, hub)
	hub.SetRunID("run-1")

	hub.Line("predicting frame-t0003")
	ev := readEvent(t, conn)
	if ev.Type != EventLog || ev.Line != "predicting frame-t0003" || ev.RunID != "run-1" {
		t.Errorf("log event = %+v", ev)
	}

	hub.Progress(2, 4)
	ev = readEvent(t, conn)
	if ev.Type != EventProgress || ev.Done != 2 || ev.Total != 4 {
		t.Errorf("progress event = %+v", ev)
	}

	hub.Unit(models.TaskResult{Unit: 1, State: models.StateFailed, Frames: 3, Err: errors.New("exit status 1")})
	ev = readEvent(t, conn)
	if ev.Type != EventUnit || ev.Unit != 1 || ev.State != "failed" || ev.Error != "exit status 1" {
		t.Errorf("unit event = %+v", ev)
	}

	hub.Finish(12, nil)
	ev = readEvent(t, conn)
	if ev.Type != EventDone || ev.Spots != 12 || ev.Error != "" {
		t.Errorf("done event = %+v", ev)
	}
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	conn := dial(t, hub)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed client still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// No clients left; must not block or panic.
	hub.Line("ignored")
}

func TestHubCloseDisconnects(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)
	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() succeeded after the hub closed")
	}
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d after Close", hub.Clients())
	}
}
