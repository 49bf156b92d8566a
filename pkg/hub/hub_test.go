package hub

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New("test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	go h.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", Upgrade)
	app.Get("/ws", h.Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go app.Listener(ln)
	t.Cleanup(func() {
		cancel()
		app.Shutdown()
	})
	return h, "ws://" + ln.Addr().String() + "/ws", cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew(t *testing.T) {
	h := New("events", nil)
	if h.ClientCount() != 0 {
		t.Error("ClientCount should be 0 initially")
	}
	if h.IsRunning() {
		t.Error("hub should not be running before Run")
	}
}

func TestBroadcastToClients(t *testing.T) {
	h, url, _ := startHub(t)
	waitFor(t, h.IsRunning)

	var conns []*websocket.Conn
	for range 2 {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer ws.Close()
		conns = append(conns, ws)
	}
	waitFor(t, func() bool { return h.ClientCount() == 2 })

	if err := h.BroadcastJSON(map[string]string{"type": "session.started"}); err != nil {
		t.Fatalf("BroadcastJSON: %v", err)
	}
	for i, ws := range conns {
		ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if string(data) != `{"type":"session.started"}` {
			t.Errorf("client %d got %s", i, data)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	h, url, _ := startHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	ws.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 })
}

func TestRunStopsWithContext(t *testing.T) {
	h, url, cancel := startHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	cancel()
	waitFor(t, func() bool { return !h.IsRunning() })
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount after stop = %d", h.ClientCount())
	}

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the connection to close when the hub stops")
	}
}

func TestBroadcastJSONError(t *testing.T) {
	h := New("events", nil)
	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("BroadcastJSON should fail for unencodable values")
	}
}
