package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	logstream "canvasfleet/internal/logstream"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(msg)
}

func waitClients(t *testing.T, h *logstream.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubReplaysHistoryThenStreams(t *testing.T) {
	h := logstream.NewHub(2)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(h, "line %d\n", i)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, nil)
	if got := read(t, conn); got != "line 2\n" {
		t.Errorf("first replayed line = %q", got)
	}
	if got := read(t, conn); got != "line 3\n" {
		t.Errorf("second replayed line = %q", got)
	}

	waitClients(t, h, 1)
	fmt.Fprint(h, "live\n")
	if got := read(t, conn); got != "live\n" {
		t.Errorf("live line = %q", got)
	}
}

func TestHubUnregistersOnClose(t *testing.T) {
	h := logstream.NewHub(0)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, nil)
	waitClients(t, h, 1)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitClients(t, h, 0)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := logstream.NewHub(0)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatalf("foreign origin should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v", resp)
	}
}

func TestWriteNeverBlocks(t *testing.T) {
	h := logstream.NewHub(0)
	srv := httptest.NewServer(h)
	defer srv.Close()
	dial(t, srv, nil)
	waitClients(t, h, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			fmt.Fprintf(h, "spam %d\n", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a slow viewer")
	}
}
