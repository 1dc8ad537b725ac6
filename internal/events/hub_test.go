package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/sessionpay/pkg/logger"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, owner string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": TypeFilterUpdate, "data": map[string]any{"ownerWallet": owner}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := read(t, conn); msg.Type != TypeFilterApplied {
		t.Fatalf("expected filter ack, got %s", msg.Type)
	}
}

func TestHubFiltersByOwner(t *testing.T) {
	hub := NewHub(logger.NewNop())
	go hub.Run()
	defer hub.Stop()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	defer srv.Close()

	alice := dial(t, srv, "")
	subscribe(t, alice, "0xAAAA000000000000000000000000000000000001")
	everyone := dial(t, srv, "")
	subscribe(t, everyone, "")

	hub.Publish(TypeSessionCreated, "0xbbbb000000000000000000000000000000000002", map[string]any{"sessionId": "s-bob"})
	hub.Publish(TypeSessionDebited, "0xaaaa000000000000000000000000000000000001", map[string]any{"sessionId": "s-alice"})

	if msg := read(t, alice); msg.Type != TypeSessionDebited || msg.Data["sessionId"] != "s-alice" {
		t.Fatalf("alice got %+v", msg)
	}
	first, second := read(t, everyone), read(t, everyone)
	if first.Data["sessionId"] != "s-bob" || second.Data["sessionId"] != "s-alice" {
		t.Fatalf("unfiltered subscriber got %v then %v", first.Data, second.Data)
	}
}

func TestHubStopDisconnects(t *testing.T) {
	hub := NewHub(logger.NewNop())
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	defer srv.Close()

	conn := dial(t, srv, "?ownerWallet=0x01")
	subscribe(t, conn, "0x01")
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close")
	}
}

func TestDiscardPublisher(t *testing.T) {
	Discard.Publish(TypeSessionRevoked, "0x01", nil)
}
