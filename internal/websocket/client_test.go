// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// serveHub upgrades every request and subscribes the connection to org-a
// until the peer goes away.
func serveHub(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn)
		sub, err := hub.Subscribe("org-a", client)
		if err != nil {
			_ = client.Close()
			return
		}
		defer hub.Unsubscribe(sub)
		_ = client.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestClientReceivesChanges(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()
	conn := dial(t, serveHub(t, hub))
	defer conn.Close()

	waitFor(t, "subscription", func() bool { return hub.SubscriptionCount("org-a") == 1 })
	hub.Publish(change("org-a", "call-1", 4))

	msg := readMessage(t, conn)
	if msg["type"] != MessageTypeDialogueChange {
		t.Fatalf("type = %v, want %s", msg["type"], MessageTypeDialogueChange)
	}
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("data = %T", msg["data"])
	}
	if data["dialogueId"] != "org-a/call-1" {
		t.Errorf("dialogueId = %v", data["dialogueId"])
	}
	if data["version"] != float64(4) {
		t.Errorf("version = %v", data["version"])
	}
}

func TestClientAnswersPing(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()
	conn := dial(t, serveHub(t, hub))
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg["type"] != MessageTypePong {
		t.Errorf("type = %v, want pong", msg["type"])
	}
}

func TestClientDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()
	conn := dial(t, serveHub(t, hub))

	waitFor(t, "subscription", func() bool { return hub.SubscriptionCount("org-a") == 1 })
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitFor(t, "unsubscribe", func() bool { return hub.SubscriptionCount("org-a") == 0 })
}

func TestClientSendAfterClose(t *testing.T) {
	t.Parallel()

	clients := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clients <- NewClient(conn)
	}))
	defer srv.Close()
	conn := dial(t, srv)
	defer conn.Close()

	client := <-clients
	_ = client.Close()
	if err := client.Send(context.Background(), change("org-a", "c1", 1)); err != ErrClientClosed {
		t.Errorf("Send after Close = %v, want ErrClientClosed", err)
	}
}
