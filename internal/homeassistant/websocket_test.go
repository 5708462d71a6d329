package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHA speaks enough of the Home Assistant WebSocket protocol to
// authenticate, acknowledge subscriptions and push one state change.
func fakeHA(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(map[string]string{"type": "auth_required"})
		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["access_token"] != token {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		conn.WriteJSON(map[string]string{"type": "auth_ok"})

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			id := msg["id"]
			conn.WriteJSON(map[string]any{"id": id, "type": "result", "success": true})
			if msg["type"] == "subscribe_events" {
				conn.WriteJSON(map[string]any{
					"id":   id,
					"type": "event",
					"event": map[string]any{
						"event_type": "state_changed",
						"data": map[string]any{
							"entity_id": "binary_sensor.hall",
							"new_state": map[string]any{"entity_id": "binary_sensor.hall", "state": "on"},
						},
					},
				})
			}
		}
	}))
}

func TestWSClient_SubscribeReceivesEvents(t *testing.T) {
	srv := fakeHA(t, "secret")
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Type != "state_changed" {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestWSClient_ReconnectRestoresSubscriptions(t *testing.T) {
	srv := fakeHA(t, "secret")
	defer srv.Close()

	c := NewWSClient(srv.URL, "secret", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, "state_changed"); err != nil {
		t.Fatal(err)
	}
	<-c.Events()

	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() error: %v", err)
	}
	defer c.Close()

	select {
	case <-c.Events():
	case <-ctx.Done():
		t.Fatal("subscription not restored after reconnect")
	}
	if len(c.subs) != 1 {
		t.Errorf("subscriptions = %v, want one entry", c.subs)
	}
}

func TestWSClient_AuthInvalid(t *testing.T) {
	srv := fakeHA(t, "secret")
	defer srv.Close()

	c := NewWSClient(srv.URL, "wrong", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		c.Close()
		t.Fatal("Connect() with bad token should fail")
	}
}

func TestWSClient_NotConnected(t *testing.T) {
	c := NewWSClient("http://localhost", "", nil)
	if err := c.Subscribe(context.Background(), "state_changed"); err == nil {
		t.Error("Subscribe() without connection should fail")
	}
}
