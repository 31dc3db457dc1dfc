package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
)

func TestEventStream(t *testing.T) {
	g, mgr := newTestGateway(t, Config{})
	srv := httptest.NewServer(g.streamHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + testKey + "&topics=sandbox_created"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	if conn.Subprotocol() != StreamSubprotocol {
		t.Errorf("subprotocol = %q", conn.Subprotocol())
	}

	// The handler subscribes after the upgrade completes.
	for mgr.Bus().SubscriberCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := mgr.CreateSandbox("streamed", security.StrictPolicy()); err != nil {
		t.Fatal(err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if ev.Topic != events.TopicSandboxCreated || ev.SandboxID != "streamed" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventStreamRejectsUnknownTopic(t *testing.T) {
	g, _ := newTestGateway(t, Config{})
	srv := httptest.NewServer(g.streamHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?token=" + testKey + "&topics=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}
