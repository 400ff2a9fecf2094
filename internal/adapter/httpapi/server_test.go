package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"oxsets/internal/domain"
	"oxsets/internal/usecase/eventbus"
)

func startTestServer(t *testing.T, bus domain.EventBus) *Server {
	t.Helper()
	srv := NewServer(Deps{Agents: newFakeAgents(), Bus: bus, Logger: newTestLogger()}, Options{
		Addr:           "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
	})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Start: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func dialWS(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for srv.stream.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ws
}

func TestServerServesHTTP(t *testing.T) {
	srv := startTestServer(t, nil)

	resp, err := http.Get("http://" + srv.BoundAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStreamForwardsEvents(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv, "")

	payload, _ := json.Marshal(map[string]int{"pid": 4242})
	bus.Publish(context.Background(), domain.Event{
		Type:    domain.EventAgentLaunched,
		AgentID: "scout",
		Payload: payload,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var got domain.Event
	if err := wsjson.Read(ctx, ws, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != domain.EventAgentLaunched || got.AgentID != "scout" {
		t.Errorf("event = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestStreamFiltersByAgent(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv, "?agent_id=relay")

	ctx := context.Background()
	bus.Publish(ctx, domain.Event{Type: domain.EventAgentLaunched, AgentID: "scout"})
	bus.Publish(ctx, domain.Event{Type: domain.EventAgentStopped, AgentID: "relay"})

	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var got domain.Event
	if err := wsjson.Read(readCtx, ws, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.AgentID != "relay" || got.Type != domain.EventAgentStopped {
		t.Errorf("event = %+v", got)
	}
}

func TestStopClosesStreamClients(t *testing.T) {
	srv := startTestServer(t, nil)
	ws := dialWS(t, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var e domain.Event
	if err := wsjson.Read(ctx, ws, &e); err == nil {
		t.Fatal("expected read to fail after shutdown")
	}
}

func TestOriginPatterns(t *testing.T) {
	if got := originPatterns([]string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Errorf("wildcard = %v", got)
	}
	got := originPatterns([]string{"https://viewer.example.com"})
	if got[len(got)-1] != "viewer.example.com" {
		t.Errorf("patterns = %v", got)
	}
}
