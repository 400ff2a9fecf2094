package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"oxsets/internal/domain"
)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
)

// streamClient is one websocket subscriber. An empty agentID receives
// every event.
type streamClient struct {
	ws        *websocket.Conn
	agentID   string
	sendCh    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *streamClient) wants(e domain.Event) bool {
	return c.agentID == "" || c.agentID == e.AgentID
}

// stream fans bus events out to websocket clients.
type stream struct {
	clients        sync.Map // uint64 -> *streamClient
	nextID         atomic.Uint64
	originPatterns []string
	logger         *slog.Logger
}

func newStream(logger *slog.Logger, allowedOrigins []string) *stream {
	return &stream{
		originPatterns: originPatterns(allowedOrigins),
		logger:         logger,
	}
}

// originPatterns turns CORS origins into the host patterns websocket.Accept
// matches against.
func originPatterns(allowed []string) []string {
	patterns := []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	for _, o := range allowed {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

func (s *stream) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	c := &streamClient{
		ws:      ws,
		agentID: r.URL.Query().Get("agent_id"),
		sendCh:  make(chan domain.Event, clientQueueSize),
		done:    make(chan struct{}),
	}
	s.clients.Store(connID, c)
	s.logger.Info("stream client connected", "conn_id", connID, "agent_id", c.agentID)

	// The stream is one-way; CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, c)

	c.close()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("stream client disconnected", "conn_id", connID)
}

func (s *stream) writeLoop(ctx context.Context, c *streamClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case e := <-c.sendCh:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// broadcast is subscribed to the event bus.
func (s *stream) broadcast(_ context.Context, e domain.Event) {
	s.clients.Range(func(_, value any) bool {
		c := value.(*streamClient)
		if !c.wants(e) {
			return true
		}
		select {
		case c.sendCh <- e:
		default:
			s.logger.Warn("stream: dropped event for slow client", "event", string(e.Type))
		}
		return true
	})
}

func (s *stream) closeAll() {
	s.clients.Range(func(key, value any) bool {
		c := value.(*streamClient)
		c.close()
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
}

// count reports connected clients.
func (s *stream) count() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
