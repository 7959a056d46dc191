// Package stream exposes event subscriptions over WebSocket. One connection
// maps to one subscription: the client names a project, optionally a resume
// sequence and a type filter, and receives every matching event as a JSON
// frame until it disconnects or falls behind.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Frame is one message on the wire. Kind "event" carries an event; kind
// "lagged" is terminal and tells the client to resubscribe from
// last_sequence.
type Frame struct {
	Kind         string       `json:"kind"`
	Event        *types.Event `json:"event,omitempty"`
	LastSequence int64        `json:"last_sequence,omitempty"`
}

// StoreResolver maps a project key to its event store, opening it on demand.
type StoreResolver func(ctx context.Context, projectKey string) (*eventstore.Store, error)

// Server relays event subscriptions over WebSocket at GET /events.
type Server struct {
	resolve  StoreResolver
	upgrader websocket.Upgrader
	log      zerolog.Logger

	httpServer *http.Server

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer builds a relay. addr is "host:port"; pass the result's Handler
// to a test server instead of calling Start when no real listener is wanted.
func NewServer(addr string, resolve StoreResolver, log zerolog.Logger) *Server {
	s := &Server{
		resolve: resolve,
		log:     log.With().Str("component", "stream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local tooling; the server binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP mux serving the relay endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start begins accepting connections. It returns once the listener is
// running; errors after startup are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("stream server stopped")
		}
	}()
	return nil
}

// Stop closes the listener and waits briefly for in-flight connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return err
}

// handleEvents upgrades the connection and streams the requested
// subscription. Query parameters: project (required), after (sequence,
// default 0), types (comma-separated filter).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	projectKey := r.URL.Query().Get("project")
	if projectKey == "" {
		http.Error(w, "missing project parameter", http.StatusBadRequest)
		return
	}
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	var eventTypes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, t)
			}
		}
	}

	store, err := s.resolve(r.Context(), projectKey)
	if err != nil {
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := store.Subscribe(ctx, after, eventTypes)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	log := s.log.With().Str("project", projectKey).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Int64("after", after).Msg("subscriber connected")

	// Reads are only pongs and the close frame; a reader goroutine notices
	// the disconnect and cancels the relay loop.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.relay(ctx, conn, sub, log)
}

// relay pumps events to the client until the subscription ends.
func (s *Server) relay(ctx context.Context, conn *websocket.Conn, sub *eventstore.Subscription, log zerolog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(conn, websocket.CloseGoingAway, "")
			return

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case evt, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					// Terminal: the client fell behind and must
					// resubscribe from last_sequence.
					s.writeFrame(conn, Frame{Kind: "lagged", LastSequence: sub.LastSequence()})
					s.writeClose(conn, websocket.ClosePolicyViolation, "subscriber lagged")
					log.Warn().Int64("last_sequence", sub.LastSequence()).Msg("subscriber dropped for lagging")
				} else {
					s.writeClose(conn, websocket.CloseNormalClosure, "")
				}
				return
			}
			if !s.writeFrame(conn, Frame{Kind: "event", Event: evt}) {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (s *Server) writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
