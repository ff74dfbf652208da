// Package server exposes the relay over websocket plus the administrative
// HTTP surface. Per-connection message handling is strictly serialized so
// acknowledgements keep submission order.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"nhooyr.io/websocket"

	"vidarelay/config"
	"vidarelay/relay"
)

const wsWriteTimeout = 10 * time.Second

// Server accepts client connections and feeds submitted events to the
// admission pipeline.
type Server struct {
	pipeline *relay.Pipeline
	settings func() *config.Settings
	log      *slog.Logger
}

// New wires the websocket front end.
func New(pipeline *relay.Pipeline, settings func() *config.Settings, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipeline: pipeline, settings: settings, log: log}
}

// Handler serves the relay root: the NIP-11 information document for
// clients that ask for it, a websocket session for everyone else.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
			s.handleInfo(w, r)
			return
		}
		s.handleWS(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := resolveClientIP(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	wc := &wsConn{conn: conn, remoteIP: clientIP}
	s.log.Debug("client connected", slog.String("client_ip", clientIP))

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && r.Context().Err() == nil {
				s.log.Debug("read failed", slog.String("client_ip", clientIP), slog.String("error", err.Error()))
			}
			return
		}
		if s.dispatch(r.Context(), wc, clientIP, data) != nil {
			// A local fault mid-admission: no acknowledgement was emitted,
			// so surface the fault to the client by closing.
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, wc *wsConn, clientIP string, data []byte) error {
	switch env := nostr.ParseMessage(data).(type) {
	case *nostr.EventEnvelope:
		evt := env.Event
		err := s.pipeline.Handle(ctx, relay.EventMessage{Event: &evt, ClientIP: clientIP, Conn: wc})
		if err != nil {
			s.log.Error("admission fault",
				slog.String("event_id", evt.ID),
				slog.String("client_ip", clientIP),
				slog.String("error", err.Error()))
			return err
		}
		return nil
	case *nostr.ReqEnvelope:
		notice := nostr.NoticeEnvelope("subscriptions are not supported by this relay")
		_ = wc.Emit(ctx, &notice)
		return nil
	case *nostr.CloseEnvelope:
		// No subscriptions to close.
		return nil
	default:
		notice := nostr.NoticeEnvelope("unrecognized message")
		_ = wc.Emit(ctx, &notice)
		return nil
	}
}

// wsConn adapts a websocket connection to the pipeline's Conn. Writes are
// serialized and bounded by a timeout.
type wsConn struct {
	conn     *websocket.Conn
	remoteIP string
	mu       sync.Mutex
}

func (c *wsConn) Emit(ctx context.Context, env nostr.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) RemoteIP() string {
	return c.remoteIP
}

func resolveClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
