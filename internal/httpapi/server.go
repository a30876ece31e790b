// Package httpapi exposes the hub's reference WebSocket transport and a
// health probe. Query surfaces live elsewhere; this server only carries
// participant traffic.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/trails/internal/trails"
)

type ServerConfig struct {
	// AllowedOrigins is passed through to the WebSocket accept check.
	// Empty means same-origin only, per the library default.
	AllowedOrigins []string
}

type Server struct {
	hub *trails.Hub
	cfg ServerConfig
	log zerolog.Logger
}

func NewServer(hub *trails.Hub, cfg ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		hub: hub,
		cfg: cfg,
		log: logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		s.handleWS(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "route not found"})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "shutting_down", "message": "hub shutting down"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	// One linear task per transport; HandleTransport blocks until the
	// session is finished.
	s.hub.HandleTransport(r.Context(), &wsTransport{conn: conn})
}

// wsTransport adapts one WebSocket connection to the core's Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// Binary frames are ignored; the protocol is UTF-8 JSON.
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
