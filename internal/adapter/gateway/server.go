// Package gateway implements the socket admission and read loop of the
// Client Connection Registry (spec §4.3) and the broker's own HTTP ingress
// surface (spec §6).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"postoffice/internal/domain"
	"postoffice/internal/infra/logger"
	"postoffice/internal/usecase/clients"
)

// Dispatcher hands a message to the routing layer. Satisfied by
// *router.Router; kept as a narrow local interface so this package doesn't
// need to import router just for Dispatch's signature.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (*domain.Message, error)
}

// ConnectionRegistry is the subset of the Client Connection Registry the
// socket server drives directly. Satisfied by *clients.Registry.
type ConnectionRegistry interface {
	Connect(clientID string, socket clients.Socket)
	Disconnect(clientID string) (missionID string, hadMission bool)
	AssociateMission(clientID, missionID string)
	SendToClient(clientID string, msg domain.Message)
}

// dispatchTimeout bounds how long a single socket-originated or
// disconnect-triggered Dispatch call may run before the server gives up on it.
const dispatchTimeout = 30 * time.Second

// Server is the broker's socket + HTTP ingress listener.
type Server struct {
	addr         string
	requireToken bool
	clients      ConnectionRegistry
	router       Dispatcher
	logger       *slog.Logger

	mux        *http.ServeMux
	middleware []func(http.Handler) http.Handler
	httpSrv    *http.Server
	boundAddr  string
}

// NewServer creates a Server. requireToken mirrors
// config.AuthConfig.RequireToken: whether admission rejects a connection
// with no token at all (the token's contents are never validated).
func NewServer(addr string, requireToken bool, registry ConnectionRegistry, dispatcher Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		requireToken: requireToken,
		clients:      registry,
		router:       dispatcher,
		logger:       logger,
		mux:          http.NewServeMux(),
	}
}

// Handle registers an additional HTTP route. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Use appends an HTTP middleware wrapping every route including the socket
// upgrade path. Middlewares run outermost-registered-first. Must be called
// before Start.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw)
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mux.HandleFunc("/", s.handleRoot)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	var handler http.Handler = s.mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	s.httpSrv = &http.Server{Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("gateway started", "addr", s.boundAddr)
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// BoundAddr returns the address the listener actually bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// handleRoot answers plain liveness text for an ordinary GET, or upgrades to
// a socket connection when the request carries an Upgrade: websocket header
// — both share the "/" path per spec §6.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("postoffice is running"))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := parseConnectQuery(r.URL.Query())
	if q.ClientID == "" {
		s.rejectHandshake(w, r, "Client ID missing")
		return
	}
	if s.requireToken && q.Token == "" {
		s.rejectHandshake(w, r, "token missing")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // this broker expects to sit behind the platform's own reverse proxy
	})
	if err != nil {
		s.logger.Warn("gateway: websocket accept failed", "error", err)
		return
	}

	clientLog := logger.ForClient(s.logger, q.ClientID)

	conn := newSocketConn(ws)
	s.clients.Connect(q.ClientID, conn)
	clientLog.Info("client connected")

	confirmCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.SendJSON(confirmCtx, connectionConfirmedFrame(q.ClientID))
	cancel()
	if err != nil {
		clientLog.Warn("failed to send CONNECTION_CONFIRMED", "error", err)
	}

	s.readLoop(r.Context(), q.ClientID, ws)

	missionID, hadMission := s.clients.Disconnect(q.ClientID)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	clientLog.Info("client disconnected")

	if hadMission {
		missionLog := logger.ForMission(clientLog, missionID)
		pauseCtx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		if _, err := s.router.Dispatch(pauseCtx, disconnectPause(missionID)); err != nil {
			missionLog.Warn("disconnect pause dispatch failed", "error", err)
		}
		cancel()
	}
}

// rejectHandshake accepts just enough of the upgrade to send a close frame
// with the 1008 policy-violation code spec §4.3 step 2 / §7 require.
func (s *Server) rejectHandshake(w http.ResponseWriter, r *http.Request, reason string) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	_ = ws.Close(websocket.StatusPolicyViolation, reason)
}

// readLoop reads frames until the connection closes. It uses the low-level
// Read instead of wsjson.Read so a JSON parse failure (not valid JSON) can be
// told apart from an actual close: spec §7 requires a parse error to be
// logged and ignored, never to evict the client.
func (s *Server) readLoop(ctx context.Context, clientID string, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.ForClient(s.logger, clientID).Warn("socket frame not valid JSON, ignoring", "error", err)
			continue
		}
		if msg.ClientID == "" {
			msg.ClientID = clientID
		}

		if msg.Type == domain.MessageTypeClientConnect {
			s.handleClientConnect(clientID, msg)
			continue
		}

		go s.dispatchFrame(clientID, msg)
	}
}

func (s *Server) handleClientConnect(clientID string, msg domain.Message) {
	missionID := msg.MissionID
	if missionID == "" {
		missionID = msg.ContentMissionID()
	}
	if missionID == "" {
		return
	}
	s.clients.AssociateMission(clientID, missionID)
}

// dispatchFrame routes an inbound socket frame and, when the dispatch was a
// synchronous RPC that produced a reply (spec §4.5 item 3), delivers that
// reply back to the client socket that originated the request.
func (s *Server) dispatchFrame(clientID string, msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	reply, err := s.router.Dispatch(ctx, msg)
	if err != nil {
		logger.ForClient(s.logger, clientID).Warn("router dispatch failed for socket frame", "error", err)
		return
	}
	if reply != nil {
		s.clients.SendToClient(clientID, *reply)
	}
}
