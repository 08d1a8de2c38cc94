package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"

	"postoffice/internal/domain"
	"postoffice/internal/usecase/registry"
)

// BroadcastSink is the subset of the Client Connection Registry the
// sendUserInputRequest handler needs to fan a prompt out to live clients.
type BroadcastSink interface {
	BroadcastToClients(msg domain.Message)
	BroadcastToMissionClients(missionID string, msg domain.Message)
}

// HandlerDeps holds the collaborators the HTTP ingress handlers need.
type HandlerDeps struct {
	Registry   *registry.Registry
	Resolver   *registry.Resolver
	Router     Dispatcher
	Clients    BroadcastSink
	Readiness  Readiness
	HTTPClient *http.Client
	UserInput  *UserInputWaiters
	Logger     *slog.Logger
}

// Readiness is the subset of readiness.Monitor the /ready handler needs.
type Readiness interface {
	Ready() bool
	Degraded() bool
	Snapshot() domain.ReadinessState
}

// userInputWaiter remembers which service opened a sendUserInputRequest so
// the matching submitUserInput can route the answer back to it.
type userInputWaiter struct {
	recipient string
}

// UserInputWaiters tracks open user-input requests by request id (spec §6
// sendUserInputRequest / submitUserInput). This pairing — an id that opens a
// waiter and a later call that completes it by id — is not detailed further
// in spec §6, so the recipient to notify is the one piece of state carried
// between the two calls; see DESIGN.md for the resolved design.
type UserInputWaiters struct {
	mu      sync.Mutex
	pending map[string]userInputWaiter
}

// NewUserInputWaiters creates an empty waiter set.
func NewUserInputWaiters() *UserInputWaiters {
	return &UserInputWaiters{pending: make(map[string]userInputWaiter)}
}

func (w *UserInputWaiters) open(requestID, recipient string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[requestID] = userInputWaiter{recipient: recipient}
}

func (w *UserInputWaiters) complete(requestID string) (userInputWaiter, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiter, ok := w.pending[requestID]
	if ok {
		delete(w.pending, requestID)
	}
	return waiter, ok
}

// RegisterHandlers wires the broker's own HTTP ingress table (spec §6) onto
// s. GET / and the socket upgrade are already handled by Server.handleRoot.
func RegisterHandlers(s *Server, deps HandlerDeps) {
	s.Handle("/healthy", healthyHandler())
	s.Handle("/ready", readyHandler(deps))
	s.Handle("/health", healthRedirectHandler())
	s.Handle("/registerComponent", registerComponentHandler(deps))
	s.Handle("/requestComponent", requestComponentHandler(deps))
	s.Handle("/getServices", getServicesHandler(deps))
	s.Handle("/message", messageHandler(deps))
	s.Handle("/sendMessage", sendMessageHandler(deps))
	s.Handle("/submitUserInput", submitUserInputHandler(deps))
	s.Handle("/sendUserInputRequest", sendUserInputRequestHandler(deps))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type readyDetail struct {
	Ready               bool           `json:"ready"`
	Degraded            bool           `json:"degraded"`
	BrokerConnected     bool           `json:"brokerConnected"`
	BrokerHealthy       bool           `json:"brokerHealthy"`
	DiscoveryRegistered bool           `json:"discoveryRegistered"`
	Components          map[string]int `json:"components"`
}

// readyHandler implements GET /ready (spec §4.8, §6): 200/503 plain, or a
// full JSON body including per-type component counts when ?detail=full.
func readyHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := deps.Readiness.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		if r.URL.Query().Get("detail") != "full" {
			w.WriteHeader(status)
			return
		}
		snap := deps.Readiness.Snapshot()
		writeJSON(w, status, readyDetail{
			Ready:               ready,
			Degraded:            deps.Readiness.Degraded(),
			BrokerConnected:     snap.BrokerConnected,
			BrokerHealthy:       snap.BrokerHealthy,
			DiscoveryRegistered: snap.DiscoveryRegistered,
			Components:          deps.Registry.CountsByType(),
		})
	}
}

func healthRedirectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ready?detail=full", http.StatusTemporaryRedirect)
	}
}

type registerComponentRequest struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

func registerComponentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req registerComponentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Type == "" {
			http.Error(w, "id and type are required", http.StatusBadRequest)
			return
		}
		deps.Resolver.Register(r.Context(), domain.Component{ID: req.ID, Type: req.Type, URL: req.URL})
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func requestComponentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			c, err := deps.Registry.GetByID(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		}
		t := r.URL.Query().Get("type")
		if t == "" {
			http.Error(w, "id or type is required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, deps.Registry.GetByType(t))
	}
}

// getServicesHandler implements GET /getServices: resolves every well-known
// service type through the Recipient Resolver's full lookup chain
// (discovery, env var, local registry, static table) rather than only the
// components that happen to be locally registered (spec §6).
func getServicesHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]string, len(domain.WellKnownServices))
		for _, svc := range domain.WellKnownServices {
			if url, ok := deps.Resolver.Resolve(r.Context(), svc.Type); ok {
				out[svc.Type] = url
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// messageHandler implements POST /message: accept and route asynchronously,
// returning 200 as soon as the message is handed off (spec §6).
func messageHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg domain.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if _, err := deps.Router.Dispatch(ctx, msg); err != nil {
				deps.Logger.Warn("dispatch failed for /message", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	}
}

// sendMessageHandler implements POST /sendMessage: resolve the recipient and
// POST synchronously, propagating the downstream status and body verbatim
// (spec §6, §7 "downstream 4xx ... propagate ... verbatim").
func sendMessageHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		var req domain.Message
		if err := json.Unmarshal(body, &req); err != nil || req.Recipient == "" {
			http.Error(w, "recipient is required", http.StatusBadRequest)
			return
		}
		url, ok := deps.Resolver.Resolve(r.Context(), req.Recipient)
		if !ok {
			http.Error(w, "recipient not resolvable", http.StatusNotFound)
			return
		}
		downReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url+"/message", bytes.NewReader(body))
		if err != nil {
			http.Error(w, "build downstream request", http.StatusInternalServerError)
			return
		}
		downReq.Header.Set("Content-Type", "application/json")
		resp, err := deps.HTTPClient.Do(downReq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

type submitUserInputRequest struct {
	RequestID string          `json:"request_id"`
	Answer    json.RawMessage `json:"answer"`
}

// submitUserInputHandler implements POST /submitUserInput: completes a
// previously-opened waiter and delivers the answer back to the service that
// asked for it, via the Router as an ordinary RESPONSE message.
func submitUserInputHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req submitUserInputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
			http.Error(w, "request_id is required", http.StatusBadRequest)
			return
		}
		waiter, ok := deps.UserInput.complete(req.RequestID)
		if !ok {
			http.Error(w, domain.ErrUserInputRequestNotFound.Error(), http.StatusNotFound)
			return
		}
		reply := domain.Message{
			Type:          domain.MessageTypeResponse,
			Recipient:     waiter.recipient,
			CorrelationID: req.RequestID,
			Content:       req.Answer,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if _, err := deps.Router.Dispatch(ctx, reply); err != nil {
				deps.Logger.Warn("dispatch failed for submitted user input", "request_id", req.RequestID, "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type sendUserInputRequestRequest struct {
	Recipient string          `json:"recipient"`
	Prompt    json.RawMessage `json:"prompt"`
	MissionID string          `json:"missionId,omitempty"`
}

// sendUserInputRequestHandler implements POST /sendUserInputRequest: opens a
// waiter, broadcasts a USER_INPUT_REQUEST frame to the relevant clients, and
// returns the new request id for the caller to track (spec §6).
func sendUserInputRequestHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req sendUserInputRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		requestID := ulid.Make().String()
		deps.UserInput.open(requestID, req.Recipient)

		content, _ := json.Marshal(map[string]any{
			"requestId": requestID,
			"prompt":    req.Prompt,
		})
		frame := domain.Message{
			Type:      domain.MessageTypeUserInputRequest,
			Recipient: domain.RecipientUser,
			MissionID: req.MissionID,
			Content:   content,
		}
		if req.MissionID != "" {
			deps.Clients.BroadcastToMissionClients(req.MissionID, frame)
		} else {
			deps.Clients.BroadcastToClients(frame)
		}
		writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID})
	}
}
