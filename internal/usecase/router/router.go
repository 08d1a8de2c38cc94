// Package router implements the central routing policy: it classifies every
// inbound message (from HTTP, the broker consumer, or a socket frame) and
// dispatches it to the correct delivery primitive.
package router

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"postoffice/internal/domain"
	"postoffice/internal/infra/tracer"
)

// ClientSink is the subset of the Client Connection Registry the Router needs
// to deliver user-bound messages (rules R1, R3-R6).
type ClientSink interface {
	SendToClient(clientID string, msg domain.Message)
	BroadcastToClients(msg domain.Message)
	BroadcastToMissionClients(missionID string, msg domain.Message)
}

// ServiceForwarder is the subset of the Broker Transport (with its HTTP
// fallback) the Router needs for service-bound messages (rules R2, R7). When
// msg.IsSyncRequired(), Forward blocks and returns the reply; otherwise it
// returns (nil, nil) once accepted for delivery.
type ServiceForwarder interface {
	Forward(ctx context.Context, msg domain.Message) (*domain.Message, error)
}

// Router is the decision core described in spec §4.4.
type Router struct {
	selfID  string // this broker's own component id, matched by rule R3
	clients ClientSink
	svc     ServiceForwarder
	logger  *slog.Logger

	mu        sync.Mutex
	idEntropy *ulid.MonotonicEntropy
}

// NewRouter creates a Router. selfID is this broker's own component id (also
// matched against the literal "PostOffice" per rule R3).
func NewRouter(selfID string, clients ClientSink, svc ServiceForwarder, logger *slog.Logger) *Router {
	return &Router{
		selfID:    selfID,
		clients:   clients,
		svc:       svc,
		logger:    logger,
		idEntropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Dispatch classifies msg per rules R1-R8 and delivers it. The returned
// *domain.Message is non-nil only when msg required a synchronous broker RPC
// reply (rule R2/R7 with IsSyncRequired); callers that don't care about a
// reply (socket frames, the broker consumer) should ignore it.
func (r *Router) Dispatch(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.ID == "" {
		msg.ID = r.nextID()
	}
	msg.Type = domain.NormalizeMessageType(msg.Type)

	ctx, span := tracer.StartDispatchSpan(ctx, msg)
	defer span.End()

	reply, err := r.dispatch(ctx, msg)
	if err != nil {
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	return reply, err
}

func (r *Router) dispatch(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	clientID := msg.ExtractClientID()

	switch {
	case msg.Type == domain.MessageTypeStatistics: // R1
		r.routeStatistics(msg, clientID)
		return nil, nil

	case msg.Type == domain.MessageTypeUserMessage && msg.Recipient == "MissionControl": // R2
		return r.svc.Forward(ctx, msg)

	case clientID != "" && (msg.Recipient == r.selfID || msg.Recipient == domain.RecipientPostOffice): // R3
		r.clients.SendToClient(clientID, msg)
		return nil, nil

	case clientID != "" && msg.Recipient == domain.RecipientUser: // R4
		r.clients.SendToClient(clientID, msg)
		return nil, nil

	case msg.Recipient == domain.RecipientUser && msg.MissionID != "": // R5
		r.clients.BroadcastToMissionClients(msg.MissionID, msg)
		return nil, nil

	case msg.Recipient == domain.RecipientUser: // R6
		r.clients.BroadcastToClients(msg)
		return nil, nil

	case msg.Recipient != "": // R7
		return r.svc.Forward(ctx, msg)

	default: // R8
		r.logger.Warn("router: dropping message with no recipient", "id", msg.ID, "type", msg.Type)
		return nil, nil
	}
}

// routeStatistics implements rule R1: unicast to clientId if given, else fan
// out to the clients of content.missionId, else broadcast.
func (r *Router) routeStatistics(msg domain.Message, clientID string) {
	if clientID != "" {
		r.clients.SendToClient(clientID, msg)
		return
	}
	if missionID := msg.ContentMissionID(); missionID != "" {
		r.clients.BroadcastToMissionClients(missionID, msg)
		return
	}
	r.clients.BroadcastToClients(msg)
}

// nextID assigns a monotone local id for traceability (spec §4.4).
func (r *Router) nextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), r.idEntropy)
	return id.String()
}
