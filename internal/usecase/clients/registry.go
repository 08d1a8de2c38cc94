// Package clients implements the Client Connection Registry: the live
// socket map, the per-client offline queue, and the clientId<->missionId
// association index, all kept consistent under one lock (spec §4.3, §9's
// "single mission-index module" guidance).
package clients

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"postoffice/internal/domain"
)

// Socket is the per-connection write surface the registry drives. Gateway
// implementations wrap *websocket.Conn to satisfy this; the registry never
// imports the transport package, keeping socket framing out of routing state.
type Socket interface {
	SendJSON(ctx context.Context, msg domain.Message) error
	Close(code int, reason string) error
}

// Config controls the offline queue's bounded-FIFO overflow policy (spec §9
// open question 1: the cap value is not specified, so a production
// implementer must choose one).
type Config struct {
	MaxOfflineQueueLen int // default 256
	SendTimeout        time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.MaxOfflineQueueLen <= 0 {
		c.MaxOfflineQueueLen = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

type liveConn struct {
	socket      Socket
	connectedAt time.Time
}

// Registry is the Client Connection Registry.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	bus    domain.EventBus

	mu             sync.Mutex
	live           map[string]*liveConn    // clientId -> connection
	offline        map[string][]domain.Message // clientId -> FIFO queue
	clientMissions map[string]string       // clientId -> missionId
	missionClients map[string]map[string]struct{} // missionId -> set<clientId>
}

// New creates an empty Client Connection Registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:            cfg.withDefaults(),
		logger:         logger,
		live:           make(map[string]*liveConn),
		offline:        make(map[string][]domain.Message),
		clientMissions: make(map[string]string),
		missionClients: make(map[string]map[string]struct{}),
	}
}

// SetEventBus attaches the bus Connect/Disconnect publish client and mission
// lifecycle events to. Optional: a Registry with no bus simply skips publishing.
func (r *Registry) SetEventBus(bus domain.EventBus) {
	r.bus = bus
}

func (r *Registry) publish(eventType domain.EventType, payload any) {
	if r.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.bus.Publish(context.Background(), domain.Event{Type: eventType, Timestamp: time.Now(), Payload: raw})
}

// Connect registers socket under the canonical clientId, superseding and
// closing any prior connection for the same id, then drains the offline
// queue in FIFO order (spec §4.3 admission steps 5, 7, 8). If the reverse
// mission index needs repair (a client reconnecting after the forward map
// survived a previous disconnect), it is restored here.
func (r *Registry) Connect(clientID string, socket Socket) {
	r.mu.Lock()
	prev := r.live[clientID]
	r.live[clientID] = &liveConn{socket: socket, connectedAt: time.Now()}
	if missionID, ok := r.clientMissions[clientID]; ok {
		r.ensureMissionClientLocked(missionID, clientID)
	}
	pending := r.offline[clientID]
	delete(r.offline, clientID)
	r.mu.Unlock()

	if prev != nil {
		_ = prev.socket.Close(websocketStatusNormalClosure, "superseded by new connection")
	}

	r.publish(domain.EventClientConnected, map[string]string{"clientId": clientID})
	r.drain(clientID, socket, pending)
}

// drain sends queued messages in order; on failure it stops and pushes the
// failing message (and everything after it) back to the head of the queue.
func (r *Registry) drain(clientID string, socket Socket, pending []domain.Message) {
	for i, msg := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
		err := socket.SendJSON(ctx, msg)
		cancel()
		if err != nil {
			r.requeueHead(clientID, pending[i:])
			return
		}
	}
}

// requeueHead pushes msgs back to the front of clientId's offline queue,
// ahead of anything enqueued while draining was in progress.
func (r *Registry) requeueHead(clientID string, msgs []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline[clientID] = append(append([]domain.Message{}, msgs...), r.offline[clientID]...)
}

// Disconnect atomically removes clientId from the live registry. It returns
// the client's associated mission id (if any) so the caller can synthesize
// the PAUSE side effect; the mission association itself is retained so a
// reconnecting client resumes into the same mission (spec §4.3 step 3 of
// disconnect handling).
func (r *Registry) Disconnect(clientID string) (missionID string, hadMission bool) {
	r.mu.Lock()
	delete(r.live, clientID)
	missionID, hadMission = r.clientMissions[clientID]
	r.mu.Unlock()

	r.publish(domain.EventClientDisconnected, map[string]string{"clientId": clientID})
	if hadMission {
		r.publish(domain.EventMissionPaused, map[string]string{"missionId": missionID})
	}
	return missionID, hadMission
}

// AssociateMission records that clientID belongs to missionID, keeping both
// paired indexes consistent under one lock (spec §3 Mission association,
// §9 single mission-index module guidance).
func (r *Registry) AssociateMission(clientID, missionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clientMissions[clientID]; ok && old != missionID {
		r.removeFromMissionSetLocked(old, clientID)
	}
	r.clientMissions[clientID] = missionID
	r.ensureMissionClientLocked(missionID, clientID)
}

func (r *Registry) ensureMissionClientLocked(missionID, clientID string) {
	set, ok := r.missionClients[missionID]
	if !ok {
		set = make(map[string]struct{})
		r.missionClients[missionID] = set
	}
	set[clientID] = struct{}{}
}

func (r *Registry) removeFromMissionSetLocked(missionID, clientID string) {
	set, ok := r.missionClients[missionID]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(r.missionClients, missionID)
	}
}

// MissionOf returns the mission currently associated with clientID.
func (r *Registry) MissionOf(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.clientMissions[clientID]
	return m, ok
}

// SendToClient implements router.ClientSink: send if the socket is live,
// otherwise enqueue on the offline queue with oldest-eviction on overflow.
func (r *Registry) SendToClient(clientID string, msg domain.Message) {
	r.mu.Lock()
	conn := r.live[clientID]
	r.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
		err := conn.socket.SendJSON(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		r.logger.Warn("client send failed, demoting to offline queue", "client_id", clientID, "error", err)
	}
	r.enqueueOffline(clientID, msg)
}

func (r *Registry) enqueueOffline(clientID string, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := append(r.offline[clientID], msg)
	if len(q) > r.cfg.MaxOfflineQueueLen {
		dropped := len(q) - r.cfg.MaxOfflineQueueLen
		r.logger.Warn("offline queue overflow, evicting oldest", "client_id", clientID, "dropped", dropped)
		q = q[dropped:]
	}
	r.offline[clientID] = q
}

// BroadcastToClients implements router.ClientSink: send to every live
// client; per-socket failures are isolated and demoted to that client's
// offline queue rather than aborting the broadcast.
func (r *Registry) BroadcastToClients(msg domain.Message) {
	for _, clientID := range r.liveClientIDs() {
		r.SendToClient(clientID, msg)
	}
}

// BroadcastToMissionClients implements router.ClientSink: fan out to every
// client associated with missionID; an absent mapping is a no-op.
func (r *Registry) BroadcastToMissionClients(missionID string, msg domain.Message) {
	r.mu.Lock()
	set, ok := r.missionClients[missionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("mission fan-out with no associated clients", "mission_id", missionID)
		return
	}
	for _, clientID := range ids {
		r.SendToClient(clientID, msg)
	}
}

func (r *Registry) liveClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

// IsLive reports whether clientID currently has an open socket.
func (r *Registry) IsLive(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[clientID]
	return ok
}

// OfflineQueueLen returns the current queue depth for clientID (for tests and metrics).
func (r *Registry) OfflineQueueLen(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offline[clientID])
}

// websocketStatusNormalClosure mirrors nhooyr.io/websocket's StatusNormalClosure
// (1000) without importing the transport package from this usecase layer.
const websocketStatusNormalClosure = 1000
