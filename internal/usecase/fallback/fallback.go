// Package fallback implements the HTTP Fallback Queue and its periodic
// sweeper (spec §4.6): a per-recipient FIFO used only while the broker
// transport is disconnected, drained by authenticated HTTP POSTs.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"postoffice/internal/adapter/httpclient"
	"postoffice/internal/domain"
)

// tickInterval is the sweeper's fixed period (spec §4.6: "every 100 ms").
const tickInterval = 100 * time.Millisecond

// Queue is the per-recipient FIFO. A zero Queue is not usable; use NewQueue.
type Queue struct {
	mu   sync.Mutex
	byID map[string][]domain.Message
}

// NewQueue creates an empty fallback queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string][]domain.Message)}
}

// Enqueue appends msg to recipient's queue. Called by the Broker Transport
// whenever it finds itself disconnected (spec §4.5).
func (q *Queue) Enqueue(recipient string, msg domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[recipient] = append(q.byID[recipient], msg)
}

// requeueHead pushes msg back to the front of recipient's queue, ahead of
// anything enqueued while it was being delivered.
func (q *Queue) requeueHead(recipient string, msg domain.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[recipient] = append([]domain.Message{msg}, q.byID[recipient]...)
}

// popHead removes and returns the oldest message for recipient, if any.
func (q *Queue) popHead(recipient string) (domain.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byID[recipient]
	if len(msgs) == 0 {
		return domain.Message{}, false
	}
	head := msgs[0]
	q.byID[recipient] = msgs[1:]
	if len(q.byID[recipient]) == 0 {
		delete(q.byID, recipient)
	}
	return head, true
}

// Recipients returns a snapshot of recipients with a non-empty queue.
func (q *Queue) Recipients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.byID))
	for id := range q.byID {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the current depth of recipient's queue (for tests and metrics).
func (q *Queue) Len(recipient string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID[recipient])
}

// ClientSink is the subset of the Client Connection Registry the sweeper
// needs to deliver user-addressed fallback messages.
type ClientSink interface {
	BroadcastToClients(msg domain.Message)
	BroadcastToMissionClients(missionID string, msg domain.Message)
}

// Resolver looks up a service recipient's base URL, mirroring
// registry.Resolver's signature without importing that package.
type Resolver interface {
	Resolve(ctx context.Context, recipientType string) (string, bool)
}

// BrokerState reports whether the broker transport is currently usable, so
// the sweeper can stay dormant while normal delivery is flowing.
type BrokerState interface {
	Connected() bool
}

// Sweeper drains the fallback queue on a fixed tick while the broker is down.
type Sweeper struct {
	queue    *Queue
	clients  ClientSink
	resolver Resolver
	broker   BrokerState
	client   *http.Client
	authToken string
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*httpclient.BreakerClient
}

// NewSweeper builds a Sweeper. authToken, if non-empty, is sent as a Bearer
// token on every fallback POST to downstream services.
func NewSweeper(queue *Queue, clients ClientSink, resolver Resolver, broker BrokerState, client *http.Client, authToken string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		queue:     queue,
		clients:   clients,
		resolver:  resolver,
		broker:    broker,
		client:    client,
		authToken: authToken,
		logger:    logger,
		breakers:  make(map[string]*httpclient.BreakerClient),
	}
}

// Run blocks, ticking every 100ms until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Exported so tests (and a manual drain trigger) can
// step the sweeper without waiting on the ticker.
func (s *Sweeper) Tick(ctx context.Context) {
	if s.broker.Connected() {
		if recipients := s.queue.Recipients(); len(recipients) > 0 {
			s.logger.Info("fallback queue non-empty while broker connected, draining lazily", "recipients", len(recipients))
		}
		return
	}

	for _, recipient := range s.queue.Recipients() {
		if recipient == domain.RecipientUser {
			s.drainUser(recipient)
			continue
		}
		s.drainService(ctx, recipient)
	}
}

// drainUser pops every currently-queued user message and fans it out; user
// delivery never fails at this layer (the Client Connection Registry
// absorbs offline clients itself), so there is no head-reinsertion case.
func (s *Sweeper) drainUser(recipient string) {
	for {
		msg, ok := s.queue.popHead(recipient)
		if !ok {
			return
		}
		if msg.MissionID != "" {
			s.clients.BroadcastToMissionClients(msg.MissionID, msg)
		} else {
			s.clients.BroadcastToClients(msg)
		}
	}
}

// drainService pops at most one message for recipient and POSTs it to the
// resolved service URL. A failure re-queues at the head and stops processing
// this recipient for the current tick (spec §4.6).
func (s *Sweeper) drainService(ctx context.Context, recipient string) {
	url, ok := s.resolver.Resolve(ctx, recipient)
	if !ok {
		return
	}
	msg, ok := s.queue.popHead(recipient)
	if !ok {
		return
	}

	if err := s.post(ctx, url, msg); err != nil {
		s.logger.Warn("fallback delivery failed, requeuing at head", "recipient", recipient, "error", err)
		s.queue.requeueHead(recipient, msg)
	}
}

func (s *Sweeper) post(ctx context.Context, url string, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal fallback message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, url+"/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.breakerFor(msg.Recipient).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fallback POST to %s returned %s", url, resp.Status)
	}
	return nil
}

func (s *Sweeper) breakerFor(recipient string) *httpclient.BreakerClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	bc, ok := s.breakers[recipient]
	if !ok {
		bc = httpclient.NewBreakerClient(recipient, s.client, httpclient.CircuitBreakerConfig{}, s.logger)
		s.breakers[recipient] = bc
	}
	return bc
}
