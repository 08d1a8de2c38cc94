// Package broker implements the Broker Transport (spec §4.5): publishing
// service-bound messages to a topic exchange, synchronous request/reply over
// the broker's direct-reply pseudo-queue, and the inbound consumer that hands
// delivered frames back to the Router. The connection lifecycle (connect
// retry and reconnect) is grounded on the bryk-io-pkg AMQP publisher's
// ready/pause signaling idiom, adapted to github.com/rabbitmq/amqp091-go.
// A failed publish is not retried.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"postoffice/internal/domain"
)

// directReplyQueue is RabbitMQ's built-in pseudo-queue for implicit RPC.
const directReplyQueue = "amq.rabbitmq.reply-to"

// rpcTimeout is the fixed synchronous-RPC deadline (spec §4.5, §5).
const rpcTimeout = 30 * time.Second

// Dispatcher hands an inbound message to the routing layer. Satisfied by
// *router.Router; kept as a narrow local interface so this package doesn't
// need to import router just for Dispatch's signature.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message) (*domain.Message, error)
}

// FallbackQueue is where Forward enqueues messages while disconnected,
// satisfied by *fallback.Queue.
type FallbackQueue interface {
	Enqueue(recipient string, msg domain.Message)
}

// ReadinessSink receives connection-state transitions, satisfied by
// *readiness.Monitor.
type ReadinessSink interface {
	SetBrokerConnected(bool)
	SetBrokerHealthy(bool)
}

// Config configures the Transport's connection and exchange topology.
type Config struct {
	URL               string
	Exchange          string // topic exchange name, spec calls it "stage7"
	SelfID            string // this broker instance's own component id
	ReconnectInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "stage7"
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	return c
}

type pendingReply struct {
	ch chan domain.Message
}

// amqpChannel is the subset of *amqp.Channel's API the Transport drives.
// Narrowing it to an interface lets tests exercise Forward/consume logic
// against a fake without a live broker.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Transport is the Broker Transport: publish, synchronous RPC, and the
// inbound consumer, all backed by a single AMQP connection that reconnects
// on loss.
type Transport struct {
	cfg        Config
	fallback   FallbackQueue
	dispatcher Dispatcher
	readiness  ReadinessSink
	logger     *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel amqpChannel

	pendingMu sync.Mutex
	pending   map[string]*pendingReply

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy

	ready chan struct{}
	pause chan struct{}
}

// NewTransport creates a Transport. Call Run to establish and maintain the
// connection; until the first connect succeeds, Forward falls back to the
// HTTP Fallback Queue.
func NewTransport(cfg Config, fallback FallbackQueue, dispatcher Dispatcher, readiness ReadinessSink, logger *slog.Logger) *Transport {
	return &Transport{
		cfg:        cfg.withDefaults(),
		fallback:   fallback,
		dispatcher: dispatcher,
		readiness:  readiness,
		logger:     logger,
		pending:    make(map[string]*pendingReply),
		idEntropy:  ulid.Monotonic(rand.Reader, 0),
		ready:      make(chan struct{}, 1),
		pause:      make(chan struct{}, 1),
	}
}

// Ready notifies when the transport becomes usable.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Pause notifies when the transport becomes unusable.
func (t *Transport) Pause() <-chan struct{} { return t.pause }

// Run connects and reconnects until ctx is cancelled. It blocks; callers run
// it in its own goroutine.
func (t *Transport) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := t.connect(ctx); err != nil {
			t.logger.Warn("broker connect failed, retrying", "error", err)
			t.setConnected(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ReconnectInterval):
				continue
			}
		}

		t.setConnected(true)
		t.notify(t.ready)

		// Block until the connection is lost or ctx is cancelled.
		closeCh := make(chan *amqp.Error, 1)
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		conn.NotifyClose(closeCh)

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case err := <-closeCh:
			t.logger.Warn("broker connection closed, reconnecting", "error", err)
			t.mu.Lock()
			t.channel = nil
			t.conn = nil
			t.mu.Unlock()
			t.setConnected(false)
			t.notify(t.pause)
		}
	}
}

func (t *Transport) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (t *Transport) setConnected(connected bool) {
	t.readiness.SetBrokerConnected(connected)
	t.readiness.SetBrokerHealthy(connected)
}

func (t *Transport) connect(ctx context.Context) error {
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("postoffice."+t.cfg.SelfID, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare own queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "message."+t.cfg.SelfID, t.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind own queue: %w", err)
	}

	inbound, err := ch.Consume(q.Name, "postoffice-inbound", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume own queue: %w", err)
	}
	replies, err := ch.Consume(directReplyQueue, "postoffice-rpc", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume reply queue: %w", err)
	}

	t.mu.Lock()
	t.conn, t.channel = conn, ch
	t.mu.Unlock()

	go t.consumeInbound(ctx, inbound)
	go t.consumeReplies(replies)

	return nil
}

// consumeInbound implements §4.7: every delivery with a non-empty type and
// recipient is handed to the Router; malformed or handler-erroring
// deliveries are logged and dropped, never torn down.
func (t *Transport) consumeInbound(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var msg domain.Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			t.logger.Warn("inbound broker message not valid JSON", "error", err)
			_ = d.Nack(false, false)
			continue
		}
		if msg.Type == "" || msg.Recipient == "" {
			t.logger.Warn("inbound broker message missing type or recipient, dropping")
			_ = d.Ack(false)
			continue
		}
		if _, err := t.dispatcher.Dispatch(ctx, msg); err != nil {
			t.logger.Error("router dispatch failed for inbound broker message", "error", err, "id", msg.ID)
		}
		_ = d.Ack(false)
	}
}

// consumeReplies delivers RPC responses to their registered waiter by
// correlationId; a reply with no matching waiter (already timed out) is dropped.
func (t *Transport) consumeReplies(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var msg domain.Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			t.logger.Warn("rpc reply not valid JSON", "error", err)
			continue
		}
		correlationID := msg.CorrelationID
		if correlationID == "" {
			correlationID = d.CorrelationId
		}

		t.pendingMu.Lock()
		waiter, ok := t.pending[correlationID]
		t.pendingMu.Unlock()
		if !ok {
			continue
		}
		select {
		case waiter.ch <- msg:
		default:
		}
	}
}

// Forward implements router.ServiceForwarder. It classifies msg per §4.5's
// three publish modes and, when disconnected, enqueues onto the HTTP
// Fallback Queue instead.
func (t *Transport) Forward(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if !t.connected() {
		t.fallback.Enqueue(msg.Recipient, msg)
		return nil, nil
	}

	switch {
	case msg.IsSyncRequired() && msg.ReplyTo == "":
		return t.forwardRPC(ctx, msg)
	default:
		// Fire-and-forget, or a caller-supplied replyTo/correlationId that the
		// sender will collect on its own reply queue: publish as-is.
		return nil, t.publish(ctx, msg)
	}
}

func (t *Transport) forwardRPC(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	return t.forwardRPCWithTimeout(ctx, msg, rpcTimeout)
}

// forwardRPCWithTimeout is forwardRPC with an overridable deadline so tests
// don't have to wait out the full 30s spec timeout.
func (t *Transport) forwardRPCWithTimeout(ctx context.Context, msg domain.Message, timeout time.Duration) (*domain.Message, error) {
	correlationID := t.nextID()
	msg.CorrelationID = correlationID
	msg.ReplyTo = directReplyQueue

	waiter := &pendingReply{ch: make(chan domain.Message, 1)}
	t.pendingMu.Lock()
	t.pending[correlationID] = waiter
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, correlationID)
		t.pendingMu.Unlock()
	}()

	if err := t.publish(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-waiter.ch:
		return &reply, nil
	case <-timer.C:
		return nil, domain.NewSubSystemError(domain.SubsystemBrokerTransport, "Transport.Forward", domain.ErrRPCTimeout, "correlationId="+correlationID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) publish(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	t.mu.RLock()
	ch := t.channel
	t.mu.RUnlock()
	if ch == nil {
		t.fallback.Enqueue(msg.Recipient, msg)
		return nil
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
	}
	routingKey := "message." + msg.Recipient
	if err := ch.PublishWithContext(ctx, t.cfg.Exchange, routingKey, false, false, publishing); err != nil {
		return domain.NewSubSystemError(domain.SubsystemBrokerTransport, "Transport.publish", domain.ErrBrokerUnavailable, err.Error())
	}
	return nil
}

func (t *Transport) connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.channel != nil
}

func (t *Transport) nextID() string {
	t.idMu.Lock()
	defer t.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), t.idEntropy).String()
}

// Close releases the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel != nil {
		_ = t.channel.Close()
		t.channel = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
