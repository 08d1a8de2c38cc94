package fallback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"postoffice/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubBroker struct{ connected atomic.Bool }

func (s *stubBroker) Connected() bool { return s.connected.Load() }

type stubResolver struct{ urls map[string]string }

func (s *stubResolver) Resolve(_ context.Context, recipientType string) (string, bool) {
	u, ok := s.urls[recipientType]
	return u, ok
}

type recordingSink struct {
	mu         sync.Mutex
	broadcasts []domain.Message
	fanout     map[string][]domain.Message
}

func newRecordingSink() *recordingSink {
	return &recordingSink{fanout: make(map[string][]domain.Message)}
}

func (s *recordingSink) BroadcastToClients(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, msg)
}

func (s *recordingSink) BroadcastToMissionClients(missionID string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fanout[missionID] = append(s.fanout[missionID], msg)
}

func TestTickNoopWhenBrokerConnected(t *testing.T) {
	q := NewQueue()
	q.Enqueue("Librarian", domain.Message{ID: "m1"})
	broker := &stubBroker{}
	broker.connected.Store(true)

	sweeper := NewSweeper(q, newRecordingSink(), &stubResolver{}, broker, http.DefaultClient, "", testLogger())
	sweeper.Tick(context.Background())

	if got := q.Len("Librarian"); got != 1 {
		t.Errorf("queue should be untouched while broker connected, len = %d", got)
	}
}

func TestDrainUserBroadcastsWhenNoMission(t *testing.T) {
	q := NewQueue()
	q.Enqueue(domain.RecipientUser, domain.Message{ID: "m1"})
	sink := newRecordingSink()
	broker := &stubBroker{}

	sweeper := NewSweeper(q, sink, &stubResolver{}, broker, http.DefaultClient, "", testLogger())
	sweeper.Tick(context.Background())

	if len(sink.broadcasts) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(sink.broadcasts))
	}
	if q.Len(domain.RecipientUser) != 0 {
		t.Error("queue should be drained")
	}
}

func TestDrainUserFansOutByMission(t *testing.T) {
	q := NewQueue()
	q.Enqueue(domain.RecipientUser, domain.Message{ID: "m1", MissionID: "M1"})
	sink := newRecordingSink()
	broker := &stubBroker{}

	sweeper := NewSweeper(q, sink, &stubResolver{}, broker, http.DefaultClient, "", testLogger())
	sweeper.Tick(context.Background())

	if len(sink.fanout["M1"]) != 1 {
		t.Errorf("fanout[M1] = %d, want 1", len(sink.fanout["M1"]))
	}
}

func TestDrainServiceDeliversAndDiscardsOnSuccess(t *testing.T) {
	var received domain.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueue()
	q.Enqueue("Librarian", domain.Message{ID: "m1", Recipient: "Librarian"})
	resolver := &stubResolver{urls: map[string]string{"Librarian": srv.URL}}
	broker := &stubBroker{}

	sweeper := NewSweeper(q, newRecordingSink(), resolver, broker, srv.Client(), "", testLogger())
	sweeper.Tick(context.Background())

	if q.Len("Librarian") != 0 {
		t.Error("message should be discarded after a successful POST")
	}
	if received.ID != "m1" {
		t.Errorf("server received %+v, want id m1", received)
	}
}

func TestDrainServiceRequeuesHeadOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := NewQueue()
	q.Enqueue("Engineer", domain.Message{ID: "first", Recipient: "Engineer"})
	q.Enqueue("Engineer", domain.Message{ID: "second", Recipient: "Engineer"})
	resolver := &stubResolver{urls: map[string]string{"Engineer": srv.URL}}
	broker := &stubBroker{}

	sweeper := NewSweeper(q, newRecordingSink(), resolver, broker, srv.Client(), "", testLogger())
	sweeper.Tick(context.Background())

	if got := q.Len("Engineer"); got != 2 {
		t.Fatalf("queue len = %d, want 2 (failed message requeued at head)", got)
	}
	msg, _ := q.popHead("Engineer")
	if msg.ID != "first" {
		t.Errorf("head = %q, want %q (original order preserved)", msg.ID, "first")
	}
}

func TestDrainServiceSkipsWhenRecipientUnresolved(t *testing.T) {
	q := NewQueue()
	q.Enqueue("Unknown", domain.Message{ID: "m1", Recipient: "Unknown"})
	broker := &stubBroker{}

	sweeper := NewSweeper(q, newRecordingSink(), &stubResolver{}, broker, http.DefaultClient, "", testLogger())
	sweeper.Tick(context.Background())

	if got := q.Len("Unknown"); got != 1 {
		t.Errorf("unresolvable recipient's queue should be left untouched, len = %d", got)
	}
}
