package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"postoffice/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu            sync.Mutex
	sentTo        []string
	broadcasts    []domain.Message
	missionFanout map[string][]domain.Message
}

func newRecordingSink() *recordingSink {
	return &recordingSink{missionFanout: make(map[string][]domain.Message)}
}

func (s *recordingSink) SendToClient(clientID string, _ domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentTo = append(s.sentTo, clientID)
}

func (s *recordingSink) BroadcastToClients(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, msg)
}

func (s *recordingSink) BroadcastToMissionClients(missionID string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missionFanout[missionID] = append(s.missionFanout[missionID], msg)
}

type recordingForwarder struct {
	mu       sync.Mutex
	forwarded []domain.Message
	reply    *domain.Message
	err      error
}

func (f *recordingForwarder) Forward(_ context.Context, msg domain.Message) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, msg)
	return f.reply, f.err
}

// R1: statistics with clientId unicasts to that client.
func TestRouterR1StatisticsToClient(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{
		Type: domain.MessageTypeStatistics, Recipient: "user", ClientID: "C1",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.sentTo) != 1 || sink.sentTo[0] != "C1" {
		t.Errorf("sentTo = %v, want [C1]", sink.sentTo)
	}
}

// R1 synonym: "agentStatistics" behaves identically to STATISTICS.
func TestRouterR1StatisticsSynonym(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{
		Type: "agentStatistics", Recipient: "user", ClientID: "C1",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.sentTo) != 1 || sink.sentTo[0] != "C1" {
		t.Errorf("sentTo = %v, want [C1]", sink.sentTo)
	}
}

// R1 without clientId falls back to mission fan-out via content.missionId.
func TestRouterR1StatisticsMissionFanout(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	content, _ := json.Marshal(map[string]any{"missionId": "M1", "stats": map[string]int{"tasks": 3}})
	_, err := r.Dispatch(context.Background(), domain.Message{
		Type: domain.MessageTypeStatistics, Recipient: "user", Content: content,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.missionFanout["M1"]) != 1 {
		t.Errorf("missionFanout[M1] = %v, want 1 entry", sink.missionFanout["M1"])
	}
}

// R1 with neither clientId nor missionId broadcasts.
func TestRouterR1StatisticsBroadcast(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Type: domain.MessageTypeStatistics, Recipient: "user"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.broadcasts) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(sink.broadcasts))
	}
}

// R2: userMessage to MissionControl forwards as a service message even
// though recipient isn't "user" or self.
func TestRouterR2UserMessageToMissionControl(t *testing.T) {
	sink := newRecordingSink()
	fwd := &recordingForwarder{}
	r := NewRouter("postoffice-1", sink, fwd, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Type: domain.MessageTypeUserMessage, Recipient: "MissionControl"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fwd.forwarded) != 1 || len(sink.sentTo) != 0 {
		t.Errorf("expected exactly one forward and no client sends, got forwarded=%d sentTo=%v", len(fwd.forwarded), sink.sentTo)
	}
}

// R3: clientId present and recipient is this broker's own id forwards to the client's socket.
func TestRouterR3ClientIDWithSelfRecipient(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "postoffice-1", ClientID: "C1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.sentTo) != 1 || sink.sentTo[0] != "C1" {
		t.Errorf("sentTo = %v, want [C1]", sink.sentTo)
	}
}

func TestRouterR3ClientIDWithPostOfficeLiteral(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "PostOffice", ClientID: "C1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.sentTo) != 1 || sink.sentTo[0] != "C1" {
		t.Errorf("sentTo = %v, want [C1]", sink.sentTo)
	}
}

// clientId nested inside content is extracted the same way (dual-placement).
func TestRouterClientIDFromNestedContent(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	content, _ := json.Marshal(map[string]any{"clientId": "C2"})
	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "user", Content: content})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.sentTo) != 1 || sink.sentTo[0] != "C2" {
		t.Errorf("sentTo = %v, want [C2]", sink.sentTo)
	}
}

// R5: recipient user + missionId fans out to mission clients.
func TestRouterR5MissionFanout(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "user", MissionID: "M1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.missionFanout["M1"]) != 1 {
		t.Errorf("missionFanout[M1] = %v, want 1 entry", sink.missionFanout["M1"])
	}
}

// R6: recipient user with no clientId/missionId broadcasts.
func TestRouterR6Broadcast(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "user"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sink.broadcasts) != 1 {
		t.Errorf("broadcasts = %d, want 1", len(sink.broadcasts))
	}
}

// R7: any other non-empty recipient is service-bound.
func TestRouterR7ServiceBound(t *testing.T) {
	sink := newRecordingSink()
	fwd := &recordingForwarder{reply: &domain.Message{ID: "resp-1"}}
	r := NewRouter("postoffice-1", sink, fwd, testLogger())

	reply, err := r.Dispatch(context.Background(), domain.Message{Recipient: "Librarian", Type: domain.MessageTypeRequest})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply == nil || reply.ID != "resp-1" {
		t.Errorf("reply = %+v, want the forwarder's reply", reply)
	}
}

func TestRouterR7ForwardError(t *testing.T) {
	sink := newRecordingSink()
	fwd := &recordingForwarder{err: errors.New("broker down")}
	r := NewRouter("postoffice-1", sink, fwd, testLogger())

	_, err := r.Dispatch(context.Background(), domain.Message{Recipient: "Librarian"})
	if err == nil {
		t.Fatal("expected forward error to propagate")
	}
}

// R8: no recipient at all is logged and dropped, not an error.
func TestRouterR8Drop(t *testing.T) {
	sink := newRecordingSink()
	fwd := &recordingForwarder{}
	r := NewRouter("postoffice-1", sink, fwd, testLogger())

	reply, err := r.Dispatch(context.Background(), domain.Message{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != nil || len(sink.sentTo) != 0 || len(sink.broadcasts) != 0 || len(fwd.forwarded) != 0 {
		t.Error("expected the message to be dropped with no side effects")
	}
}

func TestRouterAssignsMonotoneID(t *testing.T) {
	sink := newRecordingSink()
	r := NewRouter("postoffice-1", sink, &recordingForwarder{}, testLogger())

	var ids []string
	for i := 0; i < 5; i++ {
		msg := domain.Message{Recipient: "user"}
		_, _ = r.Dispatch(context.Background(), msg)
	}
	// Each call built its own local msg copy; verify id generation directly is
	// monotone and non-empty by generating a few in sequence.
	for i := 0; i < 5; i++ {
		ids = append(ids, r.nextID())
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotone: %v", ids)
		}
	}
}
