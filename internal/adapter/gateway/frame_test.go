package gateway

import (
	"encoding/json"
	"testing"

	"postoffice/internal/domain"
)

func TestConnectionConfirmedFrameShape(t *testing.T) {
	msg := connectionConfirmedFrame("C1")
	if msg.Type != domain.MessageTypeConnectionConfirmed {
		t.Errorf("Type = %q, want %q", msg.Type, domain.MessageTypeConnectionConfirmed)
	}
	if msg.ClientID != "C1" {
		t.Errorf("ClientID = %q, want C1", msg.ClientID)
	}
}

func TestDisconnectPauseContent(t *testing.T) {
	msg := disconnectPause("mission-7")
	if msg.Type != domain.MessageTypePause {
		t.Errorf("Type = %q, want %q", msg.Type, domain.MessageTypePause)
	}
	if msg.Recipient != "MissionControl" {
		t.Errorf("Recipient = %q, want MissionControl", msg.Recipient)
	}
	if msg.MissionID != "mission-7" {
		t.Errorf("MissionID = %q, want mission-7", msg.MissionID)
	}

	var content domain.PauseContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		t.Fatalf("Content not valid PauseContent JSON: %v", err)
	}
	if content.MissionID != "mission-7" {
		t.Errorf("content.MissionID = %q, want mission-7", content.MissionID)
	}
	if content.Reason != domain.ReasonClientDisconnected {
		t.Errorf("content.Reason = %q, want %q", content.Reason, domain.ReasonClientDisconnected)
	}
}
