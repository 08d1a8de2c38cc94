package domain

import (
	"encoding/json"
	"time"
)

// MessageType identifies the routing-significant kind of a Message.
type MessageType string

const (
	// MessageTypeStatistics carries high-volume telemetry, unicast to the
	// clients awaiting it (rule R1). "agentStatistics" is a historical synonym
	// and is normalized to this type by NormalizeMessageType.
	MessageTypeStatistics MessageType = "STATISTICS"
	// messageTypeStatisticsSynonym is the legacy spelling some upstream SDKs
	// still emit; both are routed identically.
	messageTypeStatisticsSynonym MessageType = "agentStatistics"

	MessageTypeUserMessage        MessageType = "userMessage"
	MessageTypeClientConnect      MessageType = "CLIENT_CONNECT"
	MessageTypeConnectionConfirmed MessageType = "CONNECTION_CONFIRMED"
	MessageTypePause              MessageType = "PAUSE"
	MessageTypeUserInputRequest   MessageType = "USER_INPUT_REQUEST"
	MessageTypeRequest            MessageType = "REQUEST"
	MessageTypeResponse           MessageType = "RESPONSE"
)

// NormalizeMessageType collapses the "agentStatistics" synonym onto
// MessageTypeStatistics. Every other type passes through unchanged.
func NormalizeMessageType(t MessageType) MessageType {
	if t == messageTypeStatisticsSynonym {
		return MessageTypeStatistics
	}
	return t
}

// RecipientUser and RecipientPostOffice are the two non-opaque recipient literals
// the Router understands; any other non-empty recipient is a service type or
// component id resolved through the Recipient Resolver.
const (
	RecipientUser       = "user"
	RecipientPostOffice = "PostOffice"
)

// Message is the envelope exchanged over HTTP, the broker, and client sockets.
type Message struct {
	ID      string      `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Sender  string      `json:"sender,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	// ClientID may also be carried nested inside Content; see ExtractClientID.
	ClientID  string          `json:"clientId,omitempty"`
	MissionID string          `json:"missionId,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	RequiresSync  bool   `json:"requiresSync,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ExtractClientID returns the message's clientId, checking the top-level
// field first and falling back to content.clientId when Content is a JSON
// object. Upstream SDKs place clientId in either location.
func (m Message) ExtractClientID() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	if len(m.Content) == 0 {
		return ""
	}
	var nested struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(m.Content, &nested); err != nil {
		return ""
	}
	return nested.ClientID
}

// ContentMissionID returns content.missionId when Content is a JSON object
// carrying one, used by the statistics fan-out rule (R1).
func (m Message) ContentMissionID() string {
	if len(m.Content) == 0 {
		return ""
	}
	var nested struct {
		MissionID string `json:"missionId"`
	}
	if err := json.Unmarshal(m.Content, &nested); err != nil {
		return ""
	}
	return nested.MissionID
}

// IsSyncRequired reports whether a message must go through the synchronous
// RPC-over-broker path: either the explicit flag is set, or the type is one
// of the request/reply kinds.
func (m Message) IsSyncRequired() bool {
	if m.RequiresSync {
		return true
	}
	return m.Type == MessageTypeRequest || m.Type == MessageTypeResponse
}

// PauseContent is the payload of a synthesized PAUSE message sent to
// MissionControl on client disconnect.
type PauseContent struct {
	MissionID string `json:"missionId"`
	Reason    string `json:"reason"`
}

// ReasonClientDisconnected is the fixed reason string for a disconnect-triggered PAUSE.
const ReasonClientDisconnected = "Client disconnected"
