package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of communication between cluster components. Every
// frame on the wire is the UTF-8 JSON encoding of one Message.
type Message struct {
	ID            string         `json:"id"`
	Timestamp     int64          `json:"timestamp"`
	Source        ComponentID    `json:"source"`
	Target        ComponentID    `json:"target"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Version       string         `json:"version,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// Control message types handled inline by the bridge (never routed)
const (
	TypeRegister         = "component.register"
	TypeHeartbeat        = "heartbeat"
	TypeVersionAnnounce  = "version.announce"
	TypeError            = "error"
	TypeDoctorSpawn      = "doctor.spawn"
	TypeDoctorReady      = "doctor.ready"
	TypeDoctorKill       = "doctor.kill"
	TypeDoctorStatus     = "doctor.status"
	TypeDoctorList       = "doctor.list"
	TypeDoctorDied       = "doctor.died"
	TypeReportSubmit     = "report.submit"
	TypeScreenshotSubmit = "screenshot.submit"
)

// Plan lifecycle message types owned by the worker face
const (
	TypePlanSubmit    = "plan.submit"
	TypePlanAccepted  = "plan.accepted"
	TypePlanRejected  = "plan.rejected"
	TypePlanCompleted = "plan.completed"
	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepFailed    = "step.failed"
	TypeStepRetrying  = "step.retrying"
)

// NewMessage creates a message with a fresh id and current timestamp
func NewMessage(source, target ComponentID, msgType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
		Target:    target,
		Type:      msgType,
		Payload:   payload,
	}
}

// Validate checks the structural invariants every routed message must hold
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message missing id")
	}
	if m.Type == "" {
		return fmt.Errorf("message missing type")
	}
	if !m.Source.Valid() {
		return fmt.Errorf("invalid source component id: %q", m.Source)
	}
	if !m.Target.IsBroadcast() && !m.Target.Valid() {
		return fmt.Errorf("invalid target component id: %q", m.Target)
	}
	return nil
}

// EnsureCorrelation fills in a fresh correlation id when the sender omitted
// one, so every derived message can be threaded back to its cause
func (m *Message) EnsureCorrelation() {
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
}

// Encode serializes the message to its wire form
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a wire frame into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}

// PayloadString extracts a string field from the payload, empty when absent
func (m *Message) PayloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}
