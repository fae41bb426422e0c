// Package audit defines the security audit event shape emitted across
// the gateway and a bounded in-memory sink for it. Event layout is
// grounded on the teacher's pkg/audit event model (constants and
// builder methods named to match its contract test suite).
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types the gateway emits. MCP request/response event types are
// intentionally absent here: those belong to the transport layer the
// teacher instruments (pkg/mcpintegration), not to core.
const (
	EventTypeAuthSuccess          = "auth_success"
	EventTypeAuthFailure          = "auth_failure"
	EventTypeRoleMappingFailed    = "role_mapping_failed"
	EventTypeUnassignedRole       = "unassigned_role"
	EventTypeTokenExchange        = "token_exchange"
	EventTypeDelegationInvoked    = "delegation_invoked"
	EventTypeDelegationFailed     = "delegation_failed"
	EventTypeTrustBoundaryViolation = "trust_boundary_violation"
	EventTypeCacheLimitExceeded   = "cache_limit_exceeded"
	EventTypeSessionCleared       = "session_cleared"
)

// Outcomes, matching the teacher's constants verbatim.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
)

// Source types for EventSource.Type.
const (
	SourceTypeNetwork = "network"
	SourceTypeLocal   = "local"
)

// Target field keys.
const (
	TargetKeyType       = "type"
	TargetKeyName       = "name"
	TargetKeyModule     = "module"
	TargetKeyAudience   = "audience"
	TargetKeySessionID  = "session_id"
)

// Target type values.
const (
	TargetTypeDelegationModule = "delegation_module"
	TargetTypeSession          = "session"
)

// Subject field keys.
const (
	SubjectKeyUser   = "user"
	SubjectKeyUserID = "user_id"
	SubjectKeyRole   = "role"
)

// ComponentGateway identifies this service as the audit Component field.
const ComponentGateway = "mcp-delegation-gateway"

// EventSource describes where an event originated.
type EventSource struct {
	Type  string         `json:"type"`
	Value string         `json:"value"`
	Extra map[string]any `json:"extra,omitempty"`
}

// EventMetadata carries the audit id, timestamp, and free-form extras.
type EventMetadata struct {
	AuditID  string         `json:"auditId"`
	LoggedAt time.Time      `json:"loggedAt"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Event is a single audit record.
type Event struct {
	Type      string            `json:"type"`
	Outcome   string            `json:"outcome"`
	Source    EventSource       `json:"source"`
	Subjects  map[string]string `json:"subjects"`
	Target    map[string]string `json:"target,omitempty"`
	Component string            `json:"component"`
	Metadata  EventMetadata     `json:"metadata"`
	Data      *json.RawMessage  `json:"data,omitempty"`
}

// New builds an Event with a freshly generated audit id.
func New(eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return NewWithID(uuid.NewString(), eventType, source, outcome, subjects, component)
}

// NewWithID builds an Event with a caller-supplied audit id, for
// callers that need to correlate the id before the event is built.
func NewWithID(auditID, eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return &Event{
		Type:      eventType,
		Outcome:   outcome,
		Source:    source,
		Subjects:  subjects,
		Component: component,
		Metadata: EventMetadata{
			AuditID:  auditID,
			LoggedAt: time.Now().UTC(),
		},
	}
}

// WithTarget attaches target information and returns e for chaining.
func (e *Event) WithTarget(target map[string]string) *Event {
	e.Target = target
	return e
}

// WithData attaches a pre-encoded JSON payload and returns e for chaining.
func (e *Event) WithData(data *json.RawMessage) *Event {
	e.Data = data
	return e
}

// WithDataFromString attaches a JSON payload given as a string literal.
// Invalid JSON is stored as a quoted string so the event still marshals.
func (e *Event) WithDataFromString(jsonString string) *Event {
	raw := json.RawMessage(jsonString)
	if !json.Valid(raw) {
		if encoded, err := json.Marshal(jsonString); err == nil {
			raw = json.RawMessage(encoded)
		}
	}
	e.Data = &raw
	return e
}
