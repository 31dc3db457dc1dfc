package security

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ViolationType classifies a recorded SecurityEvent.
type ViolationType int

const (
	UnauthorizedFileAccess ViolationType = iota
	UnauthorizedNetworkAccess
	UnauthorizedProcessCreation
	UnauthorizedSystemCall
	UnauthorizedAPICall
	ResourceLimitExceeded
	SuspiciousActivity
	ProcessError
)

var violationNames = [...]string{
	UnauthorizedFileAccess:      "unauthorized_file_access",
	UnauthorizedNetworkAccess:   "unauthorized_network_access",
	UnauthorizedProcessCreation: "unauthorized_process_creation",
	UnauthorizedSystemCall:      "unauthorized_system_call",
	UnauthorizedAPICall:         "unauthorized_api_call",
	ResourceLimitExceeded:       "resource_limit_exceeded",
	SuspiciousActivity:          "suspicious_activity",
	ProcessError:                "process_error",
}

func (v ViolationType) String() string {
	if v < 0 || int(v) >= len(violationNames) {
		return "unknown"
	}
	return violationNames[v]
}

// ParseViolationType converts a snake_case violation name back to its type.
func ParseViolationType(s string) (ViolationType, error) {
	for i, name := range violationNames {
		if name == s {
			return ViolationType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown violation type %q", ErrInvalidConfiguration, s)
}

// SecurityEvent is an immutable record of one denied or suspicious access.
type SecurityEvent struct {
	ID           string         `json:"id"`
	Type         ViolationType  `json:"-"`
	Description  string         `json:"description"`
	ResourcePath string         `json:"resource_path"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewSecurityEvent stamps a new event with an id and the current time.
func NewSecurityEvent(t ViolationType, description, resource string, details map[string]any) SecurityEvent {
	return SecurityEvent{
		ID:           uuid.NewString(),
		Type:         t,
		Description:  description,
		ResourcePath: resource,
		Details:      details,
		Timestamp:    time.Now(),
	}
}

// MarshalJSON writes the type by name.
func (e SecurityEvent) MarshalJSON() ([]byte, error) {
	type alias SecurityEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: e.Type.String(), alias: alias(e)})
}

// UnmarshalJSON reads the type by name.
func (e *SecurityEvent) UnmarshalJSON(data []byte) error {
	type alias SecurityEvent
	var w struct {
		Type string `json:"type"`
		alias
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: security event: %v", ErrInvalidConfiguration, err)
	}
	t, err := ParseViolationType(w.Type)
	if err != nil {
		return err
	}
	*e = SecurityEvent(w.alias)
	e.Type = t
	return nil
}

// ToMap returns the event as a structured map for bus payloads.
func (e SecurityEvent) ToMap() map[string]any {
	m := map[string]any{
		"id":            e.ID,
		"type":          e.Type.String(),
		"description":   e.Description,
		"resource_path": e.ResourcePath,
		"timestamp":     e.Timestamp.UnixMilli(),
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}
