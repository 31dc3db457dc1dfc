package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/plugbox/internal/security"
)

// --- Policy ---

func toPolicyModel(p security.SecurityPolicy) (PolicyModel, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return PolicyModel{}, fmt.Errorf("encoding policy %q: %w", p.Name, err)
	}
	return PolicyModel{
		Name:        p.Name,
		Level:       int16(p.Level),
		Description: p.Description,
		Document:    JSONB(doc),
	}, nil
}

func toPolicyDomain(m *PolicyModel) (security.SecurityPolicy, error) {
	p, err := security.PolicyFromJSON(m.Document)
	if err != nil {
		return security.SecurityPolicy{}, fmt.Errorf("decoding stored policy %q: %w", m.Name, err)
	}
	// The row key is authoritative.
	p.Name = m.Name
	return p, nil
}

// --- Security events ---

func toEventModel(rec security.AuditRecord) SecurityEventModel {
	id, err := uuid.Parse(rec.Event.ID)
	if err != nil {
		id = uuid.New()
	}
	details := []byte("{}")
	if len(rec.Event.Details) > 0 {
		if data, err := json.Marshal(rec.Event.Details); err == nil {
			details = data
		}
	}
	return SecurityEventModel{
		ID:           id,
		SandboxID:    rec.SandboxID,
		Topic:        rec.Topic,
		Type:         rec.Event.Type.String(),
		Description:  rec.Event.Description,
		ResourcePath: rec.Event.ResourcePath,
		Details:      JSONB(details),
		CreatedAt:    rec.Event.Timestamp.UTC(),
	}
}

func toEventDomain(m *SecurityEventModel) security.AuditRecord {
	// Rows written by this package always carry a known type name.
	t, _ := security.ParseViolationType(m.Type)
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	if len(details) == 0 {
		details = nil
	}
	return security.AuditRecord{
		SandboxID: m.SandboxID,
		Topic:     m.Topic,
		Event: security.SecurityEvent{
			ID:           m.ID.String(),
			Type:         t,
			Description:  m.Description,
			ResourcePath: m.ResourcePath,
			Details:      details,
			Timestamp:    m.CreatedAt,
		},
	}
}
