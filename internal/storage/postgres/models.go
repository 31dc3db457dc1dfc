package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same column as text.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// PolicyModel maps to the "security_policies" table.
// Document holds the canonical policy JSON; Level and Description are
// denormalized for listing.
type PolicyModel struct {
	Name        string `gorm:"primaryKey"`
	Level       int16  `gorm:"not null;default:0"`
	Description string `gorm:"type:text"`
	Document    JSONB  `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PolicyModel) TableName() string { return "security_policies" }

// SecurityEventModel maps to the "security_events" table.
// No UpdatedAt or DeletedAt: the trail is append-only and only retention
// removes rows.
type SecurityEventModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SandboxID    string    `gorm:"not null;index"`
	Topic        string    `gorm:"not null;index"`
	Type         string    `gorm:"not null;index"`
	Description  string    `gorm:"type:text"`
	ResourcePath string
	Details      JSONB     `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time `gorm:"index"`
}

func (SecurityEventModel) TableName() string { return "security_events" }

// Models lists every table in migration order. Both backends migrate the
// same set.
func Models() []any {
	return []any{
		&PolicyModel{},
		&SecurityEventModel{},
	}
}
