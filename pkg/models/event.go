// Package models hosts the persisted records of the event store.
package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one ingested occurrence of an alert. Rows are append-only
// from the ingestion side; the scheduler only ever advances the lifecycle
// timestamps and never touches the identity fields.
type EventRecord struct {
	ID          int64             `gorm:"primaryKey;autoIncrement"`
	SourceType  string            `gorm:"type:varchar(250);not null;index"`
	Fingerprint string            `gorm:"type:varchar(250);index"`
	Owner       string            `gorm:"type:varchar(250);index"`
	Data        datatypes.JSONMap `gorm:"type:json"`
	// EventMetadata is the side channel filled by hydrators, merged
	// shallowly on update.
	EventMetadata datatypes.JSONMap `gorm:"type:json"`

	ReceivedAt  time.Time  `gorm:"index"`
	SentAt      *time.Time `gorm:"index"`
	EscalatedAt *time.Time
	ProcessedAt *time.Time `gorm:"index"`

	// Decision flags computed during a scheduling pass, never persisted.
	New             bool `gorm:"-"`
	NeedsEscalation bool `gorm:"-"`
	FirstEscalation bool `gorm:"-"`
}

func (EventRecord) TableName() string {
	return "event"
}

func (e *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = tx.NowFunc()
	}
	return nil
}

// UpdateMetadata merges metadata into the existing event metadata.
func (e *EventRecord) UpdateMetadata(metadata map[string]any) {
	if e.EventMetadata == nil {
		e.EventMetadata = datatypes.JSONMap{}
	}
	for k, v := range metadata {
		e.EventMetadata[k] = v
	}
}

// Ignore types, recorded when a user or the scheduler interacts with a
// fingerprint.
const (
	IgnoreSnooze           = "snooze"
	IgnoreAcceptRisk       = "acceptrisk"
	IgnoreFalsePositive    = "falsepositive"
	IgnoreAcknowledge      = "acknowledge"
	IgnoreEscalateManually = "escalate_manually"
	IgnoreResolved         = "resolved"
)

// IgnoreFingerprintRecord marks a fingerprint as suppressed or interacted
// with. Rows are never updated or deleted, the full interaction history is
// kept.
type IgnoreFingerprintRecord struct {
	ID             int64             `gorm:"primaryKey;autoIncrement"`
	Fingerprint    string            `gorm:"type:varchar(250);index"`
	IgnoreType     string            `gorm:"type:varchar(50)"`
	ReportedAt     time.Time         `gorm:""`
	ExpiresAt      *time.Time        `gorm:""`
	RecordMetadata datatypes.JSONMap `gorm:"type:json"`
}

func (IgnoreFingerprintRecord) TableName() string {
	return "ignore_fingerprint"
}

func (r *IgnoreFingerprintRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = tx.NowFunc()
	}
	return nil
}
