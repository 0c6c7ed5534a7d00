package gormstore

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerEntry mirrors the ledger_entries table. Timestamps are unix seconds
// in UTC so the sweep queries compare plain integers.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	UserID            string         `gorm:"not null;index:idx_entries_user_created,priority:1"`
	Kind              string         `gorm:"not null"`
	Amount            int64          `gorm:"not null"`
	Status            string         `gorm:"not null;index:idx_entries_status_available,priority:1;index:idx_entries_status_expires,priority:1"`
	AvailableFromUnix int64          `gorm:"not null;index:idx_entries_status_available,priority:2"`
	ExpiresAtUnix     int64          `gorm:"not null;index:idx_entries_status_expires,priority:2"`
	RemainingAmount   int64          `gorm:"not null"`
	LinkedUsageID     *string        `gorm:"index"`
	Reason            string         `gorm:"not null;default:''"`
	Context           datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedUnix       int64          `gorm:"not null;index:idx_entries_user_created,priority:2"`
	UpdatedUnix       int64          `gorm:"not null"`
	Version           int64          `gorm:"not null;default:1"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// UsageRecord mirrors the usage_records table.
type UsageRecord struct {
	UsageID        string  `gorm:"type:uuid;primaryKey"`
	UserID         string  `gorm:"not null;index"`
	ReservationID  string  `gorm:"not null;index"`
	TotalAmount    int64   `gorm:"not null"`
	Status         string  `gorm:"not null"`
	SpendEntryID   *string `gorm:""`
	RollbackReason string  `gorm:"not null;default:''"`
	CreatedUnix    int64   `gorm:"not null"`
	Version        int64   `gorm:"not null;default:1"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (usage *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if usage.UsageID == "" {
		usage.UsageID = uuid.NewString()
	}
	return nil
}

// UsageConsumption mirrors the usage_consumptions table: one row per grant a
// spend drew from, in draw order.
type UsageConsumption struct {
	UsageID      string `gorm:"type:uuid;primaryKey;index:idx_consumptions_usage,priority:1"`
	Position     int    `gorm:"primaryKey;index:idx_consumptions_usage,priority:2"`
	GrantEntryID string `gorm:"type:uuid;not null"`
	AmountDrawn  int64  `gorm:"not null"`
}

func (UsageConsumption) TableName() string { return "usage_consumptions" }
