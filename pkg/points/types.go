package points

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Points is an integer point amount. Grants are positive, spends and
// expirations are negative.
type Points int64

// Int64 returns the raw point amount.
func (amount Points) Int64() int64 {
	return int64(amount)
}

// UserID identifies a point-account owner.
type UserID struct {
	value string
}

// ReservationID identifies the external obligation a spend pays for.
type ReservationID struct {
	value string
}

// UsageID identifies a committed spend record.
type UsageID struct {
	value string
}

// MetadataJSON stores arbitrary grant or spend context.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewUsageID validates and normalizes a usage record id.
func NewUsageID(raw string) (UsageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UsageID{}, fmt.Errorf("%w: empty value", ErrInvalidUsageID)
	}
	return UsageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UsageID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// SourceKind enumerates ledger entry kinds.
type SourceKind string

const (
	KindEarnedService   SourceKind = "earned_service"
	KindEarnedReferral  SourceKind = "earned_referral"
	KindInfluencerBonus SourceKind = "influencer_bonus"
	KindUsedService     SourceKind = "used_service"
	KindExpired         SourceKind = "expired"
	KindAdjustedByAdmin SourceKind = "adjusted_by_admin"
)

// String returns the wire form of the kind.
func (kind SourceKind) String() string {
	return string(kind)
}

// IsEarning reports whether entries of this kind carry positive amounts.
func (kind SourceKind) IsEarning() bool {
	switch kind {
	case KindEarnedService, KindEarnedReferral, KindInfluencerBonus:
		return true
	}
	return false
}

// IsConsumption reports whether entries of this kind carry negative amounts.
func (kind SourceKind) IsConsumption() bool {
	switch kind {
	case KindUsedService, KindExpired:
		return true
	}
	return false
}

// ParseSourceKind validates a raw kind value.
func ParseSourceKind(raw string) (SourceKind, error) {
	kind := SourceKind(raw)
	switch kind {
	case KindEarnedService, KindEarnedReferral, KindInfluencerBonus, KindUsedService, KindExpired, KindAdjustedByAdmin:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSourceKind, raw)
}

// EntryStatus defines the grant-entry lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusAvailable EntryStatus = "available"
	StatusUsed      EntryStatus = "used"
	StatusExpired   EntryStatus = "expired"
	StatusCancelled EntryStatus = "cancelled"
)

// String returns the wire form of the status.
func (status EntryStatus) String() string {
	return string(status)
}

// ParseEntryStatus validates a raw status value.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(raw)
	switch status {
	case StatusPending, StatusAvailable, StatusUsed, StatusExpired, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// UsageStatus defines the usage-record lifecycle. RolledBack is terminal.
type UsageStatus string

const (
	UsageCommitted  UsageStatus = "committed"
	UsageRolledBack UsageStatus = "rolled_back"
)

// String returns the wire form of the status.
func (status UsageStatus) String() string {
	return string(status)
}

// ParseUsageStatus validates a raw usage status value.
func ParseUsageStatus(raw string) (UsageStatus, error) {
	status := UsageStatus(raw)
	switch status {
	case UsageCommitted, UsageRolledBack:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUsageStatus, raw)
}

// LedgerEntry is one row per point grant or point spend.
// RemainingAmount applies to grant entries only and never drops below zero.
type LedgerEntry struct {
	EntryID              string
	UserID               string
	Kind                 SourceKind
	Amount               Points
	Status               EntryStatus
	AvailableFromUnixUTC int64
	ExpiresAtUnixUTC     int64
	RemainingAmount      Points
	LinkedUsageID        string
	Reason               string
	ContextJSON          string
	CreatedUnixUTC       int64
	UpdatedUnixUTC       int64
	Version              int64
}

// SpendableAt reports whether the entry can feed a FIFO draw at the given instant.
func (entry LedgerEntry) SpendableAt(nowUnixUTC int64) bool {
	if entry.Status != StatusAvailable || entry.RemainingAmount <= 0 {
		return false
	}
	if entry.ExpiresAtUnixUTC != 0 && entry.ExpiresAtUnixUTC <= nowUnixUTC {
		return false
	}
	return true
}

// ConsumedPortion records how much a single grant entry contributed to a spend.
type ConsumedPortion struct {
	GrantEntryID string
	AmountDrawn  Points
}

// UsageRecord is one row per spend attempt that succeeded. ConsumedFrom is
// the FIFO breakdown and the single source of truth for rollback.
type UsageRecord struct {
	UsageID        string
	UserID         string
	ReservationID  string
	TotalAmount    Points
	Status         UsageStatus
	ConsumedFrom   []ConsumedPortion
	SpendEntryID   string
	RollbackReason string
	CreatedUnixUTC int64
	Version        int64
}

// BalanceSnapshot is the aggregate view of one user's ledger at an instant.
type BalanceSnapshot struct {
	TotalEarned      Points
	TotalUsed        Points
	AvailableBalance Points
	PendingBalance   Points
	ExpiredBalance   Points
	AsOfUnixUTC      int64
}

// GrantContext carries the caller-supplied inputs that shape an accrual.
type GrantContext struct {
	IsInfluencer   bool
	TierMultiplier int64
	Reason         string
	Metadata       MetadataJSON
}

// HistoryFilter narrows and pages a ledger history listing.
type HistoryFilter struct {
	Kinds         []SourceKind
	Statuses      []EntryStatus
	BeforeUnixUTC int64
	Limit         int
}

// SweepFailure records one entry a sweep could not transition.
type SweepFailure struct {
	EntryID string
	Err     error
}

// SweepReport summarizes one maturation or expiration pass. Failures never
// abort the batch; each entry is processed independently.
type SweepReport struct {
	Scanned      int
	Transitioned int
	Skipped      int
	Failures     []SweepFailure
}
