package gormstore

import (
	"context"
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/points"
)

const (
	defaultContextJSON    = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectEntry     = "entry"
	errorSubjectUsage     = "usage"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the ledger schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LedgerEntry{}, &UsageRecord{}, &UsageConsumption{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) InsertEntry(ctx context.Context, entry points.LedgerEntry) error {
	model := entryModel(entry)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID string) (points.LedgerEntry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("entry_id = ?", entryID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, points.ErrEntryNotFound)
		}
		return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapEntry(model)
	if err != nil {
		return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntry(ctx context.Context, entry points.LedgerEntry) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND version = ?", entry.EntryID, entry.Version).
		Updates(map[string]interface{}{
			"status":           entry.Status.String(),
			"remaining_amount": entry.RemainingAmount.Int64(),
			"reason":           entry.Reason,
			"updated_unix":     entry.UpdatedUnixUTC,
			"version":          entry.Version + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, points.ErrVersionConflict)
	}
	return nil
}

func (store *Store) ListEntriesByUser(ctx context.Context, userID string) ([]points.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_unix ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListSpendableEntries(ctx context.Context, userID string, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND remaining_amount > 0", userID, points.StatusAvailable.String()).
		Where("expires_at_unix = 0 OR expires_at_unix > ?", nowUnixUTC).
		Order("available_from_unix ASC, created_unix ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListPendingDue(ctx context.Context, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("status = ? AND available_from_unix <= ?", points.StatusPending.String(), nowUnixUTC).
		Order("available_from_unix ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListExpiredDue(ctx context.Context, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("status = ? AND remaining_amount > 0", points.StatusAvailable.String()).
		Where("expires_at_unix <> 0 AND expires_at_unix <= ?", nowUnixUTC).
		Order("expires_at_unix ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) ListHistory(ctx context.Context, userID string, filter points.HistoryFilter) ([]points.LedgerEntry, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_unix < ?", userID, filter.BeforeUnixUTC)
	if len(filter.Kinds) > 0 {
		query = query.Where("kind IN ?", kindStrings(filter.Kinds))
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", statusStrings(filter.Statuses))
	}
	var rows []LedgerEntry
	err := query.
		Order("created_unix DESC, entry_id DESC").
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapEntries(rows)
}

func (store *Store) InsertUsage(ctx context.Context, usage points.UsageRecord) error {
	model := UsageRecord{
		UsageID:        usage.UsageID,
		UserID:         usage.UserID,
		ReservationID:  usage.ReservationID,
		TotalAmount:    usage.TotalAmount.Int64(),
		Status:         usage.Status.String(),
		SpendEntryID:   optionalString(usage.SpendEntryID),
		RollbackReason: usage.RollbackReason,
		CreatedUnix:    usage.CreatedUnixUTC,
		Version:        usage.Version,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectUsage, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	for position, portion := range usage.ConsumedFrom {
		consumption := UsageConsumption{
			UsageID:      usage.UsageID,
			Position:     position,
			GrantEntryID: portion.GrantEntryID,
			AmountDrawn:  portion.AmountDrawn.Int64(),
		}
		if err := store.db.WithContext(ctx).Create(&consumption).Error; err != nil {
			return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
		}
	}
	return nil
}

func (store *Store) GetUsage(ctx context.Context, usageID string) (points.UsageRecord, error) {
	var model UsageRecord
	err := store.db.WithContext(ctx).
		Where("usage_id = ?", usageID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, points.ErrUsageNotFound)
		}
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	var consumptions []UsageConsumption
	err = store.db.WithContext(ctx).
		Where("usage_id = ?", usageID).
		Order("position ASC").
		Find(&consumptions).Error
	if err != nil {
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return mapUsage(model, consumptions)
}

func (store *Store) UpdateUsageStatus(ctx context.Context, usageID string, from points.UsageStatus, to points.UsageStatus, reason string, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("usage_id = ? AND status = ? AND version = ?", usageID, from.String(), expectedVersion).
		Updates(map[string]interface{}{
			"status":          to.String(),
			"rollback_reason": reason,
			"version":         expectedVersion + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected != 0 {
		return nil
	}
	// Distinguish a stale version from a record already out of the from
	// status so the caller can stop retrying terminal transitions.
	var current UsageRecord
	err := store.db.WithContext(ctx).
		Where("usage_id = ?", usageID).
		Take(&current).Error
	if err != nil || current.Status != from.String() {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, points.ErrUsageRolledBackOrMissing)
	}
	return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, points.ErrVersionConflict)
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func entryModel(entry points.LedgerEntry) LedgerEntry {
	return LedgerEntry{
		EntryID:           entry.EntryID,
		UserID:            entry.UserID,
		Kind:              entry.Kind.String(),
		Amount:            entry.Amount.Int64(),
		Status:            entry.Status.String(),
		AvailableFromUnix: entry.AvailableFromUnixUTC,
		ExpiresAtUnix:     entry.ExpiresAtUnixUTC,
		RemainingAmount:   entry.RemainingAmount.Int64(),
		LinkedUsageID:     optionalString(entry.LinkedUsageID),
		Reason:            entry.Reason,
		Context:           datatypesJSON(entry.ContextJSON),
		CreatedUnix:       entry.CreatedUnixUTC,
		UpdatedUnix:       entry.UpdatedUnixUTC,
		Version:           entry.Version,
	}
}

func mapEntries(rows []LedgerEntry) ([]points.LedgerEntry, error) {
	entries := make([]points.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapEntry(row LedgerEntry) (points.LedgerEntry, error) {
	kind, err := points.ParseSourceKind(row.Kind)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	status, err := points.ParseEntryStatus(row.Status)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	return points.LedgerEntry{
		EntryID:              row.EntryID,
		UserID:               row.UserID,
		Kind:                 kind,
		Amount:               points.Points(row.Amount),
		Status:               status,
		AvailableFromUnixUTC: row.AvailableFromUnix,
		ExpiresAtUnixUTC:     row.ExpiresAtUnix,
		RemainingAmount:      points.Points(row.RemainingAmount),
		LinkedUsageID:        stringOrEmpty(row.LinkedUsageID),
		Reason:               row.Reason,
		ContextJSON:          string(row.Context),
		CreatedUnixUTC:       row.CreatedUnix,
		UpdatedUnixUTC:       row.UpdatedUnix,
		Version:              row.Version,
	}, nil
}

func mapUsage(row UsageRecord, consumptions []UsageConsumption) (points.UsageRecord, error) {
	status, err := points.ParseUsageStatus(row.Status)
	if err != nil {
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	consumedFrom := make([]points.ConsumedPortion, 0, len(consumptions))
	for _, consumption := range consumptions {
		consumedFrom = append(consumedFrom, points.ConsumedPortion{
			GrantEntryID: consumption.GrantEntryID,
			AmountDrawn:  points.Points(consumption.AmountDrawn),
		})
	}
	return points.UsageRecord{
		UsageID:        row.UsageID,
		UserID:         row.UserID,
		ReservationID:  row.ReservationID,
		TotalAmount:    points.Points(row.TotalAmount),
		Status:         status,
		ConsumedFrom:   consumedFrom,
		SpendEntryID:   stringOrEmpty(row.SpendEntryID),
		RollbackReason: row.RollbackReason,
		CreatedUnixUTC: row.CreatedUnix,
		Version:        row.Version,
	}, nil
}

func kindStrings(kinds []points.SourceKind) []string {
	values := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		values = append(values, kind.String())
	}
	return values
}

func statusStrings(statuses []points.EntryStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultContextJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
