package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/points"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectEntry       = "entry"
	errorSubjectUsage       = "usage"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			linked_usage_id, reason, context, created_unix, updated_unix, version
		)
		values(
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			nullif($9,''), $10, coalesce(nullif($11,''),'{}')::jsonb, $12, $13, $14
		)
	`

	sqlSelectEntry = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where entry_id = $1
	`

	sqlUpdateEntry = `
		update ledger_entries
		set status = $2, remaining_amount = $3, reason = $4, updated_unix = $5, version = version + 1
		where entry_id = $1 and version = $6
	`

	sqlListEntriesByUser = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where user_id = $1
		order by created_unix asc, entry_id asc
	`

	sqlListSpendable = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where user_id = $1 and status = 'available' and remaining_amount > 0
			and (expires_at_unix = 0 or expires_at_unix > $2)
		order by available_from_unix asc, created_unix asc, entry_id asc
		for update
	`

	sqlListPendingDue = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where status = 'pending' and available_from_unix <= $1
		order by available_from_unix asc, entry_id asc
	`

	sqlListExpiredDue = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where status = 'available' and remaining_amount > 0
			and expires_at_unix <> 0 and expires_at_unix <= $1
		order by expires_at_unix asc, entry_id asc
	`

	sqlListHistory = `
		select entry_id::text, user_id, kind, amount, status,
			available_from_unix, expires_at_unix, remaining_amount,
			coalesce(linked_usage_id::text,''), reason, coalesce(context::text,'{}'),
			created_unix, updated_unix, version
		from ledger_entries
		where user_id = $1 and created_unix < $2
			and (cardinality($3::text[]) = 0 or kind = any($3::text[]))
			and (cardinality($4::text[]) = 0 or status = any($4::text[]))
		order by created_unix desc, entry_id desc
		limit $5
	`

	sqlInsertUsage = `
		insert into usage_records(
			usage_id, user_id, reservation_id, total_amount, status,
			spend_entry_id, rollback_reason, created_unix, version
		)
		values($1, $2, $3, $4, $5, nullif($6,''), $7, $8, $9)
	`

	sqlInsertConsumption = `
		insert into usage_consumptions(usage_id, position, grant_entry_id, amount_drawn)
		values($1, $2, $3, $4)
	`

	sqlSelectUsage = `
		select usage_id::text, user_id, reservation_id, total_amount, status,
			coalesce(spend_entry_id::text,''), rollback_reason, created_unix, version
		from usage_records
		where usage_id = $1
	`

	sqlSelectConsumptions = `
		select grant_entry_id::text, amount_drawn
		from usage_consumptions
		where usage_id = $1
		order by position asc
	`

	sqlUpdateUsageStatus = `
		update usage_records
		set status = $2, rollback_reason = $3, version = version + 1
		where usage_id = $1 and status = $4 and version = $5
	`

	sqlSelectUsageStatus = `
		select status from usage_records where usage_id = $1
	`
)

// querier covers the pgx surface shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements points.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (q queries) InsertEntry(ctx context.Context, entry points.LedgerEntry) error {
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.UserID,
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.Status.String(),
		entry.AvailableFromUnixUTC,
		entry.ExpiresAtUnixUTC,
		entry.RemainingAmount.Int64(),
		entry.LinkedUsageID,
		entry.Reason,
		entry.ContextJSON,
		entry.CreatedUnixUTC,
		entry.UpdatedUnixUTC,
		entry.Version,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) GetEntry(ctx context.Context, entryID string) (points.LedgerEntry, error) {
	entry, err := scanEntry(q.db.QueryRow(ctx, sqlSelectEntry, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, points.ErrEntryNotFound)
		}
		return points.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (q queries) UpdateEntry(ctx context.Context, entry points.LedgerEntry) error {
	tag, err := q.db.Exec(ctx, sqlUpdateEntry,
		entry.EntryID,
		entry.Status.String(),
		entry.RemainingAmount.Int64(),
		entry.Reason,
		entry.UpdatedUnixUTC,
		entry.Version,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, points.ErrVersionConflict)
	}
	return nil
}

func (q queries) ListEntriesByUser(ctx context.Context, userID string) ([]points.LedgerEntry, error) {
	return q.listEntries(ctx, sqlListEntriesByUser, userID)
}

func (q queries) ListSpendableEntries(ctx context.Context, userID string, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	return q.listEntries(ctx, sqlListSpendable, userID, nowUnixUTC)
}

func (q queries) ListPendingDue(ctx context.Context, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	return q.listEntries(ctx, sqlListPendingDue, nowUnixUTC)
}

func (q queries) ListExpiredDue(ctx context.Context, nowUnixUTC int64) ([]points.LedgerEntry, error) {
	return q.listEntries(ctx, sqlListExpiredDue, nowUnixUTC)
}

func (q queries) ListHistory(ctx context.Context, userID string, filter points.HistoryFilter) ([]points.LedgerEntry, error) {
	kinds := make([]string, 0, len(filter.Kinds))
	for _, kind := range filter.Kinds {
		kinds = append(kinds, kind.String())
	}
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, status.String())
	}
	return q.listEntries(ctx, sqlListHistory, userID, filter.BeforeUnixUTC, kinds, statuses, filter.Limit)
}

func (q queries) InsertUsage(ctx context.Context, usage points.UsageRecord) error {
	_, err := q.db.Exec(ctx, sqlInsertUsage,
		usage.UsageID,
		usage.UserID,
		usage.ReservationID,
		usage.TotalAmount.Int64(),
		usage.Status.String(),
		usage.SpendEntryID,
		usage.RollbackReason,
		usage.CreatedUnixUTC,
		usage.Version,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectUsage, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	for position, portion := range usage.ConsumedFrom {
		_, err := q.db.Exec(ctx, sqlInsertConsumption,
			usage.UsageID,
			position,
			portion.GrantEntryID,
			portion.AmountDrawn.Int64(),
		)
		if err != nil {
			return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
		}
	}
	return nil
}

func (q queries) GetUsage(ctx context.Context, usageID string) (points.UsageRecord, error) {
	var (
		usage       points.UsageRecord
		statusValue string
	)
	err := q.db.QueryRow(ctx, sqlSelectUsage, usageID).Scan(
		&usage.UsageID,
		&usage.UserID,
		&usage.ReservationID,
		&usage.TotalAmount,
		&statusValue,
		&usage.SpendEntryID,
		&usage.RollbackReason,
		&usage.CreatedUnixUTC,
		&usage.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, points.ErrUsageNotFound)
		}
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	status, err := points.ParseUsageStatus(statusValue)
	if err != nil {
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	usage.Status = status

	rows, err := q.db.Query(ctx, sqlSelectConsumptions, usageID)
	if err != nil {
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	defer rows.Close()
	for rows.Next() {
		var portion points.ConsumedPortion
		if err := rows.Scan(&portion.GrantEntryID, &portion.AmountDrawn); err != nil {
			return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
		}
		usage.ConsumedFrom = append(usage.ConsumedFrom, portion)
	}
	if err := rows.Err(); err != nil {
		return points.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return usage, nil
}

func (q queries) UpdateUsageStatus(ctx context.Context, usageID string, from points.UsageStatus, to points.UsageStatus, reason string, expectedVersion int64) error {
	tag, err := q.db.Exec(ctx, sqlUpdateUsageStatus, usageID, to.String(), reason, from.String(), expectedVersion)
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() != 0 {
		return nil
	}
	// Distinguish a stale version from a record already out of the from
	// status so the caller can stop retrying terminal transitions.
	var currentStatus string
	err = q.db.QueryRow(ctx, sqlSelectUsageStatus, usageID).Scan(&currentStatus)
	if err != nil || currentStatus != from.String() {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, points.ErrUsageRolledBackOrMissing)
	}
	return wrapStoreError(errorSubjectUsage, errorCodeUpdateStatus, points.ErrVersionConflict)
}

func (q queries) listEntries(ctx context.Context, sql string, args ...any) ([]points.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]points.LedgerEntry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (points.LedgerEntry, error) {
	var (
		entry       points.LedgerEntry
		kindValue   string
		statusValue string
	)
	err := row.Scan(
		&entry.EntryID,
		&entry.UserID,
		&kindValue,
		&entry.Amount,
		&statusValue,
		&entry.AvailableFromUnixUTC,
		&entry.ExpiresAtUnixUTC,
		&entry.RemainingAmount,
		&entry.LinkedUsageID,
		&entry.Reason,
		&entry.ContextJSON,
		&entry.CreatedUnixUTC,
		&entry.UpdatedUnixUTC,
		&entry.Version,
	)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	kind, err := points.ParseSourceKind(kindValue)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	status, err := points.ParseEntryStatus(statusValue)
	if err != nil {
		return points.LedgerEntry{}, err
	}
	entry.Kind = kind
	entry.Status = status
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
