package points

import "context"

// Store is the persistence contract used by Service.
//
// Mutations inside a WithTx closure commit or roll back as one unit.
// UpdateEntry and UpdateUsageStatus are compare-and-update: the write lands
// only if the stored row still carries the version the entry was read with,
// otherwise ErrVersionConflict is returned and the caller restarts from the
// read step.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertEntry(ctx context.Context, entry LedgerEntry) error
	GetEntry(ctx context.Context, entryID string) (LedgerEntry, error)
	// UpdateEntry persists the entry's mutable fields (status, remaining
	// amount, updated timestamp) guarded by entry.Version; on success the
	// stored version is bumped by one.
	UpdateEntry(ctx context.Context, entry LedgerEntry) error

	// ListEntriesByUser returns every entry for the user, ordered by creation
	// time ascending. Balance aggregation runs over this snapshot.
	ListEntriesByUser(ctx context.Context, userID string) ([]LedgerEntry, error)
	// ListSpendableEntries returns available entries with remaining amount,
	// not expired at the given instant, ordered ascending by
	// (available_from, created_at). This ordering is the FIFO contract.
	ListSpendableEntries(ctx context.Context, userID string, nowUnixUTC int64) ([]LedgerEntry, error)
	// ListPendingDue returns pending entries whose holding period has elapsed.
	ListPendingDue(ctx context.Context, nowUnixUTC int64) ([]LedgerEntry, error)
	// ListExpiredDue returns available entries with remaining amount whose
	// expiry has passed.
	ListExpiredDue(ctx context.Context, nowUnixUTC int64) ([]LedgerEntry, error)
	// ListHistory pages entries for a user, newest first, filtered by kind
	// and status and bounded by a before-cursor.
	ListHistory(ctx context.Context, userID string, filter HistoryFilter) ([]LedgerEntry, error)

	InsertUsage(ctx context.Context, usage UsageRecord) error
	GetUsage(ctx context.Context, usageID string) (UsageRecord, error)
	// UpdateUsageStatus moves a usage record from one status to another,
	// recording the reason, guarded by expectedVersion. A record not in the
	// from status yields ErrUsageRolledBackOrMissing.
	UpdateUsageStatus(ctx context.Context, usageID string, from UsageStatus, to UsageStatus, reason string, expectedVersion int64) error
}
