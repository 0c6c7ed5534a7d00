package points

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

const dayUnix = 24 * 60 * 60

// stubStore is an in-memory Store with optimistic versions. WithTx snapshots
// state up front and restores it when the closure fails, so atomicity
// assertions hold in tests.
type stubStore struct {
	entries map[string]LedgerEntry
	order   []string
	usages  map[string]UsageRecord

	conflictNextUpdates int
	failGetEntry        map[string]error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		entries:      make(map[string]LedgerEntry),
		usages:       make(map[string]UsageRecord),
		failGetEntry: make(map[string]error),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	entriesBefore := make(map[string]LedgerEntry, len(store.entries))
	for id, entry := range store.entries {
		entriesBefore[id] = entry
	}
	orderBefore := append([]string(nil), store.order...)
	usagesBefore := make(map[string]UsageRecord, len(store.usages))
	for id, usage := range store.usages {
		usagesBefore[id] = usage
	}
	if err := fn(ctx, store); err != nil {
		store.entries = entriesBefore
		store.order = orderBefore
		store.usages = usagesBefore
		return err
	}
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry LedgerEntry) error {
	if _, exists := store.entries[entry.EntryID]; exists {
		return fmt.Errorf("duplicate entry %s", entry.EntryID)
	}
	store.entries[entry.EntryID] = entry
	store.order = append(store.order, entry.EntryID)
	return nil
}

func (store *stubStore) GetEntry(ctx context.Context, entryID string) (LedgerEntry, error) {
	if err, exists := store.failGetEntry[entryID]; exists {
		return LedgerEntry{}, err
	}
	entry, exists := store.entries[entryID]
	if !exists {
		return LedgerEntry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (store *stubStore) UpdateEntry(ctx context.Context, entry LedgerEntry) error {
	if store.conflictNextUpdates > 0 {
		store.conflictNextUpdates--
		return ErrVersionConflict
	}
	existing, exists := store.entries[entry.EntryID]
	if !exists {
		return ErrEntryNotFound
	}
	if existing.Version != entry.Version {
		return ErrVersionConflict
	}
	entry.Version++
	store.entries[entry.EntryID] = entry
	return nil
}

func (store *stubStore) ListEntriesByUser(ctx context.Context, userID string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (store *stubStore) ListSpendableEntries(ctx context.Context, userID string, nowUnixUTC int64) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.UserID == userID && entry.SpendableAt(nowUnixUTC) {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(left, right int) bool {
		if out[left].AvailableFromUnixUTC != out[right].AvailableFromUnixUTC {
			return out[left].AvailableFromUnixUTC < out[right].AvailableFromUnixUTC
		}
		return out[left].CreatedUnixUTC < out[right].CreatedUnixUTC
	})
	return out, nil
}

func (store *stubStore) ListPendingDue(ctx context.Context, nowUnixUTC int64) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.Status == StatusPending && entry.AvailableFromUnixUTC <= nowUnixUTC {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (store *stubStore) ListExpiredDue(ctx context.Context, nowUnixUTC int64) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.Status == StatusAvailable && entry.RemainingAmount > 0 &&
			entry.ExpiresAtUnixUTC != 0 && entry.ExpiresAtUnixUTC <= nowUnixUTC {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (store *stubStore) ListHistory(ctx context.Context, userID string, filter HistoryFilter) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.UserID != userID || entry.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, entry.Kind) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, entry.Status) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(left, right int) bool {
		return out[left].CreatedUnixUTC > out[right].CreatedUnixUTC
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (store *stubStore) InsertUsage(ctx context.Context, usage UsageRecord) error {
	if _, exists := store.usages[usage.UsageID]; exists {
		return fmt.Errorf("duplicate usage %s", usage.UsageID)
	}
	usage.ConsumedFrom = append([]ConsumedPortion(nil), usage.ConsumedFrom...)
	store.usages[usage.UsageID] = usage
	return nil
}

func (store *stubStore) GetUsage(ctx context.Context, usageID string) (UsageRecord, error) {
	usage, exists := store.usages[usageID]
	if !exists {
		return UsageRecord{}, ErrUsageNotFound
	}
	usage.ConsumedFrom = append([]ConsumedPortion(nil), usage.ConsumedFrom...)
	return usage, nil
}

func (store *stubStore) UpdateUsageStatus(ctx context.Context, usageID string, from UsageStatus, to UsageStatus, reason string, expectedVersion int64) error {
	usage, exists := store.usages[usageID]
	if !exists {
		return ErrUsageRolledBackOrMissing
	}
	if usage.Version != expectedVersion {
		return ErrVersionConflict
	}
	if usage.Status != from {
		return ErrUsageRolledBackOrMissing
	}
	usage.Status = to
	usage.RollbackReason = reason
	usage.Version++
	store.usages[usageID] = usage
	return nil
}

func containsKind(kinds []SourceKind, kind SourceKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}
	return false
}

func containsStatus(statuses []EntryStatus, status EntryStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func (store *stubStore) mustEntry(test *testing.T, entryID string) LedgerEntry {
	test.Helper()
	entry, exists := store.entries[entryID]
	if !exists {
		test.Fatalf("entry %s not in store", entryID)
	}
	return entry
}

func (store *stubStore) mustUsage(test *testing.T, usageID string) UsageRecord {
	test.Helper()
	usage, exists := store.usages[usageID]
	if !exists {
		test.Fatalf("usage %s not in store", usageID)
	}
	return usage
}

// testClock is a settable clock shared with the service under test.
type testClock struct {
	nowUnixUTC int64
}

func (clock *testClock) Now() int64 {
	return clock.nowUnixUTC
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	sequence := 0
	generate := func() string {
		sequence++
		return fmt.Sprintf("id-%d", sequence)
	}
	options = append([]ServiceOption{WithIDGenerator(generate)}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id %q: %v", raw, err)
	}
	return reservationID
}

func mustUsageID(test *testing.T, raw string) UsageID {
	test.Helper()
	usageID, err := NewUsageID(raw)
	if err != nil {
		test.Fatalf("usage id %q: %v", raw, err)
	}
	return usageID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

// mustMaturedGrant creates a passthrough influencer-bonus grant of the exact
// amount and sweeps it to available, advancing the clock past the holding
// period.
func mustMaturedGrant(test *testing.T, service *Service, clock *testClock, userID UserID, amount Points) LedgerEntry {
	test.Helper()
	entry, err := service.CreateGrant(context.Background(), userID, KindInfluencerBonus, amount, GrantContext{})
	if err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	clock.nowUnixUTC = entry.AvailableFromUnixUTC + 1
	if _, err := service.SweepMaturation(context.Background(), clock.nowUnixUTC); err != nil {
		test.Fatalf("maturation sweep failed: %v", err)
	}
	return entry
}
