package points

import (
	"context"
	"errors"
	"testing"
)

func TestSpendSimpleEarnAndSpend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-1")

	grant := mustMaturedGrant(test, service, clock, userID, 1_000)

	usage, err := service.Spend(context.Background(), userID, 600, mustReservationID(test, "res-1"))
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if len(usage.ConsumedFrom) != 1 {
		test.Fatalf("expected one consumed portion, got %d", len(usage.ConsumedFrom))
	}
	portion := usage.ConsumedFrom[0]
	if portion.GrantEntryID != grant.EntryID || portion.AmountDrawn != 600 {
		test.Fatalf("unexpected portion: %+v", portion)
	}
	if got := store.mustEntry(test, grant.EntryID).RemainingAmount; got != 400 {
		test.Fatalf("expected remaining 400, got %d", got)
	}
	balance, err := service.GetBalance(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AvailableBalance != 400 {
		test.Fatalf("expected available 400, got %d", balance.AvailableBalance)
	}
}

func TestSpendDrawsOldestAvailableFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-2")

	older := mustMaturedGrant(test, service, clock, userID, 50)
	newer := mustMaturedGrant(test, service, clock, userID, 50)

	usage, err := service.Spend(context.Background(), userID, 60, mustReservationID(test, "res-2"))
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if len(usage.ConsumedFrom) != 2 {
		test.Fatalf("expected two portions, got %+v", usage.ConsumedFrom)
	}
	if usage.ConsumedFrom[0].GrantEntryID != older.EntryID || usage.ConsumedFrom[0].AmountDrawn != 50 {
		test.Fatalf("expected full draw from older grant first, got %+v", usage.ConsumedFrom[0])
	}
	if usage.ConsumedFrom[1].GrantEntryID != newer.EntryID || usage.ConsumedFrom[1].AmountDrawn != 10 {
		test.Fatalf("expected partial draw from newer grant, got %+v", usage.ConsumedFrom[1])
	}
	if got := store.mustEntry(test, older.EntryID).Status; got != StatusUsed {
		test.Fatalf("expected fully-drawn grant marked used, got %s", got)
	}
	if got := store.mustEntry(test, newer.EntryID).RemainingAmount; got != 40 {
		test.Fatalf("expected 40 left on newer grant, got %d", got)
	}
}

func TestSpendTieBreaksOnCreationTime(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-3")

	first, err := service.CreateGrant(context.Background(), userID, KindInfluencerBonus, 30, GrantContext{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	clock.nowUnixUTC++
	second, err := service.CreateGrant(context.Background(), userID, KindInfluencerBonus, 30, GrantContext{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	// Force identical maturation instants so only creation time can order them.
	entry := store.mustEntry(test, second.EntryID)
	entry.AvailableFromUnixUTC = first.AvailableFromUnixUTC
	store.entries[second.EntryID] = entry

	clock.nowUnixUTC = first.AvailableFromUnixUTC + 1
	if _, err := service.SweepMaturation(context.Background(), clock.nowUnixUTC); err != nil {
		test.Fatalf("sweep: %v", err)
	}

	usage, err := service.Spend(context.Background(), userID, 40, mustReservationID(test, "res-3"))
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if usage.ConsumedFrom[0].GrantEntryID != first.EntryID {
		test.Fatalf("expected earlier-created grant drawn first, got %+v", usage.ConsumedFrom)
	}
}

func TestSpendInsufficientFundsLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-4")

	grant := mustMaturedGrant(test, service, clock, userID, 100)

	_, err := service.Spend(context.Background(), userID, 150, mustReservationID(test, "res-4"))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := store.mustEntry(test, grant.EntryID).RemainingAmount; got != 100 {
		test.Fatalf("expected remaining 100 after failed spend, got %d", got)
	}
	balance, err := service.GetBalance(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AvailableBalance != 100 {
		test.Fatalf("expected available 100, got %d", balance.AvailableBalance)
	}
}

func TestSpendWithNoEligibleEntriesFailsInsufficient(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-5")

	_, err := service.Spend(context.Background(), userID, 10, mustReservationID(test, "res-5"))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSpendRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-6")

	if _, err := service.Spend(context.Background(), userID, 0, mustReservationID(test, "res-6")); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := service.Spend(context.Background(), userID, -10, mustReservationID(test, "res-6")); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestSpendSkipsPendingEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-7")

	matured := mustMaturedGrant(test, service, clock, userID, 100)
	if _, err := service.CreateGrant(context.Background(), userID, KindInfluencerBonus, 100, GrantContext{}); err != nil {
		test.Fatalf("grant: %v", err)
	}

	_, err := service.Spend(context.Background(), userID, 150, mustReservationID(test, "res-7"))
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("pending credit must not be spendable, got %v", err)
	}
	usage, err := service.Spend(context.Background(), userID, 100, mustReservationID(test, "res-7"))
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if usage.ConsumedFrom[0].GrantEntryID != matured.EntryID {
		test.Fatalf("expected matured grant drawn, got %+v", usage.ConsumedFrom)
	}
}

func TestSpendRetriesOnVersionConflict(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-8")

	grant := mustMaturedGrant(test, service, clock, userID, 200)
	store.conflictNextUpdates = 1

	usage, err := service.Spend(context.Background(), userID, 50, mustReservationID(test, "res-8"))
	if err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if usage.TotalAmount != 50 {
		test.Fatalf("unexpected usage: %+v", usage)
	}
	// The conflicted first attempt must not leave a partial decrement behind.
	if got := store.mustEntry(test, grant.EntryID).RemainingAmount; got != 150 {
		test.Fatalf("expected remaining 150, got %d", got)
	}
}

func TestSpendSurfacesTransientAfterRetryBudget(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-9")

	grant := mustMaturedGrant(test, service, clock, userID, 200)
	store.conflictNextUpdates = 100

	_, err := service.Spend(context.Background(), userID, 50, mustReservationID(test, "res-9"))
	if !errors.Is(err, ErrTransientFailure) {
		test.Fatalf("expected ErrTransientFailure, got %v", err)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("contention must not surface as insufficient funds")
	}
	if got := store.mustEntry(test, grant.EntryID).RemainingAmount; got != 200 {
		test.Fatalf("expected untouched grant, got remaining %d", got)
	}
}

func TestAdminAdjustNegativeDrawsDownFIFO(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-10")

	older := mustMaturedGrant(test, service, clock, userID, 80)
	mustMaturedGrant(test, service, clock, userID, 80)

	adjustment, err := service.AdminAdjust(context.Background(), userID, -100, "fraud reversal", mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if adjustment.Kind != KindAdjustedByAdmin || adjustment.Amount != -100 {
		test.Fatalf("unexpected adjustment entry: %+v", adjustment)
	}
	if got := store.mustEntry(test, older.EntryID).RemainingAmount; got != 0 {
		test.Fatalf("expected older grant drained, got %d", got)
	}
	balance, err := service.GetBalance(context.Background(), userID, 0)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AvailableBalance != 60 {
		test.Fatalf("expected available 60, got %d", balance.AvailableBalance)
	}
}

func TestAdminAdjustRequiresReason(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-11")

	if _, err := service.AdminAdjust(context.Background(), userID, 100, "", mustMetadata(test, "{}")); !errors.Is(err, ErrMissingAdjustReason) {
		test.Fatalf("expected ErrMissingAdjustReason, got %v", err)
	}
}

func TestAdminAdjustPositiveIsImmediatelySpendable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{nowUnixUTC: 1_000}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "user-12")

	if _, err := service.AdminAdjust(context.Background(), userID, 100, "support credit", mustMetadata(test, "{}")); err != nil {
		test.Fatalf("adjust: %v", err)
	}
	usage, err := service.Spend(context.Background(), userID, 100, mustReservationID(test, "res-12"))
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if usage.TotalAmount != 100 {
		test.Fatalf("unexpected usage: %+v", usage)
	}
}
