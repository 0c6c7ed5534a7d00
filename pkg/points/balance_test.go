package points

import "testing"

func TestComputeBalanceNetRemainders(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "g1", UserID: "u", Kind: KindEarnedService, Amount: 1_000, Status: StatusAvailable, RemainingAmount: 400},
		{EntryID: "s1", UserID: "u", Kind: KindUsedService, Amount: -600, Status: StatusUsed},
	}
	snapshot := ComputeBalance(entries, 100)
	if snapshot.TotalEarned != 1_000 {
		test.Fatalf("expected earned 1000, got %d", snapshot.TotalEarned)
	}
	if snapshot.TotalUsed != 600 {
		test.Fatalf("expected used 600, got %d", snapshot.TotalUsed)
	}
	// RemainingAmount already reflects consumption; totalUsed is not
	// subtracted a second time.
	if snapshot.AvailableBalance != 400 {
		test.Fatalf("expected available 400, got %d", snapshot.AvailableBalance)
	}
}

func TestComputeBalanceExcludesCalendarExpiredRemainders(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "g1", UserID: "u", Kind: KindEarnedService, Amount: 100, Status: StatusAvailable, RemainingAmount: 100, ExpiresAtUnixUTC: 50},
	}
	snapshot := ComputeBalance(entries, 100)
	if snapshot.AvailableBalance != 0 {
		test.Fatalf("expected expired remainder excluded, got %d", snapshot.AvailableBalance)
	}
}

func TestComputeBalancePendingAndExpiredBuckets(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "g1", UserID: "u", Kind: KindEarnedReferral, Amount: 500, Status: StatusPending, RemainingAmount: 500, AvailableFromUnixUTC: 900},
		{EntryID: "g2", UserID: "u", Kind: KindEarnedService, Amount: 300, Status: StatusExpired, RemainingAmount: 0},
		{EntryID: "e2", UserID: "u", Kind: KindExpired, Amount: -300, Status: StatusExpired},
	}
	snapshot := ComputeBalance(entries, 100)
	if snapshot.PendingBalance != 500 {
		test.Fatalf("expected pending 500, got %d", snapshot.PendingBalance)
	}
	if snapshot.ExpiredBalance != 300 {
		test.Fatalf("expected expired 300, got %d", snapshot.ExpiredBalance)
	}
}

func TestComputeBalanceIgnoresCancelledSpends(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "g1", UserID: "u", Kind: KindEarnedService, Amount: 200, Status: StatusAvailable, RemainingAmount: 200},
		{EntryID: "s1", UserID: "u", Kind: KindUsedService, Amount: -150, Status: StatusCancelled},
	}
	snapshot := ComputeBalance(entries, 100)
	if snapshot.TotalUsed != 0 {
		test.Fatalf("expected cancelled spend excluded from used, got %d", snapshot.TotalUsed)
	}
}

func TestComputeBalanceAdminAdjustmentsBySign(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "a1", UserID: "u", Kind: KindAdjustedByAdmin, Amount: 100, Status: StatusAvailable, RemainingAmount: 100},
		{EntryID: "a2", UserID: "u", Kind: KindAdjustedByAdmin, Amount: -40, Status: StatusUsed},
	}
	snapshot := ComputeBalance(entries, 100)
	if snapshot.TotalEarned != 100 {
		test.Fatalf("expected earned 100, got %d", snapshot.TotalEarned)
	}
	if snapshot.TotalUsed != 40 {
		test.Fatalf("expected used 40, got %d", snapshot.TotalUsed)
	}
}

func TestComputeBalanceConservation(test *testing.T) {
	test.Parallel()
	entries := []LedgerEntry{
		{EntryID: "g1", UserID: "u", Kind: KindEarnedService, Amount: 1_000, Status: StatusAvailable, RemainingAmount: 100},
		{EntryID: "g2", UserID: "u", Kind: KindEarnedReferral, Amount: 500, Status: StatusPending, RemainingAmount: 500},
		{EntryID: "g3", UserID: "u", Kind: KindInfluencerBonus, Amount: 400, Status: StatusExpired, RemainingAmount: 0},
		{EntryID: "s1", UserID: "u", Kind: KindUsedService, Amount: -900, Status: StatusUsed},
		{EntryID: "e3", UserID: "u", Kind: KindExpired, Amount: -400, Status: StatusExpired},
	}
	snapshot := ComputeBalance(entries, 100)
	left := snapshot.TotalEarned - snapshot.TotalUsed - snapshot.ExpiredBalance - snapshot.PendingBalance
	if left != snapshot.AvailableBalance {
		test.Fatalf("conservation violated: %d != %d", left, snapshot.AvailableBalance)
	}
}
