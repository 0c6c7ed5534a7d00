package points

// ComputeBalance derives the aggregate totals for one user from a snapshot of
// that user's entries. It is a pure function of the snapshot and the
// reference instant: RemainingAmount already reflects consumption, so the
// available balance is the sum of current remainders over non-expired
// available entries and totalUsed is never subtracted a second time.
func ComputeBalance(entries []LedgerEntry, nowUnixUTC int64) BalanceSnapshot {
	snapshot := BalanceSnapshot{AsOfUnixUTC: nowUnixUTC}
	for _, entry := range entries {
		switch {
		case entry.Kind.IsEarning():
			snapshot.TotalEarned += entry.Amount
		case entry.Kind == KindUsedService:
			if entry.Status != StatusCancelled {
				snapshot.TotalUsed += -entry.Amount
			}
		case entry.Kind == KindExpired:
			snapshot.ExpiredBalance += -entry.Amount
		case entry.Kind == KindAdjustedByAdmin:
			if entry.Amount > 0 {
				snapshot.TotalEarned += entry.Amount
			} else {
				snapshot.TotalUsed += -entry.Amount
			}
		}

		switch entry.Status {
		case StatusPending:
			snapshot.PendingBalance += entry.Amount
		case StatusAvailable:
			if entry.ExpiresAtUnixUTC == 0 || entry.ExpiresAtUnixUTC > nowUnixUTC {
				snapshot.AvailableBalance += entry.RemainingAmount
			}
		}
	}
	return snapshot
}
