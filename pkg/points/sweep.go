package points

import "context"

// SweepMaturation flips pending entries whose holding period has elapsed to
// available. Entries that already matured under a concurrent sweep are
// counted as skipped, so repeated invocation is a no-op. Entries are
// processed independently; one failure never blocks the rest of the batch.
func (service *Service) SweepMaturation(ctx context.Context, nowUnixUTC int64) (SweepReport, error) {
	if nowUnixUTC == 0 {
		nowUnixUTC = service.nowFn()
	}
	due, err := service.store.ListPendingDue(ctx, nowUnixUTC)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Scanned: len(due)}
	for _, candidate := range due {
		transitioned, err := service.matureEntry(ctx, candidate.EntryID, nowUnixUTC)
		if err != nil {
			report.Failures = append(report.Failures, SweepFailure{EntryID: candidate.EntryID, Err: err})
			continue
		}
		if transitioned {
			report.Transitioned++
		} else {
			report.Skipped++
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSweepMaturation,
		Amount:    Points(report.Transitioned),
	})
	return report, nil
}

// SweepExpiration forfeits the unused remainder of available entries whose
// expiry has passed: the remainder drops to zero, the entry moves to
// expired, and a companion negative entry records the forfeited amount.
func (service *Service) SweepExpiration(ctx context.Context, nowUnixUTC int64) (SweepReport, error) {
	if nowUnixUTC == 0 {
		nowUnixUTC = service.nowFn()
	}
	due, err := service.store.ListExpiredDue(ctx, nowUnixUTC)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Scanned: len(due)}
	for _, candidate := range due {
		transitioned, err := service.expireEntry(ctx, candidate.EntryID, nowUnixUTC)
		if err != nil {
			report.Failures = append(report.Failures, SweepFailure{EntryID: candidate.EntryID, Err: err})
			continue
		}
		if transitioned {
			report.Transitioned++
		} else {
			report.Skipped++
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSweepExpiration,
		Amount:    Points(report.Transitioned),
	})
	return report, nil
}

// matureEntry transitions one entry pending→available under the version
// guard, re-reading current state on every attempt.
func (service *Service) matureEntry(ctx context.Context, entryID string, nowUnixUTC int64) (bool, error) {
	transitioned := false
	err := service.withRetry(ctx, operationSweepMaturation, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			entry, err := txStore.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			if entry.Status != StatusPending || entry.AvailableFromUnixUTC > nowUnixUTC {
				transitioned = false
				return nil
			}
			entry.Status = StatusAvailable
			entry.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdateEntry(ctx, entry); err != nil {
				return err
			}
			transitioned = true
			return nil
		})
	})
	return transitioned, err
}

// expireEntry forfeits one entry's remainder and writes the companion
// expiration entry in the same transaction.
func (service *Service) expireEntry(ctx context.Context, entryID string, nowUnixUTC int64) (bool, error) {
	transitioned := false
	err := service.withRetry(ctx, operationSweepExpiration, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			entry, err := txStore.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			expired := entry.ExpiresAtUnixUTC != 0 && entry.ExpiresAtUnixUTC <= nowUnixUTC
			if entry.Status != StatusAvailable || entry.RemainingAmount <= 0 || !expired {
				transitioned = false
				return nil
			}
			forfeited := entry.RemainingAmount
			entry.RemainingAmount = 0
			entry.Status = StatusExpired
			entry.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdateEntry(ctx, entry); err != nil {
				return err
			}
			companion := LedgerEntry{
				EntryID:              service.idFn(),
				UserID:               entry.UserID,
				Kind:                 KindExpired,
				Amount:               -forfeited,
				Status:               StatusExpired,
				AvailableFromUnixUTC: nowUnixUTC,
				LinkedUsageID:        "",
				CreatedUnixUTC:       nowUnixUTC,
				UpdatedUnixUTC:       nowUnixUTC,
				Version:              1,
			}
			if err := txStore.InsertEntry(ctx, companion); err != nil {
				return err
			}
			transitioned = true
			return nil
		})
	})
	return transitioned, err
}
