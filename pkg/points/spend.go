package points

import (
	"context"
	"fmt"
)

// Spend consumes the requested amount from the user's oldest eligible
// credits first and records exactly which grants were drawn from. The
// sufficiency check, every grant decrement, the spend entry, and the usage
// record commit as one atomic unit; a version conflict anywhere restarts the
// whole operation from the read step.
func (service *Service) Spend(ctx context.Context, userID UserID, amount Points, reservationID ReservationID) (UsageRecord, error) {
	var usage UsageRecord
	operationError := func() error {
		if amount <= 0 {
			return fmt.Errorf("%w: spend amount must be positive", ErrInvalidAmount)
		}
		_, built, err := service.drawDown(ctx, operationSpend, userID, amount, func(nowUnixUTC int64, draws []ConsumedPortion) (LedgerEntry, *UsageRecord) {
			usageID := service.idFn()
			spendEntry := LedgerEntry{
				EntryID:              service.idFn(),
				UserID:               userID.String(),
				Kind:                 KindUsedService,
				Amount:               -amount,
				Status:               StatusUsed,
				AvailableFromUnixUTC: nowUnixUTC,
				LinkedUsageID:        usageID,
				CreatedUnixUTC:       nowUnixUTC,
				UpdatedUnixUTC:       nowUnixUTC,
				Version:              1,
			}
			record := &UsageRecord{
				UsageID:        usageID,
				UserID:         userID.String(),
				ReservationID:  reservationID.String(),
				TotalAmount:    amount,
				Status:         UsageCommitted,
				ConsumedFrom:   draws,
				SpendEntryID:   spendEntry.EntryID,
				CreatedUnixUTC: nowUnixUTC,
				Version:        1,
			}
			return spendEntry, record
		})
		if err != nil {
			return err
		}
		usage = *built
		return nil
	}()
	reservationRef := reservationID
	service.logOperation(ctx, OperationLog{
		Operation:     operationSpend,
		UserID:        userID,
		ReservationID: &reservationRef,
		Amount:        amount,
		Error:         operationError,
	})
	return usage, operationError
}

// drawDown walks the user's eligible credits in FIFO order, draws the needed
// amount, and persists the decrements together with the entry (and optional
// usage record) produced by build. The whole walk runs inside one
// transaction and is retried on version conflicts.
func (service *Service) drawDown(ctx context.Context, operation string, userID UserID, need Points, build func(nowUnixUTC int64, draws []ConsumedPortion) (LedgerEntry, *UsageRecord)) (LedgerEntry, *UsageRecord, error) {
	var builtEntry LedgerEntry
	var builtUsage *UsageRecord
	operationError := service.withRetry(ctx, operation, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			nowUnixUTC := service.nowFn()
			eligible, err := txStore.ListSpendableEntries(ctx, userID.String(), nowUnixUTC)
			if err != nil {
				return err
			}
			var total Points
			for _, entry := range eligible {
				total += entry.RemainingAmount
			}
			if total < need {
				return ErrInsufficientFunds
			}

			remainingNeed := need
			draws := make([]ConsumedPortion, 0, len(eligible))
			for _, entry := range eligible {
				if remainingNeed == 0 {
					break
				}
				draw := entry.RemainingAmount
				if draw > remainingNeed {
					draw = remainingNeed
				}
				entry.RemainingAmount -= draw
				if entry.RemainingAmount == 0 {
					entry.Status = StatusUsed
				}
				entry.UpdatedUnixUTC = nowUnixUTC
				if err := txStore.UpdateEntry(ctx, entry); err != nil {
					return err
				}
				draws = append(draws, ConsumedPortion{GrantEntryID: entry.EntryID, AmountDrawn: draw})
				remainingNeed -= draw
			}

			entry, usage := build(nowUnixUTC, draws)
			if err := txStore.InsertEntry(ctx, entry); err != nil {
				return err
			}
			if usage != nil {
				if err := txStore.InsertUsage(ctx, *usage); err != nil {
					return err
				}
			}
			builtEntry = entry
			builtUsage = usage
			return nil
		})
	})
	if operationError != nil {
		return LedgerEntry{}, nil, operationError
	}
	return builtEntry, builtUsage, nil
}
