package points

import (
	"context"
	"errors"
	"fmt"
)

// Rollback reverses a committed spend. Every consumed grant entry is
// re-fetched and its drawn amount restored additively under the version
// guard; the linked spend entry flips to cancelled and the usage record to
// rolled back, all as one atomic unit. A record that is already rolled back
// or unknown is rejected, and rolling back never deletes history.
func (service *Service) Rollback(ctx context.Context, usageID UsageID, reason string) error {
	var userID UserID
	var restored Points
	operationError := service.withRetry(ctx, operationRollback, func(ctx context.Context) error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			usage, err := txStore.GetUsage(ctx, usageID.String())
			if err != nil {
				if errors.Is(err, ErrUsageNotFound) {
					return ErrUsageRolledBackOrMissing
				}
				return err
			}
			if usage.Status != UsageCommitted {
				return ErrUsageRolledBackOrMissing
			}
			userID, _ = NewUserID(usage.UserID)
			restored = usage.TotalAmount
			nowUnixUTC := service.nowFn()

			for _, portion := range usage.ConsumedFrom {
				entry, err := txStore.GetEntry(ctx, portion.GrantEntryID)
				if err != nil {
					if errors.Is(err, ErrEntryNotFound) {
						return WrapError(operationRollback, "entry", "missing_grant",
							fmt.Errorf("%w: usage %s references unknown grant %s", ErrLedgerCorrupted, usage.UsageID, portion.GrantEntryID))
					}
					return err
				}
				if entry.Status == StatusExpired {
					// The sweeper already forfeited this entry's remainder;
					// restoring points here would double-count against the
					// companion expiration entry.
					continue
				}
				entry.RemainingAmount += portion.AmountDrawn
				if entry.Status == StatusUsed && entry.RemainingAmount > 0 {
					entry.Status = StatusAvailable
				}
				entry.UpdatedUnixUTC = nowUnixUTC
				if err := txStore.UpdateEntry(ctx, entry); err != nil {
					return err
				}
			}

			spendEntry, err := txStore.GetEntry(ctx, usage.SpendEntryID)
			if err != nil {
				if errors.Is(err, ErrEntryNotFound) {
					return WrapError(operationRollback, "entry", "missing_spend",
						fmt.Errorf("%w: usage %s references unknown spend entry %s", ErrLedgerCorrupted, usage.UsageID, usage.SpendEntryID))
				}
				return err
			}
			spendEntry.Status = StatusCancelled
			spendEntry.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdateEntry(ctx, spendEntry); err != nil {
				return err
			}

			return txStore.UpdateUsageStatus(ctx, usage.UsageID, UsageCommitted, UsageRolledBack, reason, usage.Version)
		})
	})
	usageRef := usageID
	service.logOperation(ctx, OperationLog{
		Operation: operationRollback,
		UserID:    userID,
		UsageID:   &usageRef,
		Amount:    restored,
		Reason:    reason,
		Error:     operationError,
	})
	return operationError
}
