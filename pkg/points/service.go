package points

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the point-ledger domain logic over a Store. All status
// and amount mutation in the system flows through its operations.
type Service struct {
	store  Store
	nowFn  func() int64
	idFn   func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, idFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateGrant awards a new credit. The accrual rules decide the amount and
// the maturation/expiration stamps; earned credits start pending, admin
// grants start available.
func (service *Service) CreateGrant(ctx context.Context, userID UserID, kind SourceKind, baseAmount Points, grantContext GrantContext) (LedgerEntry, error) {
	var created LedgerEntry
	operationError := func() error {
		entry, err := service.insertGrant(ctx, userID, kind, baseAmount, grantContext)
		if err != nil {
			return err
		}
		created = entry
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Amount:    created.Amount,
		Error:     operationError,
	})
	return created, operationError
}

// AdminAdjust applies a signed manual correction. A positive amount becomes
// an immediately-available grant; a negative amount draws down existing
// credits oldest first, exactly like a spend, but produces no usage record
// and cannot be rolled back. The reason is mandatory either way.
func (service *Service) AdminAdjust(ctx context.Context, userID UserID, amount Points, reason string, metadata MetadataJSON) (LedgerEntry, error) {
	var created LedgerEntry
	operationError := func() error {
		if reason == "" {
			return ErrMissingAdjustReason
		}
		if amount == 0 {
			return fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidAmount)
		}
		if amount > 0 {
			grant, err := service.insertGrant(ctx, userID, KindAdjustedByAdmin, amount, GrantContext{Reason: reason, Metadata: metadata})
			if err != nil {
				return err
			}
			created = grant
			return nil
		}
		entry, _, err := service.drawDown(ctx, operationAdjust, userID, -amount, func(nowUnixUTC int64, draws []ConsumedPortion) (LedgerEntry, *UsageRecord) {
			adjustment := LedgerEntry{
				EntryID:              service.idFn(),
				UserID:               userID.String(),
				Kind:                 KindAdjustedByAdmin,
				Amount:               amount,
				Status:               StatusUsed,
				AvailableFromUnixUTC: nowUnixUTC,
				Reason:               reason,
				ContextJSON:          metadata.String(),
				CreatedUnixUTC:       nowUnixUTC,
				UpdatedUnixUTC:       nowUnixUTC,
				Version:              1,
			}
			return adjustment, nil
		})
		if err != nil {
			return err
		}
		created = entry
		return nil
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		Error:     operationError,
	})
	return created, operationError
}

// insertGrant computes the accrual and persists the resulting grant entry.
func (service *Service) insertGrant(ctx context.Context, userID UserID, kind SourceKind, baseAmount Points, grantContext GrantContext) (LedgerEntry, error) {
	nowUnixUTC := service.nowFn()
	accrual, err := CalculateAccrual(kind, baseAmount, grantContext, nowUnixUTC)
	if err != nil {
		return LedgerEntry{}, err
	}
	entry := LedgerEntry{
		EntryID:              service.idFn(),
		UserID:               userID.String(),
		Kind:                 kind,
		Amount:               accrual.Amount,
		Status:               accrual.Status,
		AvailableFromUnixUTC: accrual.AvailableFromUnixUTC,
		ExpiresAtUnixUTC:     accrual.ExpiresAtUnixUTC,
		RemainingAmount:      accrual.Amount,
		Reason:               grantContext.Reason,
		ContextJSON:          grantContext.Metadata.String(),
		CreatedUnixUTC:       nowUnixUTC,
		UpdatedUnixUTC:       nowUnixUTC,
		Version:              1,
	}
	if err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertEntry(ctx, entry)
	}); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

// GetBalance aggregates the user's ledger into a consistent snapshot. A zero
// asOf means "now".
func (service *Service) GetBalance(ctx context.Context, userID UserID, asOfUnixUTC int64) (BalanceSnapshot, error) {
	if asOfUnixUTC == 0 {
		asOfUnixUTC = service.nowFn()
	}
	entries, err := service.store.ListEntriesByUser(ctx, userID.String())
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return ComputeBalance(entries, asOfUnixUTC), nil
}

// ListHistory pages the user's ledger entries, newest first.
func (service *Service) ListHistory(ctx context.Context, userID UserID, filter HistoryFilter) ([]LedgerEntry, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHistoryLimit, filter.Limit)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.BeforeUnixUTC == 0 {
		filter.BeforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListHistory(ctx, userID.String(), filter)
}

// withRetry runs fn until it succeeds, fails with a non-conflict error, or
// the attempt budget is exhausted. Version conflicts restart the whole
// operation from the read step; exhaustion surfaces as transient, never as
// insufficient funds.
func (service *Service) withRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxMutationAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil || !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
	}
	return WrapError(operation, "store", "retries_exhausted", fmt.Errorf("%w: %v", ErrTransientFailure, lastErr))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
