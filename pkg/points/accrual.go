package points

import "fmt"

// Accrual is the computed shape of a new grant entry.
type Accrual struct {
	Amount               Points
	Status               EntryStatus
	AvailableFromUnixUTC int64
	ExpiresAtUnixUTC     int64
}

// CalculateAccrual computes the amount and maturation/expiration stamps for a
// new credit. Earned credits hold for seven days before maturing; admin
// adjustments are available immediately. Every grant expires 365 days after
// it becomes available.
func CalculateAccrual(kind SourceKind, baseAmount Points, grantContext GrantContext, nowUnixUTC int64) (Accrual, error) {
	switch kind {
	case KindEarnedService, KindEarnedReferral, KindInfluencerBonus:
		if baseAmount <= 0 {
			return Accrual{}, fmt.Errorf("%w: base amount must be positive for %s", ErrInvalidAmount, kind)
		}
	case KindAdjustedByAdmin:
		if baseAmount <= 0 {
			return Accrual{}, fmt.Errorf("%w: positive amount required for admin grant", ErrInvalidAmount)
		}
	default:
		return Accrual{}, fmt.Errorf("%w: %s entries are not granted through accrual", ErrInvalidAmount, kind)
	}

	amount, err := accrualAmount(kind, baseAmount, grantContext)
	if err != nil {
		return Accrual{}, err
	}

	availableFrom := nowUnixUTC + int64(HoldingPeriod.Seconds())
	status := StatusPending
	if kind == KindAdjustedByAdmin {
		availableFrom = nowUnixUTC
		status = StatusAvailable
	}
	return Accrual{
		Amount:               amount,
		Status:               status,
		AvailableFromUnixUTC: availableFrom,
		ExpiresAtUnixUTC:     availableFrom + int64(ValidityPeriod.Seconds()),
	}, nil
}

func accrualAmount(kind SourceKind, baseAmount Points, grantContext GrantContext) (Points, error) {
	switch kind {
	case KindEarnedService:
		capped := baseAmount
		if capped > EligibilityCapPoints {
			capped = EligibilityCapPoints
		}
		multiplier := grantContext.TierMultiplier
		if multiplier < 1 {
			multiplier = 1
		}
		earned := Points(capped.Int64() * earnRateBasisPoints / basisPointDenominator * multiplier)
		if grantContext.IsInfluencer {
			earned *= 2
		}
		if earned <= 0 {
			return 0, fmt.Errorf("%w: purchase of %d accrues no points", ErrInvalidAmount, baseAmount)
		}
		return earned, nil
	case KindEarnedReferral:
		return ReferralBonusPoints, nil
	case KindInfluencerBonus:
		if grantContext.IsInfluencer {
			return baseAmount * 2, nil
		}
		return baseAmount, nil
	case KindAdjustedByAdmin:
		return baseAmount, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidSourceKind, kind)
}
