package points

import "time"

const (
	operationGrant           = "grant"
	operationAdjust          = "adjust"
	operationSpend           = "spend"
	operationRollback        = "rollback"
	operationSweepMaturation = "sweep_maturation"
	operationSweepExpiration = "sweep_expiration"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

const (
	// HoldingPeriod is how long an earned credit stays pending before it matures.
	HoldingPeriod = 7 * 24 * time.Hour
	// ValidityPeriod is how long a matured credit stays spendable.
	ValidityPeriod = 365 * 24 * time.Hour

	// earnRateBasisPoints is the earned_service accrual rate over the capped
	// purchase amount: 100 bp = 1%.
	earnRateBasisPoints   int64 = 100
	basisPointDenominator int64 = 10_000

	// EligibilityCapPoints caps the purchase amount an earned_service accrual
	// is computed from.
	EligibilityCapPoints Points = 1_000_000

	// ReferralBonusPoints is the fixed earned_referral grant.
	ReferralBonusPoints Points = 500

	// maxMutationAttempts bounds optimistic-concurrency retries before the
	// operation surfaces as transient.
	maxMutationAttempts = 5

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)
