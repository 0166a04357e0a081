package sanity

import (
	"fmt"
	"math"
)

const (
	// MaxBasisPoints is the denominator of every BP-denominated limit.
	MaxBasisPoints = 10_000
	// RebasePrecision is the fixed-point base of MaxPositiveTokenRebase.
	RebasePrecision = 1_000_000_000
	// UnlimitedRebase disables positive rebase smoothing.
	UnlimitedRebase = math.MaxUint64
)

// LimitsList holds one bound per guarded report dimension.
type LimitsList struct {
	// ExitedValidatorsPerDayLimit bounds newly exited validators per day.
	ExitedValidatorsPerDayLimit uint64 `toml:"ExitedValidatorsPerDayLimit" json:"exitedValidatorsPerDayLimit"`
	// AppearedValidatorsPerDayLimit bounds newly appeared validators per day.
	AppearedValidatorsPerDayLimit uint64 `toml:"AppearedValidatorsPerDayLimit" json:"appearedValidatorsPerDayLimit"`
	// AnnualBalanceIncreaseBPLimit bounds the annualised consensus-layer APR.
	AnnualBalanceIncreaseBPLimit uint64 `toml:"AnnualBalanceIncreaseBPLimit" json:"annualBalanceIncreaseBPLimit"`
	// SimulatedShareRateDeviationBPLimit bounds the oracle's simulated share
	// rate against the rate the pipeline actually produces.
	SimulatedShareRateDeviationBPLimit uint64 `toml:"SimulatedShareRateDeviationBPLimit" json:"simulatedShareRateDeviationBPLimit"`
	// MaxValidatorExitRequestsPerReport bounds exit requests in one exit report.
	MaxValidatorExitRequestsPerReport uint64 `toml:"MaxValidatorExitRequestsPerReport" json:"maxValidatorExitRequestsPerReport"`
	// MaxItemsPerExtraDataTransaction bounds extra-data items per transaction.
	MaxItemsPerExtraDataTransaction uint64 `toml:"MaxItemsPerExtraDataTransaction" json:"maxItemsPerExtraDataTransaction"`
	// MaxNodeOperatorsPerExtraDataItem bounds node operators in one item.
	MaxNodeOperatorsPerExtraDataItem uint64 `toml:"MaxNodeOperatorsPerExtraDataItem" json:"maxNodeOperatorsPerExtraDataItem"`
	// RequestTimestampMargin is the minimum age in seconds of the last
	// withdrawal request a report may finalize.
	RequestTimestampMargin uint64 `toml:"RequestTimestampMargin" json:"requestTimestampMargin"`
	// MaxPositiveTokenRebase is the largest per-report share rate increase in
	// RebasePrecision units.
	MaxPositiveTokenRebase uint64 `toml:"MaxPositiveTokenRebase" json:"maxPositiveTokenRebase"`
	// InitialSlashingAmountPWei is the estimated initial slashing penalty per
	// validator, in 1e15 wei.
	InitialSlashingAmountPWei uint64 `toml:"InitialSlashingAmountPWei" json:"initialSlashingAmountPWei"`
	// InactivityPenaltiesAmountPWei is the estimated ongoing penalty per
	// validator over the slashing window, in 1e15 wei.
	InactivityPenaltiesAmountPWei uint64 `toml:"InactivityPenaltiesAmountPWei" json:"inactivityPenaltiesAmountPWei"`
	// CLBalanceOraclesErrorUpperBPLimit bounds divergence between the primary
	// report and the second-opinion oracle.
	CLBalanceOraclesErrorUpperBPLimit uint64 `toml:"CLBalanceOraclesErrorUpperBPLimit" json:"clBalanceOraclesErrorUpperBPLimit"`
}

// DefaultLimits returns the bounds used on mainnet deployments.
func DefaultLimits() LimitsList {
	return LimitsList{
		ExitedValidatorsPerDayLimit:        9_000,
		AppearedValidatorsPerDayLimit:      43_200,
		AnnualBalanceIncreaseBPLimit:       1_000,
		SimulatedShareRateDeviationBPLimit: 50,
		MaxValidatorExitRequestsPerReport:  600,
		MaxItemsPerExtraDataTransaction:    8,
		MaxNodeOperatorsPerExtraDataItem:   24,
		RequestTimestampMargin:             7_680,
		MaxPositiveTokenRebase:             750_000,
		InitialSlashingAmountPWei:          1_000,
		InactivityPenaltiesAmountPWei:      101,
		CLBalanceOraclesErrorUpperBPLimit:  50,
	}
}

// Validate checks every limit against its admissible range.
func (l LimitsList) Validate() error {
	checks := []struct {
		name  string
		value uint64
		min   uint64
		max   uint64
	}{
		{"exitedValidatorsPerDayLimit", l.ExitedValidatorsPerDayLimit, 0, math.MaxUint16},
		{"appearedValidatorsPerDayLimit", l.AppearedValidatorsPerDayLimit, 0, math.MaxUint16},
		{"annualBalanceIncreaseBPLimit", l.AnnualBalanceIncreaseBPLimit, 0, MaxBasisPoints},
		{"simulatedShareRateDeviationBPLimit", l.SimulatedShareRateDeviationBPLimit, 0, MaxBasisPoints},
		{"maxValidatorExitRequestsPerReport", l.MaxValidatorExitRequestsPerReport, 0, math.MaxUint16},
		{"maxItemsPerExtraDataTransaction", l.MaxItemsPerExtraDataTransaction, 0, math.MaxUint16},
		{"maxNodeOperatorsPerExtraDataItem", l.MaxNodeOperatorsPerExtraDataItem, 0, math.MaxUint16},
		{"requestTimestampMargin", l.RequestTimestampMargin, 0, math.MaxUint32},
		{"maxPositiveTokenRebase", l.MaxPositiveTokenRebase, 1, math.MaxUint64},
		{"initialSlashingAmountPWei", l.InitialSlashingAmountPWei, 0, math.MaxUint16},
		{"inactivityPenaltiesAmountPWei", l.InactivityPenaltiesAmountPWei, 0, math.MaxUint16},
		{"clBalanceOraclesErrorUpperBPLimit", l.CLBalanceOraclesErrorUpperBPLimit, 0, MaxBasisPoints},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return fmt.Errorf("%w: %s=%d outside [%d, %d]", ErrInvalidLimit, c.name, c.value, c.min, c.max)
		}
	}
	return nil
}
