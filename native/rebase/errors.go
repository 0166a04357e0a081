package rebase

import (
	"errors"

	nativecommon "stakeledger/native/common"
	"stakeledger/native/sanity"
	"stakeledger/native/withdrawals"
)

// Invariant violations. These are always fatal to the current operation.
var (
	ErrDivisionByZero                  = errors.New("rebase: division by zero")
	ErrOverflow                        = errors.New("rebase: arithmetic overflow")
	ErrConsensusValidatorCountMismatch = errors.New("rebase: consensus validator count mismatch")
	ErrInsufficientSharesToBurn        = errors.New("rebase: insufficient shares to burn")
	ErrInsufficientBufferedValue       = errors.New("rebase: insufficient buffered value")
	ErrInvariantViolated               = errors.New("rebase: ledger invariant violated")
)

// Policy rejections. The caller may retry with corrected parameters.
var (
	ErrExternalCapExceeded        = errors.New("rebase: external shares cap exceeded")
	ErrInsufficientExternalShares = errors.New("rebase: insufficient external shares")
	ErrInsufficientExternalValue  = errors.New("rebase: insufficient external value")
	ErrWithdrawalsPaused          = errors.New("rebase: withdrawals paused")
	ErrStaleReport                = errors.New("rebase: report not newer than last accepted report")
	ErrWithdrawalLockMismatch     = errors.New("rebase: value to lock does not match withdrawal queue")
	ErrInvalidReport              = errors.New("rebase: malformed report")
	ErrInvalidAmount              = errors.New("rebase: amount must be positive")
	ErrInsufficientShares         = errors.New("rebase: insufficient shares")
	ErrZeroAddress                = errors.New("rebase: zero address")
	ErrStageOrder                 = errors.New("rebase: settlement stage out of order")
	ErrLedgerChanged              = errors.New("rebase: ledger changed since report began")
	ErrNoWithdrawalQueue          = errors.New("rebase: withdrawal queue not configured")
	ErrNoGenesis                  = errors.New("rebase: no persisted ledger and no genesis")
)

// ErrUnauthorized is raised by the caller's permission gate. It is never
// produced by ledger arithmetic.
var ErrUnauthorized = errors.New("rebase: unauthorized")

// ErrorClass partitions failures for dashboards and transport mapping.
type ErrorClass string

const (
	ClassInvariant     ErrorClass = "invariant"
	ClassPolicy        ErrorClass = "policy"
	ClassAuthorization ErrorClass = "authorization"
	ClassInternal      ErrorClass = "internal"
)

var errorKinds = []struct {
	err   error
	kind  string
	class ErrorClass
}{
	{ErrUnauthorized, "unauthorized", ClassAuthorization},
	{ErrDivisionByZero, "division_by_zero", ClassInvariant},
	{ErrOverflow, "overflow", ClassInvariant},
	{ErrConsensusValidatorCountMismatch, "consensus_validator_count_mismatch", ClassInvariant},
	{ErrInsufficientSharesToBurn, "insufficient_shares_to_burn", ClassInvariant},
	{ErrInsufficientBufferedValue, "insufficient_buffered_value", ClassInvariant},
	{ErrInvariantViolated, "invariant_violated", ClassInvariant},
	{ErrExternalCapExceeded, "external_cap_exceeded", ClassPolicy},
	{ErrInsufficientExternalShares, "insufficient_external_shares", ClassPolicy},
	{ErrInsufficientExternalValue, "insufficient_external_value", ClassPolicy},
	{ErrWithdrawalsPaused, "withdrawals_paused", ClassPolicy},
	{withdrawals.ErrQueuePaused, "withdrawals_paused", ClassPolicy},
	{ErrStaleReport, "stale_report", ClassPolicy},
	{ErrWithdrawalLockMismatch, "withdrawal_lock_mismatch", ClassPolicy},
	{withdrawals.ErrLockMismatch, "withdrawal_lock_mismatch", ClassPolicy},
	{withdrawals.ErrInvalidBatches, "invalid_report", ClassPolicy},
	{withdrawals.ErrEmptyBatches, "invalid_report", ClassPolicy},
	{withdrawals.ErrRequestNotFound, "invalid_report", ClassPolicy},
	{withdrawals.ErrZeroShareRate, "invalid_report", ClassPolicy},
	{ErrInvalidReport, "invalid_report", ClassPolicy},
	{ErrInvalidAmount, "invalid_amount", ClassPolicy},
	{ErrInsufficientShares, "insufficient_shares", ClassPolicy},
	{ErrZeroAddress, "zero_address", ClassPolicy},
	{ErrLedgerChanged, "ledger_changed", ClassPolicy},
	{nativecommon.ErrModulePaused, "module_paused", ClassPolicy},
	{sanity.ErrInvalidLimit, "invalid_limit", ClassPolicy},
}

// Classify maps err to its class. Sanity violations are policy rejections;
// anything unrecognised is internal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if len(sanity.KindsOf(err)) > 0 {
		return ClassPolicy
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.class
		}
	}
	return ClassInternal
}

// Kind returns a stable label for err. For sanity rejections it is the first
// breached limit.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if kinds := sanity.KindsOf(err); len(kinds) > 0 {
		return kinds[0].String()
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
