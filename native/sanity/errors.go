package sanity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLimit is returned when a LimitsList value is out of range.
var ErrInvalidLimit = errors.New("sanity: limit out of range")

// LimitKind names one guarded report dimension.
type LimitKind uint8

const (
	KindExitedValidators LimitKind = iota + 1
	KindAppearedValidators
	KindAnnualBalanceIncrease
	KindSimulatedShareRate
	KindExitRequests
	KindExtraDataItems
	KindNodeOperatorsPerItem
	KindRequestTimestamp
	KindCLBalanceDecrease
	KindSecondOpinionNotReady
	KindCLBalanceMismatch
	KindWithdrawalVaultMismatch
)

var (
	ErrIncorrectExitedValidators       = errors.New("sanity: exited validators rate exceeded")
	ErrIncorrectAppearedValidators     = errors.New("sanity: appeared validators rate exceeded")
	ErrIncorrectCLBalanceIncrease      = errors.New("sanity: annual balance increase exceeded")
	ErrIncorrectSimulatedShareRate     = errors.New("sanity: simulated share rate deviation exceeded")
	ErrIncorrectExitRequests           = errors.New("sanity: too many exit requests")
	ErrTooManyExtraDataItems           = errors.New("sanity: too many extra data items")
	ErrTooManyNodeOperatorsPerItem     = errors.New("sanity: too many node operators per extra data item")
	ErrIncorrectRequestFinalization    = errors.New("sanity: withdrawal request too recent to finalize")
	ErrIncorrectCLBalanceDecrease      = errors.New("sanity: consensus-layer balance decrease exceeded")
	ErrSecondOpinionNotReady           = errors.New("sanity: second opinion report not ready")
	ErrSecondOpinionCLBalanceMismatch  = errors.New("sanity: second opinion consensus-layer balance mismatch")
	ErrSecondOpinionWithdrawalMismatch = errors.New("sanity: second opinion withdrawal vault mismatch")
)

var kindInfo = map[LimitKind]struct {
	name string
	err  error
}{
	KindExitedValidators:        {"exited_validators", ErrIncorrectExitedValidators},
	KindAppearedValidators:      {"appeared_validators", ErrIncorrectAppearedValidators},
	KindAnnualBalanceIncrease:   {"annual_balance_increase", ErrIncorrectCLBalanceIncrease},
	KindSimulatedShareRate:      {"simulated_share_rate", ErrIncorrectSimulatedShareRate},
	KindExitRequests:            {"exit_requests", ErrIncorrectExitRequests},
	KindExtraDataItems:          {"extra_data_items", ErrTooManyExtraDataItems},
	KindNodeOperatorsPerItem:    {"node_operators_per_item", ErrTooManyNodeOperatorsPerItem},
	KindRequestTimestamp:        {"request_timestamp", ErrIncorrectRequestFinalization},
	KindCLBalanceDecrease:       {"cl_balance_decrease", ErrIncorrectCLBalanceDecrease},
	KindSecondOpinionNotReady:   {"second_opinion_not_ready", ErrSecondOpinionNotReady},
	KindCLBalanceMismatch:       {"second_opinion_cl_mismatch", ErrSecondOpinionCLBalanceMismatch},
	KindWithdrawalVaultMismatch: {"second_opinion_withdrawal_mismatch", ErrSecondOpinionWithdrawalMismatch},
}

// String returns the metric-friendly name of the kind.
func (k LimitKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Violation describes one breached limit.
type Violation struct {
	Kind  LimitKind
	Value string
	Limit string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s (value=%s limit=%s)", v.Unwrap().Error(), v.Value, v.Limit)
}

// Unwrap exposes the per-kind sentinel so errors.Is matches it.
func (v *Violation) Unwrap() error {
	if info, ok := kindInfo[v.Kind]; ok {
		return info.err
	}
	return errors.New("sanity: unknown violation")
}

// Violations aggregates every breached limit of one report.
type Violations []*Violation

func (vs Violations) Error() string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.Error())
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets errors.Is and errors.As reach each violation.
func (vs Violations) Unwrap() []error {
	out := make([]error, 0, len(vs))
	for _, v := range vs {
		out = append(out, v)
	}
	return out
}

// Kinds lists the breached dimensions in evaluation order.
func (vs Violations) Kinds() []LimitKind {
	out := make([]LimitKind, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Kind)
	}
	return out
}

// KindsOf extracts the breached dimensions from an error chain.
func KindsOf(err error) []LimitKind {
	var vs Violations
	if errors.As(err, &vs) {
		return vs.Kinds()
	}
	var v *Violation
	if errors.As(err, &v) {
		return []LimitKind{v.Kind}
	}
	return nil
}
