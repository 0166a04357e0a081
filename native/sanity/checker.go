package sanity

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerYear = 365 * secondsPerDay

	// negativeRebaseWindow bounds the lookback of summed CL balance drops.
	negativeRebaseWindow = 18 * secondsPerDay
	// inactivityWindow bounds the lookback used for ongoing penalties.
	inactivityWindow = 54 * secondsPerDay
)

var (
	basisPoints        = uint256.NewInt(MaxBasisPoints)
	rebasePrecision    = uint256.NewInt(RebasePrecision)
	onePWei            = uint256.NewInt(1_000_000_000_000_000)
	oneGwei            = uint256.NewInt(1_000_000_000)
	shareRatePrecision = uint256.MustFromDecimal("1000000000000000000000000000")
)

// DepositUnit is the fixed per-validator deposit of 32 native units in wei.
var DepositUnit = new(uint256.Int).Mul(uint256.NewInt(32), uint256.NewInt(1_000_000_000_000_000_000))

// ExtraDataItem summarises one extra-data item attached to a report.
type ExtraDataItem struct {
	Type              uint8  `json:"type"`
	NodeOperatorCount uint64 `json:"nodeOperatorCount"`
}

// AccountingReport is the slice of an oracle report the checker inspects.
type AccountingReport struct {
	Timestamp              uint64
	PreCLValidators        uint64
	PostCLValidators       uint64
	PreCLBalance           *uint256.Int
	PostCLBalance          *uint256.Int
	WithdrawalVaultBalance *uint256.Int
	ELRewardsVaultBalance  *uint256.Int
	ExitedValidators       uint64
	// ExitRequests is the number of validator exit requests delivered with
	// the report.
	ExitRequests uint64
	ExtraData    []ExtraDataItem
	// FinalizesWithdrawals is set when the report finalizes queue requests;
	// LastRequestTimestamp is then the creation time of the last one.
	FinalizesWithdrawals bool
	LastRequestTimestamp uint64
}

// ReportSample is one entry of the accepted-report history.
type ReportSample struct {
	Timestamp         uint64
	CLBalanceDecrease *uint256.Int
	ExitedValidators  uint64
}

// PriorState carries what the checker needs from previously accepted reports.
type PriorState struct {
	ExitedValidators uint64
	History          []ReportSample
}

// Assessment reports the negative rebase bookkeeping of a validated report.
type Assessment struct {
	CLBalanceDecrease      *uint256.Int
	MaxAllowedDecrease     *uint256.Int
	SecondOpinionConfirmed bool
}

// SecondOpinionReport is the independent oracle's view of a reference time.
type SecondOpinionReport struct {
	CLBalance              *uint256.Int
	WithdrawalVaultBalance *uint256.Int
}

// SecondOpinionOracle is consulted when a balance drop exceeds the estimated
// slashing penalties.
type SecondOpinionOracle interface {
	Report(refTimestamp uint64) (SecondOpinionReport, bool, error)
}

// Checker validates oracle reports against a configured LimitsList.
type Checker struct {
	mu            sync.RWMutex
	limits        LimitsList
	secondOpinion SecondOpinionOracle
}

// Option configures a Checker.
type Option func(*Checker)

// WithSecondOpinion installs the second-opinion oracle.
func WithSecondOpinion(o SecondOpinionOracle) Option {
	return func(c *Checker) {
		c.secondOpinion = o
	}
}

// NewChecker validates the limits and returns a checker bound to them.
func NewChecker(limits LimitsList, opts ...Option) (*Checker, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	c := &Checker{limits: limits}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Limits returns a copy of the configured bounds.
func (c *Checker) Limits() LimitsList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limits
}

// SetLimits replaces the configured bounds after validating them.
func (c *Checker) SetLimits(limits LimitsList) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
	return nil
}

// Validate evaluates every dimension of the report. The returned error, when
// non-nil, is a Violations value listing each breached limit, or an error
// from the second-opinion oracle.
func (c *Checker) Validate(report AccountingReport, prior PriorState, elapsed uint64) (Assessment, error) {
	limits := c.Limits()
	var vs Violations

	vs = appendViolation(vs, checkAppeared(limits, report, elapsed))
	vs = appendViolation(vs, checkExited(limits, report, prior, elapsed))
	vs = appendViolation(vs, checkAnnualIncrease(limits, report, elapsed))
	vs = appendViolation(vs, checkExitRequests(limits, report.ExitRequests))
	vs = appendViolation(vs, checkExtraData(limits, report.ExtraData)...)
	vs = appendViolation(vs, checkRequestMargin(limits, report))

	assessment, decreaseViolation, err := c.checkCLBalanceDecrease(limits, report, prior)
	if err != nil {
		return assessment, err
	}
	vs = appendViolation(vs, decreaseViolation)

	if len(vs) > 0 {
		return assessment, vs
	}
	return assessment, nil
}

// CheckExitRequests bounds the exit requests carried by one exit report.
func (c *Checker) CheckExitRequests(count uint64) error {
	if v := checkExitRequests(c.Limits(), count); v != nil {
		return v
	}
	return nil
}

func checkExitRequests(limits LimitsList, count uint64) *Violation {
	if limit := limits.MaxValidatorExitRequestsPerReport; count > limit {
		return &Violation{Kind: KindExitRequests, Value: fmt.Sprint(count), Limit: fmt.Sprint(limit)}
	}
	return nil
}

// CheckSimulatedShareRate compares the oracle's simulated share rate with the
// rate produced by settlement, with withdrawal finalization added back.
func (c *Checker) CheckSimulatedShareRate(postValue, postShares, locked, burnt, simulated *uint256.Int) error {
	limit := c.Limits().SimulatedShareRateDeviationBPLimit
	value, valueOverflow := new(uint256.Int).AddOverflow(postValue, orZero(locked))
	shares, sharesOverflow := new(uint256.Int).AddOverflow(postShares, orZero(burnt))
	if valueOverflow || sharesOverflow || shares.IsZero() {
		return &Violation{Kind: KindSimulatedShareRate, Value: "0", Limit: fmt.Sprint(limit)}
	}
	actual, overflow := new(uint256.Int).MulDivOverflow(value, shareRatePrecision, shares)
	if overflow || actual.IsZero() {
		return &Violation{Kind: KindSimulatedShareRate, Value: "0", Limit: fmt.Sprint(limit)}
	}
	diff := absDiff(actual, orZero(simulated))
	deviation, overflow := new(uint256.Int).MulDivOverflow(diff, basisPoints, actual)
	if overflow {
		return &Violation{Kind: KindSimulatedShareRate, Value: "overflow", Limit: fmt.Sprint(limit)}
	}
	if deviation.Gt(uint256.NewInt(limit)) {
		return &Violation{Kind: KindSimulatedShareRate, Value: deviation.Dec(), Limit: fmt.Sprint(limit)}
	}
	return nil
}

func checkAppeared(limits LimitsList, r AccountingReport, elapsed uint64) *Violation {
	if r.PostCLValidators <= r.PreCLValidators {
		return nil
	}
	appeared := r.PostCLValidators - r.PreCLValidators
	allowed := perDayAllowance(limits.AppearedValidatorsPerDayLimit, elapsed)
	if appeared > allowed {
		return &Violation{Kind: KindAppearedValidators, Value: fmt.Sprint(appeared), Limit: fmt.Sprint(allowed)}
	}
	return nil
}

func checkExited(limits LimitsList, r AccountingReport, prior PriorState, elapsed uint64) *Violation {
	if r.ExitedValidators < prior.ExitedValidators {
		return &Violation{Kind: KindExitedValidators, Value: fmt.Sprint(r.ExitedValidators), Limit: fmt.Sprintf(">=%d", prior.ExitedValidators)}
	}
	if r.ExitedValidators > r.PostCLValidators {
		return &Violation{Kind: KindExitedValidators, Value: fmt.Sprint(r.ExitedValidators), Limit: fmt.Sprintf("<=%d", r.PostCLValidators)}
	}
	exited := r.ExitedValidators - prior.ExitedValidators
	allowed := perDayAllowance(limits.ExitedValidatorsPerDayLimit, elapsed)
	if exited > allowed {
		return &Violation{Kind: KindExitedValidators, Value: fmt.Sprint(exited), Limit: fmt.Sprint(allowed)}
	}
	return nil
}

// checkAnnualIncrease annualises the balance growth over the elapsed window so
// that splitting a delta across several reports does not evade the bound.
func checkAnnualIncrease(limits LimitsList, r AccountingReport, elapsed uint64) *Violation {
	post := new(uint256.Int).Add(orZero(r.PostCLBalance), orZero(r.WithdrawalVaultBalance))
	pre := orZero(r.PreCLBalance)
	if !post.Gt(pre) {
		return nil
	}
	if pre.IsZero() {
		pre = oneGwei
	}
	if elapsed == 0 {
		elapsed = 1
	}
	increase := new(uint256.Int).Sub(post, pre)
	scaled, overflow := new(uint256.Int).MulDivOverflow(increase, uint256.NewInt(secondsPerYear*MaxBasisPoints), pre)
	if overflow {
		return &Violation{Kind: KindAnnualBalanceIncrease, Value: "overflow", Limit: fmt.Sprint(limits.AnnualBalanceIncreaseBPLimit)}
	}
	annual := scaled.Div(scaled, uint256.NewInt(elapsed))
	if annual.Gt(uint256.NewInt(limits.AnnualBalanceIncreaseBPLimit)) {
		return &Violation{Kind: KindAnnualBalanceIncrease, Value: annual.Dec(), Limit: fmt.Sprint(limits.AnnualBalanceIncreaseBPLimit)}
	}
	return nil
}

func checkExtraData(limits LimitsList, items []ExtraDataItem) []*Violation {
	var out []*Violation
	if uint64(len(items)) > limits.MaxItemsPerExtraDataTransaction {
		out = append(out, &Violation{Kind: KindExtraDataItems, Value: fmt.Sprint(len(items)), Limit: fmt.Sprint(limits.MaxItemsPerExtraDataTransaction)})
	}
	for _, item := range items {
		if item.NodeOperatorCount > limits.MaxNodeOperatorsPerExtraDataItem {
			out = append(out, &Violation{Kind: KindNodeOperatorsPerItem, Value: fmt.Sprint(item.NodeOperatorCount), Limit: fmt.Sprint(limits.MaxNodeOperatorsPerExtraDataItem)})
			break
		}
	}
	return out
}

func checkRequestMargin(limits LimitsList, r AccountingReport) *Violation {
	if !r.FinalizesWithdrawals {
		return nil
	}
	if r.LastRequestTimestamp+limits.RequestTimestampMargin > r.Timestamp {
		return &Violation{
			Kind:  KindRequestTimestamp,
			Value: fmt.Sprint(r.LastRequestTimestamp),
			Limit: fmt.Sprintf("<=%d", saturatingSub(r.Timestamp, limits.RequestTimestampMargin)),
		}
	}
	return nil
}

// CLBalanceDecrease returns how far the reported balance plus collected
// withdrawals fell below the adjusted pre-report balance.
func CLBalanceDecrease(r AccountingReport) *uint256.Int {
	post := new(uint256.Int).Add(orZero(r.PostCLBalance), orZero(r.WithdrawalVaultBalance))
	pre := orZero(r.PreCLBalance)
	if !pre.Gt(post) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(pre, post)
}

func (c *Checker) checkCLBalanceDecrease(limits LimitsList, r AccountingReport, prior PriorState) (Assessment, *Violation, error) {
	decrease := CLBalanceDecrease(r)
	assessment := Assessment{CLBalanceDecrease: decrease, MaxAllowedDecrease: new(uint256.Int)}
	if decrease.IsZero() {
		return assessment, nil, nil
	}

	sum := new(uint256.Int).Set(decrease)
	windowStart := saturatingSub(r.Timestamp, negativeRebaseWindow)
	for _, sample := range prior.History {
		if sample.Timestamp > windowStart && sample.CLBalanceDecrease != nil {
			sum.Add(sum, sample.CLBalanceDecrease)
		}
	}

	exited18 := exitedAt(prior.History, windowStart)
	exited54 := exitedAt(prior.History, saturatingSub(r.Timestamp, inactivityWindow))
	maxAllowed := new(uint256.Int).Mul(
		uint256.NewInt(limits.InitialSlashingAmountPWei),
		uint256.NewInt(saturatingSub(r.PostCLValidators, exited18)),
	)
	maxAllowed.Mul(maxAllowed, onePWei)
	inactivity := new(uint256.Int).Mul(
		uint256.NewInt(limits.InactivityPenaltiesAmountPWei),
		uint256.NewInt(saturatingSub(r.PostCLValidators, exited54)),
	)
	inactivity.Mul(inactivity, onePWei)
	maxAllowed.Add(maxAllowed, inactivity)
	assessment.MaxAllowedDecrease = maxAllowed

	if !sum.Gt(maxAllowed) {
		return assessment, nil, nil
	}
	if c.secondOpinion == nil {
		return assessment, &Violation{Kind: KindCLBalanceDecrease, Value: sum.Dec(), Limit: maxAllowed.Dec()}, nil
	}
	opinion, ready, err := c.secondOpinion.Report(r.Timestamp)
	if err != nil {
		return assessment, nil, fmt.Errorf("sanity: second opinion oracle: %w", err)
	}
	if !ready {
		return assessment, &Violation{Kind: KindSecondOpinionNotReady, Value: fmt.Sprint(r.Timestamp), Limit: "ready"}, nil
	}
	reference := orZero(opinion.CLBalance)
	diff := absDiff(reference, orZero(r.PostCLBalance))
	lhs, overflowL := new(uint256.Int).MulOverflow(diff, basisPoints)
	rhs, overflowR := new(uint256.Int).MulOverflow(uint256.NewInt(limits.CLBalanceOraclesErrorUpperBPLimit), reference)
	if overflowL || overflowR || lhs.Gt(rhs) {
		return assessment, &Violation{Kind: KindCLBalanceMismatch, Value: orZero(r.PostCLBalance).Dec(), Limit: reference.Dec()}, nil
	}
	if !orZero(opinion.WithdrawalVaultBalance).Eq(orZero(r.WithdrawalVaultBalance)) {
		return assessment, &Violation{Kind: KindWithdrawalVaultMismatch, Value: orZero(r.WithdrawalVaultBalance).Dec(), Limit: orZero(opinion.WithdrawalVaultBalance).Dec()}, nil
	}
	assessment.SecondOpinionConfirmed = true
	return assessment, nil, nil
}

// exitedAt returns the cumulative exited count of the latest sample taken at
// or before ts, or zero when none is that old.
func exitedAt(history []ReportSample, ts uint64) uint64 {
	var exited uint64
	for _, sample := range history {
		if sample.Timestamp <= ts {
			exited = sample.ExitedValidators
		}
	}
	return exited
}

// PruneHistory drops samples that no longer influence any window.
func PruneHistory(history []ReportSample, now uint64) []ReportSample {
	cutoff := saturatingSub(now, inactivityWindow)
	// keep the newest sample at or before the cutoff for exitedAt lookups
	keepFrom := 0
	for i, sample := range history {
		if sample.Timestamp <= cutoff {
			keepFrom = i
		}
	}
	out := make([]ReportSample, 0, len(history)-keepFrom)
	for _, sample := range history[keepFrom:] {
		out = append(out, ReportSample{
			Timestamp:         sample.Timestamp,
			CLBalanceDecrease: new(uint256.Int).Set(orZero(sample.CLBalanceDecrease)),
			ExitedValidators:  sample.ExitedValidators,
		})
	}
	return out
}

func perDayAllowance(perDay, elapsed uint64) uint64 {
	allowed, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(perDay), uint256.NewInt(elapsed), uint256.NewInt(secondsPerDay))
	if overflow || !allowed.IsUint64() {
		return ^uint64(0)
	}
	return allowed.Uint64()
}

func appendViolation(vs Violations, more ...*Violation) Violations {
	for _, v := range more {
		if v != nil {
			vs = append(vs, v)
		}
	}
	return vs
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
