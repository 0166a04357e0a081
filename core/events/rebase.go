package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/core/types"
)

const (
	// TypeTokenRebased summarises the before/after totals of an accepted report.
	TypeTokenRebased = "rebase.tokenRebased"
	// TypeValueDistributed captures how collected value moved into the buffer.
	TypeValueDistributed = "rebase.valueDistributed"
	// TypeCLValidatorsUpdated is emitted when the reported validator count changes.
	TypeCLValidatorsUpdated = "rebase.clValidatorsUpdated"
	// TypeWithdrawalsFinalized records value locked and shares burnt for the queue.
	TypeWithdrawalsFinalized = "rebase.withdrawalsFinalized"
	// TypeTransferShares is emitted for every share movement, including mints
	// (zero sender) and burns (zero recipient).
	TypeTransferShares = "rebase.transferShares"
	// TypeSubmitted records a user deposit into the buffer.
	TypeSubmitted = "rebase.submitted"
	// TypeUnbufferedDeposit records buffered value moved to new validators.
	TypeUnbufferedDeposit = "rebase.unbufferedDeposit"
	// TypeExternalSharesMinted records external share issuance.
	TypeExternalSharesMinted = "rebase.externalSharesMinted"
	// TypeExternalSharesBurnt records external share retirement.
	TypeExternalSharesBurnt = "rebase.externalSharesBurnt"
	// TypeExternalRebalanced records external value moved into the buffer.
	TypeExternalRebalanced = "rebase.externalRebalanced"
	// TypeNegativeCLRebase records an accepted consensus-layer balance drop.
	TypeNegativeCLRebase = "rebase.negativeCLRebase"
)

func formatU256(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

// TokenRebased is the informational record of one settled report.
type TokenRebased struct {
	ReportTimestamp    uint64
	TimeElapsed        uint64
	PreTotalShares     *uint256.Int
	PreTotalValue      *uint256.Int
	PostTotalShares    *uint256.Int
	PostTotalValue     *uint256.Int
	SharesMintedAsFees *uint256.Int
}

// EventType satisfies the Event interface.
func (TokenRebased) EventType() string { return TypeTokenRebased }

// Event converts the structured payload into a broadcastable event.
func (e TokenRebased) Event() *types.Event {
	return &types.Event{Type: TypeTokenRebased, Attributes: map[string]string{
		"reportTimestamp":    formatUint(e.ReportTimestamp),
		"timeElapsed":        formatUint(e.TimeElapsed),
		"preTotalShares":     formatU256(e.PreTotalShares),
		"preTotalValue":      formatU256(e.PreTotalValue),
		"postTotalShares":    formatU256(e.PostTotalShares),
		"postTotalValue":     formatU256(e.PostTotalValue),
		"sharesMintedAsFees": formatU256(e.SharesMintedAsFees),
	}}
}

// ValueDistributed captures stage two of settlement.
type ValueDistributed struct {
	ReportTimestamp      uint64
	PreCLBalance         *uint256.Int
	PostCLBalance        *uint256.Int
	WithdrawalsCollected *uint256.Int
	RewardsCollected     *uint256.Int
	PostBufferedValue    *uint256.Int
}

// EventType satisfies the Event interface.
func (ValueDistributed) EventType() string { return TypeValueDistributed }

// Event converts the structured payload into a broadcastable event.
func (e ValueDistributed) Event() *types.Event {
	return &types.Event{Type: TypeValueDistributed, Attributes: map[string]string{
		"reportTimestamp":      formatUint(e.ReportTimestamp),
		"preCLBalance":         formatU256(e.PreCLBalance),
		"postCLBalance":        formatU256(e.PostCLBalance),
		"withdrawalsCollected": formatU256(e.WithdrawalsCollected),
		"rewardsCollected":     formatU256(e.RewardsCollected),
		"postBufferedValue":    formatU256(e.PostBufferedValue),
	}}
}

// CLValidatorsUpdated is emitted when the consensus-layer validator count moves.
type CLValidatorsUpdated struct {
	ReportTimestamp uint64
	PreValidators   uint64
	PostValidators  uint64
}

// EventType satisfies the Event interface.
func (CLValidatorsUpdated) EventType() string { return TypeCLValidatorsUpdated }

// Event converts the structured payload into a broadcastable event.
func (e CLValidatorsUpdated) Event() *types.Event {
	return &types.Event{Type: TypeCLValidatorsUpdated, Attributes: map[string]string{
		"reportTimestamp": formatUint(e.ReportTimestamp),
		"preValidators":   formatUint(e.PreValidators),
		"postValidators":  formatUint(e.PostValidators),
	}}
}

// WithdrawalsFinalized records the queue batch honoured by a report.
type WithdrawalsFinalized struct {
	LastRequestID uint64
	ValueLocked   *uint256.Int
	SharesBurnt   *uint256.Int
}

// EventType satisfies the Event interface.
func (WithdrawalsFinalized) EventType() string { return TypeWithdrawalsFinalized }

// Event converts the structured payload into a broadcastable event.
func (e WithdrawalsFinalized) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawalsFinalized, Attributes: map[string]string{
		"lastRequestId": formatUint(e.LastRequestID),
		"valueLocked":   formatU256(e.ValueLocked),
		"sharesBurnt":   formatU256(e.SharesBurnt),
	}}
}

// TransferShares records a share movement between holders.
type TransferShares struct {
	From   common.Address
	To     common.Address
	Shares *uint256.Int
	Reason string
}

// EventType satisfies the Event interface.
func (TransferShares) EventType() string { return TypeTransferShares }

// Event converts the structured payload into a broadcastable event.
func (e TransferShares) Event() *types.Event {
	attrs := map[string]string{
		"from":   e.From.Hex(),
		"to":     e.To.Hex(),
		"shares": formatU256(e.Shares),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTransferShares, Attributes: attrs}
}

// Submitted records a deposit into the buffer.
type Submitted struct {
	Sender common.Address
	Value  *uint256.Int
	Shares *uint256.Int
}

// EventType satisfies the Event interface.
func (Submitted) EventType() string { return TypeSubmitted }

// Event converts the structured payload into a broadcastable event.
func (e Submitted) Event() *types.Event {
	return &types.Event{Type: TypeSubmitted, Attributes: map[string]string{
		"sender": e.Sender.Hex(),
		"value":  formatU256(e.Value),
		"shares": formatU256(e.Shares),
	}}
}

// UnbufferedDeposit records buffered value sent to new validators.
type UnbufferedDeposit struct {
	Validators uint64
	Value      *uint256.Int
}

// EventType satisfies the Event interface.
func (UnbufferedDeposit) EventType() string { return TypeUnbufferedDeposit }

// Event converts the structured payload into a broadcastable event.
func (e UnbufferedDeposit) Event() *types.Event {
	return &types.Event{Type: TypeUnbufferedDeposit, Attributes: map[string]string{
		"validators": formatUint(e.Validators),
		"value":      formatU256(e.Value),
	}}
}

// ExternalSharesMinted records shares issued against outside collateral.
type ExternalSharesMinted struct {
	Recipient common.Address
	Shares    *uint256.Int
	Value     *uint256.Int
}

// EventType satisfies the Event interface.
func (ExternalSharesMinted) EventType() string { return TypeExternalSharesMinted }

// Event converts the structured payload into a broadcastable event.
func (e ExternalSharesMinted) Event() *types.Event {
	return &types.Event{Type: TypeExternalSharesMinted, Attributes: map[string]string{
		"recipient": e.Recipient.Hex(),
		"shares":    formatU256(e.Shares),
		"value":     formatU256(e.Value),
	}}
}

// ExternalSharesBurnt records external shares retired by a holder.
type ExternalSharesBurnt struct {
	Holder common.Address
	Shares *uint256.Int
	Value  *uint256.Int
}

// EventType satisfies the Event interface.
func (ExternalSharesBurnt) EventType() string { return TypeExternalSharesBurnt }

// Event converts the structured payload into a broadcastable event.
func (e ExternalSharesBurnt) Event() *types.Event {
	return &types.Event{Type: TypeExternalSharesBurnt, Attributes: map[string]string{
		"holder": e.Holder.Hex(),
		"shares": formatU256(e.Shares),
		"value":  formatU256(e.Value),
	}}
}

// ExternalRebalanced records external value reclassified as buffered.
type ExternalRebalanced struct {
	Value  *uint256.Int
	Shares *uint256.Int
}

// EventType satisfies the Event interface.
func (ExternalRebalanced) EventType() string { return TypeExternalRebalanced }

// Event converts the structured payload into a broadcastable event.
func (e ExternalRebalanced) Event() *types.Event {
	return &types.Event{Type: TypeExternalRebalanced, Attributes: map[string]string{
		"value":  formatU256(e.Value),
		"shares": formatU256(e.Shares),
	}}
}

// NegativeCLRebase records a consensus-layer balance drop admitted by the
// sanity bounds, optionally after second-opinion confirmation.
type NegativeCLRebase struct {
	ReportTimestamp uint64
	Decrease        *uint256.Int
	MaxAllowed      *uint256.Int
	Confirmed       bool
}

// EventType satisfies the Event interface.
func (NegativeCLRebase) EventType() string { return TypeNegativeCLRebase }

// Event converts the structured payload into a broadcastable event.
func (e NegativeCLRebase) Event() *types.Event {
	return &types.Event{Type: TypeNegativeCLRebase, Attributes: map[string]string{
		"reportTimestamp": formatUint(e.ReportTimestamp),
		"decrease":        formatU256(e.Decrease),
		"maxAllowed":      formatU256(e.MaxAllowed),
		"confirmed":       strconv.FormatBool(e.Confirmed),
	}}
}
