package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/native/rebase"
	"stakeledger/native/sanity"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// reportRequest is the JSON body of an oracle report. Amounts are decimal
// wei strings.
type reportRequest struct {
	Timestamp                uint64                 `json:"timestamp"`
	PreCLValidators          uint64                 `json:"preClValidators"`
	CLValidators             uint64                 `json:"clValidators"`
	CLBalance                string                 `json:"clBalance"`
	WithdrawalVaultBalance   string                 `json:"withdrawalVaultBalance"`
	ELRewardsVaultBalance    string                 `json:"elRewardsVaultBalance"`
	LastFinalizableRequestID uint64                 `json:"lastFinalizableRequestId"`
	FinalizationBatches      []uint64               `json:"withdrawalFinalizationBatches"`
	SimulatedShareRate       string                 `json:"simulatedShareRate"`
	ValueToLock              string                 `json:"valueToLock"`
	ExitedValidators         uint64                 `json:"exitedValidators"`
	ExitRequests             uint64                 `json:"validatorExitRequests"`
	ExtraData                []sanity.ExtraDataItem `json:"extraData"`
}

func (r reportRequest) toReport() (rebase.Report, error) {
	clBalance, err := parseAmount("clBalance", r.CLBalance, true)
	if err != nil {
		return rebase.Report{}, err
	}
	withdrawals, err := parseAmount("withdrawalVaultBalance", r.WithdrawalVaultBalance, false)
	if err != nil {
		return rebase.Report{}, err
	}
	rewards, err := parseAmount("elRewardsVaultBalance", r.ELRewardsVaultBalance, false)
	if err != nil {
		return rebase.Report{}, err
	}
	simulated, err := parseAmount("simulatedShareRate", r.SimulatedShareRate, false)
	if err != nil {
		return rebase.Report{}, err
	}
	lock, err := parseAmount("valueToLock", r.ValueToLock, false)
	if err != nil {
		return rebase.Report{}, err
	}
	return rebase.Report{
		Timestamp:                        r.Timestamp,
		PreConsensusValidatorCount:       r.PreCLValidators,
		ReportedConsensusValidatorCount:  r.CLValidators,
		ReportedConsensusBalance:         clBalance,
		WithdrawalsCollected:             withdrawals,
		RewardsCollected:                 rewards,
		LastFinalizedWithdrawalRequestID: r.LastFinalizableRequestID,
		WithdrawalBatches:                r.FinalizationBatches,
		SimulatedShareRate:               simulated,
		ValueToLockForWithdrawals:        lock,
		ExitedValidatorCount:             r.ExitedValidators,
		ValidatorExitRequests:            r.ExitRequests,
		ExtraData:                        r.ExtraData,
	}, nil
}

type recordResponse struct {
	ReportTimestamp    uint64 `json:"reportTimestamp"`
	TimeElapsed        uint64 `json:"timeElapsed"`
	PreTotalShares     string `json:"preTotalShares"`
	PreTotalValue      string `json:"preTotalValue"`
	PostTotalShares    string `json:"postTotalShares"`
	PostTotalValue     string `json:"postTotalValue"`
	SharesMintedAsFees string `json:"sharesMintedAsFees"`
	ValueLocked        string `json:"valueLocked"`
	SharesBurnt        string `json:"sharesBurnt"`
	PostShareRate      string `json:"postShareRate"`
}

func newRecordResponse(r rebase.RebaseRecord) recordResponse {
	return recordResponse{
		ReportTimestamp:    r.ReportTimestamp,
		TimeElapsed:        r.TimeElapsed,
		PreTotalShares:     dec(r.PreTotalShares),
		PreTotalValue:      dec(r.PreTotalValue),
		PostTotalShares:    dec(r.PostTotalShares),
		PostTotalValue:     dec(r.PostTotalValue),
		SharesMintedAsFees: dec(r.SharesMintedAsFees),
		ValueLocked:        dec(r.ValueLocked),
		SharesBurnt:        dec(r.SharesBurnt),
		PostShareRate:      dec(r.PostShareRate()),
	}
}

type poolResponse struct {
	TotalPooledValue    string `json:"totalPooledValue"`
	TotalShares         string `json:"totalShares"`
	ShareRate           string `json:"shareRate"`
	BufferedValue       string `json:"bufferedValue"`
	CLBalance           string `json:"clBalance"`
	CLValidators        uint64 `json:"clValidators"`
	DepositedValidators uint64 `json:"depositedValidators"`
	TransientValue      string `json:"transientValue"`
	ExitedValidators    uint64 `json:"exitedValidators"`
	LastReportTimestamp uint64 `json:"lastReportTimestamp"`
}

type externalResponse struct {
	Value             string `json:"value"`
	Shares            string `json:"shares"`
	RatioBP           uint64 `json:"ratioBp"`
	MaxRatioBP        uint16 `json:"maxRatioBp"`
	MaxMintableShares string `json:"maxMintableShares"`
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (r amountRequest) parse(requireAccount bool) (common.Address, *uint256.Int, error) {
	var addr common.Address
	if requireAccount || r.Account != "" {
		var err error
		if addr, err = parseAddress(r.Account); err != nil {
			return common.Address{}, nil, err
		}
	}
	amount, err := parseAmount("amount", r.Amount, true)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, amount, nil
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type depositRequest struct {
	Count uint64 `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, raw string, required bool) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
		}
		return nil, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeFailure maps err onto a status code by its class.
func writeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, errBadRequest) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	class, kind := rebase.Classify(err), rebase.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case kind == "module_paused" || kind == "withdrawals_paused":
		status = http.StatusServiceUnavailable
	case class == rebase.ClassPolicy:
		status = http.StatusUnprocessableEntity
	case class == rebase.ClassInvariant:
		status = http.StatusConflict
	case class == rebase.ClassAuthorization:
		status = http.StatusForbidden
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Class: string(class), Kind: kind})
}
