package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stakeledger/native/rebase"
	"stakeledger/native/sanity"
)

const (
	fieldBufferedValue       = "buffered-value"
	fieldCLBalance           = "cl-balance"
	fieldCLValidators        = "cl-validators"
	fieldDepositedValidators = "deposited-validators"
	fieldExternalValue       = "external-value"
	fieldExternalShares      = "external-shares"
	fieldTotalShares         = "total-shares"
	fieldMaxExternalRatioBP  = "max-external-ratio-bp"
	fieldLastReport          = "last-report-timestamp"
	fieldExitedValidators    = "exited-validators"
	fieldHistory             = "history"
)

var (
	ledgerFieldPrefix = []byte("rebase/ledger/")
	holderIndexKey    = []byte("rebase/holders")
	sharesPrefix      = []byte("rebase/shares/")
)

func ledgerFieldKey(field string) []byte {
	buf := make([]byte, len(ledgerFieldPrefix)+len(field))
	copy(buf, ledgerFieldPrefix)
	copy(buf[len(ledgerFieldPrefix):], field)
	return buf
}

func sharesKey(addr common.Address) []byte {
	buf := make([]byte, len(sharesPrefix)+common.AddressLength)
	copy(buf, sharesPrefix)
	copy(buf[len(sharesPrefix):], addr.Bytes())
	return buf
}

// storedSample is the RLP form of one negative rebase history entry.
type storedSample struct {
	Timestamp         uint64
	CLBalanceDecrease *big.Int
	ExitedValidators  uint64
}

// LedgerStore persists the rebase ledger. It implements rebase.Store.
type LedgerStore struct {
	manager *Manager
}

var _ rebase.Store = (*LedgerStore)(nil)

// NewLedgerStore wraps a manager. It fails when the database was written by
// an incompatible schema.
func NewLedgerStore(manager *Manager) (*LedgerStore, error) {
	if manager == nil {
		return nil, fmt.Errorf("state: manager unavailable")
	}
	if err := manager.EnsureSchemaVersion(false); err != nil {
		return nil, err
	}
	return &LedgerStore{manager: manager}, nil
}

// SaveLedger writes every scalar field, the history, the balances of the
// listed holders and the extended holder index in one batch.
func (s *LedgerStore) SaveLedger(l *rebase.Ledger, holders []common.Address) error {
	if l == nil {
		return fmt.Errorf("state: nil ledger")
	}
	index, err := s.holderIndex()
	if err != nil {
		return err
	}
	known := make(map[common.Address]struct{}, len(index))
	for _, addr := range index {
		known[addr] = struct{}{}
	}

	w := newBatchWriter()
	scalars := []struct {
		field string
		value interface{}
	}{
		{fieldBufferedValue, toBig(l.BufferedValue)},
		{fieldCLBalance, toBig(l.CLBalance)},
		{fieldCLValidators, l.CLValidators},
		{fieldDepositedValidators, l.DepositedValidators},
		{fieldExternalValue, toBig(l.ExternalValue)},
		{fieldExternalShares, toBig(l.ExternalShares)},
		{fieldTotalShares, toBig(l.TotalShares)},
		{fieldMaxExternalRatioBP, uint64(l.MaxExternalRatioBP)},
		{fieldLastReport, l.LastReportTimestamp},
		{fieldExitedValidators, l.ExitedValidators},
		{fieldHistory, encodeHistory(l.History)},
	}
	for _, sc := range scalars {
		if err := w.put(ledgerFieldKey(sc.field), sc.value); err != nil {
			return err
		}
	}

	grew := false
	for _, addr := range holders {
		if err := w.put(sharesKey(addr), toBig(l.SharesOf(addr))); err != nil {
			return err
		}
		if _, ok := known[addr]; !ok {
			known[addr] = struct{}{}
			index = append(index, addr)
			grew = true
		}
	}
	if grew {
		if err := w.put(holderIndexKey, index); err != nil {
			return err
		}
	}
	if err := w.put(schemaVersionKey, uint64(SchemaVersion)); err != nil {
		return err
	}
	return s.manager.write(w)
}

// LoadLedger reads the persisted ledger. The boolean is false when nothing
// has been saved yet.
func (s *LedgerStore) LoadLedger() (*rebase.Ledger, bool, error) {
	var total big.Int
	ok, err := s.manager.KVGet(ledgerFieldKey(fieldTotalShares), &total)
	if err != nil || !ok {
		return nil, false, err
	}
	var bp uint64
	if _, err := s.manager.KVGet(ledgerFieldKey(fieldMaxExternalRatioBP), &bp); err != nil {
		return nil, false, err
	}
	if bp > rebase.MaxBasisPoints {
		return nil, false, fmt.Errorf("state: stored external ratio %d out of range", bp)
	}
	l := rebase.NewLedger(0, uint16(bp))
	if l.TotalShares, err = fromBig(&total); err != nil {
		return nil, false, err
	}

	values := []struct {
		field string
		dst   **uint256.Int
	}{
		{fieldBufferedValue, &l.BufferedValue},
		{fieldCLBalance, &l.CLBalance},
		{fieldExternalValue, &l.ExternalValue},
		{fieldExternalShares, &l.ExternalShares},
	}
	for _, v := range values {
		if *v.dst, err = s.loadValue(v.field); err != nil {
			return nil, false, err
		}
	}
	counters := []struct {
		field string
		dst   *uint64
	}{
		{fieldCLValidators, &l.CLValidators},
		{fieldDepositedValidators, &l.DepositedValidators},
		{fieldLastReport, &l.LastReportTimestamp},
		{fieldExitedValidators, &l.ExitedValidators},
	}
	for _, c := range counters {
		if _, err := s.manager.KVGet(ledgerFieldKey(c.field), c.dst); err != nil {
			return nil, false, err
		}
	}
	var history []storedSample
	if _, err := s.manager.KVGet(ledgerFieldKey(fieldHistory), &history); err != nil {
		return nil, false, err
	}
	if l.History, err = decodeHistory(history); err != nil {
		return nil, false, err
	}

	index, err := s.holderIndex()
	if err != nil {
		return nil, false, err
	}
	for _, addr := range index {
		var shares big.Int
		if _, err := s.manager.KVGet(sharesKey(addr), &shares); err != nil {
			return nil, false, err
		}
		v, err := fromBig(&shares)
		if err != nil {
			return nil, false, err
		}
		if !v.IsZero() {
			l.RestoreShares(addr, v)
		}
	}
	return l, true, nil
}

// Holders returns every address that has ever held shares, in first-seen order.
func (s *LedgerStore) Holders() ([]common.Address, error) {
	return s.holderIndex()
}

func (s *LedgerStore) holderIndex() ([]common.Address, error) {
	var index []common.Address
	if _, err := s.manager.KVGet(holderIndexKey, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *LedgerStore) loadValue(field string) (*uint256.Int, error) {
	var v big.Int
	if _, err := s.manager.KVGet(ledgerFieldKey(field), &v); err != nil {
		return nil, err
	}
	return fromBig(&v)
}

func encodeHistory(history []sanity.ReportSample) []storedSample {
	out := make([]storedSample, len(history))
	for i, sample := range history {
		out[i] = storedSample{
			Timestamp:         sample.Timestamp,
			CLBalanceDecrease: toBig(sample.CLBalanceDecrease),
			ExitedValidators:  sample.ExitedValidators,
		}
	}
	return out
}

func decodeHistory(stored []storedSample) ([]sanity.ReportSample, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	out := make([]sanity.ReportSample, len(stored))
	for i, sample := range stored {
		decrease, err := fromBig(sample.CLBalanceDecrease)
		if err != nil {
			return nil, err
		}
		out[i] = sanity.ReportSample{
			Timestamp:         sample.Timestamp,
			CLBalanceDecrease: decrease,
			ExitedValidators:  sample.ExitedValidators,
		}
	}
	return out, nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: stored value %s exceeds 256 bits", v)
	}
	return out, nil
}
