package withdrawals

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrEmptyBatches       = errors.New("withdrawals: no finalization batches")
	ErrInvalidBatches     = errors.New("withdrawals: batches must be strictly increasing pending request ids")
	ErrRequestNotFound    = errors.New("withdrawals: request not found")
	ErrZeroShareRate      = errors.New("withdrawals: max share rate must be positive")
	ErrQueuePaused        = errors.New("withdrawals: queue paused")
	ErrLockMismatch       = errors.New("withdrawals: value to lock does not match pending requests")
	ErrInvalidRequest     = errors.New("withdrawals: request value and shares must be positive")
	ErrTimestampRegressed = errors.New("withdrawals: request timestamp before previous request")
)

// ShareRatePrecision is the fixed-point base of share rates (value per share).
var ShareRatePrecision = uint256.MustFromDecimal("1000000000000000000000000000")

// Prefinalization is the value and shares a finalization batch would consume.
type Prefinalization struct {
	ValueToLock  *uint256.Int
	SharesToBurn *uint256.Int
}

// Queue is the withdrawal queue capability consumed by report settlement.
// Shares of pending requests are held by Holder() until burnt at finalization.
type Queue interface {
	Prefinalize(batches []uint64, maxShareRate *uint256.Int) (Prefinalization, error)
	Finalize(lastID uint64, valueToLock, maxShareRate *uint256.Int) error
	// Unfinalize reverts a Finalize back to previousID. It is used when the
	// ledger commit that triggered the finalization fails.
	Unfinalize(lastID, previousID uint64, valueLocked *uint256.Int) error
	LastFinalizedID() uint64
	IsPaused() bool
	Enqueue(owner common.Address, value, shares *uint256.Int, timestamp uint64) (uint64, error)
	// Cancel drops the newest request while it is still pending.
	Cancel(id uint64) error
	RequestTimestamp(id uint64) (uint64, error)
	Holder() common.Address
}

// Request is one pending or finalized withdrawal.
type Request struct {
	ID        uint64
	Owner     common.Address
	Value     *uint256.Int
	Shares    *uint256.Int
	Timestamp uint64
	Finalized bool
	// Locked is the value reserved for the request at finalization.
	Locked *uint256.Int
}

// MemoryQueue is an in-process FIFO queue. Request ids start at one.
type MemoryQueue struct {
	mu            sync.RWMutex
	holder        common.Address
	requests      []*Request
	lastFinalized uint64
	locked        *uint256.Int
	paused        bool
}

// NewMemoryQueue returns an empty queue whose pending shares sit at holder.
func NewMemoryQueue(holder common.Address) *MemoryQueue {
	return &MemoryQueue{holder: holder, locked: new(uint256.Int)}
}

// Holder returns the address that custodies pending request shares.
func (q *MemoryQueue) Holder() common.Address { return q.holder }

// SetPaused toggles the queue pause flag.
func (q *MemoryQueue) SetPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
}

// IsPaused reports whether finalization is halted.
func (q *MemoryQueue) IsPaused() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.paused
}

// Enqueue records a request for value backed by shares the caller has already
// moved to Holder().
func (q *MemoryQueue) Enqueue(owner common.Address, value, shares *uint256.Int, timestamp uint64) (uint64, error) {
	if value == nil || shares == nil || value.IsZero() || shares.IsZero() {
		return 0, ErrInvalidRequest
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.requests); n > 0 && q.requests[n-1].Timestamp > timestamp {
		return 0, ErrTimestampRegressed
	}
	id := uint64(len(q.requests)) + 1
	q.requests = append(q.requests, &Request{
		ID:        id,
		Owner:     owner,
		Value:     new(uint256.Int).Set(value),
		Shares:    new(uint256.Int).Set(shares),
		Timestamp: timestamp,
	})
	return id, nil
}

// Cancel removes request id if it is the newest and not yet finalized.
func (q *MemoryQueue) Cancel(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := uint64(len(q.requests))
	if id == 0 || id != n || id <= q.lastFinalized {
		return fmt.Errorf("%w: %d is not the newest pending request", ErrRequestNotFound, id)
	}
	q.requests[n-1] = nil
	q.requests = q.requests[:n-1]
	return nil
}

// Request returns a copy of the request with the given id.
func (q *MemoryQueue) Request(id uint64) (Request, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	req, err := q.lookup(id)
	if err != nil {
		return Request{}, err
	}
	out := *req
	out.Value = new(uint256.Int).Set(req.Value)
	out.Shares = new(uint256.Int).Set(req.Shares)
	if req.Locked != nil {
		out.Locked = new(uint256.Int).Set(req.Locked)
	}
	return out, nil
}

// RequestTimestamp returns the creation time of a request.
func (q *MemoryQueue) RequestTimestamp(id uint64) (uint64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	req, err := q.lookup(id)
	if err != nil {
		return 0, err
	}
	return req.Timestamp, nil
}

// LastFinalizedID returns the id of the newest finalized request, zero if none.
func (q *MemoryQueue) LastFinalizedID() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastFinalized
}

// LockedValue returns the value reserved for finalized requests.
func (q *MemoryQueue) LockedValue() *uint256.Int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return new(uint256.Int).Set(q.locked)
}

// Prefinalize computes what finalizing every request up to the last batch
// boundary would lock and burn. Each request is discounted to the value its
// shares are worth at maxShareRate, so holders that requested before a
// negative rebase share the loss.
func (q *MemoryQueue) Prefinalize(batches []uint64, maxShareRate *uint256.Int) (Prefinalization, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(batches) == 0 {
		return Prefinalization{}, ErrEmptyBatches
	}
	prev := q.lastFinalized
	for _, id := range batches {
		if id <= prev {
			return Prefinalization{}, fmt.Errorf("%w: %d after %d", ErrInvalidBatches, id, prev)
		}
		prev = id
	}
	return q.prefinalizeTo(batches[len(batches)-1], maxShareRate)
}

// Finalize locks valueToLock for every request up to lastID. The value must
// equal what Prefinalize reports for the same range.
func (q *MemoryQueue) Finalize(lastID uint64, valueToLock, maxShareRate *uint256.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return ErrQueuePaused
	}
	if lastID <= q.lastFinalized {
		return fmt.Errorf("%w: %d already finalized", ErrInvalidBatches, lastID)
	}
	pre, err := q.prefinalizeTo(lastID, maxShareRate)
	if err != nil {
		return err
	}
	if valueToLock == nil || !pre.ValueToLock.Eq(valueToLock) {
		return fmt.Errorf("%w: want %s", ErrLockMismatch, pre.ValueToLock.Dec())
	}
	for _, req := range q.requests[q.lastFinalized:lastID] {
		req.Finalized = true
		req.Locked = discounted(req, maxShareRate)
	}
	q.lastFinalized = lastID
	q.locked.Add(q.locked, valueToLock)
	return nil
}

// Unfinalize reverts the finalization of requests previousID+1..lastID and
// releases valueLocked. lastID must be the newest finalized request.
func (q *MemoryQueue) Unfinalize(lastID, previousID uint64, valueLocked *uint256.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lastID != q.lastFinalized || previousID >= lastID {
		return fmt.Errorf("%w: cannot revert %d to %d, last finalized %d", ErrInvalidBatches, lastID, previousID, q.lastFinalized)
	}
	if valueLocked == nil || valueLocked.Gt(q.locked) {
		return fmt.Errorf("%w: release exceeds locked %s", ErrLockMismatch, q.locked.Dec())
	}
	for _, req := range q.requests[previousID:lastID] {
		req.Finalized = false
		req.Locked = nil
	}
	q.lastFinalized = previousID
	q.locked.Sub(q.locked, valueLocked)
	return nil
}

func (q *MemoryQueue) prefinalizeTo(lastID uint64, maxShareRate *uint256.Int) (Prefinalization, error) {
	if maxShareRate == nil || maxShareRate.IsZero() {
		return Prefinalization{}, ErrZeroShareRate
	}
	if lastID > uint64(len(q.requests)) {
		return Prefinalization{}, fmt.Errorf("%w: %d", ErrRequestNotFound, lastID)
	}
	out := Prefinalization{ValueToLock: new(uint256.Int), SharesToBurn: new(uint256.Int)}
	for _, req := range q.requests[q.lastFinalized:lastID] {
		out.ValueToLock.Add(out.ValueToLock, discounted(req, maxShareRate))
		out.SharesToBurn.Add(out.SharesToBurn, req.Shares)
	}
	return out, nil
}

func (q *MemoryQueue) lookup(id uint64) (*Request, error) {
	if id == 0 || id > uint64(len(q.requests)) {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	return q.requests[id-1], nil
}

func discounted(req *Request, maxShareRate *uint256.Int) *uint256.Int {
	atRate, overflow := new(uint256.Int).MulDivOverflow(req.Shares, maxShareRate, ShareRatePrecision)
	if overflow || atRate.Gt(req.Value) {
		return new(uint256.Int).Set(req.Value)
	}
	return atRate
}
