package withdrawals

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	holder = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
)

func rate(num, den uint64) *uint256.Int {
	r := new(uint256.Int).Mul(ShareRatePrecision, uint256.NewInt(num))
	return r.Div(r, uint256.NewInt(den))
}

func seededQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q := NewMemoryQueue(holder)
	for i, ts := range []uint64{100, 200, 300} {
		if _, err := q.Enqueue(alice, uint256.NewInt(uint64(10*(i+1))), uint256.NewInt(uint64(10*(i+1))), ts); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	return q
}

func TestPrefinalizeAtParRate(t *testing.T) {
	q := seededQueue(t)
	pre, err := q.Prefinalize([]uint64{1, 2}, rate(1, 1))
	if err != nil {
		t.Fatalf("prefinalize: %v", err)
	}
	if pre.ValueToLock.Uint64() != 30 || pre.SharesToBurn.Uint64() != 30 {
		t.Fatalf("unexpected prefinalization %s/%s", pre.ValueToLock, pre.SharesToBurn)
	}
}

func TestPrefinalizeDiscountsBelowRequestedValue(t *testing.T) {
	q := seededQueue(t)
	pre, err := q.Prefinalize([]uint64{3}, rate(1, 2))
	if err != nil {
		t.Fatalf("prefinalize: %v", err)
	}
	// 60 shares at half rate lock 30, never more than the requested value.
	if pre.ValueToLock.Uint64() != 30 || pre.SharesToBurn.Uint64() != 60 {
		t.Fatalf("unexpected prefinalization %s/%s", pre.ValueToLock, pre.SharesToBurn)
	}
	pre, err = q.Prefinalize([]uint64{3}, rate(2, 1))
	if err != nil {
		t.Fatalf("prefinalize: %v", err)
	}
	if pre.ValueToLock.Uint64() != 60 {
		t.Fatalf("higher rate must not lock above requested value, got %s", pre.ValueToLock)
	}
}

func TestPrefinalizeRejectsBadInput(t *testing.T) {
	q := seededQueue(t)
	if _, err := q.Prefinalize(nil, rate(1, 1)); !errors.Is(err, ErrEmptyBatches) {
		t.Fatalf("expected ErrEmptyBatches, got %v", err)
	}
	if _, err := q.Prefinalize([]uint64{2, 2}, rate(1, 1)); !errors.Is(err, ErrInvalidBatches) {
		t.Fatalf("expected ErrInvalidBatches, got %v", err)
	}
	if _, err := q.Prefinalize([]uint64{4}, rate(1, 1)); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := q.Prefinalize([]uint64{1}, new(uint256.Int)); !errors.Is(err, ErrZeroShareRate) {
		t.Fatalf("expected ErrZeroShareRate, got %v", err)
	}
}

func TestFinalizeLocksAndAdvances(t *testing.T) {
	q := seededQueue(t)
	if err := q.Finalize(2, uint256.NewInt(29), rate(1, 1)); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("expected ErrLockMismatch, got %v", err)
	}
	if err := q.Finalize(2, uint256.NewInt(30), rate(1, 1)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if q.LastFinalizedID() != 2 || q.LockedValue().Uint64() != 30 {
		t.Fatalf("unexpected queue state: last=%d locked=%s", q.LastFinalizedID(), q.LockedValue())
	}
	req, err := q.Request(2)
	if err != nil || !req.Finalized || req.Locked.Uint64() != 20 {
		t.Fatalf("request 2 not finalized: %+v %v", req, err)
	}
	if _, err := q.Prefinalize([]uint64{2}, rate(1, 1)); !errors.Is(err, ErrInvalidBatches) {
		t.Fatalf("finalized ids must not be prefinalized again, got %v", err)
	}
	pre, err := q.Prefinalize([]uint64{3}, rate(1, 1))
	if err != nil || pre.ValueToLock.Uint64() != 30 {
		t.Fatalf("expected only request 3 pending, got %+v %v", pre, err)
	}
}

func TestPausedQueueRejectsFinalize(t *testing.T) {
	q := seededQueue(t)
	q.SetPaused(true)
	if !q.IsPaused() {
		t.Fatalf("expected paused queue")
	}
	if err := q.Finalize(1, uint256.NewInt(10), rate(1, 1)); !errors.Is(err, ErrQueuePaused) {
		t.Fatalf("expected ErrQueuePaused, got %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := seededQueue(t)
	if _, err := q.Enqueue(alice, new(uint256.Int), uint256.NewInt(1), 400); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := q.Enqueue(alice, uint256.NewInt(1), uint256.NewInt(1), 50); !errors.Is(err, ErrTimestampRegressed) {
		t.Fatalf("expected ErrTimestampRegressed, got %v", err)
	}
	ts, err := q.RequestTimestamp(3)
	if err != nil || ts != 300 {
		t.Fatalf("unexpected timestamp %d %v", ts, err)
	}
	if _, err := q.RequestTimestamp(0); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestUnfinalizeRestoresPreviousBoundary(t *testing.T) {
	q := seededQueue(t)
	if err := q.Finalize(1, uint256.NewInt(10), rate(1, 1)); err != nil {
		t.Fatalf("finalize 1: %v", err)
	}
	if err := q.Finalize(3, uint256.NewInt(50), rate(1, 1)); err != nil {
		t.Fatalf("finalize 3: %v", err)
	}
	if err := q.Unfinalize(2, 1, uint256.NewInt(20)); !errors.Is(err, ErrInvalidBatches) {
		t.Fatalf("expected ErrInvalidBatches for stale boundary, got %v", err)
	}
	if err := q.Unfinalize(3, 1, uint256.NewInt(61)); !errors.Is(err, ErrLockMismatch) {
		t.Fatalf("expected ErrLockMismatch, got %v", err)
	}
	if err := q.Unfinalize(3, 1, uint256.NewInt(50)); err != nil {
		t.Fatalf("unfinalize: %v", err)
	}
	if q.LastFinalizedID() != 1 || q.LockedValue().Uint64() != 10 {
		t.Fatalf("unexpected state last=%d locked=%s", q.LastFinalizedID(), q.LockedValue())
	}
	for id := uint64(2); id <= 3; id++ {
		req, err := q.Request(id)
		if err != nil || req.Finalized || req.Locked != nil {
			t.Fatalf("request %d still finalized: %+v %v", id, req, err)
		}
	}
	if err := q.Finalize(3, uint256.NewInt(50), rate(1, 1)); err != nil {
		t.Fatalf("refinalize: %v", err)
	}
}

func TestCancelOnlyDropsNewestPending(t *testing.T) {
	q := seededQueue(t)
	if err := q.Cancel(2); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected older request to be kept, got %v", err)
	}
	if err := q.Cancel(3); err != nil {
		t.Fatalf("cancel newest: %v", err)
	}
	if _, err := q.Request(3); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("cancelled request still present: %v", err)
	}
	if id, err := q.Enqueue(alice, uint256.NewInt(5), uint256.NewInt(5), 400); err != nil || id != 3 {
		t.Fatalf("id not reused after cancel: id=%d err=%v", id, err)
	}

	if err := q.Finalize(3, uint256.NewInt(35), rate(1, 1)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := q.Cancel(3); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected finalized request to be kept, got %v", err)
	}
}
