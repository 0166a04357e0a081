package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"stakeledger/native/rebase"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func TestRecordAndListRebases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, _, err := store.APR(ctx)
	require.ErrorIs(t, err, ErrNoRebases)

	for i, post := range []uint64{101, 102} {
		require.NoError(t, store.RecordRebase(ctx, fmt.Sprintf("req-%d", i), rebase.RebaseRecord{
			ReportTimestamp: uint64(i+1) * 86400,
			TimeElapsed:     86400,
			PreTotalValue:   ether(100),
			PreTotalShares:  ether(100),
			PostTotalValue:  ether(post),
			PostTotalShares: ether(100),
		}))
	}
	rows, err := store.Rebases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint64(2*86400), rows[0].ReportTimestamp)
	require.Equal(t, "req-1", rows[0].RequestID)
	require.Equal(t, "0", rows[0].SharesMintedAsFees)

	apr, latest, err := store.APR(ctx)
	require.NoError(t, err)
	require.Equal(t, rows[0].ID, latest.ID)
	// 2% in one day annualises to 730%.
	require.InDelta(t, 7.3, apr, 1e-9)
}

func TestRecordRejectionClassifies(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordRejection(ctx, "req", 86400, fmt.Errorf("settle: %w", rebase.ErrStaleReport)))
	require.NoError(t, store.RecordRejection(ctx, "req", 86400, errors.New("disk full")))

	rows, err := store.Rejections(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	classes := map[string]string{}
	for _, row := range rows {
		classes[row.Class] = row.Kind
	}
	require.Equal(t, "stale_report", classes["policy"])
	require.Equal(t, "internal", classes["internal"])
}

func TestAPRHandlesEmptyPool(t *testing.T) {
	apr, err := Rebase{TimeElapsed: 10, PreTotalValue: "0", PreTotalShares: "0", PostTotalValue: "5", PostTotalShares: "5"}.APR()
	require.NoError(t, err)
	require.Zero(t, apr)

	_, err = Rebase{TimeElapsed: 10, PreTotalValue: "x", PreTotalShares: "1"}.APR()
	require.Error(t, err)
	require.False(t, math.IsNaN(apr))
}
