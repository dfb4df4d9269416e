package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLedger(client), mr
}

func TestReserve_UpToTarget(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.Reserve(ctx, ReserveRequest{
			LinkUID:       fmt.Sprintf("uid-%d", i),
			ProjectID:     "p1",
			ProjectTarget: 3,
		})
		require.NoError(t, err)
	}

	_, err := ledger.Reserve(ctx, ReserveRequest{
		LinkUID:       "uid-overflow",
		ProjectID:     "p1",
		ProjectTarget: 3,
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	proj, _, err := ledger.Counts(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, proj)
}

func TestReserve_VendorCeiling(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, ReserveRequest{
		LinkUID:       "uid-1",
		ProjectID:     "p1",
		VendorID:      "v1",
		ProjectTarget: 10,
		VendorCeiling: 1,
	})
	require.NoError(t, err)

	// Vendor ceiling reached even though the project has room.
	_, err = ledger.Reserve(ctx, ReserveRequest{
		LinkUID:       "uid-2",
		ProjectID:     "p1",
		VendorID:      "v1",
		ProjectTarget: 10,
		VendorCeiling: 1,
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// A different vendor still gets through.
	_, err = ledger.Reserve(ctx, ReserveRequest{
		LinkUID:       "uid-3",
		ProjectID:     "p1",
		VendorID:      "v2",
		ProjectTarget: 10,
		VendorCeiling: 1,
	})
	require.NoError(t, err)

	proj, vend, err := ledger.Counts(ctx, "p1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, proj)
	assert.Equal(t, 1, vend)
}

func TestReserve_IdempotentPerLink(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	req := ReserveRequest{LinkUID: "uid-1", ProjectID: "p1", ProjectTarget: 1}
	_, err := ledger.Reserve(ctx, req)
	require.NoError(t, err)

	// Retried reserve for the same link returns the slot it already holds.
	res, err := ledger.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", res.LinkUID)

	proj, _, err := ledger.Counts(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, proj)
}

func TestReserve_ConcurrentExactlyN(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	const target = 5
	const racers = 40

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, ReserveRequest{
				LinkUID:       fmt.Sprintf("uid-%d", i),
				ProjectID:     "p1",
				ProjectTarget: target,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrQuotaExceeded)
		}
	}
	assert.Equal(t, target, won)
}

func TestRelease_ReturnsCapacity(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-1", ProjectID: "p1", VendorID: "v1", ProjectTarget: 1, VendorCeiling: 1})
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, "uid-1"))

	proj, vend, err := ledger.Counts(ctx, "p1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, proj)
	assert.Equal(t, 0, vend)

	// Slot is available again.
	_, err = ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-2", ProjectID: "p1", VendorID: "v1", ProjectTarget: 1, VendorCeiling: 1})
	require.NoError(t, err)
}

func TestRelease_Idempotent(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-1", ProjectID: "p1", ProjectTarget: 2})
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, "uid-1"))
	require.NoError(t, ledger.Release(ctx, "uid-1"))

	proj, _, err := ledger.Counts(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, proj)
}

func TestCommit_RemovesPendingKeepsCount(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-1", ProjectID: "p1", ProjectTarget: 1})
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, "uid-1"))

	proj, _, err := ledger.Counts(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, proj)

	// Committed slots are invisible to the reaper.
	stale, err := ledger.StalePending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Releasing after commit is a no-op: the slot stays committed.
	require.NoError(t, ledger.Release(ctx, "uid-1"))
	proj, _, err = ledger.Counts(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, proj)
}

func TestStalePending(t *testing.T) {
	ledger, _ := setupLedger(t)
	ctx := context.Background()

	base := time.Now()
	ledger.now = func() time.Time { return base.Add(-1 * time.Hour) }
	_, err := ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-old", ProjectID: "p1", ProjectTarget: 5})
	require.NoError(t, err)

	ledger.now = func() time.Time { return base }
	_, err = ledger.Reserve(ctx, ReserveRequest{LinkUID: "uid-fresh", ProjectID: "p1", ProjectTarget: 5})
	require.NoError(t, err)

	stale, err := ledger.StalePending(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid-old"}, stale)
}
