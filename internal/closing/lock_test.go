package closing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/inventory/inventorytest"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, nil), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()
	key := shared.PeriodCloseLockKey(1, 2024, 3)

	release, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	_, err = locker.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, ErrPeriodLocked)

	release()
	require.False(t, mr.Exists(key))

	release, err = locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	release()
}

func TestRedisLockerExpires(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()
	key := shared.PeriodCloseLockKey(1, 2024, 3)

	staleRelease, err := locker.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	release, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	staleRelease()
	require.True(t, mr.Exists(key), "stale holder must not release the new lock")
	release()
}

func TestClosePeriodRefusesWhileLocked(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()
	release, err := locker.Acquire(ctx, shared.PeriodCloseLockKey(1, 2024, 3), time.Minute)
	require.NoError(t, err)
	defer release()

	svc := newTestService(newLedgerRepo(inventorytest.NewRepo(nil)), locker)
	_, err = svc.ClosePeriod(ctx, 1, march)
	require.ErrorIs(t, err, ErrPeriodLocked)
}
