package distlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/clientsync/internal/pkg/distlock"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestFactoryLocksContend(t *testing.T) {
	_, rdb := testRedis(t)
	f := distlock.NewFactory(rdb, nil, time.Minute)
	ctx := context.Background()

	first := f.ForKey("sync:ghl_contacts")
	second := f.ForKey("sync:ghl_contacts")
	other := f.ForKey("sync:manychat_contacts")

	if ok, err := first.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Error("second holder acquired a held lock")
	}
	// Contention is per key: another source locks independently.
	if ok, err := other.Acquire(ctx); err != nil || !ok {
		t.Errorf("other source Acquire = %v, %v", ok, err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, err := second.Acquire(ctx); err != nil || !ok {
		t.Errorf("Acquire after release = %v, %v", ok, err)
	}
}

func TestExtendReportsLostLock(t *testing.T) {
	mr, rdb := testRedis(t)
	f := distlock.NewFactory(rdb, nil, time.Minute)
	ctx := context.Background()

	lock := f.ForKey("sync:stripe_charges")
	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	if err := lock.Extend(ctx); err != nil {
		t.Fatalf("Extend while held: %v", err)
	}

	// Let the TTL lapse; the next Extend must refuse rather than
	// resurrect the lock.
	mr.FastForward(2 * time.Minute)
	if err := lock.Extend(ctx); !errors.Is(err, distlock.ErrLockLost) {
		t.Errorf("Extend after expiry = %v, want ErrLockLost", err)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	_, rdb := testRedis(t)
	ctx := context.Background()

	owner := distlock.NewRedisLock(rdb, "clientsync:lock:sync:csv_import", time.Minute)
	intruder := distlock.NewRedisLock(rdb, "clientsync:lock:sync:csv_import", time.Minute)

	if ok, err := owner.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	if err := intruder.Release(ctx); err != nil {
		t.Fatalf("non-owner Release errored: %v", err)
	}
	// The owner's token is still in place.
	if err := owner.Extend(ctx); err != nil {
		t.Errorf("owner lost the lock after a foreign release: %v", err)
	}
}

func TestFactoryFallsBackToAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	f := distlock.NewFactory(nil, db, time.Minute)
	lock := f.ForKey("migrate")
	ctx := context.Background()

	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}
	// Advisory locks are session-scoped; Extend has nothing to do.
	if err := lock.Extend(ctx); err != nil {
		t.Errorf("Extend = %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
