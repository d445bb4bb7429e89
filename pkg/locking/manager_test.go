package locking

import (
	"context"
	"testing"
	"time"

	"github.com/mnohosten/sddms/pkg/errs"
	"github.com/mnohosten/sddms/pkg/proto"
)

func TestAcquireSharedCompatible(t *testing.T) {
	m := NewManager(time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatalf("txn1 shared: %v", err)
	}
	if err := m.Acquire(ctx, 2, "accounts", proto.Shared); err != nil {
		t.Fatalf("txn2 shared should not block on txn1's shared: %v", err)
	}
}

func TestAcquireExclusiveBlocksUntilReleased(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Exclusive); err != nil {
		t.Fatalf("txn1 exclusive: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 2, "accounts", proto.Shared)
	}()

	select {
	case <-done:
		t.Fatalf("txn2 should have blocked behind txn1's exclusive lock")
	case <-time.After(100 * time.Millisecond):
	}

	m.Release(1, "accounts")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("txn2 should have been granted after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn2 was never granted after release")
	}
}

func TestUpgradeInPlaceWhenSoleHolder(t *testing.T) {
	m := NewManager(time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatalf("initial shared: %v", err)
	}
	if err := m.Acquire(ctx, 1, "accounts", proto.Exclusive); err != nil {
		t.Fatalf("upgrade as sole holder should succeed immediately: %v", err)
	}

	locks := m.HeldLocks(1)
	if len(locks) != 1 || locks[0].Mode != proto.Exclusive {
		t.Fatalf("expected a single exclusive lock, got %+v", locks)
	}
}

func TestUpgradeBlocksWithOtherSharedHolders(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, 2, "accounts", proto.Shared); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 1, "accounts", proto.Exclusive)
	}()

	select {
	case <-done:
		t.Fatalf("upgrade should block while txn2 still holds a shared lock")
	case <-time.After(100 * time.Millisecond):
	}

	m.Release(2, "accounts")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("upgrade should succeed once txn2 releases: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("upgrade never completed")
	}
}

func TestIdempotentSameLockTwice(t *testing.T) {
	m := NewManager(time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatalf("repeating the same request should be a no-op: %v", err)
	}
	locks := m.HeldLocks(1)
	if len(locks) != 1 {
		t.Fatalf("expected exactly one held lock, got %d", len(locks))
	}
}

func TestReacquireWhileUnrelatedWaiterQueuedIsNotFalseDeadlock(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "students", proto.Shared); err != nil {
		t.Fatal(err)
	}

	// txn2 wants Exclusive and genuinely queues behind txn1's shared hold.
	exclusiveDone := make(chan error, 1)
	go func() { exclusiveDone <- m.Acquire(ctx, 2, "students", proto.Exclusive) }()
	time.Sleep(50 * time.Millisecond)

	// txn1 issuing a second statement that re-reads the same record it
	// already holds Shared on must be granted as a no-op, not aborted as
	// a false self-deadlock just because txn2 is queued.
	if err := m.Acquire(ctx, 1, "students", proto.Shared); err != nil {
		t.Fatalf("re-acquiring an already-held mode must be a no-op, got: %v", err)
	}

	m.Release(1, "students")
	select {
	case err := <-exclusiveDone:
		if err != nil {
			t.Fatalf("txn2 exclusive: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn2 never granted after txn1 released")
	}
}

func TestSelfUpgradeGrantsImmediatelyDespiteQueuedWaiter(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "students", proto.Shared); err != nil {
		t.Fatal(err)
	}

	// txn2 queues behind txn1's shared hold, wanting Exclusive.
	exclusiveDone := make(chan error, 1)
	go func() { exclusiveDone <- m.Acquire(ctx, 2, "students", proto.Exclusive) }()
	time.Sleep(50 * time.Millisecond)

	// txn1 is the sole holder of students, so its Shared -> Exclusive
	// upgrade must grant immediately per §8, regardless of txn2 already
	// queued behind it.
	upgradeDone := make(chan error, 1)
	go func() { upgradeDone <- m.Acquire(ctx, 1, "students", proto.Exclusive) }()

	select {
	case err := <-upgradeDone:
		if err != nil {
			t.Fatalf("self-upgrade with no conflicting holders should grant immediately: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("self-upgrade should not have blocked behind an unrelated queued waiter")
	}

	select {
	case <-exclusiveDone:
		t.Fatal("txn2 should still be blocked behind txn1's upgraded exclusive hold")
	default:
	}

	m.Release(1, "students")
	select {
	case err := <-exclusiveDone:
		if err != nil {
			t.Fatalf("txn2 exclusive: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn2 never granted after txn1 released")
	}
}

func TestFIFOFairnessBlocksNewCompatibleRequestBehindWaiter(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Shared); err != nil {
		t.Fatal(err)
	}

	// txn2 wants Exclusive and must queue behind nothing yet, so it blocks
	// on txn1's shared lock.
	exclusiveDone := make(chan error, 1)
	go func() { exclusiveDone <- m.Acquire(ctx, 2, "accounts", proto.Exclusive) }()
	time.Sleep(50 * time.Millisecond)

	// txn3 requests Shared, which would be compatible with txn1's holder,
	// but must not jump ahead of txn2's queued exclusive request.
	sharedDone := make(chan error, 1)
	go func() { sharedDone <- m.Acquire(ctx, 3, "accounts", proto.Shared) }()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-sharedDone:
		t.Fatalf("txn3 should not have been granted ahead of queued txn2")
	default:
	}

	m.Release(1, "accounts")

	select {
	case err := <-exclusiveDone:
		if err != nil {
			t.Fatalf("txn2 exclusive: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn2 never granted")
	}

	select {
	case <-sharedDone:
		t.Fatalf("txn3 should still be blocked behind txn2's exclusive hold")
	default:
	}

	m.Release(2, "accounts")

	select {
	case err := <-sharedDone:
		if err != nil {
			t.Fatalf("txn3 shared: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn3 never granted after txn2 released")
	}
}

func TestDeadlockAbortsRequester(t *testing.T) {
	m := NewManager(2*time.Second, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "a", proto.Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, 2, "b", proto.Exclusive); err != nil {
		t.Fatal(err)
	}

	// txn1 waits on b (held by txn2) in the background.
	txn1Blocked := make(chan error, 1)
	go func() { txn1Blocked <- m.Acquire(ctx, 1, "b", proto.Exclusive) }()
	time.Sleep(50 * time.Millisecond)

	// txn2 requesting a (held by txn1) would close the cycle 2->1->2 and
	// must be rejected immediately rather than left to block.
	err := m.Acquire(ctx, 2, "a", proto.Exclusive)
	if err == nil {
		t.Fatal("expected AbortedByDeadlock, got nil")
	}
	if errs.KindOf(err) != errs.AbortedByDeadlock {
		t.Fatalf("expected AbortedByDeadlock, got %v", errs.KindOf(err))
	}

	m.Release(1, "a")
	m.Release(2, "b")

	select {
	case err := <-txn1Blocked:
		if err != nil {
			t.Fatalf("txn1 should eventually acquire b: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("txn1 never granted b")
	}
}

func TestLockTimeout(t *testing.T) {
	m := NewManager(100*time.Millisecond, AbortRequester)
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "accounts", proto.Exclusive); err != nil {
		t.Fatal(err)
	}

	err := m.Acquire(ctx, 2, "accounts", proto.Shared)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if errs.KindOf(err) != errs.LockTimeout {
		t.Fatalf("expected LockTimeout, got %v", errs.KindOf(err))
	}
}

func TestPeriodicVictimResolvesDeadlock(t *testing.T) {
	m := NewManager(5*time.Second, PeriodicVictim)
	defer m.Close()
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "a", proto.Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, 2, "b", proto.Exclusive); err != nil {
		t.Fatal(err)
	}

	res1 := make(chan error, 1)
	res2 := make(chan error, 1)
	go func() { res1 <- m.Acquire(ctx, 1, "b", proto.Exclusive) }()
	go func() { res2 <- m.Acquire(ctx, 2, "a", proto.Exclusive) }()

	var gotAbort, gotNil bool
	for i := 0; i < 2; i++ {
		select {
		case err := <-res1:
			classify(t, err, &gotAbort, &gotNil)
		case err := <-res2:
			classify(t, err, &gotAbort, &gotNil)
		case <-time.After(3 * time.Second):
			t.Fatal("periodic sweep never broke the deadlock")
		}
	}
	if !gotAbort {
		t.Fatal("expected exactly one side to be aborted as deadlock victim")
	}
}

func classify(t *testing.T, err error, gotAbort, gotNil *bool) {
	t.Helper()
	if err == nil {
		*gotNil = true
		return
	}
	if errs.KindOf(err) != errs.AbortedByDeadlock {
		t.Fatalf("unexpected error: %v", err)
	}
	*gotAbort = true
}

func TestDetectCyclesReportsWaitForCycle(t *testing.T) {
	m := NewManager(5*time.Second, PeriodicVictim)
	defer m.Close()
	ctx := context.Background()

	if err := m.Acquire(ctx, 1, "a", proto.Exclusive); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, 2, "b", proto.Exclusive); err != nil {
		t.Fatal(err)
	}
	go m.Acquire(ctx, 1, "b", proto.Exclusive)
	go m.Acquire(ctx, 2, "a", proto.Exclusive)
	time.Sleep(20 * time.Millisecond)

	cycles := m.DetectCycles()
	if len(cycles) == 0 {
		t.Fatal("expected at least one cycle to be detected")
	}
}
