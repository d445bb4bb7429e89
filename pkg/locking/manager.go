// Package locking implements the controller's global lock table and
// wait-for graph: strict two-phase locking at record (table) granularity,
// FIFO per-record waiter queues, and deadlock detection with either of the
// two victim-selection policies the spec's §4.2 explicitly permits.
//
// The lock table is the single logical critical section described in §5:
// every operation here runs under one mutex, with a per-waiter channel
// (rather than a condition variable) as the suspension primitive — easier
// to reason about than sync.Cond when a waiter can also be woken by a
// deadlock abort or a timeout racing the grant.
package locking

import (
	"context"
	"sync"
	"time"

	"github.com/mnohosten/sddms/pkg/errs"
	"github.com/mnohosten/sddms/pkg/proto"
)

// TxnID identifies a transaction in the controller's registry.
type TxnID uint64

// DeadlockPolicy selects how the manager reacts to a would-be cycle in the
// wait-for graph.
type DeadlockPolicy int

const (
	// AbortRequester rejects the edge that would close the cycle: the
	// transaction about to block is aborted immediately instead. This is
	// the "young transaction aborts" rule — deterministic, and it never
	// preempts a transaction that is already waiting.
	AbortRequester DeadlockPolicy = iota
	// PeriodicVictim instead lets the edge form and relies on a
	// background sweep to find cycles and abort the participant holding
	// the fewest locks.
	PeriodicVictim
)

// waiter is one entry in a record's FIFO wait queue.
type waiter struct {
	txn     TxnID
	mode    proto.LockMode
	granted chan struct{}
	abortCh chan error
}

// recordState is the lock table entry for one record (table) name.
type recordState struct {
	holders map[TxnID]proto.LockMode
	waiters []*waiter
}

func newRecordState() *recordState {
	return &recordState{holders: make(map[TxnID]proto.LockMode)}
}

func compatible(held, requested proto.LockMode) bool {
	return held == proto.Shared && requested == proto.Shared
}

// modeSatisfies reports whether already holding held covers a request for
// mode without any further grant being necessary: Exclusive covers
// anything, Shared only covers another Shared request.
func modeSatisfies(held, requested proto.LockMode) bool {
	return held == proto.Exclusive || held == requested
}

// canGrant reports whether txn can be granted mode on rs right now.
//
// A transaction that already holds a sufficient mode on this exact record
// is granted unconditionally (I1's no-op re-acquire; idempotent per §8),
// and a transaction upgrading a mode it already holds is only blocked by a
// genuinely conflicting *other* holder, never by unrelated waiters queued
// behind it — those waiters are already blocked on this record regardless
// of whether the current holder upgrades. A fresh (non-holding) request,
// by contrast, always queues behind a non-empty waiter list: that's what
// keeps wake-up order FIFO instead of starving whoever is already queued.
func (rs *recordState) canGrant(txn TxnID, mode proto.LockMode) bool {
	held, holds := rs.holders[txn]
	if holds && modeSatisfies(held, mode) {
		return true
	}
	if !holds && len(rs.waiters) > 0 {
		return false
	}
	for holder, holderMode := range rs.holders {
		if holder == txn {
			continue
		}
		if !compatible(holderMode, mode) {
			return false
		}
	}
	return true
}

// blocker picks the one transaction this request should record a wait-for
// edge against: a genuine conflicting holder if one exists, else whichever
// transaction is immediately ahead of us in the FIFO queue.
func (rs *recordState) blocker(txn TxnID, mode proto.LockMode) (TxnID, bool) {
	for holder, holderMode := range rs.holders {
		if holder == txn {
			continue
		}
		if !compatible(holderMode, mode) {
			return holder, true
		}
	}
	if n := len(rs.waiters); n > 0 {
		return rs.waiters[n-1].txn, true
	}
	return 0, false
}

// Manager owns the lock table and wait-for graph for every record in the
// cluster.
type Manager struct {
	mu      sync.Mutex
	records map[string]*recordState
	waitFor map[TxnID]TxnID // each blocked txn has exactly one out-edge

	timeout time.Duration
	policy  DeadlockPolicy

	stopSweep chan struct{}
}

// NewManager creates a Manager. timeout is the per-wait deadline
// (lock_wait_timeout, default 30s handled by the caller). policy selects
// the deadlock handling strategy.
func NewManager(timeout time.Duration, policy DeadlockPolicy) *Manager {
	m := &Manager{
		records: make(map[string]*recordState),
		waitFor: make(map[TxnID]TxnID),
		timeout: timeout,
		policy:  policy,
	}
	if policy == PeriodicVictim {
		m.stopSweep = make(chan struct{})
		go m.sweepLoop()
	}
	return m
}

// Close stops the background deadlock sweep, if one is running.
func (m *Manager) Close() {
	if m.stopSweep != nil {
		close(m.stopSweep)
	}
}

func (m *Manager) record(name string) *recordState {
	rs, ok := m.records[name]
	if !ok {
		rs = newRecordState()
		m.records[name] = rs
	}
	return rs
}

// Acquire blocks the caller until txn holds mode on record, the request is
// aborted by deadlock detection, the wait times out, or ctx is cancelled.
// Acquiring a lock the transaction already holds at the same or a weaker
// mode is a no-op (idempotent); requesting a stronger mode upgrades in
// place.
func (m *Manager) Acquire(ctx context.Context, txn TxnID, record string, mode proto.LockMode) error {
	m.mu.Lock()

	rs := m.record(record)
	if rs.canGrant(txn, mode) {
		rs.holders[txn] = strongerOf(rs.holders[txn], mode)
		m.mu.Unlock()
		return nil
	}

	blocker, ok := rs.blocker(txn, mode)
	if !ok {
		// Nothing conflicts and the queue is empty: canGrant would have
		// been true. Defensive fallback only.
		rs.holders[txn] = mode
		m.mu.Unlock()
		return nil
	}

	if m.policy == AbortRequester && m.wouldCycleLocked(txn, blocker) {
		m.mu.Unlock()
		return errs.New(errs.AbortedByDeadlock, "lock request would close a wait-for cycle")
	}

	w := &waiter{txn: txn, mode: mode, granted: make(chan struct{}), abortCh: make(chan error, 1)}
	rs.waiters = append(rs.waiters, w)
	m.waitFor[txn] = blocker
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-w.granted:
		return nil
	case err := <-w.abortCh:
		return err
	case <-timer.C:
		m.removeWaiter(record, w, txn)
		return errs.New(errs.LockTimeout, "lock wait exceeded deadline")
	case <-ctx.Done():
		m.removeWaiter(record, w, txn)
		return errs.Wrap(errs.LockTimeout, "lock wait cancelled", ctx.Err())
	}
}

// removeWaiter drops w from record's queue and clears the wait-for edge,
// used when a wait ends in timeout or cancellation rather than a grant.
func (m *Manager) removeWaiter(record string, w *waiter, txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.records[record]
	if !ok {
		return
	}
	for i, other := range rs.waiters {
		if other == w {
			rs.waiters = append(rs.waiters[:i], rs.waiters[i+1:]...)
			break
		}
	}
	delete(m.waitFor, txn)
}

// Release drops txn's lock on record and wakes any now-grantable waiters
// at the head of that record's queue, continuing while the new head
// remains grantable.
func (m *Manager) Release(txn TxnID, record string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(txn, record)
}

func (m *Manager) releaseLocked(txn TxnID, record string) {
	rs, ok := m.records[record]
	if !ok {
		return
	}
	delete(rs.holders, txn)
	m.wakeEligible(rs)
	if len(rs.holders) == 0 && len(rs.waiters) == 0 {
		delete(m.records, record)
	}
}

// ReleaseAll drops every lock held or waited-on by txn, e.g. at
// transaction finalization (strict 2PL, invariant I3).
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, rs := range m.records {
		if _, held := rs.holders[txn]; held {
			delete(rs.holders, txn)
			m.wakeEligible(rs)
		}
		// A transaction being force-finalized while still queued as a
		// waiter (e.g. victim of a periodic sweep) needs its queue slot
		// removed too.
		for i, w := range rs.waiters {
			if w.txn == txn {
				rs.waiters = append(rs.waiters[:i], rs.waiters[i+1:]...)
				break
			}
		}
		if len(rs.holders) == 0 && len(rs.waiters) == 0 {
			delete(m.records, name)
		}
	}
	delete(m.waitFor, txn)
}

// wakeEligible grants the head-of-queue waiters on rs while they remain
// compatible with the current holder set, preserving FIFO order.
func (m *Manager) wakeEligible(rs *recordState) {
	for len(rs.waiters) > 0 {
		head := rs.waiters[0]
		if !rs.canGrant(head.txn, head.mode) {
			// canGrant would see head itself in rs.waiters still, so
			// check against holders only for the head of queue.
			if !grantableAgainstHolders(rs, head.txn, head.mode) {
				break
			}
		}
		rs.waiters = rs.waiters[1:]
		rs.holders[head.txn] = strongerOf(rs.holders[head.txn], head.mode)
		delete(m.waitFor, head.txn)
		close(head.granted)
	}
}

func grantableAgainstHolders(rs *recordState, txn TxnID, mode proto.LockMode) bool {
	for holder, holderMode := range rs.holders {
		if holder == txn {
			continue
		}
		if !compatible(holderMode, mode) {
			return false
		}
	}
	return true
}

func strongerOf(existing, requested proto.LockMode) proto.LockMode {
	if existing == proto.Exclusive || requested == proto.Exclusive {
		return proto.Exclusive
	}
	if existing == "" {
		return requested
	}
	return existing
}

// HeldLocks returns the records and modes currently held by txn.
func (m *Manager) HeldLocks(txn TxnID) []proto.LockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []proto.LockRequest
	for name, rs := range m.records {
		if mode, ok := rs.holders[txn]; ok {
			out = append(out, proto.LockRequest{RecordName: name, Mode: mode})
		}
	}
	return out
}

// wouldCycleLocked reports whether adding the edge from->to would close a
// cycle in the wait-for graph. Must be called with m.mu held. Each node
// has at most one outgoing edge, so this is a simple pointer chase.
func (m *Manager) wouldCycleLocked(from, to TxnID) bool {
	cur := to
	for {
		if cur == from {
			return true
		}
		next, ok := m.waitFor[cur]
		if !ok {
			return false
		}
		cur = next
	}
}

// DetectCycles returns, for the current wait-for graph, the member
// transaction IDs of each cycle found. Exposed for tests; the periodic
// sweep uses the same traversal internally.
func (m *Manager) DetectCycles() [][]TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectCyclesLocked()
}

// WaitForSnapshot returns a copy of the current wait-for graph, one
// out-edge per blocked transaction. Exposed for the admin live-feed; callers
// must not mutate the map guarding the real graph, hence the copy.
func (m *Manager) WaitForSnapshot() map[TxnID]TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TxnID]TxnID, len(m.waitFor))
	for k, v := range m.waitFor {
		out[k] = v
	}
	return out
}

func (m *Manager) detectCyclesLocked() [][]TxnID {
	visited := make(map[TxnID]int) // 0=unvisited,1=in progress,2=done
	var cycles [][]TxnID

	for start := range m.waitFor {
		if visited[start] != 0 {
			continue
		}
		path := []TxnID{}
		cur := start
		for {
			if visited[cur] == 1 {
				// Found the start of a cycle within path.
				idx := indexOf(path, cur)
				cycles = append(cycles, append([]TxnID{}, path[idx:]...))
				break
			}
			if visited[cur] == 2 {
				break
			}
			visited[cur] = 1
			path = append(path, cur)
			next, ok := m.waitFor[cur]
			if !ok {
				break
			}
			cur = next
		}
		for _, n := range path {
			visited[n] = 2
		}
	}
	return cycles
}

func indexOf(path []TxnID, v TxnID) int {
	for i, p := range path {
		if p == v {
			return i
		}
	}
	return 0
}

// sweepLoop runs the PeriodicVictim policy: every tick, find cycles and
// abort the member holding the fewest locks so the rest can proceed.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	cycles := m.detectCyclesLocked()
	if len(cycles) == 0 {
		m.mu.Unlock()
		return
	}

	type victimAbort struct {
		txn TxnID
		w   *waiter
	}
	var toAbort []victimAbort

	for _, cycle := range cycles {
		victim := m.fewestLocksLocked(cycle)
		for _, rs := range m.records {
			for i, w := range rs.waiters {
				if w.txn == victim {
					rs.waiters = append(rs.waiters[:i], rs.waiters[i+1:]...)
					toAbort = append(toAbort, victimAbort{txn: victim, w: w})
					break
				}
			}
		}
		delete(m.waitFor, victim)
		// The victim gives up the locks it holds as well, so the rest of
		// the cycle can be granted.
		for name, rs := range m.records {
			if _, held := rs.holders[victim]; held {
				m.releaseLocked(victim, name)
			}
		}
	}
	m.mu.Unlock()

	for _, v := range toAbort {
		v.w.abortCh <- errs.New(errs.AbortedByDeadlock, "selected as deadlock victim by periodic sweep")
	}
}

func (m *Manager) fewestLocksLocked(cycle []TxnID) TxnID {
	best := cycle[0]
	bestCount := m.heldCountLocked(best)
	for _, txn := range cycle[1:] {
		c := m.heldCountLocked(txn)
		if c < bestCount {
			best = txn
			bestCount = c
		}
	}
	return best
}

func (m *Manager) heldCountLocked(txn TxnID) int {
	count := 0
	for _, rs := range m.records {
		if _, ok := rs.holders[txn]; ok {
			count++
		}
	}
	return count
}
