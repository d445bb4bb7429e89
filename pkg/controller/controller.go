// Package controller is the centralized concurrency controller: the
// global transaction registry layered on top of pkg/locking's lock table
// and wait-for graph. It is the "singleton" component from the design —
// deliberately not fault tolerant, exactly as the system's non-goals
// require.
package controller

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mnohosten/sddms/pkg/errs"
	"github.com/mnohosten/sddms/pkg/locking"
	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/proto"
)

// State is a transaction's position in the controller-side state machine.
type State string

const (
	StateActive      State = "Active"
	StateReplicating State = "Replicating"
	StateCommitted   State = "Committed"
	StateAborted     State = "Aborted"
)

// Site is a registered executor endpoint.
type Site struct {
	ID   uint64
	Host string
	Port int
}

// Transaction is the controller's view of one in-flight (or terminal)
// transaction (§3 "Transaction (controller view)").
type Transaction struct {
	ID     locking.TxnID
	SiteID uint64
	Name   string
	State  State
}

// Replicator performs the commit-time fan-out described in §4.3. The
// controller depends on this narrow interface rather than pkg/replication
// directly, so the lock table implementation stays swappable per the
// design notes' call to isolate controller state behind one interface.
type Replicator interface {
	Fanout(ctx context.Context, originatingSite uint64, transactionID uint64, updateHistory []string) error
}

// Controller is the single logical critical section described in §5: one
// mutex guards the site/transaction registries, and pkg/locking.Manager
// guards the lock table and wait-for graph under its own mutex.
type Controller struct {
	mu           sync.Mutex
	sites        map[uint64]*Site
	nextSiteID   uint64
	transactions map[locking.TxnID]*Transaction
	nextTxnID    uint64

	locks      *locking.Manager
	replicator Replicator
	logger     *logging.Logger
	stats      *Stats
}

// New constructs a Controller. replicator may be nil until it is wired up
// by the caller (e.g. to break an initialization cycle with the site
// registry), but must be set before any commit is attempted.
func New(locks *locking.Manager, replicator Replicator, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default("controller")
	}
	return &Controller{
		sites:        make(map[uint64]*Site),
		transactions: make(map[locking.TxnID]*Transaction),
		locks:        locks,
		replicator:   replicator,
		logger:       logger,
		stats:        NewStats(),
	}
}

// SetReplicator wires the fan-out collaborator after construction.
func (c *Controller) SetReplicator(r Replicator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicator = r
}

// Stats exposes the controller's counters for a metrics exporter.
func (c *Controller) Stats() *Stats { return c.stats }

// RegisterSite allocates a monotonic site_id and stores the endpoint.
func (c *Controller) RegisterSite(host string, port int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSiteID++
	id := c.nextSiteID
	c.sites[id] = &Site{ID: id, Host: host, Port: port}
	c.logger.Info("registered site %d at %s:%d", id, host, port)
	return id
}

// Sites returns every registered site, used by the replicator to build its
// peer fan-out list.
func (c *Controller) Sites() []Site {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Site, 0, len(c.sites))
	for _, s := range c.sites {
		out = append(out, *s)
	}
	return out
}

func (c *Controller) siteExists(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sites[id]
	return ok
}

// RegisterTransaction allocates a monotonic transaction_id and records it
// as Active with no locks held.
func (c *Controller) RegisterTransaction(siteID uint64, name string) (locking.TxnID, error) {
	if !c.siteExists(siteID) {
		return 0, errs.New(errs.InvalidArgument, "unknown site_id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTxnID++
	id := locking.TxnID(c.nextTxnID)
	c.transactions[id] = &Transaction{ID: id, SiteID: siteID, Name: name, State: StateActive}
	return id, nil
}

func (c *Controller) txn(id locking.TxnID) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transactions[id]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "unknown transaction_id")
	}
	return t, nil
}

// AcquireLock normalizes the batch (dedupe by record, keep the stronger
// mode, sort lexicographically for deterministic acquisition order) and
// grants each request in turn, blocking as needed. If any request in the
// batch aborts the transaction by deadlock or timeout, locks already
// granted earlier in this same call are released as part of the rollback.
func (c *Controller) AcquireLock(ctx context.Context, siteID uint64, transactionID uint64, requests []proto.LockRequest) (bool, error) {
	t, err := c.txn(locking.TxnID(transactionID))
	if err != nil {
		return false, err
	}
	if t.SiteID != siteID {
		return false, errs.New(errs.InvalidArgument, "transaction does not belong to site")
	}

	c.mu.Lock()
	active := t.State == StateActive
	c.mu.Unlock()
	if !active {
		return false, errs.New(errs.InvalidArgument, "transaction is not Active")
	}

	normalized := normalize(requests)

	var granted []proto.LockRequest
	for _, req := range normalized {
		if err := c.locks.Acquire(ctx, locking.TxnID(transactionID), req.RecordName, req.Mode); err != nil {
			c.recordLockFailure(err)
			// Roll back everything this call granted, then the whole
			// transaction: a partial grant must never be observed once
			// the batch fails.
			for _, g := range granted {
				c.locks.Release(locking.TxnID(transactionID), g.RecordName)
			}
			c.abortLocked(t)
			return false, err
		}
		granted = append(granted, req)
		c.stats.locksGranted.Add(1)
	}

	return true, nil
}

func (c *Controller) recordLockFailure(err error) {
	switch errs.KindOf(err) {
	case errs.AbortedByDeadlock:
		c.stats.deadlocksDetected.Add(1)
	case errs.LockTimeout:
		c.stats.lockTimeouts.Add(1)
	}
}

func (c *Controller) abortLocked(t *Transaction) {
	c.mu.Lock()
	t.State = StateAborted
	c.mu.Unlock()
	c.locks.ReleaseAll(t.ID)
	c.stats.abortsTotal.Add(1)
}

// ReleaseLock drops one held lock and lets pkg/locking wake any now-
// grantable waiters in FIFO order.
func (c *Controller) ReleaseLock(siteID, transactionID uint64, record string) error {
	t, err := c.txn(locking.TxnID(transactionID))
	if err != nil {
		return err
	}
	if t.SiteID != siteID {
		return errs.New(errs.InvalidArgument, "transaction does not belong to site")
	}
	c.locks.Release(locking.TxnID(transactionID), record)
	return nil
}

// FinalizeTransaction drives the state machine in §4.2: Active -> Aborted
// directly for Abort, or Active -> Replicating -> {Committed, Aborted}
// for Commit depending on the fan-out outcome. Locks are released only
// once the terminal state is reached, never during Replicating.
func (c *Controller) FinalizeTransaction(ctx context.Context, siteID, transactionID uint64, mode proto.FinalizeMode, updateHistory []string) error {
	t, err := c.txn(locking.TxnID(transactionID))
	if err != nil {
		return err
	}
	if t.SiteID != siteID {
		return errs.New(errs.InvalidArgument, "transaction does not belong to site")
	}

	c.mu.Lock()
	if t.State != StateActive {
		c.mu.Unlock()
		return errs.New(errs.InvalidArgument, "transaction is not Active")
	}

	if mode == proto.Abort {
		t.State = StateAborted
		c.mu.Unlock()
		c.locks.ReleaseAll(t.ID)
		c.stats.abortsTotal.Add(1)
		return nil
	}

	t.State = StateReplicating
	c.mu.Unlock()

	if c.replicator == nil {
		c.mu.Lock()
		t.State = StateAborted
		c.mu.Unlock()
		c.locks.ReleaseAll(t.ID)
		c.stats.abortsTotal.Add(1)
		return errs.New(errs.InternalError, "no replicator configured")
	}

	if err := c.replicator.Fanout(ctx, siteID, transactionID, updateHistory); err != nil {
		c.mu.Lock()
		t.State = StateAborted
		c.mu.Unlock()
		c.locks.ReleaseAll(t.ID)
		c.stats.abortsTotal.Add(1)
		c.stats.commitsFailed.Add(1)
		return errs.Wrap(errs.ReplicationFailed, "replication fan-out failed", err)
	}

	c.mu.Lock()
	t.State = StateCommitted
	c.mu.Unlock()
	c.locks.ReleaseAll(t.ID)
	c.stats.commitsTotal.Add(1)
	return nil
}

// TransactionState returns the current state of transactionID.
func (c *Controller) TransactionState(transactionID uint64) (State, error) {
	t, err := c.txn(locking.TxnID(transactionID))
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.State, nil
}

// Transactions returns a snapshot of every transaction the controller
// currently knows about, for the admin introspection surface.
func (c *Controller) Transactions() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transaction, 0, len(c.transactions))
	for _, t := range c.transactions {
		out = append(out, *t)
	}
	return out
}

// WaitForGraph forwards the lock manager's wait-for snapshot, keyed by the
// raw transaction ID rather than locking.TxnID so admin callers don't need
// to import pkg/locking.
func (c *Controller) WaitForGraph() map[uint64]uint64 {
	snapshot := c.locks.WaitForSnapshot()
	out := make(map[uint64]uint64, len(snapshot))
	for from, to := range snapshot {
		out[uint64(from)] = uint64(to)
	}
	return out
}

func normalize(requests []proto.LockRequest) []proto.LockRequest {
	byRecord := make(map[string]proto.LockMode, len(requests))
	for _, r := range requests {
		if existing, ok := byRecord[r.RecordName]; !ok || (r.Mode == proto.Exclusive && existing != proto.Exclusive) {
			byRecord[r.RecordName] = r.Mode
		}
	}
	names := make([]string, 0, len(byRecord))
	for name := range byRecord {
		names = append(names, name)
	}
	sortStrings(names)

	out := make([]proto.LockRequest, 0, len(names))
	for _, name := range names {
		out = append(out, proto.LockRequest{RecordName: name, Mode: byRecord[name]})
	}
	return out
}

// sortStrings is an insertion sort over record names.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Stats holds the controller's lock-manager and commit counters, read by
// pkg/metrics's Prometheus exporter.
type Stats struct {
	locksGranted      atomic.Int64
	deadlocksDetected atomic.Int64
	lockTimeouts      atomic.Int64
	commitsTotal      atomic.Int64
	commitsFailed     atomic.Int64
	abortsTotal       atomic.Int64
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) LocksGranted() int64      { return s.locksGranted.Load() }
func (s *Stats) DeadlocksDetected() int64 { return s.deadlocksDetected.Load() }
func (s *Stats) LockTimeouts() int64      { return s.lockTimeouts.Load() }
func (s *Stats) CommitsTotal() int64      { return s.commitsTotal.Load() }
func (s *Stats) CommitsFailed() int64     { return s.commitsFailed.Load() }
func (s *Stats) AbortsTotal() int64       { return s.abortsTotal.Load() }
