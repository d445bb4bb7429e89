// Package executor is the per-site Local Executor from §4.1: the only
// writer to the local SQL engine, mediating between a client, the
// concurrency controller, and commit-time replication.
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mnohosten/sddms/pkg/errs"
	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/proto"
	"github.com/mnohosten/sddms/pkg/replication"
	"github.com/mnohosten/sddms/pkg/sqlengine"
)

// ControllerClient is the narrow surface the executor needs from the
// concurrency controller, satisfied by *controller.Client in production
// and a fake in tests.
type ControllerClient interface {
	RegisterTransaction(ctx context.Context, siteID uint64, name string) (uint64, error)
	AcquireLock(ctx context.Context, siteID, transactionID uint64, requests []proto.LockRequest) (bool, error)
	FinalizeTransaction(ctx context.Context, siteID, transactionID uint64, mode proto.FinalizeMode, updateHistory []string) error
}

type clientInfo struct {
	id   uint64
	host string
	port int
}

type txnState struct {
	mu            sync.Mutex
	id            uint64
	clientID      uint64
	tx            sqlengine.Tx
	updateHistory []string
}

// pendingReplication is a peer-side replication transaction between
// Prepare and Finalize: the local engine transaction is open and every
// statement has been applied, but not yet committed, so no other
// transaction can observe it until the coordinator's outcome arrives.
type pendingReplication struct {
	tx sqlengine.Tx
}

// Executor holds per-site state: registered clients, open local
// transactions, and the collaborators needed to serve the client and peer
// RPC surfaces.
type Executor struct {
	siteID uint64
	engine sqlengine.Engine
	ctrl   ControllerClient
	logger *logging.Logger

	mu           sync.Mutex
	clients      map[uint64]*clientInfo
	nextClientID uint64

	txns map[uint64]*txnState

	replMu      sync.Mutex
	pendingRepl map[uint64]*pendingReplication

	stats Stats
}

// New constructs an Executor for siteID, using engine for local SQL
// execution and ctrl as the controller client.
func New(siteID uint64, engine sqlengine.Engine, ctrl ControllerClient, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Default("executor")
	}
	return &Executor{
		siteID:      siteID,
		engine:      engine,
		ctrl:        ctrl,
		logger:      logger,
		clients:     make(map[uint64]*clientInfo),
		txns:        make(map[uint64]*txnState),
		pendingRepl: make(map[uint64]*pendingReplication),
	}
}

// SiteID returns the executor's own site id.
func (e *Executor) SiteID() uint64 { return e.siteID }

// RegisterClient allocates a fresh client_id; no controller interaction.
func (e *Executor) RegisterClient(host string, port int) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextClientID++
	id := e.nextClientID
	e.clients[id] = &clientInfo{id: id, host: host, port: port}
	return id
}

func (e *Executor) clientExists(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.clients[id]
	return ok
}

// BeginTransaction opens a local SQL transaction, then registers it with
// the controller. On controller failure the local transaction is rolled
// back and the error surfaced, per §4.1.
func (e *Executor) BeginTransaction(ctx context.Context, clientID uint64, name string) (uint64, error) {
	if !e.clientExists(clientID) {
		return 0, errs.New(errs.InvalidArgument, "unknown client_id")
	}

	localTx, err := e.engine.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.InternalError, "failed to open local transaction", err)
	}

	txnID, err := e.ctrl.RegisterTransaction(ctx, e.siteID, name)
	if err != nil {
		_ = localTx.Rollback()
		return 0, errs.Wrap(errs.ControllerUnavailable, "failed to register transaction with controller", err)
	}

	e.mu.Lock()
	e.txns[txnID] = &txnState{id: txnID, clientID: clientID, tx: localTx}
	e.mu.Unlock()

	return txnID, nil
}

func (e *Executor) lookupTxn(id uint64) (*txnState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.txns[id]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "unknown transaction_id")
	}
	return t, nil
}

func (e *Executor) forgetTxn(id uint64) {
	e.mu.Lock()
	delete(e.txns, id)
	e.mu.Unlock()
}

// InvokeQuery acquires the requested locks as one batched AcquireLock
// call, executes the statement locally on grant, and records mutating
// statements into the update history.
func (e *Executor) InvokeQuery(ctx context.Context, req proto.InvokeQueryRequest) (proto.InvokeQueryResponse, error) {
	if req.SingleStmtTxn {
		return e.invokeSingleStatement(ctx, req)
	}

	t, err := e.lookupTxn(req.TransactionID)
	if err != nil {
		return proto.InvokeQueryResponse{}, err
	}

	requests := lockRequestsFor(req.ReadSet, req.WriteSet)
	if len(requests) > 0 {
		acquired, err := e.ctrl.AcquireLock(ctx, e.siteID, req.TransactionID, requests)
		if err != nil {
			// Deadlock or timeout: the transaction is now terminal at the
			// controller. Roll back locally and drop our own bookkeeping.
			t.mu.Lock()
			_ = t.tx.Rollback()
			t.mu.Unlock()
			e.forgetTxn(req.TransactionID)
			if k := errs.KindOf(err); k == errs.AbortedByDeadlock || k == errs.LockTimeout {
				e.stats.abortedByDeadlockOrTimeout.Add(1)
			}
			return proto.InvokeQueryResponse{}, err
		}
		if !acquired {
			return proto.InvokeQueryResponse{}, errs.New(errs.InternalError, "controller returned acquired=false without an error")
		}
	}

	t.mu.Lock()
	result, execErr := t.tx.Execute(req.Query)
	if execErr == nil && len(req.WriteSet) > 0 {
		t.updateHistory = append(t.updateHistory, req.Query)
	}
	t.mu.Unlock()

	if execErr != nil {
		// SQL errors leave the transaction Active; the client decides
		// whether to abort (§7).
		return proto.InvokeQueryResponse{}, execErr
	}

	return proto.InvokeQueryResponse{
		ColumnNames:     result.ColumnNames,
		DataPayload:     toRows(result.Rows),
		AffectedRecords: result.Affected,
	}, nil
}

func (e *Executor) invokeSingleStatement(ctx context.Context, req proto.InvokeQueryRequest) (proto.InvokeQueryResponse, error) {
	txnID, err := e.BeginTransaction(ctx, req.ClientID, "")
	if err != nil {
		return proto.InvokeQueryResponse{}, err
	}

	inner := req
	inner.SingleStmtTxn = false
	inner.TransactionID = txnID

	resp, execErr := e.InvokeQuery(ctx, inner)
	if execErr != nil {
		_ = e.FinalizeTransaction(ctx, req.ClientID, txnID, proto.Abort)
		return proto.InvokeQueryResponse{}, execErr
	}

	if finalizeErr := e.FinalizeTransaction(ctx, req.ClientID, txnID, proto.Commit); finalizeErr != nil {
		return proto.InvokeQueryResponse{}, finalizeErr
	}
	return resp, nil
}

// FinalizeTransaction ends a transaction by abort or commit. Commit calls
// through to the controller, which performs replication fan-out before
// returning success; only then does the executor commit its local
// transaction (§4.1's ordering guarantee against half-replicated commits).
func (e *Executor) FinalizeTransaction(ctx context.Context, clientID, transactionID uint64, mode proto.FinalizeMode) error {
	t, err := e.lookupTxn(transactionID)
	if err != nil {
		return err
	}

	if mode == proto.Abort {
		t.mu.Lock()
		_ = t.tx.Rollback()
		t.mu.Unlock()
		e.forgetTxn(transactionID)
		if err := e.ctrl.FinalizeTransaction(ctx, e.siteID, transactionID, proto.Abort, nil); err != nil {
			e.logger.Warn("controller finalize(abort) for txn %d failed: %v", transactionID, err)
		}
		return nil
	}

	t.mu.Lock()
	history := append([]string{}, t.updateHistory...)
	t.mu.Unlock()

	if err := e.ctrl.FinalizeTransaction(ctx, e.siteID, transactionID, proto.Commit, history); err != nil {
		t.mu.Lock()
		_ = t.tx.Rollback()
		t.mu.Unlock()
		e.forgetTxn(transactionID)
		return err
	}

	t.mu.Lock()
	commitErr := t.tx.Commit()
	t.mu.Unlock()
	e.forgetTxn(transactionID)
	if commitErr != nil {
		return errs.Wrap(errs.InternalError, "controller committed but local commit failed", commitErr)
	}
	return nil
}

// Prepare is the peer side of the commit-time fan-out (§4.3, expanded to a
// two-phase commit per the design notes): it decodes and checksum-verifies
// the coordinator's payload, opens a local replication transaction, and
// applies every statement — bypassing lock acquisition entirely, since the
// controller has already serialized this write relative to every other
// transaction by holding locks across the whole fan-out. The transaction
// is left open until Finalize decides Commit or Abort, so no other
// transaction on this site can observe a half-applied fan-out.
func (e *Executor) Prepare(ctx context.Context, req proto.ReplicationPrepareRequest) (proto.ReplicationPrepareResponse, error) {
	statements, err := replication.DecodeStatements(req.UpdateStatements, req.Compressed)
	if err != nil {
		return proto.ReplicationPrepareResponse{Ready: false}, errs.Wrap(errs.InternalError, "failed to decode fan-out payload", err)
	}
	if got := replication.Checksum(statements); got != req.Checksum {
		return proto.ReplicationPrepareResponse{Ready: false}, errs.New(errs.InternalError, "fan-out payload checksum mismatch")
	}

	localTx, err := e.engine.Begin()
	if err != nil {
		return proto.ReplicationPrepareResponse{Ready: false}, errs.Wrap(errs.InternalError, "failed to open replication transaction", err)
	}
	for _, stmt := range statements {
		if _, err := localTx.Execute(stmt); err != nil {
			_ = localTx.Rollback()
			return proto.ReplicationPrepareResponse{Ready: false}, errs.Wrap(errs.SqlExecutionError, "failed to apply replicated statement", err)
		}
	}

	e.replMu.Lock()
	e.pendingRepl[req.TransactionID] = &pendingReplication{tx: localTx}
	e.replMu.Unlock()

	return proto.ReplicationPrepareResponse{Ready: true}, nil
}

// Finalize commits or rolls back a previously prepared replication
// transaction, per the coordinator's global outcome.
func (e *Executor) Finalize(ctx context.Context, req proto.ReplicationFinalizeRequest) (proto.ReplicationFinalizeResponse, error) {
	e.replMu.Lock()
	pending, ok := e.pendingRepl[req.TransactionID]
	delete(e.pendingRepl, req.TransactionID)
	e.replMu.Unlock()
	if !ok {
		return proto.ReplicationFinalizeResponse{}, errs.New(errs.InvalidArgument, "no prepared replication transaction for this id")
	}

	if req.Mode == proto.Abort {
		_ = pending.tx.Rollback()
		return proto.ReplicationFinalizeResponse{}, nil
	}
	if err := pending.tx.Commit(); err != nil {
		return proto.ReplicationFinalizeResponse{}, errs.Wrap(errs.InternalError, "failed to commit replication transaction", err)
	}
	return proto.ReplicationFinalizeResponse{}, nil
}

func lockRequestsFor(readSet, writeSet []string) []proto.LockRequest {
	writes := make(map[string]bool, len(writeSet))
	for _, w := range writeSet {
		writes[w] = true
	}

	var out []proto.LockRequest
	for _, r := range readSet {
		if !writes[r] {
			out = append(out, proto.LockRequest{RecordName: r, Mode: proto.Shared})
		}
	}
	for w := range writes {
		out = append(out, proto.LockRequest{RecordName: w, Mode: proto.Exclusive})
	}
	return out
}

func toRows(rows []sqlengine.Row) []proto.Row {
	out := make([]proto.Row, len(rows))
	for i, r := range rows {
		out[i] = proto.Row(r)
	}
	return out
}

// Stats returns the executor's counters, read by the metrics exporter.
func (e *Executor) Stats() *Stats { return &e.stats }

// Stats holds the executor's abort counter for the metrics exporter.
type Stats struct {
	abortedByDeadlockOrTimeout atomic.Int64
}

// AbortedByDeadlockOrTimeout is the count of InvokeQuery calls that ended
// in AbortedByDeadlock or LockTimeout from the controller.
func (s *Stats) AbortedByDeadlockOrTimeout() int64 { return s.abortedByDeadlockOrTimeout.Load() }
