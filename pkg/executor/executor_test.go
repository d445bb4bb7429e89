package executor

import (
	"context"
	"testing"

	"github.com/mnohosten/sddms/pkg/errs"
	"github.com/mnohosten/sddms/pkg/proto"
	"github.com/mnohosten/sddms/pkg/replication"
	"github.com/mnohosten/sddms/pkg/sqlengine"
)

// fakeController is a minimal in-process stand-in for the concurrency
// controller: it grants every lock immediately and never deadlocks,
// letting these tests exercise the executor's own state machine in
// isolation.
type fakeController struct {
	nextTxnID    uint64
	finalizeErr  error
	acquireErr   error
	finalizeCall []proto.FinalizeMode
}

func (f *fakeController) RegisterTransaction(ctx context.Context, siteID uint64, name string) (uint64, error) {
	f.nextTxnID++
	return f.nextTxnID, nil
}

func (f *fakeController) AcquireLock(ctx context.Context, siteID, transactionID uint64, requests []proto.LockRequest) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	return true, nil
}

func (f *fakeController) FinalizeTransaction(ctx context.Context, siteID, transactionID uint64, mode proto.FinalizeMode, updateHistory []string) error {
	f.finalizeCall = append(f.finalizeCall, mode)
	return f.finalizeErr
}

func newTestExecutor(ctrl ControllerClient) *Executor {
	return New(1, sqlengine.NewStore(), ctrl, nil)
}

func TestBeginInvokeCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{}
	exec := newTestExecutor(ctrl)

	clientID := exec.RegisterClient("localhost", 0)
	txnID, err := exec.BeginTransaction(ctx, clientID, "t1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "INSERT INTO students(name,gpa) VALUES('a',3.0)",
		WriteSet:      []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := exec.FinalizeTransaction(ctx, clientID, txnID, proto.Commit); err != nil {
		t.Fatal(err)
	}

	if len(ctrl.finalizeCall) != 1 || ctrl.finalizeCall[0] != proto.Commit {
		t.Fatalf("expected one Commit finalize call, got %v", ctrl.finalizeCall)
	}

	// Data should now be durably committed locally: a fresh transaction
	// sees it.
	clientID2 := exec.RegisterClient("localhost", 0)
	txn2, _ := exec.BeginTransaction(ctx, clientID2, "")
	resp, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID2,
		TransactionID: txn2,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DataPayload[0]["count"].(int64) != 1 {
		t.Fatalf("expected count=1 after commit, got %+v", resp.DataPayload)
	}
}

func TestSingleStatementTransactionEquivalence(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{}
	exec := newTestExecutor(ctrl)
	clientID := exec.RegisterClient("localhost", 0)

	_, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		Query:         "INSERT INTO students(name) VALUES('a')",
		WriteSet:      []string{"students"},
		SingleStmtTxn: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	txnID, _ := exec.BeginTransaction(ctx, clientID, "")
	resp, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DataPayload[0]["count"].(int64) != 1 {
		t.Fatalf("single-statement insert should be visible, got %+v", resp.DataPayload)
	}
}

func TestPeerFailureRollsBackLocalTransaction(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{finalizeErr: errs.New(errs.ReplicationFailed, "peer unreachable")}
	exec := newTestExecutor(ctrl)
	clientID := exec.RegisterClient("localhost", 0)
	txnID, err := exec.BeginTransaction(ctx, clientID, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "INSERT INTO students(name) VALUES('a')",
		WriteSet:      []string{"students"},
	}); err != nil {
		t.Fatal(err)
	}

	err = exec.FinalizeTransaction(ctx, clientID, txnID, proto.Commit)
	if errs.KindOf(err) != errs.ReplicationFailed {
		t.Fatalf("expected ReplicationFailed, got %v", err)
	}

	clientID2 := exec.RegisterClient("localhost", 0)
	txn2, _ := exec.BeginTransaction(ctx, clientID2, "")
	resp, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID2,
		TransactionID: txn2,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DataPayload[0]["count"].(int64) != 0 {
		t.Fatalf("a transaction that failed replication must not be reflected locally, got %+v", resp.DataPayload)
	}
}

func TestDeadlockAbortDuringInvokeQueryForgetsTransaction(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{acquireErr: errs.New(errs.AbortedByDeadlock, "cycle detected")}
	exec := newTestExecutor(ctrl)
	clientID := exec.RegisterClient("localhost", 0)
	txnID, err := exec.BeginTransaction(ctx, clientID, "t1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "INSERT INTO students(name) VALUES('a')",
		WriteSet:      []string{"students"},
	})
	if errs.KindOf(err) != errs.AbortedByDeadlock {
		t.Fatalf("expected AbortedByDeadlock, got %v", err)
	}

	// The transaction is now terminal; re-finalizing must fail cleanly
	// rather than touching a rolled-back handle.
	if err := exec.FinalizeTransaction(ctx, clientID, txnID, proto.Abort); errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("expected InvalidArgument for an already-forgotten transaction, got %v", err)
	}
}

func TestPrepareFinalizeCommitBypassesLocking(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{}
	exec := newTestExecutor(ctrl)

	statements := []string{"INSERT INTO students(name) VALUES('peer')"}
	prep, err := exec.Prepare(ctx, proto.ReplicationPrepareRequest{
		TransactionID:    7,
		OriginatingSite:  2,
		UpdateStatements: statements,
		Checksum:         replication.Checksum(statements),
	})
	if err != nil || !prep.Ready {
		t.Fatalf("expected Prepare to succeed, got ready=%v err=%v", prep.Ready, err)
	}

	// Not yet visible: the replication transaction is prepared, not committed.
	clientID := exec.RegisterClient("localhost", 0)
	txnID, _ := exec.BeginTransaction(ctx, clientID, "")
	before, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if before.DataPayload[0]["count"].(int64) != 0 {
		t.Fatalf("a prepared-but-not-finalized insert must not be visible, got %+v", before.DataPayload)
	}
	if err := exec.FinalizeTransaction(ctx, clientID, txnID, proto.Abort); err != nil {
		t.Fatal(err)
	}

	if _, err := exec.Finalize(ctx, proto.ReplicationFinalizeRequest{TransactionID: 7, Mode: proto.Commit}); err != nil {
		t.Fatal(err)
	}

	clientID2 := exec.RegisterClient("localhost", 0)
	txn2, _ := exec.BeginTransaction(ctx, clientID2, "")
	resp, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID2,
		TransactionID: txn2,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DataPayload[0]["count"].(int64) != 1 {
		t.Fatalf("replicated insert should be visible after Finalize(Commit), got %+v", resp.DataPayload)
	}
}

func TestPrepareFinalizeAbortLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{}
	exec := newTestExecutor(ctrl)

	statements := []string{"INSERT INTO students(name) VALUES('peer')"}
	prep, err := exec.Prepare(ctx, proto.ReplicationPrepareRequest{
		TransactionID:    9,
		OriginatingSite:  2,
		UpdateStatements: statements,
		Checksum:         replication.Checksum(statements),
	})
	if err != nil || !prep.Ready {
		t.Fatalf("expected Prepare to succeed, got ready=%v err=%v", prep.Ready, err)
	}
	if _, err := exec.Finalize(ctx, proto.ReplicationFinalizeRequest{TransactionID: 9, Mode: proto.Abort}); err != nil {
		t.Fatal(err)
	}

	clientID := exec.RegisterClient("localhost", 0)
	txnID, _ := exec.BeginTransaction(ctx, clientID, "")
	resp, err := exec.InvokeQuery(ctx, proto.InvokeQueryRequest{
		ClientID:      clientID,
		TransactionID: txnID,
		Query:         "SELECT COUNT(*) FROM students",
		ReadSet:       []string{"students"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.DataPayload[0]["count"].(int64) != 0 {
		t.Fatalf("an aborted replication transaction must leave zero trace, got %+v", resp.DataPayload)
	}
}

func TestPrepareRejectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	ctrl := &fakeController{}
	exec := newTestExecutor(ctrl)

	prep, err := exec.Prepare(ctx, proto.ReplicationPrepareRequest{
		TransactionID:    11,
		OriginatingSite:  2,
		UpdateStatements: []string{"INSERT INTO students(name) VALUES('peer')"},
		Checksum:         "not-the-real-checksum",
	})
	if err == nil || prep.Ready {
		t.Fatalf("expected a checksum mismatch to be rejected, got ready=%v err=%v", prep.Ready, err)
	}
}
