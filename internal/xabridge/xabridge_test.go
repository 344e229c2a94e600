package xabridge

import (
	"testing"

	"github.com/ariaskv/ariaskv/internal/ariaserr"
)

func testXid(b byte) Xid {
	var x Xid
	x.FormatID = 1
	x.GtridLen = 4
	x.BqualLen = 2
	x.Data[0] = b
	return x
}

func TestSwitch_OpenRejectsBadFlags(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	if got := sw.Open(dir, 1, TMAsync); got != ariaserr.XAErrAsync {
		t.Fatalf("Open(TMAsync) = %v, want XAER_ASYNC", got)
	}
	sw2 := New()
	if got := sw2.Open(dir, 1, TMJoin); got != ariaserr.XAErrInval {
		t.Fatalf("Open(TMJoin) = %v, want XAER_INVAL", got)
	}
}

func TestSwitch_TwoPhaseCommit(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	if got := sw.Open(dir, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Open = %v", got)
	}
	xid := testXid(1)

	if got := sw.Start(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Start = %v", got)
	}
	if got := sw.End(xid, 1, TMSuccess); got != ariaserr.XAOK {
		t.Fatalf("End = %v", got)
	}
	if got := sw.Prepare(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Prepare = %v", got)
	}
	if got := sw.Commit(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Commit = %v", got)
	}
	if got := sw.Close(1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Close = %v", got)
	}
}

func TestSwitch_OnePhaseCommitSkipsPrepare(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	if got := sw.Open(dir, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Open = %v", got)
	}
	xid := testXid(2)

	if got := sw.Start(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Start = %v", got)
	}
	if got := sw.End(xid, 1, TMSuccess); got != ariaserr.XAOK {
		t.Fatalf("End = %v", got)
	}
	if got := sw.Commit(xid, 1, TMOnePhase); got != ariaserr.XAOK {
		t.Fatalf("Commit(TMONEPHASE) = %v", got)
	}
}

func TestSwitch_CommitWithoutPrepareRejected(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(3)

	sw.Start(xid, 1, TMNoFlags)
	sw.End(xid, 1, TMSuccess)
	if got := sw.Commit(xid, 1, TMNoFlags); got != ariaserr.XAErrProto {
		t.Fatalf("Commit without prepare or TMONEPHASE = %v, want XAER_PROTO", got)
	}
}

func TestSwitch_StartJoinUnknownXidRejected(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(4)

	if got := sw.Start(xid, 1, TMJoin); got != ariaserr.XAErrNota {
		t.Fatalf("Start(TMJOIN, unknown xid) = %v, want XAER_NOTA", got)
	}
}

func TestSwitch_StartDuplicateRejected(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(5)

	if got := sw.Start(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("first Start = %v", got)
	}
	if got := sw.Start(xid, 1, TMNoFlags); got != ariaserr.XAErrDupid {
		t.Fatalf("second Start (no resume/join) = %v, want XAER_DUPID", got)
	}
}

func TestSwitch_StartJoinAndResumeTogetherRejected(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(6)

	if got := sw.Start(xid, 1, TMJoin|TMResume); got != ariaserr.XAErrInval {
		t.Fatalf("Start(TMJOIN|TMRESUME) = %v, want XAER_INVAL", got)
	}
}

func TestSwitch_SuspendThenResume(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(7)

	sw.Start(xid, 1, TMNoFlags)
	if got := sw.End(xid, 1, TMSuspend); got != ariaserr.XAOK {
		t.Fatalf("End(TMSUSPEND) = %v", got)
	}
	if got := sw.Start(xid, 1, TMNoFlags); got != ariaserr.XAErrProto {
		t.Fatalf("Start after suspend without resume/join = %v, want XAER_PROTO", got)
	}
	if got := sw.Start(xid, 1, TMResume); got != ariaserr.XAOK {
		t.Fatalf("Start(TMRESUME) after suspend = %v", got)
	}
}

func TestSwitch_Rollback(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(8)

	sw.Start(xid, 1, TMNoFlags)
	sw.End(xid, 1, TMSuccess)
	if got := sw.Rollback(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Rollback = %v", got)
	}
	// the xid mapping is gone: a second rollback can't find it.
	if got := sw.Rollback(xid, 1, TMNoFlags); got != ariaserr.XAErrNota {
		t.Fatalf("Rollback after resolution = %v, want XAER_NOTA", got)
	}
}

func TestSwitch_CloseFailsWithActiveTransaction(t *testing.T) {
	sw := New()
	dir := t.TempDir()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(9)

	sw.Start(xid, 1, TMNoFlags)
	if got := sw.Close(1, TMNoFlags); got != ariaserr.XAErrProto {
		t.Fatalf("Close with an active transaction = %v, want XAER_PROTO", got)
	}
}

func TestSwitch_RecoverFindsPreparedTransaction(t *testing.T) {
	dir := t.TempDir()
	sw := New()
	if got := sw.Open(dir, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Open = %v", got)
	}
	xid := testXid(10)
	sw.Start(xid, 1, TMNoFlags)
	sw.End(xid, 1, TMSuccess)
	if got := sw.Prepare(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Prepare = %v", got)
	}

	// Simulate the coordinator crashing before delivering a commit or
	// rollback: close the environment out from under the switch without
	// going through Close (which would refuse with an active xid), as if
	// the process had simply died.
	sw.mu.Lock()
	e := sw.envs[1]
	sw.mu.Unlock()
	if err := e.Close(); err != nil {
		t.Fatalf("Close env: %v", err)
	}

	sw2 := New()
	if got := sw2.Open(dir, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("reopen Open = %v", got)
	}
	xids, got := sw2.Recover(1, TMStartRscan|TMEndRscan, 10)
	if got != ariaserr.XAOK {
		t.Fatalf("Recover = %v", got)
	}
	if len(xids) != 1 {
		t.Fatalf("expected 1 recovered xid, got %d", len(xids))
	}
	if xids[0] != xid {
		t.Fatalf("recovered xid = %+v, want %+v", xids[0], xid)
	}
}

func TestSwitch_RecoverSkipsResolvedTransaction(t *testing.T) {
	dir := t.TempDir()
	sw := New()
	sw.Open(dir, 1, TMNoFlags)
	xid := testXid(11)
	sw.Start(xid, 1, TMNoFlags)
	sw.End(xid, 1, TMSuccess)
	sw.Prepare(xid, 1, TMNoFlags)
	if got := sw.Commit(xid, 1, TMNoFlags); got != ariaserr.XAOK {
		t.Fatalf("Commit = %v", got)
	}

	sw.mu.Lock()
	e := sw.envs[1]
	sw.mu.Unlock()
	e.Close()

	sw2 := New()
	sw2.Open(dir, 1, TMNoFlags)
	xids, got := sw2.Recover(1, TMStartRscan|TMEndRscan, 10)
	if got != ariaserr.XAOK {
		t.Fatalf("Recover = %v", got)
	}
	if len(xids) != 0 {
		t.Fatalf("expected no recovered xids for a committed transaction, got %d", len(xids))
	}
}
