// Package xabridge implements the XA bridge (C9): the X/Open
// distributed-transaction switch that lets an external transaction
// manager (TM) drive this engine's transactions by a global id (xid)
// instead of the native uint32 TXN id, and recover prepared-but-unresolved
// transactions across a TM failure.
//
// It is grounded on the Berkeley DB XA switch (__db_xa_open and friends):
// the same open/close/start/end/prepare/commit/rollback/recover/forget/
// complete contract, the same XAER_*/XA_RB* return codes, and the same
// "restore on recovery, resolve via Commit/Rollback afterward" handling of
// PREPARED transactions a crash interrupted mid-2PC.
package xabridge

import (
	"errors"
	"sync"

	"github.com/ariaskv/ariaskv/config"
	"github.com/ariaskv/ariaskv/internal/amrec"
	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/env"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/txnmgr"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// Flags is the XA TM* flag bitmask passed to most switch entry points.
type Flags uint32

const (
	TMNoFlags    Flags = 0
	TMJoin       Flags = 1 << 0
	TMResume     Flags = 1 << 1
	TMSuspend    Flags = 1 << 2
	TMSuccess    Flags = 1 << 3
	TMFail       Flags = 1 << 4
	TMOnePhase   Flags = 1 << 5
	TMAsync      Flags = 1 << 6
	TMStartRscan Flags = 1 << 7
	TMEndRscan   Flags = 1 << 8
	TMNoWait     Flags = 1 << 9
)

// Xid is a global transaction identifier, matching the X/Open XID
// struct's three fields plus its opaque data blob.
type Xid struct {
	FormatID int32
	GtridLen uint32
	BqualLen uint32
	Data     [128]byte
}

func (x Xid) toArray() [128]byte { return x.Data }

// Switch is one resource manager's XA bridge state: the environments
// registered by rmid (Open) and the xid → TXN id mapping Start/End/
// Prepare/Commit/Rollback/Forget operate through.
type Switch struct {
	mu     sync.Mutex
	envs   map[int]*env.Env
	xids   map[Xid]uint32
	rscans map[int]*rscan
}

// New returns an empty XA switch.
func New() *Switch {
	return &Switch{
		envs:   make(map[int]*env.Env),
		xids:   make(map[Xid]uint32),
		rscans: make(map[int]*rscan),
	}
}

// Open opens (or reuses) an environment rooted at info for rmid. info is
// a directory; Open creates "log" and "store" subdirectories under it and
// runs normal crash recovery, matching
// DB_CREATE|DB_INIT_LOCK|DB_INIT_LOG|DB_INIT_MPOOL|DB_INIT_TXN semantics.
func (sw *Switch) Open(info string, rmid int, flags Flags) ariaserr.XAError {
	if flags&TMAsync != 0 {
		return ariaserr.XAErrAsync
	}
	if flags != TMNoFlags {
		return ariaserr.XAErrInval
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, ok := sw.envs[rmid]; ok {
		return ariaserr.XAOK
	}

	cfg := &config.Config{
		LogDir:   info + "/log",
		StoreDir: info + "/store",
	}
	e := env.NewEnv(cfg)
	if err := e.Open(env.Create | env.Recover); err != nil {
		return ariaserr.XAErrRmerr
	}
	sw.envs[rmid] = e
	return ariaserr.XAOK
}

// Close fails with XAER_PROTO while any xid is still mapped, whichever
// rmid it was started on; otherwise it closes the environment and forgets
// rmid.
func (sw *Switch) Close(rmid int, flags Flags) ariaserr.XAError {
	if flags&TMAsync != 0 {
		return ariaserr.XAErrAsync
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	e, ok := sw.envs[rmid]
	if !ok {
		return ariaserr.XAOK
	}
	for _, id := range sw.xids {
		_ = id
		return ariaserr.XAErrProto
	}
	if err := e.Close(); err != nil {
		return ariaserr.XAErrRmerr
	}
	delete(sw.envs, rmid)
	delete(sw.rscans, rmid)
	return ariaserr.XAOK
}

// Start begins (or resumes/joins) the transaction identified by xid.
func (sw *Switch) Start(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	const okFlags = TMJoin | TMResume | TMNoWait | TMAsync
	if flags&^okFlags != 0 {
		return ariaserr.XAErrInval
	}
	if flags&TMJoin != 0 && flags&TMResume != 0 {
		return ariaserr.XAErrInval
	}
	if flags&TMAsync != 0 {
		return ariaserr.XAErrAsync
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	e, ok := sw.envs[rmid]
	if !ok {
		return ariaserr.XAErrProto
	}

	id, known := sw.xids[xid]
	if known && flags&(TMResume|TMJoin) == 0 {
		if d, err := e.Txn.Detail(id); err == nil && d.XAState == txnmgr.XASuspended {
			return ariaserr.XAErrProto
		}
		return ariaserr.XAErrDupid
	}
	if !known && flags&(TMResume|TMJoin) != 0 {
		return ariaserr.XAErrNota
	}

	if known {
		d, err := e.Txn.Detail(id)
		if err != nil {
			return ariaserr.XAErrNota
		}
		if d.XAState == txnmgr.XASuspended && flags&(TMResume|TMJoin) == 0 {
			return ariaserr.XAErrProto
		}
		if d.XAState == txnmgr.XADeadlocked {
			return ariaserr.XARBDeadlock
		}
		if d.XAState == txnmgr.XAAborted {
			return ariaserr.XARBRollback
		}
		if err := e.Txn.SetXAState(id, txnmgr.XAStarted); err != nil {
			return ariaserr.XAErrRmerr
		}
		return ariaserr.XAOK
	}

	t, err := e.Txn.Begin(0)
	if err != nil {
		return ariaserr.XAErrRmerr
	}
	if err := e.Txn.SetXAState(t.ID(), txnmgr.XAStarted); err != nil {
		return ariaserr.XAErrRmerr
	}
	sw.xids[xid] = t.ID()
	return ariaserr.XAOK
}

// End disassociates rmid's thread of control from xid's transaction,
// transitioning it to SUSPENDED (TMSUSPEND) or ENDED.
func (sw *Switch) End(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	e, id, xerr := sw.resolve(xid, rmid)
	if xerr != ariaserr.XAOK {
		return xerr
	}

	d, err := e.Txn.Detail(id)
	if err != nil {
		return ariaserr.XAErrNota
	}
	if d.XAState == txnmgr.XADeadlocked {
		return ariaserr.XARBDeadlock
	}
	if d.XAState == txnmgr.XAAborted {
		return ariaserr.XARBRollback
	}
	if d.XAState != txnmgr.XAStarted {
		return ariaserr.XAErrProto
	}

	state := txnmgr.XAEnded
	if flags&TMSuspend != 0 {
		state = txnmgr.XASuspended
	}
	if err := e.Txn.SetXAState(id, state); err != nil {
		return ariaserr.XAErrRmerr
	}
	return ariaserr.XAOK
}

// Prepare syncs the log so the transaction can survive a crash, then
// flips its state to PREPARED.
func (sw *Switch) Prepare(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	if flags&TMAsync != 0 {
		return ariaserr.XAErrAsync
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	e, id, xerr := sw.resolve(xid, rmid)
	if xerr != ariaserr.XAOK {
		return xerr
	}

	d, err := e.Txn.Detail(id)
	if err != nil {
		return ariaserr.XAErrNota
	}
	if d.XAState == txnmgr.XADeadlocked {
		return ariaserr.XARBDeadlock
	}
	if d.XAState != txnmgr.XAEnded && d.XAState != txnmgr.XASuspended {
		return ariaserr.XAErrProto
	}

	t, err := e.Txn.Handle(id)
	if err != nil {
		return ariaserr.XAErrNota
	}
	data := xid.toArray()
	if err := e.Txn.Prepare(t, data, xid.FormatID, xid.GtridLen, xid.BqualLen); err != nil {
		return ariaserr.XAErrRmerr
	}
	return ariaserr.XAOK
}

// Commit dispatches to the transaction manager's Commit, accepting
// TMONEPHASE to skip the PREPARED precondition for a single-resource
// transaction that never called Prepare.
func (sw *Switch) Commit(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	if flags&TMAsync != 0 {
		return ariaserr.XAErrAsync
	}

	sw.mu.Lock()
	e, id, xerr := sw.resolve(xid, rmid)
	if xerr != ariaserr.XAOK {
		sw.mu.Unlock()
		return xerr
	}

	d, err := e.Txn.Detail(id)
	if err != nil {
		sw.mu.Unlock()
		return ariaserr.XAErrNota
	}
	if d.XAState == txnmgr.XADeadlocked {
		sw.mu.Unlock()
		return ariaserr.XARBDeadlock
	}
	if d.XAState == txnmgr.XAAborted {
		sw.mu.Unlock()
		return ariaserr.XARBRollback
	}
	if flags&TMOnePhase != 0 {
		if d.XAState != txnmgr.XAEnded && d.XAState != txnmgr.XASuspended {
			sw.mu.Unlock()
			return ariaserr.XAErrProto
		}
	} else if d.XAState != txnmgr.XAPrepared {
		sw.mu.Unlock()
		return ariaserr.XAErrProto
	}

	t, err := e.Txn.Handle(id)
	if err != nil {
		sw.mu.Unlock()
		return ariaserr.XAErrNota
	}
	delete(sw.xids, xid)
	sw.mu.Unlock()

	if err := e.Txn.Commit(t, true); err != nil {
		return ariaserr.XAErrRmerr
	}
	return ariaserr.XAOK
}

// Rollback walks xid's transaction backward, undoing its own records via
// the same BACKWARD_ROLL dispatch recovery uses, then writes the abort
// marker.
func (sw *Switch) Rollback(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	sw.mu.Lock()
	e, id, xerr := sw.resolve(xid, rmid)
	if xerr != ariaserr.XAOK {
		sw.mu.Unlock()
		return xerr
	}
	t, err := e.Txn.Handle(id)
	if err != nil {
		sw.mu.Unlock()
		return ariaserr.XAErrNota
	}
	delete(sw.xids, xid)
	sw.mu.Unlock()

	walk := undoWalk(e)
	if err := e.Txn.Abort(t, nil, walk); err != nil {
		return ariaserr.XAErrRmerr
	}
	return ariaserr.XAOK
}

// Forget removes xid's mapping without any durability action: this engine
// does not heuristically complete transactions, so there is nothing on
// disk to reconcile.
func (sw *Switch) Forget(xid Xid, rmid int, flags Flags) ariaserr.XAError {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, ok := sw.envs[rmid]; !ok {
		return ariaserr.XAErrProto
	}
	delete(sw.xids, xid)
	return ariaserr.XAOK
}

// Complete is unimplemented, matching the BDB switch's own XAER_INVAL stub.
func (sw *Switch) Complete(rmid int) ariaserr.XAError {
	return ariaserr.XAErrInval
}

// resolve validates rmid is open and xid is known, returning the
// environment and mapped TXN id. Caller must hold sw.mu.
func (sw *Switch) resolve(xid Xid, rmid int) (*env.Env, uint32, ariaserr.XAError) {
	e, ok := sw.envs[rmid]
	if !ok {
		return nil, 0, ariaserr.XAErrProto
	}
	id, ok := sw.xids[xid]
	if !ok {
		return nil, 0, ariaserr.XAErrNota
	}
	return e, id, ariaserr.XAOK
}

// undoWalk returns the per-record BACKWARD_ROLL dispatch txnmgr.Abort
// needs to unwind one transaction's prev_lsn chain outside of a full
// recovery run, against the environment's live file registry rather than
// a recovery-only one.
func undoWalk(e *env.Env) func(lsn.LSN) (lsn.LSN, error) {
	amenv := &amrec.Env{Reg: e.Files}
	return func(at lsn.LSN) (lsn.LSN, error) {
		cur, buf, err := e.Log.Get(at, logmgr.Set)
		if err != nil {
			return lsn.Zero, err
		}
		rec, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return lsn.Zero, uerr
		}
		var prev lsn.LSN
		if derr := e.Registry.Dispatch(rec.RecType, amenv, buf, cur, logrec.BackwardRoll, &prev); derr != nil {
			return lsn.Zero, derr
		}
		return prev, nil
	}
}

// rscan is one rmid's in-progress Recover scan: the log cursor TMSTARTRSCAN
// positions at LAST and walks backward to first, and the set of txn ids
// already known committed (so a later-seen PREPARE for the same id is
// skipped — it has already been resolved).
type rscan struct {
	cur      lsn.LSN
	first    lsn.LSN
	started  bool
	resolved map[uint32]bool
}

// Recover returns up to max xids for transactions PREPARE left with no
// subsequent COMMIT, continuing across calls via the handle's own log
// cursor (TMSTARTRSCAN begins a fresh scan backward from the end of the
// log down to its earliest checkpoint; TMENDRSCAN discards the scan state).
func (sw *Switch) Recover(rmid int, flags Flags, max int) ([]Xid, ariaserr.XAError) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	e, ok := sw.envs[rmid]
	if !ok {
		return nil, ariaserr.XAErrProto
	}

	rs, active := sw.rscans[rmid]
	if flags&TMStartRscan != 0 {
		first, cur, err := findCheckpointAnchor(e.Log)
		if err != nil {
			return nil, ariaserr.XAErrRmerr
		}
		rs = &rscan{cur: cur, first: first, started: !cur.IsZero(), resolved: make(map[uint32]bool)}
		sw.rscans[rmid] = rs
	} else if !active {
		return nil, ariaserr.XAErrProto
	}

	var out []Xid
	for rs.started && (max <= 0 || len(out) < max) {
		buf, xid, txnID, isXA, cerr := readAt(e.Log, rs.cur)
		if cerr != nil {
			return nil, ariaserr.XAErrRmerr
		}
		_ = buf
		switch {
		case !isXA:
			rs.resolved[txnID] = true
		case !rs.resolved[txnID]:
			out = append(out, xid)
		}

		if !lsn.Less(rs.first, rs.cur) {
			rs.started = false
			break
		}
		next, _, gerr := e.Log.Get(rs.cur, logmgr.Prev)
		if gerr != nil {
			if errors.Is(gerr, ariaserr.ErrNotFound) {
				rs.started = false
				break
			}
			return nil, ariaserr.XAErrRmerr
		}
		rs.cur = next
	}

	if flags&TMEndRscan != 0 {
		delete(sw.rscans, rmid)
	}
	return out, ariaserr.XAOK
}

// readAt decodes the record at at, reporting whether it is a txn_xa_regop
// (PREPARE) and, if so, its xid; txn_regop records are reported with
// isXA=false so the caller can mark their txn id resolved.
func readAt(lg *logmgr.Manager, at lsn.LSN) (buf []byte, xid Xid, txnID uint32, isXA bool, err error) {
	cur, raw, gerr := lg.Get(at, logmgr.Set)
	if gerr != nil {
		return nil, Xid{}, 0, false, gerr
	}
	rec, payload, uerr := walcore.Unmarshal(raw)
	if uerr != nil {
		return nil, Xid{}, 0, false, uerr
	}
	_ = cur
	switch rec.RecType {
	case logrec.RecTxnXaRegop:
		c := walcore.NewCursor(payload)
		if _, err := c.ReadU32(); err != nil {
			return nil, Xid{}, 0, false, err
		}
		data, err := c.ReadDBT()
		if err != nil {
			return nil, Xid{}, 0, false, err
		}
		formatID, err := c.ReadI32()
		if err != nil {
			return nil, Xid{}, 0, false, err
		}
		gtridLen, err := c.ReadU32()
		if err != nil {
			return nil, Xid{}, 0, false, err
		}
		bqualLen, err := c.ReadU32()
		if err != nil {
			return nil, Xid{}, 0, false, err
		}
		var x Xid
		x.FormatID = formatID
		x.GtridLen = gtridLen
		x.BqualLen = bqualLen
		copy(x.Data[:], data)
		return raw, x, rec.TxnNum, true, nil
	default:
		return raw, Xid{}, rec.TxnNum, false, nil
	}
}

// findCheckpointAnchor scans backward over the whole log for its earliest
// txn_ckp record. Returns (first, cur) where first is that checkpoint's
// LSN, the point Recover's scan stops at (zero when the log holds no
// checkpoint, so the scan runs to the log's first record), and cur is
// where to start (the log's last record, or zero if the log is empty).
func findCheckpointAnchor(lg *logmgr.Manager) (first, cur lsn.LSN, err error) {
	c, buf, gerr := lg.Get(lsn.Zero, logmgr.Last)
	if gerr != nil {
		if errors.Is(gerr, ariaserr.ErrNotFound) {
			return lsn.Zero, lsn.Zero, nil
		}
		return lsn.Zero, lsn.Zero, gerr
	}
	start := c
	for {
		rec, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return lsn.Zero, lsn.Zero, uerr
		}
		if rec.RecType == logrec.RecTxnCkp {
			first = c
		}
		next, nbuf, nerr := lg.Get(c, logmgr.Prev)
		if nerr != nil {
			if errors.Is(nerr, ariaserr.ErrNotFound) {
				break
			}
			return lsn.Zero, lsn.Zero, nerr
		}
		c, buf = next, nbuf
	}
	return first, start, nil
}
