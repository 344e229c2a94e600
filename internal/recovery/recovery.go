// Package recovery implements the ARIES-style crash recovery driver (C8):
// the three-pass Apprec algorithm that rebuilds on-disk state from the
// write-ahead log after an unclean shutdown. It drives the log manager
// (internal/logmgr), the record registry (internal/logrec), the
// per-access-method handlers (internal/amrec), the file-id registry
// (internal/filereg), and the in-memory transaction table
// (internal/txntable) — binding the latter into internal/txnmgr's txn_*
// handlers for the duration of one run via cfg.Txn.BindTable. The binding
// lives on the *txnmgr.Manager instance passed in, not on any
// package-level state, so concurrent recovery runs against different
// environments (internal/xabridge opens one per rmid) never interfere.
package recovery

import (
	"errors"
	"fmt"

	"github.com/ariaskv/ariaskv/internal/amrec"
	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/txnmgr"
	"github.com/ariaskv/ariaskv/internal/txntable"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// Flags selects how Pass 0 locates the recovery anchor.
type Flags int

const (
	// Normal starts from the most recent checkpoint, falling back to the
	// start of the log if none is found.
	Normal Flags = iota
	// Fatal forces a full replay from the very first log record,
	// ignoring any checkpoint — used after ariaserr.ErrRunRecovery or a
	// checkpoint suspected to be torn.
	Fatal
)

// Target optionally bounds recovery to a point in time, for point-in-time
// restore. The zero value recovers everything the log contains.
type Target struct {
	// LSN, if non-zero, demotes any commit at or beyond this LSN to IGNORE.
	LSN lsn.LSN
	// Time, if non-zero, demotes any commit whose logged timestamp
	// exceeds it to IGNORE.
	Time uint32
}

// Config carries everything Run needs to replay one environment's log.
type Config struct {
	Log      *logmgr.Manager
	Registry *logrec.Registry
	Txn      *txnmgr.Manager
	OpenFile filereg.OpenFunc
	Flags    Flags
	Target   Target
}

// Result summarizes one completed recovery run.
type Result struct {
	OpenLSN    lsn.LSN
	FirstLSN   lsn.LSN
	LastLSN    lsn.LSN
	RecordsRun int
}

// Run executes the full Apprec algorithm against cfg and leaves the
// environment ready for new transactions: the file registry it built is
// closed, the transaction id generation is reset to txnmgr.TxnMinimum, and
// two checkpoints have been forced so a re-crash mid-recovery need not
// redo any of this work.
func Run(cfg Config) (*Result, error) {
	reg := filereg.New(cfg.OpenFile)
	env := &amrec.Env{Reg: reg}

	table := txntable.New()
	table.TruncLSN = cfg.Target.LSN
	cfg.Txn.BindTable(tableAdapter{table})
	defer cfg.Txn.BindTable(nil)

	openLSN, firstLSN, err := findAnchor(cfg.Log, cfg.Flags)
	if err != nil {
		return nil, fmt.Errorf("recovery: pass 0 (find anchor): %w", err)
	}

	records := 0

	lastOpenLSN, n, err := openFilesPass(cfg.Log, cfg.Registry, env, openLSN)
	if err != nil {
		return nil, fmt.Errorf("recovery: pass 1 (openfiles): %w", err)
	}
	records += n

	lastLSN, n, err := backwardRollPass(cfg.Log, cfg.Registry, env, table, cfg.Target, firstLSN)
	if err != nil {
		return nil, fmt.Errorf("recovery: pass 2 (backward_roll): %w", err)
	}
	records += n

	doTheLimbo(cfg.Txn, table)

	n, err = forwardRollPass(cfg.Log, cfg.Registry, env, table, firstLSN)
	if err != nil {
		return nil, fmt.Errorf("recovery: pass 3 (forward_roll): %w", err)
	}
	records += n

	if _, err := cfg.Txn.Checkpoint(true); err != nil {
		return nil, fmt.Errorf("recovery: post-recovery checkpoint 1: %w", err)
	}
	if err := reg.CloseAll(); err != nil {
		return nil, fmt.Errorf("recovery: close files: %w", err)
	}
	if _, err := cfg.Txn.Checkpoint(true); err != nil {
		return nil, fmt.Errorf("recovery: post-recovery checkpoint 2: %w", err)
	}
	cfg.Txn.ResetAfterRecovery()

	if lastLSN.IsZero() {
		lastLSN = lastOpenLSN
	}
	return &Result{OpenLSN: openLSN, FirstLSN: firstLSN, LastLSN: lastLSN, RecordsRun: records}, nil
}

// tableAdapter satisfies txnmgr's txnTableLike by delegating to a
// *txntable.Table, translating txnmgr's exported TableStatus into
// txntable's own Status enum. It lives here rather than in either
// collaborator's package specifically to avoid an import cycle:
// internal/recovery is the only package that needs both.
type tableAdapter struct {
	t *txntable.Table
}

func (a tableAdapter) SetStatus(txnID uint32, status txnmgr.TableStatus) {
	switch status {
	case txnmgr.TableStatusCommit:
		a.t.SetStatus(txnID, txntable.StatusCommit)
	case txnmgr.TableStatusAbort:
		a.t.SetStatus(txnID, txntable.StatusAbort)
	}
}

func (a tableAdapter) NotePrepare(txnID uint32, xid []byte, recLSN, beginLSN lsn.LSN) {
	a.t.NotePrepare(txnID, xid, recLSN, beginLSN)
}

func (a tableAdapter) ResolveChild(parentID, childID uint32) {
	a.t.ResolveChild(parentID, childID)
}

func (a tableAdapter) Remove(txnID uint32) {
	a.t.Remove(txnID)
}

// ── Pass 0: anchor discovery ────────────────────────────────────────────

// findAnchor locates openLSN (where Pass 1's OPENFILES scan begins) and
// firstLSN (where Pass 2's BACKWARD_ROLL stops). internal/logmgr's
// Manager.lastCkp is an in-memory cache only — it is never reloaded from
// disk on Open — so a Manager freshly opened after a real crash cannot
// answer "where is the last checkpoint" via its Checkpoint direction;
// this function instead scans the log backward from its end, decoding
// just enough of each envelope to recognize a txn_ckp record.
func findAnchor(lg *logmgr.Manager, flags Flags) (openLSN, firstLSN lsn.LSN, err error) {
	if flags == Fatal {
		at, _, err := lg.Get(lsn.Zero, logmgr.First)
		if err != nil {
			if errors.Is(err, ariaserr.ErrNotFound) {
				return lsn.Zero, lsn.Zero, nil
			}
			return lsn.Zero, lsn.Zero, err
		}
		return at, lsn.Zero, nil
	}

	cur, buf, err := lg.Get(lsn.Zero, logmgr.Last)
	if err != nil {
		if errors.Is(err, ariaserr.ErrNotFound) {
			return lsn.Zero, lsn.Zero, nil
		}
		return lsn.Zero, lsn.Zero, err
	}

	for {
		e, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return lsn.Zero, lsn.Zero, uerr
		}
		if e.RecType == logrec.RecTxnCkp {
			_, lastCkp, derr := decodeCkpPayload(buf)
			if derr != nil {
				return lsn.Zero, lsn.Zero, derr
			}
			// firstLSN (where BACKWARD_ROLL stops) mirrors openLSN here:
			// this port's txn_ckp record carries no active-transaction
			// snapshot the way a full active-txn list would, so the only
			// sound bound on "how far back might an in-flight transaction
			// reach" is the previous checkpoint, exactly like Pass 1's
			// OPENFILES start.
			return lastCkp, lastCkp, nil
		}
		next, nbuf, gerr := lg.Get(cur, logmgr.Prev)
		if gerr != nil {
			if errors.Is(gerr, ariaserr.ErrNotFound) {
				break
			}
			return lsn.Zero, lsn.Zero, gerr
		}
		cur, buf = next, nbuf
	}

	// No checkpoint anywhere in the log: replay everything.
	at, _, ferr := lg.Get(lsn.Zero, logmgr.First)
	if ferr != nil {
		return lsn.Zero, lsn.Zero, ferr
	}
	return at, lsn.Zero, nil
}

// decodeCkpPayload reads a txn_ckp record's (ckp_lsn, last_ckp) fields
// directly, independent of internal/txnmgr's own (private) reader, since
// this on-disk layout is a fixed invariant of the format rather than an
// implementation detail of the manager that emits it.
func decodeCkpPayload(buf []byte) (ckpLSN, lastCkp lsn.LSN, err error) {
	_, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return lsn.Zero, lsn.Zero, err
	}
	c := walcore.NewCursor(payload)
	if ckpLSN, err = c.ReadLSN(); err != nil {
		return lsn.Zero, lsn.Zero, err
	}
	if lastCkp, err = c.ReadLSN(); err != nil {
		return lsn.Zero, lsn.Zero, err
	}
	return ckpLSN, lastCkp, nil
}

// decodeRegopPayload reads a txn_regop record's (opcode, timestamp)
// fields, used by backwardRollPass to apply target-time/target-LSN
// demotion without needing txnmgr to export its opcode constants.
func decodeRegopPayload(buf []byte) (opcode, ts uint32, err error) {
	_, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return 0, 0, err
	}
	c := walcore.NewCursor(payload)
	if opcode, err = c.ReadU32(); err != nil {
		return 0, 0, err
	}
	if ts, err = c.ReadU32(); err != nil {
		return 0, 0, err
	}
	return opcode, ts, nil
}

const regopOpcodeCommit = 1

// ── Pass 1: OPENFILES ───────────────────────────────────────────────────

func openFilesPass(lg *logmgr.Manager, records *logrec.Registry, env *amrec.Env, openLSN lsn.LSN) (lsn.LSN, int, error) {
	if openLSN.IsZero() {
		return lsn.Zero, 0, nil
	}
	cur, buf, err := lg.Get(openLSN, logmgr.Set)
	if err != nil {
		return lsn.Zero, 0, err
	}

	n := 0
	last := cur
	for {
		e, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return lsn.Zero, n, uerr
		}
		var discard lsn.LSN
		if derr := records.Dispatch(e.RecType, env, buf, cur, logrec.OpenFiles, &discard); derr != nil {
			return lsn.Zero, n, fmt.Errorf("at %s (type %d): %w", cur, e.RecType, derr)
		}
		n++
		last = cur

		next, nbuf, gerr := lg.Get(cur, logmgr.Next)
		if gerr != nil {
			if errors.Is(gerr, ariaserr.ErrNotFound) {
				break
			}
			return lsn.Zero, n, gerr
		}
		cur, buf = next, nbuf
	}
	return last, n, nil
}

// ── Pass 2: BACKWARD_ROLL ───────────────────────────────────────────────

func backwardRollPass(lg *logmgr.Manager, records *logrec.Registry, env *amrec.Env, table *txntable.Table,
	target Target, firstLSN lsn.LSN) (lsn.LSN, int, error) {

	cur, buf, err := lg.Get(lsn.Zero, logmgr.Last)
	if err != nil {
		if errors.Is(err, ariaserr.ErrNotFound) {
			return lsn.Zero, 0, nil
		}
		return lsn.Zero, 0, err
	}

	n := 0
	for {
		e, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return lsn.Zero, n, uerr
		}

		// A record whose owning transaction's commit marker we have
		// already passed (commit markers are always the last thing a
		// transaction writes, so backward order visits them first) is a
		// winner: its data records must be left alone here so Pass 3 can
		// redo them, not undone and then redone right back.
		pass := logrec.BackwardRoll
		if e.TxnNum != 0 {
			if entry, ok := table.Lookup(e.TxnNum); ok && entry.Status == txntable.StatusCommit {
				pass = logrec.Skip
			}
			table.Update(e.TxnNum, cur)
		}

		var discard lsn.LSN
		if derr := records.Dispatch(e.RecType, env, buf, cur, pass, &discard); derr != nil {
			return lsn.Zero, n, fmt.Errorf("at %s (type %d): %w", cur, e.RecType, derr)
		}
		n++

		if e.RecType == logrec.RecTxnRegop {
			opcode, ts, derr := decodeRegopPayload(buf)
			if derr != nil {
				return lsn.Zero, n, derr
			}
			if opcode == regopOpcodeCommit {
				demote := false
				if target.Time != 0 && ts > target.Time {
					demote = true
				}
				if !target.LSN.IsZero() && !lsn.Less(cur, target.LSN) {
					demote = true
				}
				if demote {
					table.PromoteIgnore(e.TxnNum)
				}
			}
		}

		if !firstLSN.IsZero() && !lsn.Less(firstLSN, cur) {
			// cur <= firstLSN: this was the last record to process.
			break
		}

		next, nbuf, gerr := lg.Get(cur, logmgr.Prev)
		if gerr != nil {
			if errors.Is(gerr, ariaserr.ErrNotFound) {
				break
			}
			return lsn.Zero, n, gerr
		}
		cur, buf = next, nbuf
	}
	return cur, n, nil
}

// doTheLimbo restores every transaction BACKWARD_ROLL left in the
// PREPARE state — a two-phase commit that reached prepare but whose
// resolution (commit or rollback) the coordinator never delivered before
// the crash — into the transaction manager's active table via
// txn.RestoreTxn, so the XA bridge can still resolve it once recovery
// finishes. Their data records are neither redone nor undone by this
// run; ownership of that decision belongs to the XA coordinator.
func doTheLimbo(txn *txnmgr.Manager, table *txntable.Table) {
	for _, e := range table.All() {
		if e.Status != txntable.StatusPrepare {
			continue
		}
		txn.RestoreTxn(e.TxnID, e.Xid, e.LastLSN, e.BeginLSN)
	}
}

// ── Pass 3: FORWARD_ROLL ────────────────────────────────────────────────

// forwardRollPass redoes every record from firstLSN to the end of the
// log whose owning transaction the table confirms committed (or is
// untracked — infrastructural records like dbreg_register carry no txn
// id). A record belonging to a transaction that aborted, is still
// prepared, or was demoted to IGNORE by a recovery target was already
// corrected by BACKWARD_ROLL's UNDO (or needed no correction at all), so
// redoing it here would reapply a change that was rightfully rolled
// back — it is dispatched as Skip instead, advancing only the LSN chain.
func forwardRollPass(lg *logmgr.Manager, records *logrec.Registry, env *amrec.Env, table *txntable.Table, from lsn.LSN) (int, error) {
	var cur lsn.LSN
	var buf []byte
	var err error
	if from.IsZero() {
		cur, buf, err = lg.Get(lsn.Zero, logmgr.First)
	} else {
		cur, buf, err = lg.Get(from, logmgr.Set)
	}
	if err != nil {
		if errors.Is(err, ariaserr.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for {
		e, _, uerr := walcore.Unmarshal(buf)
		if uerr != nil {
			return n, uerr
		}
		pass := logrec.ForwardRoll
		if e.TxnNum != 0 {
			if entry, ok := table.Lookup(e.TxnNum); ok && entry.Status != txntable.StatusCommit {
				pass = logrec.Skip
			}
		}

		var discard lsn.LSN
		if derr := records.Dispatch(e.RecType, env, buf, cur, pass, &discard); derr != nil {
			return n, fmt.Errorf("at %s (type %d): %w", cur, e.RecType, derr)
		}
		n++

		next, nbuf, gerr := lg.Get(cur, logmgr.Next)
		if gerr != nil {
			if errors.Is(gerr, ariaserr.ErrNotFound) {
				break
			}
			return n, gerr
		}
		cur, buf = next, nbuf
	}
	return n, nil
}
