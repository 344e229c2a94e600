package txnmgr

import (
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// The transaction manager's own record types: txn_regop (commit/abort),
// txn_ckp (checkpoint), txn_xa_regop (XA prepare), txn_child (nested
// commit), txn_recycle (id generation bump). Their REDO/UNDO handlers
// mutate the in-memory transaction table (C4), not page state, which is
// why they live alongside the manager that emits them rather than in
// internal/amrec with the access-method structural records.

type regopCode uint32

const (
	regopCommit regopCode = 1
	regopAbort  regopCode = 2
)

type xaOpcode uint32

const (
	xaPrepare xaOpcode = 1
)

// ── txn_regop ────────────────────────────────────────────────────────────

type regopArgs struct {
	lsnVal  lsn.LSN
	prev    lsn.LSN
	opcode  regopCode
	ts      uint32
}

func (a regopArgs) RecordLSN() lsn.LSN     { return a.lsnVal }
func (a regopArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logTxnRegop(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, opcode regopCode, ts uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(8)
	b.PutU32(uint32(opcode))
	b.PutU32(ts)
	env := walcore.Envelope{RecType: logrec.RecTxnRegop, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readTxnRegop(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	opcode, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	ts, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	return regopArgs{prev: env.PrevLSN, opcode: regopCode(opcode), ts: ts}, nil
}

func recoverTxnRegop(table *tableSlot) logrec.RecoverFunc {
	return func(envIface interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
		env, payload, err := walcore.Unmarshal(buf)
		if err != nil {
			return err
		}
		c := walcore.NewCursor(payload)
		opcode, err := c.ReadU32()
		if err != nil {
			return err
		}
		if op == logrec.BackwardRoll {
			status := tableStatusCommit
			if regopCode(opcode) == regopAbort {
				status = tableStatusAbort
			}
			table.setStatus(env.TxnNum, status)
		}
		*lsnp = env.PrevLSN
		return nil
	}
}

// ── txn_ckp ──────────────────────────────────────────────────────────────

func logTxnCkp(log *logmgr.Manager, ckpLSN, lastCkp lsn.LSN, ts uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(8 + lsn.Size)
	b.PutLSN(ckpLSN)
	b.PutLSN(lastCkp)
	b.PutU32(ts)
	env := walcore.Envelope{RecType: logrec.RecTxnCkp}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.Sync)
}

func readTxnCkp(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	ckpLSN, err := c.ReadLSN()
	if err != nil {
		return nil, err
	}
	lastCkp, err := c.ReadLSN()
	if err != nil {
		return nil, err
	}
	_, _ = lastCkp, env
	return regopArgs{prev: env.PrevLSN}, nil
}

func recoverTxnCkp(envIface interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	env, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	*lsnp = env.PrevLSN
	return nil
}

// ── txn_xa_regop ─────────────────────────────────────────────────────────

func logTxnXaRegop(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, opcode xaOpcode, xid [128]byte, formatID int32, gtridLen, bqualLen uint32, beginLSN lsn.LSN) (lsn.LSN, error) {
	b := walcore.NewBuilder(256)
	b.PutU32(uint32(opcode))
	b.PutDBT(xid[:])
	b.PutI32(formatID)
	b.PutU32(gtridLen)
	b.PutU32(bqualLen)
	b.PutLSN(beginLSN)
	env := walcore.Envelope{RecType: logrec.RecTxnXaRegop, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.Sync)
}

func readTxnXaRegop(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadDBT(); err != nil {
		return nil, err
	}
	if _, err := c.ReadI32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadLSN(); err != nil {
		return nil, err
	}
	return regopArgs{prev: env.PrevLSN}, nil
}

func recoverTxnXaRegop(table *tableSlot) logrec.RecoverFunc {
	return func(envIface interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
		env, payload, err := walcore.Unmarshal(buf)
		if err != nil {
			return err
		}
		if op == logrec.BackwardRoll {
			c := walcore.NewCursor(payload)
			c.ReadU32()
			xid, _ := c.ReadDBT()
			table.notePrepare(env.TxnNum, xid, recLSN, env.PrevLSN)
		}
		*lsnp = env.PrevLSN
		return nil
	}
}

// ── txn_child ────────────────────────────────────────────────────────────

func logTxnChild(log *logmgr.Manager, childID uint32, childPrevLSN lsn.LSN, parentID uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(12)
	b.PutU32(childID)
	b.PutLSN(childPrevLSN)
	env := walcore.Envelope{RecType: logrec.RecTxnChild, TxnNum: parentID}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readTxnChild(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadLSN(); err != nil {
		return nil, err
	}
	return regopArgs{prev: env.PrevLSN}, nil
}

func recoverTxnChild(table *tableSlot) logrec.RecoverFunc {
	return func(envIface interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
		env, payload, err := walcore.Unmarshal(buf)
		if err != nil {
			return err
		}
		c := walcore.NewCursor(payload)
		childID, err := c.ReadU32()
		if err != nil {
			return err
		}
		switch op {
		case logrec.BackwardRoll:
			table.resolveChild(env.TxnNum, childID)
		case logrec.ForwardRoll:
			table.remove(childID)
		}
		*lsnp = env.PrevLSN
		return nil
	}
}

// ── txn_recycle ──────────────────────────────────────────────────────────

func logTxnRecycle(log *logmgr.Manager, lo, hi uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(8)
	b.PutU32(lo)
	b.PutU32(hi)
	env := walcore.Envelope{RecType: logrec.RecTxnRecycle}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readTxnRecycle(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	return regopArgs{prev: env.PrevLSN}, nil
}

func recoverTxnRecycle(envIface interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	env, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	*lsnp = env.PrevLSN
	return nil
}

// ── wiring ───────────────────────────────────────────────────────────────

// TableStatus is the commit/abort disposition the txn_regop recover
// function reports to the bound transaction table.
type TableStatus int

const (
	TableStatusCommit TableStatus = iota
	TableStatusAbort
)

// tableStatus is the package-private form recoverTxnRegop works with
// internally, converted to the exported TableStatus at the table-slot
// boundary via asTableStatus.
type tableStatus int

const (
	tableStatusCommit tableStatus = iota
	tableStatusAbort
)

// txnTableLike is the slice of internal/txntable.Table's API the txn_*
// record recover functions need. internal/recovery supplies an adapter
// wrapping the concrete *txntable.Table via BindTable before dispatching
// a pass; txnmgr only depends on this narrow, exported-method interface
// so a type in another package can implement it (avoiding an import
// cycle, since recovery imports both txnmgr and txntable).
type txnTableLike interface {
	SetStatus(txnID uint32, status TableStatus)
	NotePrepare(txnID uint32, xid []byte, recLSN, beginLSN lsn.LSN)
	ResolveChild(parentID, childID uint32)
	Remove(txnID uint32)
}

func (s tableStatus) asTableStatus() TableStatus { return TableStatus(s) }

// tableSlot holds the currently bound table, defaulting to a no-op so the
// registry always has something to dispatch to even outside a recovery run.
type tableSlot struct {
	table txnTableLike
}

func (s *tableSlot) setStatus(id uint32, st tableStatus) {
	if s.table != nil {
		s.table.SetStatus(id, st.asTableStatus())
	}
}
func (s *tableSlot) notePrepare(id uint32, xid []byte, recLSN, beginLSN lsn.LSN) {
	if s.table != nil {
		s.table.NotePrepare(id, xid, recLSN, beginLSN)
	}
}
func (s *tableSlot) resolveChild(parentID, childID uint32) {
	if s.table != nil {
		s.table.ResolveChild(parentID, childID)
	}
}
func (s *tableSlot) remove(id uint32) {
	if s.table != nil {
		s.table.Remove(id)
	}
}

// BindTable points this manager's txn_* recovery handlers at the live
// transaction table for the current recovery run. Must be called before
// dispatching BACKWARD_ROLL/FORWARD_ROLL and cleared (via BindTable(nil))
// afterward. Each *Manager owns its own slot — internal/xabridge opens one
// *env.Env (and so one *Manager) per rmid, and two environments recovering
// concurrently must not share this binding.
func (m *Manager) BindTable(t txnTableLike) { m.txnTable.table = t }

func initTxnRecords(reg *logrec.Registry, m *Manager) {
	reg.Register(logrec.RecTxnRegop, logrec.RecordOps{
		Name: "txn_regop", Read: readTxnRegop, Recover: recoverTxnRegop(m.txnTable),
	})
	reg.Register(logrec.RecTxnCkp, logrec.RecordOps{
		Name: "txn_ckp", Read: readTxnCkp, Recover: recoverTxnCkp,
	})
	reg.Register(logrec.RecTxnXaRegop, logrec.RecordOps{
		Name: "txn_xa_regop", Read: readTxnXaRegop, Recover: recoverTxnXaRegop(m.txnTable),
	})
	reg.Register(logrec.RecTxnChild, logrec.RecordOps{
		Name: "txn_child", Read: readTxnChild, Recover: recoverTxnChild(m.txnTable),
	})
	reg.Register(logrec.RecTxnRecycle, logrec.RecordOps{
		Name: "txn_recycle", Read: readTxnRecycle, Recover: recoverTxnRecycle,
	})
}
