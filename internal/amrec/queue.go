package amrec

import (
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// The queue access method keeps its head recno in the store's superblock,
// in the RootPgno field (see qam_mvptr); there is no separate tail
// counter field.

// ── qam_inc / qam_incfirst ───────────────────────────────────────────────
// Head or tail counter bump by one record. Recovery only advances the LSN
// chain for these records: no counter is incremented on REDO or
// decremented on UNDO.

func logQamInc(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, recno uint32, first bool) (lsn.LSN, error) {
	b := walcore.NewBuilder(8)
	b.PutRecno(recno)
	recType := logrec.RecQamInc
	if first {
		recType = logrec.RecQamIncfirst
	}
	env := walcore.Envelope{RecType: recType, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readQamInc(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadRecno(); err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverQamInc(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}

// ── qam_mvptr ────────────────────────────────────────────────────────────
// Moves the queue's first/current recno pointer. REDO installs newFirst;
// UNDO restores oldFirst. Stored on the superblock's RootPgno field,
// reused here to carry the queue head recno rather than a page id, since
// queue files have no btree root to track.

type qamMvptrArgs struct {
	fileid   ampage.FileID
	oldFirst uint32
	newFirst uint32
	prev     lsn.LSN
}

func (a qamMvptrArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a qamMvptrArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logQamMvptr(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, oldFirst, newFirst uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(28)
	b.PutFileID(fileid)
	b.PutRecno(oldFirst)
	b.PutRecno(newFirst)
	env := walcore.Envelope{RecType: logrec.RecQamMvptr, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readQamMvptr(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	oldFirst, err := c.ReadRecno()
	if err != nil {
		return nil, err
	}
	newFirst, err := c.ReadRecno()
	if err != nil {
		return nil, err
	}
	return qamMvptrArgs{fileid: fileid, oldFirst: oldFirst, newFirst: newFirst, prev: env.PrevLSN}, nil
}

func recoverQamMvptr(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readQamMvptr(buf)
	if err != nil {
		return err
	}
	args := a.(qamMvptrArgs)
	if op != logrec.OpenFiles {
		if st, ok := e.store(args.fileid); ok {
			switch {
			case logrec.DBRedo(op):
				st.UpdateSuperblock(func(sb *ampage.Superblock) { sb.RootPgno = ampage.PageID(args.newFirst) })
			case logrec.DBUndo(op):
				st.UpdateSuperblock(func(sb *ampage.Superblock) { sb.RootPgno = ampage.PageID(args.oldFirst) })
			}
		}
	}
	*lsnp = args.prev
	return nil
}

// ── qam_add / qam_del / qam_delext ──────────────────────────────────────
// Queue record operations at a fixed recno slot, addressed by (pgno,
// indx) the same way btree leaf slots are.

type qamOpcode uint32

const (
	qamOpAdd qamOpcode = 1
	qamOpDel qamOpcode = 2
)

type qamRecArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	indx    int
	opcode  qamOpcode
	data    []byte
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a qamRecArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a qamRecArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logQamRec(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, recType uint32, fileid ampage.FileID,
	pgno ampage.PageID, indx int, opcode qamOpcode, data []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(40 + len(data))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	b.PutU32(uint32(opcode))
	b.PutDBT(data)
	env := walcore.Envelope{RecType: recType, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readQamRec(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	pgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	indx, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	opcode, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	data, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return qamRecArgs{fileid: fileid, pgno: ampage.PageID(pgno), indx: int(indx), opcode: qamOpcode(opcode), data: data, prev: env.PrevLSN}, nil
}

func recoverQamRec(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readQamRec(buf)
	if err != nil {
		return err
	}
	args := a.(qamRecArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	add := func(p []byte) error {
		return ampage.WrapBTreePage(p).PutLeafEntryAt(args.indx, ampage.LeafEntry{Value: args.data})
	}
	del := func(p []byte) error {
		return ampage.WrapBTreePage(p).RemoveLeafEntryAt(args.indx)
	}
	var redo, undo func([]byte) error
	if args.opcode == qamOpAdd {
		redo, undo = add, del
	} else {
		redo, undo = del, add
	}
	if err := withPage(e, args.fileid, args.pgno, op, recLSN, args.prev, redo, undo); err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── qam_delete / qam_rename ──────────────────────────────────────────────
// Extent file create/rename/delete, delegated to the file registry the
// same way crdel_rename/crdel_delete are.

type qamFileopArgs struct {
	fileid  ampage.FileID
	name    string
	newname string
	prev    lsn.LSN
}

func (a qamFileopArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a qamFileopArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logQamDelete(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, name string) (lsn.LSN, error) {
	b := walcore.NewBuilder(24 + len(name))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	env := walcore.Envelope{RecType: logrec.RecQamDelete, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func logQamRename(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, name, newname string) (lsn.LSN, error) {
	b := walcore.NewBuilder(24 + len(name) + len(newname))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutDBT([]byte(newname))
	env := walcore.Envelope{RecType: logrec.RecQamRename, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readQamDelete(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	name, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return qamFileopArgs{fileid: fileid, name: string(name), prev: env.PrevLSN}, nil
}

func readQamRename(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	name, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	newname, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return qamFileopArgs{fileid: fileid, name: string(name), newname: string(newname), prev: env.PrevLSN}, nil
}

func recoverQamDelete(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readQamDelete(buf)
	if err != nil {
		return err
	}
	args := a.(qamFileopArgs)
	if op != logrec.OpenFiles {
		switch {
		case logrec.DBRedo(op):
			_ = e.Reg.Delete(args.fileid)
		case logrec.DBUndo(op):
			reopenForUndo(e.Reg, args.fileid, args.name)
		}
	}
	*lsnp = args.prev
	return nil
}

func recoverQamRename(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readQamRename(buf)
	if err != nil {
		return err
	}
	args := a.(qamFileopArgs)
	if op != logrec.OpenFiles {
		switch {
		case logrec.DBRedo(op):
			_ = e.Reg.Rename(args.fileid, args.name, args.newname)
		case logrec.DBUndo(op):
			_ = e.Reg.Rename(args.fileid, args.newname, args.name)
		}
	}
	*lsnp = args.prev
	return nil
}

// reopenForUndo re-registers, under its logged name, a file deleted by a
// since-undone qam_delete/crdel_delete. Register returns the existing
// entry when fileid is already known to this run's registry (including
// one Delete marked discarded); otherwise it opens name through the
// registry's OpenFunc. No backup copy is looked for or restored, and
// errors are ignored.
func reopenForUndo(reg *filereg.Registry, fileid ampage.FileID, name string) {
	_, _ = reg.Register(fileid, name, filereg.FTypeQueue, 0)
}

func initQueueRecords(reg *logrec.Registry) {
	reg.Register(logrec.RecQamInc, logrec.RecordOps{Name: "qam_inc", Read: readQamInc, Recover: recoverQamInc})
	reg.Register(logrec.RecQamIncfirst, logrec.RecordOps{Name: "qam_incfirst", Read: readQamInc, Recover: recoverQamInc})
	reg.Register(logrec.RecQamMvptr, logrec.RecordOps{Name: "qam_mvptr", Read: readQamMvptr, Recover: recoverQamMvptr})
	reg.Register(logrec.RecQamAdd, logrec.RecordOps{Name: "qam_add", Read: readQamRec, Recover: recoverQamRec})
	reg.Register(logrec.RecQamDel, logrec.RecordOps{Name: "qam_del", Read: readQamRec, Recover: recoverQamRec})
	reg.Register(logrec.RecQamDelext, logrec.RecordOps{Name: "qam_delext", Read: readQamRec, Recover: recoverQamRec})
	reg.Register(logrec.RecQamDelete, logrec.RecordOps{Name: "qam_delete", Read: readQamDelete, Recover: recoverQamDelete})
	reg.Register(logrec.RecQamRename, logrec.RecordOps{Name: "qam_rename", Read: readQamRename, Recover: recoverQamRename})
}
