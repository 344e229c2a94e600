package amrec

import (
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// File create/open/rename/delete records (C6's own log traffic) plus the
// meta-page bootstrap records, all driving internal/filereg during
// recovery rather than a page buffer.

// ── dbreg_register ───────────────────────────────────────────────────────
// Logged by an access method at Open/Close. Recovery's OPENFILES pass uses
// this to populate the file registry before any structural record for the
// file is dispatched; FORWARD_ROLL/BACKWARD_ROLL treat it as a pure
// LSN-chain advance since opening is idempotent.

type dbregOpcode uint32

const (
	dbregOpen dbregOpcode = 1
	dbregClose dbregOpcode = 2
)

type dbregRegisterArgs struct {
	opcode   dbregOpcode
	fileid   ampage.FileID
	name     string
	ftype    filereg.FType
	metaPgno ampage.PageID
	prev     lsn.LSN
}

func (a dbregRegisterArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a dbregRegisterArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logDbregRegister(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, opcode dbregOpcode,
	fileid ampage.FileID, name string, ftype filereg.FType, metaPgno ampage.PageID) (lsn.LSN, error) {
	b := walcore.NewBuilder(40 + len(name))
	b.PutU32(uint32(opcode))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutU32(uint32(ftype))
	b.PutPgno(uint32(metaPgno))
	env := walcore.Envelope{RecType: logrec.RecDbregRegister, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readDbregRegister(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	opcode, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	name, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	ftype, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	metaPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	return dbregRegisterArgs{
		opcode: dbregOpcode(opcode), fileid: fileid, name: string(name),
		ftype: filereg.FType(ftype), metaPgno: ampage.PageID(metaPgno), prev: env.PrevLSN,
	}, nil
}

func recoverDbregRegister(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readDbregRegister(buf)
	if err != nil {
		return err
	}
	args := a.(dbregRegisterArgs)
	if args.opcode == dbregOpen {
		if _, err := e.Reg.Register(args.fileid, args.name, args.ftype, args.metaPgno); err != nil {
			return err
		}
	}
	*lsnp = args.prev
	return nil
}

// ── crdel_fileopen ───────────────────────────────────────────────────────
// File creation marker, logged before the meta page is written. If the
// crash left the file 0-length (or with an unstamped meta magic), undo
// removes it; forward roll simply re-ensures it is open.

type crdelFileopenArgs struct {
	fileid ampage.FileID
	name   string
	mode   uint32
	prev   lsn.LSN
}

func (a crdelFileopenArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a crdelFileopenArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logCrdelFileopen(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, name string, mode uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(name))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutU32(mode)
	env := walcore.Envelope{RecType: logrec.RecCrdelFileopen, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readCrdelFileopen(buf []byte) (logrec.Args, error) {
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
	mode, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	return crdelFileopenArgs{fileid: fileid, name: string(name), mode: mode, prev: env.PrevLSN}, nil
}

func recoverCrdelFileopen(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readCrdelFileopen(buf)
	if err != nil {
		return err
	}
	args := a.(crdelFileopenArgs)
	if logrec.DBUndo(op) {
		// The meta page was never stamped (the file is still 0-length or
		// its magic is unset): this creation never completed, so discard
		// the registry entry and let the caller's file-system cleanup
		// pass remove the empty file.
		if ent, ok := e.Reg.Lookup(args.fileid); ok && ent.Store != nil {
			if sb := ent.Store.Superblock(); sb.PageCount <= 1 && sb.FormatVersion == 0 {
				_ = e.Reg.Delete(args.fileid)
			}
		}
	}
	*lsnp = args.prev
	return nil
}

// ── crdel_metasub / crdel_metapage ───────────────────────────────────────
// Meta-page (superblock) initialization. Recovery restores only the
// page's LSN stamp here; removing a half-initialized page on UNDO is left
// to bam_pg_alloc's own UNDO (pushing it back onto the free list), per the
// semantics this implementation carries: meta creation and page
// allocation are logged separately but the page lifecycle is owned by the
// allocator.

type crdelMetaArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a crdelMetaArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a crdelMetaArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logCrdelMeta(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, recType uint32, fileid ampage.FileID, pgno ampage.PageID) (lsn.LSN, error) {
	b := walcore.NewBuilder(24)
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	env := walcore.Envelope{RecType: recType, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readCrdelMeta(buf []byte) (logrec.Args, error) {
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
	return crdelMetaArgs{fileid: fileid, pgno: ampage.PageID(pgno), prev: env.PrevLSN}, nil
}

func recoverCrdelMeta(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readCrdelMeta(buf)
	if err != nil {
		return err
	}
	args := a.(crdelMetaArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error { return nil },
		func(p []byte) error { return nil },
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── crdel_rename ─────────────────────────────────────────────────────────

type crdelRenameArgs struct {
	fileid  ampage.FileID
	name    string
	newname string
	prev    lsn.LSN
}

func (a crdelRenameArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a crdelRenameArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logCrdelRename(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, name, newname string) (lsn.LSN, error) {
	b := walcore.NewBuilder(24 + len(name) + len(newname))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutDBT([]byte(newname))
	env := walcore.Envelope{RecType: logrec.RecCrdelRename, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readCrdelRename(buf []byte) (logrec.Args, error) {
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
	return crdelRenameArgs{fileid: fileid, name: string(name), newname: string(newname), prev: env.PrevLSN}, nil
}

func recoverCrdelRename(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readCrdelRename(buf)
	if err != nil {
		return err
	}
	args := a.(crdelRenameArgs)
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

// ── crdel_delete ─────────────────────────────────────────────────────────
// Commit side discards the registry entry (the file is gone for good);
// the undo side restores it from a backup copy if the caller kept one —
// this implementation, like the upstream port it is grounded on, treats
// "no backup" as "nothing to restore" rather than an error.

type crdelDeleteArgs struct {
	fileid ampage.FileID
	name   string
	prev   lsn.LSN
}

func (a crdelDeleteArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a crdelDeleteArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logCrdelDelete(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, name string) (lsn.LSN, error) {
	b := walcore.NewBuilder(24 + len(name))
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	env := walcore.Envelope{RecType: logrec.RecCrdelDelete, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readCrdelDelete(buf []byte) (logrec.Args, error) {
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
	return crdelDeleteArgs{fileid: fileid, name: string(name), prev: env.PrevLSN}, nil
}

func recoverCrdelDelete(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readCrdelDelete(buf)
	if err != nil {
		return err
	}
	args := a.(crdelDeleteArgs)
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

func initCrdelRecords(reg *logrec.Registry) {
	reg.Register(logrec.RecDbregRegister, logrec.RecordOps{Name: "dbreg_register", Read: readDbregRegister, Recover: recoverDbregRegister})
	reg.Register(logrec.RecCrdelFileopen, logrec.RecordOps{Name: "crdel_fileopen", Read: readCrdelFileopen, Recover: recoverCrdelFileopen})
	reg.Register(logrec.RecCrdelMetasub, logrec.RecordOps{Name: "crdel_metasub", Read: readCrdelMeta, Recover: recoverCrdelMeta})
	reg.Register(logrec.RecCrdelMetapage, logrec.RecordOps{Name: "crdel_metapage", Read: readCrdelMeta, Recover: recoverCrdelMeta})
	reg.Register(logrec.RecCrdelRename, logrec.RecordOps{Name: "crdel_rename", Read: readCrdelRename, Recover: recoverCrdelRename})
	reg.Register(logrec.RecCrdelDelete, logrec.RecordOps{Name: "crdel_delete", Read: readCrdelDelete, Recover: recoverCrdelDelete})
}
