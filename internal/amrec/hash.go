package amrec

import (
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// The hash access method's bucket pages are laid out identically to a
// btree leaf page (a slotted page of key/value records, no internal
// separator entries) — ham_* handlers reuse ampage.BTreePage's leaf-entry
// primitives rather than inventing a parallel bucket-page format.

// ── ham_insdel ───────────────────────────────────────────────────────────
// Hash bucket insert/delete, keyed by opcode (1=insert, 2=delete).

type hamOpcode uint32

const (
	hamOpInsert hamOpcode = 1
	hamOpDelete hamOpcode = 2
)

type hamInsdelArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	ndx     int
	opcode  hamOpcode
	key     []byte
	data    []byte
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a hamInsdelArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a hamInsdelArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamInsdel(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, ndx int, opcode hamOpcode, key, data []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(48 + len(key) + len(data))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(ndx))
	b.PutU32(uint32(opcode))
	b.PutDBT(key)
	b.PutDBT(data)
	env := walcore.Envelope{RecType: logrec.RecHamInsdel, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamInsdel(buf []byte) (logrec.Args, error) {
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
	ndx, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	opcode, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	key, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	data, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return hamInsdelArgs{
		fileid: fileid, pgno: ampage.PageID(pgno), ndx: int(ndx),
		opcode: hamOpcode(opcode), key: key, data: data, prev: env.PrevLSN,
	}, nil
}

func recoverHamInsdel(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamInsdel(buf)
	if err != nil {
		return err
	}
	args := a.(hamInsdelArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	insert := func(p []byte) error {
		return ampage.WrapBTreePage(p).PutLeafEntryAt(args.ndx, ampage.LeafEntry{Key: args.key, Value: args.data})
	}
	remove := func(p []byte) error {
		return ampage.WrapBTreePage(p).RemoveLeafEntryAt(args.ndx)
	}
	var redo, undo func([]byte) error
	if args.opcode == hamOpInsert {
		redo, undo = insert, remove
	} else {
		redo, undo = remove, insert
	}
	if err := withPage(e, args.fileid, args.pgno, op, recLSN, args.prev, redo, undo); err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── ham_newpage ──────────────────────────────────────────────────────────
// Extends a bucket's overflow chain by linking a new page after prevPgno.
// REDO sets prevPgno's next-leaf pointer to newPgno; UNDO clears it.

type hamNewpageArgs struct {
	fileid   ampage.FileID
	prevPgno ampage.PageID
	newPgno  ampage.PageID
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a hamNewpageArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a hamNewpageArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamNewpage(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, prevPgno, newPgno ampage.PageID) (lsn.LSN, error) {
	b := walcore.NewBuilder(28)
	b.PutFileID(fileid)
	b.PutPgno(uint32(prevPgno))
	b.PutPgno(uint32(newPgno))
	env := walcore.Envelope{RecType: logrec.RecHamNewpage, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamNewpage(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	prevPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	newPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	return hamNewpageArgs{fileid: fileid, prevPgno: ampage.PageID(prevPgno), newPgno: ampage.PageID(newPgno), prev: env.PrevLSN}, nil
}

func recoverHamNewpage(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamNewpage(buf)
	if err != nil {
		return err
	}
	args := a.(hamNewpageArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.prevPgno, op, recLSN, args.prev,
		func(p []byte) error { ampage.WrapBTreePage(p).SetNextLeaf(args.newPgno); return nil },
		func(p []byte) error { ampage.WrapBTreePage(p).SetNextLeaf(ampage.InvalidPageID); return nil },
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── ham_splitdata ────────────────────────────────────────────────────────
// A bucket page's contents were rewritten wholesale during a split. REDO
// installs the post-split image; UNDO restores the pre-split image.

type hamSplitdataArgs struct {
	fileid   ampage.FileID
	pgno     ampage.PageID
	image    []byte
	preImage []byte
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a hamSplitdataArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a hamSplitdataArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamSplitdata(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, pgno ampage.PageID, image, preImage []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(image) + len(preImage))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutDBT(image)
	b.PutDBT(preImage)
	env := walcore.Envelope{RecType: logrec.RecHamSplitdata, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamSplitdata(buf []byte) (logrec.Args, error) {
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
	image, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	preImage, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return hamSplitdataArgs{fileid: fileid, pgno: ampage.PageID(pgno), image: image, preImage: preImage, prev: env.PrevLSN}, nil
}

func recoverHamSplitdata(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamSplitdata(buf)
	if err != nil {
		return err
	}
	args := a.(hamSplitdataArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			if len(args.image) == len(p) {
				copy(p, args.image)
			}
			return nil
		},
		func(p []byte) error {
			if len(args.preImage) == len(p) {
				copy(p, args.preImage)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── ham_replace ──────────────────────────────────────────────────────────

type hamReplaceArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	ndx     int
	olditem []byte
	newitem []byte
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a hamReplaceArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a hamReplaceArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamReplace(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, ndx int, olditem, newitem []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(olditem) + len(newitem))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(ndx))
	b.PutDBT(olditem)
	b.PutDBT(newitem)
	env := walcore.Envelope{RecType: logrec.RecHamReplace, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamReplace(buf []byte) (logrec.Args, error) {
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
	ndx, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	olditem, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	newitem, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return hamReplaceArgs{fileid: fileid, pgno: ampage.PageID(pgno), ndx: int(ndx), olditem: olditem, newitem: newitem, prev: env.PrevLSN}, nil
}

func recoverHamReplace(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamReplace(buf)
	if err != nil {
		return err
	}
	args := a.(hamReplaceArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			return ampage.WrapBTreePage(p).ReplaceLeafEntryAt(args.ndx, unmarshalLeafStash(args.newitem))
		},
		func(p []byte) error {
			return ampage.WrapBTreePage(p).ReplaceLeafEntryAt(args.ndx, unmarshalLeafStash(args.olditem))
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── ham_copypage ─────────────────────────────────────────────────────────
// Consolidates an overflow chain into a single page during bucket
// shrink. REDO installs the consolidated image on pgno; UNDO restores
// pgno's pre-consolidation image.

type hamCopypageArgs struct {
	fileid   ampage.FileID
	pgno     ampage.PageID
	image    []byte
	preImage []byte
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a hamCopypageArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a hamCopypageArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamCopypage(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, pgno ampage.PageID, image, preImage []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(image) + len(preImage))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutDBT(image)
	b.PutDBT(preImage)
	env := walcore.Envelope{RecType: logrec.RecHamCopypage, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamCopypage(buf []byte) (logrec.Args, error) {
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
	image, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	preImage, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return hamCopypageArgs{fileid: fileid, pgno: ampage.PageID(pgno), image: image, preImage: preImage, prev: env.PrevLSN}, nil
}

func recoverHamCopypage(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamCopypage(buf)
	if err != nil {
		return err
	}
	args := a.(hamCopypageArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			if len(args.image) == len(p) {
				copy(p, args.image)
			}
			return nil
		},
		func(p []byte) error {
			if len(args.preImage) == len(p) {
				copy(p, args.preImage)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── ham_metagroup / ham_groupalloc ──────────────────────────────────────
// Bulk page-group allocation for extendible hashing: num consecutive
// pages starting at startPgno are claimed (or, on undo, returned to the
// free list as a group).

type hamGroupArgs struct {
	fileid    ampage.FileID
	startPgno ampage.PageID
	num       uint32
	prev      lsn.LSN
}

func (a hamGroupArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a hamGroupArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logHamMetagroup(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, startPgno ampage.PageID, num uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(28)
	b.PutFileID(fileid)
	b.PutPgno(uint32(startPgno))
	b.PutU32(num)
	env := walcore.Envelope{RecType: logrec.RecHamMetagroup, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readHamGroup(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	startPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	num, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	return hamGroupArgs{fileid: fileid, startPgno: ampage.PageID(startPgno), num: num, prev: env.PrevLSN}, nil
}

func recoverHamGroup(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readHamGroup(buf)
	if err != nil {
		return err
	}
	args := a.(hamGroupArgs)
	if op != logrec.OpenFiles {
		if st, ok := e.store(args.fileid); ok {
			for i := uint32(0); i < args.num; i++ {
				pid := ampage.PageID(uint32(args.startPgno) + i)
				if logrec.DBUndo(op) {
					st.FreePage(pid)
				}
			}
		}
	}
	*lsnp = args.prev
	return nil
}

func initHashRecords(reg *logrec.Registry) {
	reg.Register(logrec.RecHamInsdel, logrec.RecordOps{Name: "ham_insdel", Read: readHamInsdel, Recover: recoverHamInsdel})
	reg.Register(logrec.RecHamNewpage, logrec.RecordOps{Name: "ham_newpage", Read: readHamNewpage, Recover: recoverHamNewpage})
	reg.Register(logrec.RecHamSplitdata, logrec.RecordOps{Name: "ham_splitdata", Read: readHamSplitdata, Recover: recoverHamSplitdata})
	reg.Register(logrec.RecHamReplace, logrec.RecordOps{Name: "ham_replace", Read: readHamReplace, Recover: recoverHamReplace})
	reg.Register(logrec.RecHamCopypage, logrec.RecordOps{Name: "ham_copypage", Read: readHamCopypage, Recover: recoverHamCopypage})
	reg.Register(logrec.RecHamMetagroup, logrec.RecordOps{Name: "ham_metagroup", Read: readHamGroup, Recover: recoverHamGroup})
	reg.Register(logrec.RecHamGroupalloc, logrec.RecordOps{Name: "ham_groupalloc", Read: readHamGroup, Recover: recoverHamGroup})
	reg.Register(logrec.RecHamCuradj, logrec.RecordOps{Name: "ham_curadj", Read: readSimple, Recover: recoverSimple})
	reg.Register(logrec.RecHamChgpg, logrec.RecordOps{Name: "ham_chgpg", Read: readSimple, Recover: recoverSimple})
}

// readSimple/recoverSimple back the cursor-bookkeeping-only record types
// (ham_curadj, ham_chgpg) that have no live cursor subsystem to mutate in
// this implementation (see bam_curadj's comment for the same reasoning).
func readSimple(buf []byte) (logrec.Args, error) {
	env, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverSimple(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}
