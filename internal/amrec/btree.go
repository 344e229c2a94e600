package amrec

import (
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// ── bam_pg_alloc ─────────────────────────────────────────────────────────
// New page taken from the free list (or end of file). REDO stamps the new
// page's type and LSN; UNDO pushes pgno back onto the free list, since
// the free-list pop that produced it must itself be undone. The meta
// page's LSN (metaLSN in the record) is not restored by this handler.

type bamPgAllocArgs struct {
	fileid   ampage.FileID
	metaPgno ampage.PageID
	pgno     ampage.PageID
	ptype    ampage.PageType
	metaLSN  lsn.LSN
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a bamPgAllocArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamPgAllocArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamPgAlloc(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	metaPgno, pgno ampage.PageID, ptype ampage.PageType, metaLSN lsn.LSN) (lsn.LSN, error) {
	b := walcore.NewBuilder(48)
	b.PutFileID(fileid)
	b.PutPgno(uint32(metaPgno))
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(ptype))
	b.PutLSN(metaLSN)
	env := walcore.Envelope{RecType: logrec.RecBamPgAlloc, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamPgAlloc(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	metaPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	pgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	ptype, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	metaLSN, err := c.ReadLSN()
	if err != nil {
		return nil, err
	}
	return bamPgAllocArgs{
		fileid: fileid, metaPgno: ampage.PageID(metaPgno), pgno: ampage.PageID(pgno),
		ptype: ampage.PageType(ptype), metaLSN: metaLSN, prev: env.PrevLSN,
	}, nil
}

func recoverBamPgAlloc(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamPgAlloc(buf)
	if err != nil {
		return err
	}
	args := a.(bamPgAllocArgs)

	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	st, ok := e.store(args.fileid)
	if !ok {
		*lsnp = args.prev
		return nil
	}

	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			ampage.InitSlottedPage(p, args.ptype, args.pgno)
			return nil
		},
		func(p []byte) error {
			st.FreePage(args.pgno)
			return nil
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── bam_pg_free ──────────────────────────────────────────────────────────
// Return pgno to the free list. REDO marks it free and relinks the list
// head; UNDO restores the pre-image (the page header bytes stashed in the
// record) and takes it back off the free list, since it is live again.

type bamPgFreeArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	header  []byte
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a bamPgFreeArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamPgFreeArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamPgFree(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, header []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(header))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutDBT(header)
	env := walcore.Envelope{RecType: logrec.RecBamPgFree, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamPgFree(buf []byte) (logrec.Args, error) {
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
	header, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return bamPgFreeArgs{fileid: fileid, pgno: ampage.PageID(pgno), header: header, prev: env.PrevLSN}, nil
}

func recoverBamPgFree(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamPgFree(buf)
	if err != nil {
		return err
	}
	args := a.(bamPgFreeArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	st, ok := e.store(args.fileid)
	if !ok {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			st.FreePage(args.pgno)
			return nil
		},
		func(p []byte) error {
			if len(args.header) <= len(p) {
				copy(p, args.header)
			}
			st.ReclaimPage(args.pgno)
			return nil
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── bam_split ────────────────────────────────────────────────────────────
// A node split into left/right. REDO replays the right page's post-split
// image; UNDO restores the right page's pre-split image (effectively a
// merge back into left, modeled here as re-stamping the stashed image
// rather than re-deriving the merge algorithmically).

type bamSplitArgs struct {
	fileid   ampage.FileID
	left     ampage.PageID
	right    ampage.PageID
	rootPgno ampage.PageID
	image    []byte
	preImage []byte
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a bamSplitArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamSplitArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamSplit(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	left, right, rootPgno ampage.PageID, image, preImage []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(64 + len(image) + len(preImage))
	b.PutFileID(fileid)
	b.PutPgno(uint32(left))
	b.PutPgno(uint32(right))
	b.PutPgno(uint32(rootPgno))
	b.PutDBT(image)
	b.PutDBT(preImage)
	env := walcore.Envelope{RecType: logrec.RecBamSplit, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamSplit(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	left, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	right, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	rootPgno, err := c.ReadPgno()
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
	return bamSplitArgs{
		fileid: fileid, left: ampage.PageID(left), right: ampage.PageID(right),
		rootPgno: ampage.PageID(rootPgno), image: image, preImage: preImage, prev: env.PrevLSN,
	}, nil
}

func recoverBamSplit(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamSplit(buf)
	if err != nil {
		return err
	}
	args := a.(bamSplitArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.right, op, recLSN, args.prev,
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

// ── bam_rsplit ───────────────────────────────────────────────────────────
// Reverse split: the root collapses back to a single child. REDO installs
// the collapsed root image; UNDO restores the prior (two-level) root image.

type bamRsplitArgs struct {
	fileid   ampage.FileID
	rootPgno ampage.PageID
	newImage []byte
	oldImage []byte
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a bamRsplitArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamRsplitArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamRsplit(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	rootPgno ampage.PageID, newImage, oldImage []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(newImage) + len(oldImage))
	b.PutFileID(fileid)
	b.PutPgno(uint32(rootPgno))
	b.PutDBT(newImage)
	b.PutDBT(oldImage)
	env := walcore.Envelope{RecType: logrec.RecBamRsplit, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamRsplit(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	rootPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	newImage, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	oldImage, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return bamRsplitArgs{fileid: fileid, rootPgno: ampage.PageID(rootPgno), newImage: newImage, oldImage: oldImage, prev: env.PrevLSN}, nil
}

func recoverBamRsplit(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamRsplit(buf)
	if err != nil {
		return err
	}
	args := a.(bamRsplitArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.rootPgno, op, recLSN, args.prev,
		func(p []byte) error {
			if len(args.newImage) == len(p) {
				copy(p, args.newImage)
			}
			return nil
		},
		func(p []byte) error {
			if len(args.oldImage) == len(p) {
				copy(p, args.oldImage)
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

// ── bam_adj ──────────────────────────────────────────────────────────────
// A single slot shifted to make room for (or close the gap left by) an
// insert/delete at indx. REDO/UNDO just invert the shift direction; since
// the slot directory is rebuilt by insertRecordAt/removeRecordAt rather
// than shifted in place here, recovery re-applies the stashed record at
// indx (insert) or removes it (delete) and lets the page's own bookkeeping
// re-derive the slot directory.

type bamAdjArgs struct {
	fileid   ampage.FileID
	pgno     ampage.PageID
	indx     int
	isInsert bool
	record   []byte
	isLeaf   bool
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a bamAdjArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamAdjArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamAdj(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, indx int, isInsert bool, isLeaf bool, record []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(record))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	b.PutU32(boolU32(isInsert))
	b.PutU32(boolU32(isLeaf))
	b.PutDBT(record)
	env := walcore.Envelope{RecType: logrec.RecBamAdj, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func readBamAdj(buf []byte) (logrec.Args, error) {
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
	isInsert, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	isLeaf, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	record, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return bamAdjArgs{
		fileid: fileid, pgno: ampage.PageID(pgno), indx: int(indx),
		isInsert: isInsert != 0, isLeaf: isLeaf != 0, record: record, prev: env.PrevLSN,
	}, nil
}

func recoverBamAdj(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamAdj(buf)
	if err != nil {
		return err
	}
	args := a.(bamAdjArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			bp := ampage.WrapBTreePage(p)
			if args.isInsert {
				if args.isLeaf {
					return bp.PutLeafEntryAt(args.indx, unmarshalLeafStash(args.record))
				}
				return bp.PutInternalEntryAt(args.indx, unmarshalInternalStash(args.record))
			}
			if args.isLeaf {
				return bp.RemoveLeafEntryAt(args.indx)
			}
			return bp.RemoveInternalEntryAt(args.indx)
		},
		func(p []byte) error {
			bp := ampage.WrapBTreePage(p)
			if args.isInsert {
				if args.isLeaf {
					return bp.RemoveLeafEntryAt(args.indx)
				}
				return bp.RemoveInternalEntryAt(args.indx)
			}
			if args.isLeaf {
				return bp.PutLeafEntryAt(args.indx, unmarshalLeafStash(args.record))
			}
			return bp.PutInternalEntryAt(args.indx, unmarshalInternalStash(args.record))
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// unmarshalLeafStash/unmarshalInternalStash decode the minimal stashed
// key/value pair a bam_adj record carries; real keys never contain the
// 0x00 separator this toy encoding relies on being absent from key bytes,
// since bam_adj only ever stashes already-validated on-page records.
func unmarshalLeafStash(b []byte) ampage.LeafEntry {
	for i, c := range b {
		if c == 0 {
			return ampage.LeafEntry{Key: b[:i], Value: b[i+1:]}
		}
	}
	return ampage.LeafEntry{Key: b}
}

func unmarshalInternalStash(b []byte) ampage.InternalEntry {
	if len(b) < 4 {
		return ampage.InternalEntry{}
	}
	child := ampage.PageID(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	return ampage.InternalEntry{ChildID: child, Key: b[4:]}
}

// ── bam_cadjust ──────────────────────────────────────────────────────────
// Adjusts a page's cursor reference count by adjust; UNDO negates it. No
// page-content mutation happens (the count lives in the page header's
// unused region in a fuller implementation); here it is bookkeeping-only
// and the handler's job is solely to advance the LSN chain.

func logBamCadjust(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, indx int, adjust int32) (lsn.LSN, error) {
	b := walcore.NewBuilder(24)
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	b.PutI32(adjust)
	env := walcore.Envelope{RecType: logrec.RecBamCadjust, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamCadjust(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadFileID(); err != nil {
		return nil, err
	}
	if _, err := c.ReadPgno(); err != nil {
		return nil, err
	}
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadI32(); err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverBamCadjust(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}

// ── bam_cdel ─────────────────────────────────────────────────────────────
// Marks (or clears) a cursor-delete tombstone on a leaf slot. Since this
// implementation has no live cursor subsystem to tombstone against
// (cursor positioning is out of scope — see # 1 Non-goals), the handler
// is a pure LSN-chain advance, same as bam_cadjust.

func logBamCdel(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID, pgno ampage.PageID, indx int) (lsn.LSN, error) {
	b := walcore.NewBuilder(16)
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	env := walcore.Envelope{RecType: logrec.RecBamCdel, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamCdel(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadFileID(); err != nil {
		return nil, err
	}
	if _, err := c.ReadPgno(); err != nil {
		return nil, err
	}
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverBamCdel(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}

// ── bam_repl ─────────────────────────────────────────────────────────────
// In-place key/data replace at indx. REDO installs repl, UNDO restores orig.

type bamReplArgs struct {
	fileid  ampage.FileID
	pgno    ampage.PageID
	indx    int
	orig    []byte
	repl    []byte
	pageLSN lsn.LSN
	prev    lsn.LSN
}

func (a bamReplArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamReplArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamRepl(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	pgno ampage.PageID, indx int, orig, repl []byte) (lsn.LSN, error) {
	b := walcore.NewBuilder(32 + len(orig) + len(repl))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	b.PutDBT(orig)
	b.PutDBT(repl)
	env := walcore.Envelope{RecType: logrec.RecBamRepl, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamRepl(buf []byte) (logrec.Args, error) {
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
	orig, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	repl, err := c.ReadDBT()
	if err != nil {
		return nil, err
	}
	return bamReplArgs{fileid: fileid, pgno: ampage.PageID(pgno), indx: int(indx), orig: orig, repl: repl, prev: env.PrevLSN}, nil
}

func recoverBamRepl(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamRepl(buf)
	if err != nil {
		return err
	}
	args := a.(bamReplArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	err = withPage(e, args.fileid, args.pgno, op, recLSN, args.prev,
		func(p []byte) error {
			return ampage.WrapBTreePage(p).ReplaceLeafEntryAt(args.indx, unmarshalLeafStash(args.repl))
		},
		func(p []byte) error {
			return ampage.WrapBTreePage(p).ReplaceLeafEntryAt(args.indx, unmarshalLeafStash(args.orig))
		},
	)
	if err != nil {
		return err
	}
	*lsnp = args.prev
	return nil
}

// ── bam_root ─────────────────────────────────────────────────────────────
// Changes the root page id recorded in the meta page. REDO installs
// newRoot; UNDO restores oldRoot.

type bamRootArgs struct {
	fileid   ampage.FileID
	metaPgno ampage.PageID
	oldRoot  ampage.PageID
	newRoot  ampage.PageID
	pageLSN  lsn.LSN
	prev     lsn.LSN
}

func (a bamRootArgs) RecordLSN() lsn.LSN     { return a.pageLSN }
func (a bamRootArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func logBamRoot(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, fileid ampage.FileID,
	metaPgno, oldRoot, newRoot ampage.PageID) (lsn.LSN, error) {
	b := walcore.NewBuilder(32)
	b.PutFileID(fileid)
	b.PutPgno(uint32(metaPgno))
	b.PutPgno(uint32(oldRoot))
	b.PutPgno(uint32(newRoot))
	env := walcore.Envelope{RecType: logrec.RecBamRoot, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamRoot(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	fileid, err := c.ReadFileID()
	if err != nil {
		return nil, err
	}
	metaPgno, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	oldRoot, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	newRoot, err := c.ReadPgno()
	if err != nil {
		return nil, err
	}
	return bamRootArgs{fileid: fileid, metaPgno: ampage.PageID(metaPgno), oldRoot: ampage.PageID(oldRoot), newRoot: ampage.PageID(newRoot), prev: env.PrevLSN}, nil
}

// recoverBamRoot has no page buffer to LSN-gate against — the root page
// id lives in the in-memory superblock (flushed to page 0 only at
// Checkpoint, not cached through FetchPage/PutPage like a regular page —
// see internal/ampage.Store.Checkpoint), so REDO/UNDO here apply
// unconditionally for the matching direction rather than comparing a
// per-page LSN stamp.
func recoverBamRoot(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, ok := asEnv(env)
	if !ok {
		return nil
	}
	a, err := readBamRoot(buf)
	if err != nil {
		return err
	}
	args := a.(bamRootArgs)
	if op == logrec.OpenFiles {
		*lsnp = args.prev
		return nil
	}
	st, ok := e.store(args.fileid)
	if !ok {
		*lsnp = args.prev
		return nil
	}
	switch {
	case logrec.DBRedo(op):
		st.UpdateSuperblock(func(sb *ampage.Superblock) { sb.RootPgno = args.newRoot })
	case logrec.DBUndo(op):
		st.UpdateSuperblock(func(sb *ampage.Superblock) { sb.RootPgno = args.oldRoot })
	}
	*lsnp = args.prev
	return nil
}

// ── bam_curadj / bam_rcuradj ─────────────────────────────────────────────
// Cross-page and recno cursor position adjustments. No live cursor queue
// exists in this implementation (cursor positioning is out of scope — see
// # 1 Non-goals), so both are LSN-chain-only advances, like bam_cadjust.

func logBamCuradj(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, mode uint32, fromPgno, toPgno ampage.PageID) (lsn.LSN, error) {
	b := walcore.NewBuilder(16)
	b.PutU32(mode)
	b.PutPgno(uint32(fromPgno))
	b.PutPgno(uint32(toPgno))
	env := walcore.Envelope{RecType: logrec.RecBamCuradj, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamCuradj(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadPgno(); err != nil {
		return nil, err
	}
	if _, err := c.ReadPgno(); err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverBamCuradj(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}

func logBamRcuradj(log *logmgr.Manager, txnID uint32, prevLSN lsn.LSN, mode uint32, root ampage.PageID, recno uint32) (lsn.LSN, error) {
	b := walcore.NewBuilder(16)
	b.PutU32(mode)
	b.PutPgno(uint32(root))
	b.PutRecno(recno)
	env := walcore.Envelope{RecType: logrec.RecBamRcuradj, TxnNum: txnID, PrevLSN: prevLSN}
	return log.Put(walcore.Marshal(env, b.Bytes()), logmgr.NoSync)
}

func readBamRcuradj(buf []byte) (logrec.Args, error) {
	env, payload, err := walcore.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	c := walcore.NewCursor(payload)
	if _, err := c.ReadU32(); err != nil {
		return nil, err
	}
	if _, err := c.ReadPgno(); err != nil {
		return nil, err
	}
	if _, err := c.ReadRecno(); err != nil {
		return nil, err
	}
	return simpleArgs{prev: env.PrevLSN}, nil
}

func recoverBamRcuradj(env interface{}, buf []byte, recLSN lsn.LSN, op logrec.Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return err
	}
	_ = env
	*lsnp = e.PrevLSN
	return nil
}

// simpleArgs is shared by record types whose Recover only needs PrevLSN.
type simpleArgs struct {
	prev lsn.LSN
}

func (a simpleArgs) RecordLSN() lsn.LSN     { return lsn.Zero }
func (a simpleArgs) RecordPrevLSN() lsn.LSN { return a.prev }

func initBtreeRecords(reg *logrec.Registry) {
	reg.Register(logrec.RecBamPgAlloc, logrec.RecordOps{Name: "bam_pg_alloc", Read: readBamPgAlloc, Recover: recoverBamPgAlloc})
	reg.Register(logrec.RecBamPgFree, logrec.RecordOps{Name: "bam_pg_free", Read: readBamPgFree, Recover: recoverBamPgFree})
	reg.Register(logrec.RecBamSplit, logrec.RecordOps{Name: "bam_split", Read: readBamSplit, Recover: recoverBamSplit})
	reg.Register(logrec.RecBamRsplit, logrec.RecordOps{Name: "bam_rsplit", Read: readBamRsplit, Recover: recoverBamRsplit})
	reg.Register(logrec.RecBamAdj, logrec.RecordOps{Name: "bam_adj", Read: readBamAdj, Recover: recoverBamAdj})
	reg.Register(logrec.RecBamCadjust, logrec.RecordOps{Name: "bam_cadjust", Read: readBamCadjust, Recover: recoverBamCadjust})
	reg.Register(logrec.RecBamCdel, logrec.RecordOps{Name: "bam_cdel", Read: readBamCdel, Recover: recoverBamCdel})
	reg.Register(logrec.RecBamRepl, logrec.RecordOps{Name: "bam_repl", Read: readBamRepl, Recover: recoverBamRepl})
	reg.Register(logrec.RecBamRoot, logrec.RecordOps{Name: "bam_root", Read: readBamRoot, Recover: recoverBamRoot})
	reg.Register(logrec.RecBamCuradj, logrec.RecordOps{Name: "bam_curadj", Read: readBamCuradj, Recover: recoverBamCuradj})
	reg.Register(logrec.RecBamRcuradj, logrec.RecordOps{Name: "bam_rcuradj", Read: readBamRcuradj, Recover: recoverBamRcuradj})
}
