package recovery

import (
	"testing"

	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/amrec"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/txnmgr"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// amrec's logXxx helpers are unexported, so these tests hand-build log
// records against the wire layouts documented in internal/amrec/crdel.go
// and internal/amrec/generic.go directly — layouts this package treats
// as fixed invariants of the on-disk format, not implementation details
// of the functions that happen to emit them.

func mustFileID(t *testing.T) ampage.FileID {
	t.Helper()
	var id ampage.FileID
	id[0] = 1
	return id
}

func newDbregRegister(txnID uint32, prev lsn.LSN, fileid ampage.FileID, name string, ftype filereg.FType, metaPgno ampage.PageID) []byte {
	b := walcore.NewBuilder(64 + len(name))
	b.PutU32(1) // dbregOpen
	b.PutFileID(fileid)
	b.PutDBT([]byte(name))
	b.PutU32(uint32(ftype))
	b.PutPgno(uint32(metaPgno))
	env := walcore.Envelope{RecType: logrec.RecDbregRegister, TxnNum: txnID, PrevLSN: prev}
	return walcore.Marshal(env, b.Bytes())
}

func newDbAddrem(txnID uint32, prev lsn.LSN, fileid ampage.FileID, pgno ampage.PageID, indx int, opcode uint32, hdr, dbt []byte) []byte {
	b := walcore.NewBuilder(64 + len(hdr) + len(dbt))
	b.PutFileID(fileid)
	b.PutPgno(uint32(pgno))
	b.PutU32(uint32(indx))
	b.PutU32(opcode)
	b.PutDBT(hdr)
	b.PutDBT(dbt)
	env := walcore.Envelope{RecType: logrec.RecDbAddrem, TxnNum: txnID, PrevLSN: prev}
	return walcore.Marshal(env, b.Bytes())
}

func newTxnRegop(txnID uint32, prev lsn.LSN, opcode uint32, ts uint32) []byte {
	b := walcore.NewBuilder(8)
	b.PutU32(opcode)
	b.PutU32(ts)
	env := walcore.Envelope{RecType: logrec.RecTxnRegop, TxnNum: txnID, PrevLSN: prev}
	return walcore.Marshal(env, b.Bytes())
}

// openFuncFor returns a filereg.OpenFunc that opens a page store at dir
// (keyed by name) and registers every opened store with mgr as a
// PageFlusher, so Checkpoint(true) flushes it like a live environment
// would.
func openFuncFor(t *testing.T, dir string, mgr *txnmgr.Manager) filereg.OpenFunc {
	t.Helper()
	return func(name string, fileID ampage.FileID) (*ampage.Store, error) {
		st, err := ampage.OpenStore(ampage.StoreConfig{
			Path:     dir + "/" + name,
			PageSize: ampage.DefaultPageSize,
			FileID:   fileID,
		})
		if err != nil {
			return nil, err
		}
		mgr.AddFlusher(st)
		return st, nil
	}
}

func TestRun_RedoCommittedTransaction(t *testing.T) {
	logDir := t.TempDir()
	storeDir := t.TempDir()
	fileid := mustFileID(t)

	// Build the backing store up front: one empty leaf page, already
	// durable, LSN still zero — as if the page-level write was logged
	// but never flushed before the simulated crash.
	storePath := storeDir + "/leaf.db"
	st, err := ampage.OpenStore(ampage.StoreConfig{Path: storePath, PageSize: ampage.DefaultPageSize, FileID: fileid})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	pgno, buf := st.AllocPage(ampage.PageTypeBTreeLeaf)
	ampage.InitBTreePage(buf, pgno, true)
	if err := st.PutPage(pgno, buf); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	if err := st.Checkpoint(lsn.Zero); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log, err := logmgr.Open(logmgr.Config{Dir: logDir})
	if err != nil {
		t.Fatalf("logmgr.Open: %v", err)
	}

	regLSN, err := log.Put(newDbregRegister(0, lsn.Zero, fileid, "leaf.db", filereg.FTypeBtree, ampage.PageID(0)), logmgr.NoSync)
	if err != nil {
		t.Fatalf("put dbreg_register: %v", err)
	}

	const txnID = 5
	addremLSN, err := log.Put(newDbAddrem(txnID, lsn.Zero, fileid, pgno, 0, 1, []byte("key"), []byte("value")), logmgr.NoSync)
	if err != nil {
		t.Fatalf("put db_addrem: %v", err)
	}
	_ = regLSN

	if _, err := log.Put(newTxnRegop(txnID, addremLSN, 1, 1000), logmgr.Sync); err != nil {
		t.Fatalf("put txn_regop commit: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("log.Close: %v", err)
	}

	log2, err := logmgr.Open(logmgr.Config{Dir: logDir})
	if err != nil {
		t.Fatalf("logmgr.Open (post-crash): %v", err)
	}
	registry := logrec.NewRegistry()
	amrec.InitAll(registry)
	txnMgr := txnmgr.New(log2, registry)

	res, err := Run(Config{
		Log:      log2,
		Registry: registry,
		Txn:      txnMgr,
		OpenFile: openFuncFor(t, storeDir, txnMgr),
		Flags:    Normal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RecordsRun == 0 {
		t.Fatalf("expected at least one record processed")
	}

	st2, err := ampage.OpenStore(ampage.StoreConfig{Path: storePath, PageSize: ampage.DefaultPageSize, FileID: fileid})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	page, err := st2.FetchPage(pgno)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	defer st2.UnpinPage(pgno)

	bp := ampage.WrapBTreePage(page)
	if bp.KeyCount() != 1 {
		t.Fatalf("expected redo to have applied the committed add, got KeyCount=%d", bp.KeyCount())
	}
	entry := bp.GetLeafEntry(0)
	if string(entry.Key) != "key" || string(entry.Value) != "value" {
		t.Fatalf("unexpected leaf entry after redo: %+v", entry)
	}
}

func TestRun_UndoUncommittedTransaction(t *testing.T) {
	logDir := t.TempDir()
	storeDir := t.TempDir()
	fileid := mustFileID(t)

	storePath := storeDir + "/leaf.db"
	st, err := ampage.OpenStore(ampage.StoreConfig{Path: storePath, PageSize: ampage.DefaultPageSize, FileID: fileid})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	pgno, buf := st.AllocPage(ampage.PageTypeBTreeLeaf)
	ampage.InitBTreePage(buf, pgno, true)

	log, err := logmgr.Open(logmgr.Config{Dir: logDir})
	if err != nil {
		t.Fatalf("logmgr.Open: %v", err)
	}

	if _, err := log.Put(newDbregRegister(0, lsn.Zero, fileid, "leaf.db", filereg.FTypeBtree, ampage.PageID(0)), logmgr.NoSync); err != nil {
		t.Fatalf("put dbreg_register: %v", err)
	}

	// A transaction that writes to the page, the write actually reaches
	// disk (page stamped with the record's own LSN), but the transaction
	// never commits before the crash: no txn_regop follows.
	const txnID = 7
	bp := ampage.WrapBTreePage(buf)
	if err := bp.PutLeafEntryAt(0, ampage.LeafEntry{Key: []byte("lost"), Value: []byte("write")}); err != nil {
		t.Fatalf("PutLeafEntryAt: %v", err)
	}
	addremLSN, err := log.Put(newDbAddrem(txnID, lsn.Zero, fileid, pgno, 0, 1, []byte("lost"), []byte("write")), logmgr.NoSync)
	if err != nil {
		t.Fatalf("put db_addrem: %v", err)
	}
	ampage.SetPageLSN(buf, addremLSN)
	if err := st.PutPage(pgno, buf); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	if err := st.Checkpoint(lsn.Zero); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("log.Close: %v", err)
	}

	log2, err := logmgr.Open(logmgr.Config{Dir: logDir})
	if err != nil {
		t.Fatalf("logmgr.Open (post-crash): %v", err)
	}
	registry := logrec.NewRegistry()
	amrec.InitAll(registry)
	txnMgr := txnmgr.New(log2, registry)

	res, err := Run(Config{
		Log:      log2,
		Registry: registry,
		Txn:      txnMgr,
		OpenFile: openFuncFor(t, storeDir, txnMgr),
		Flags:    Normal,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RecordsRun == 0 {
		t.Fatalf("expected at least one record processed")
	}

	st2, err := ampage.OpenStore(ampage.StoreConfig{Path: storePath, PageSize: ampage.DefaultPageSize, FileID: fileid})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	page, err := st2.FetchPage(pgno)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	defer st2.UnpinPage(pgno)

	bp2 := ampage.WrapBTreePage(page)
	if bp2.KeyCount() != 0 {
		t.Fatalf("expected undo to have removed the uncommitted write, got KeyCount=%d", bp2.KeyCount())
	}
	if got := ampage.PageLSN(page); got != lsn.Zero {
		t.Fatalf("expected page LSN rewound to zero (the write's prevLSN) after undo, got %v", got)
	}
}
