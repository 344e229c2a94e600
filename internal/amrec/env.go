// Package amrec implements the per-access-method recovery handlers (C7):
// one REDO/UNDO function per structural log record type, grouped by the
// access method that emits it (btree, hash, queue), plus the
// access-method-agnostic generic page records and the file create/
// rename/delete records. Every handler follows the same shape described
// for C7: parse, on OPENFILES advance the cursor (dbreg_register also
// registers the file there), otherwise compare the fetched page's LSN against
// the record's and apply or invert the change.
package amrec

import (
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
)

// Env is the environment every C7 handler receives as its generic env
// argument, carrying just enough to resolve a fileid to an open store.
// internal/recovery constructs one per run, bound to that run's file
// registry.
type Env struct {
	Reg *filereg.Registry
}

// store resolves fileid to its open *ampage.Store, or ok=false if the
// file has not been opened yet in this pass (e.g. an OPENFILES record for
// it has not been dispatched, or it was discarded by a crdel_delete).
func (e *Env) store(fileid ampage.FileID) (*ampage.Store, bool) {
	ent, ok := e.Reg.Lookup(fileid)
	if !ok || ent.Discarded || ent.Store == nil {
		return nil, false
	}
	return ent.Store, true
}

func asEnv(env interface{}) (*Env, bool) {
	e, ok := env.(*Env)
	return e, ok
}

// withPage implements the common "fetch, compare LSN, apply or invert"
// shape (C7 step 3). redo mutates buf forward, after which withPage
// stamps the page with recLSN; undo mutates buf backward, after which the
// stamp is prevLSN. Either function may be nil if
// that direction never applies to this record type (e.g. a record with no
// UNDO image).
func withPage(e *Env, fileid ampage.FileID, pgno ampage.PageID, op logrec.Op, recLSN, prevLSN lsn.LSN,
	redo func(buf []byte) error, undo func(buf []byte) error) error {
	st, ok := e.store(fileid)
	if !ok {
		return nil
	}
	buf, err := st.FetchPage(pgno)
	if err != nil {
		return err
	}
	defer st.UnpinPage(pgno)

	pageLSN := ampage.PageLSN(buf)
	switch {
	case logrec.DBRedo(op) && redo != nil && lsn.Less(pageLSN, recLSN):
		if err := redo(buf); err != nil {
			return err
		}
		ampage.SetPageLSN(buf, recLSN)
		return st.PutPage(pgno, buf)
	case logrec.DBUndo(op) && undo != nil && pageLSN == recLSN:
		if err := undo(buf); err != nil {
			return err
		}
		ampage.SetPageLSN(buf, prevLSN)
		return st.PutPage(pgno, buf)
	}
	return nil
}
