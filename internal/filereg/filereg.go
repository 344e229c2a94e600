// Package filereg implements the file-id registry (C6): the bidirectional
// map between a file's 20-byte on-disk identity and its open page-store
// handle that the recovery driver consults while replaying dbreg_register,
// crdel_rename, and crdel_delete records. The recovery driver binds a
// fresh Registry for each run (C8 creates one before OPENFILES and
// discards it once FORWARD_ROLL completes); internal/env keeps a separate
// Registry for the files it opens outside recovery.
package filereg

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/lsn"
)

// FType distinguishes the access method a registered file belongs to,
// mirroring the ftype argument logged by DBRegister at open.
type FType int

const (
	FTypeBtree FType = iota
	FTypeHash
	FTypeQueue
)

// OpenFunc opens (or creates) the store backing name, returning a handle
// C7 handlers can fetch/put pages through. Supplied by the environment so
// this package does not need to know how stores are configured.
type OpenFunc func(name string, fileID ampage.FileID) (*ampage.Store, error)

// Entry is one file's registry bookkeeping.
type Entry struct {
	FileID   ampage.FileID
	Name     string
	FType    FType
	MetaPgno ampage.PageID
	Store    *ampage.Store
	// Discarded marks a file deleted during this recovery run; further
	// OPENFILES/REDO dispatches against it are no-ops rather than errors,
	// since a later pass may still reference its old fileid.
	Discarded bool
}

// Registry is the C6 collaborator: fileid -> Entry, plus the reverse
// name -> fileid index used to resolve crdel_rename/crdel_delete records,
// which carry the current pathname rather than the fileid directly.
type Registry struct {
	mu     sync.Mutex
	open   OpenFunc
	byID   map[ampage.FileID]*Entry
	byName map[string]ampage.FileID
}

// New creates an empty registry bound to open, the store-opening callback
// the environment supplies.
func New(open OpenFunc) *Registry {
	return &Registry{
		open:   open,
		byID:   make(map[ampage.FileID]*Entry),
		byName: make(map[string]ampage.FileID),
	}
}

// NewFileID generates a fresh 20-byte file identifier: a 16-byte random
// UUID (google/uuid) followed by a 4-byte zero counter reserved for future
// multi-part-file extension, matching the superblock's FileID layout.
func NewFileID() ampage.FileID {
	var id ampage.FileID
	u := uuid.New()
	copy(id[:16], u[:])
	return id
}

// Register records that fileid names file name (as logged by a
// dbreg_register OPEN record), opening its store via the registry's
// OpenFunc if it is not already open. The opened store's superblock
// FileID must equal fileid; a mismatch means the physical file was
// replaced out from under the fileid and recovery cannot proceed against
// it blindly.
func (r *Registry) Register(fileid ampage.FileID, name string, ftype FType, metaPgno ampage.PageID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byID[fileid]; ok {
		return e, nil
	}

	st, err := r.open(name, fileid)
	if err != nil {
		return nil, fmt.Errorf("filereg: register %q: %w", name, err)
	}
	if got := st.Superblock().FileID; got != fileid {
		return nil, fmt.Errorf("filereg: register %q: file id mismatch (want %x, have %x)", name, fileid, got)
	}

	e := &Entry{FileID: fileid, Name: name, FType: ftype, MetaPgno: metaPgno, Store: st}
	r.byID[fileid] = e
	r.byName[name] = fileid
	return e, nil
}

// Close closes fileid's store, if open, without removing its bookkeeping —
// a later OPENFILES pass over an older log segment may still reference it
// by the same id and expects Lookup to keep finding the entry.
func (r *Registry) Close(fileid ampage.FileID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[fileid]
	if !ok || e.Store == nil {
		return nil
	}
	err := e.Store.Close()
	e.Store = nil
	return err
}

// Lookup returns the entry for fileid, or ok=false if it has not been
// registered (the caller, a C7 handler, is expected to treat this as "not
// open yet" and let the OPENFILES pass remedy it, rather than error).
func (r *Registry) Lookup(fileid ampage.FileID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[fileid]
	return e, ok
}

// LookupName resolves a pathname to its currently registered fileid, used
// by crdel_rename/crdel_delete records which carry the name rather than
// the fileid.
func (r *Registry) LookupName(name string) (ampage.FileID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// Rename updates the registry's name index for fileid after a
// crdel_rename record, without touching the open store handle (the
// underlying os.File stays open across a logical rename; only the
// registry's bookkeeping path changes).
func (r *Registry) Rename(fileid ampage.FileID, oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[fileid]
	if !ok {
		return fmt.Errorf("filereg: rename: %x not registered", fileid)
	}
	delete(r.byName, oldName)
	e.Name = newName
	r.byName[newName] = fileid
	return nil
}

// Delete marks fileid discarded (a crdel_delete commit-side record) so
// subsequent REDO dispatches against it are dropped rather than erroring.
// Undoing a delete (the ABORT/BACKWARD_ROLL side, when a backup exists) is
// the caller's responsibility via Register with the restored name.
func (r *Registry) Delete(fileid ampage.FileID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[fileid]
	if !ok {
		return nil
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			return err
		}
		e.Store = nil
	}
	e.Discarded = true
	delete(r.byName, e.Name)
	return nil
}

// CloseAll closes every open store, discarding the registry's contents.
// Called once by the recovery driver after FORWARD_ROLL completes.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, e := range r.byID {
		if e.Store == nil {
			continue
		}
		if err := e.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.Store = nil
	}
	r.byID = make(map[ampage.FileID]*Entry)
	r.byName = make(map[string]ampage.FileID)
	return firstErr
}

// CheckpointAll flushes every currently open store's dirty pages,
// stamping each with ckpLSN. Used by internal/env to adapt the live
// registry (whose membership grows as access methods open new files) to
// internal/txnmgr's PageFlusher contract.
func (r *Registry) CheckpointAll(ckpLSN lsn.LSN) error {
	r.mu.Lock()
	stores := make([]*ampage.Store, 0, len(r.byID))
	for _, e := range r.byID {
		if e.Store != nil {
			stores = append(stores, e.Store)
		}
	}
	r.mu.Unlock()

	for _, st := range stores {
		if err := st.Checkpoint(ckpLSN); err != nil {
			return err
		}
	}
	return nil
}
