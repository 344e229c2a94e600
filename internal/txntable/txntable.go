// Package txntable implements the in-memory transaction table (C4) the
// recovery driver builds while walking the log: one entry per TXN id
// seen, tracking status, generation, and the highest LSN written so
// BACKWARD_ROLL knows where to stop chasing prev_lsn for that txn.
package txntable

import "github.com/ariaskv/ariaskv/internal/lsn"

// Status is a transaction's disposition as recovery currently understands it.
type Status int

const (
	StatusUnexpected Status = iota // seen but no regop yet
	StatusExpected                 // txn_child said this child should exist
	StatusCommit
	StatusAbort
	StatusPrepare
	StatusIgnore // promoted past the recovery target; treat as aborted
)

func (s Status) String() string {
	switch s {
	case StatusUnexpected:
		return "UNEXPECTED"
	case StatusExpected:
		return "EXPECTED"
	case StatusCommit:
		return "COMMIT"
	case StatusAbort:
		return "ABORT"
	case StatusPrepare:
		return "PREPARE"
	case StatusIgnore:
		return "IGNORE"
	default:
		return "UNKNOWN"
	}
}

// XAState tracks XA-specific disposition for a prepared transaction.
type XAState int

const (
	XANone XAState = iota
	XAPrepared
	XASuspended
	XAEnded
	XAStarted
	XADeadlocked
	XAAborted
)

// Entry is one transaction's recovery-time bookkeeping record.
type Entry struct {
	TxnID      uint32
	Generation int32
	Status     Status
	LastLSN    lsn.LSN
	BeginLSN   lsn.LSN
	Parent     uint32
	XAState    XAState
	Xid        [128]byte
}

// Table is the set of transaction entries seen during the current
// recovery run, keyed by txn id.
type Table struct {
	entries map[uint32]*Entry
	// TruncLSN causes commits at or beyond this LSN to be demoted to
	// IGNORE during backward roll (point-in-time / target-LSN recovery).
	TruncLSN lsn.LSN
}

// New returns an empty transaction table.
func New() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

// Get returns the entry for txnID, creating it with StatusUnexpected if
// this is the first record mentioning it (per C4's lifecycle: "an entry
// is created when the recovery driver first sees a record mentioning the
// TXN id").
func (t *Table) Get(txnID uint32) *Entry {
	if txnID == 0 {
		return nil
	}
	e, ok := t.entries[txnID]
	if !ok {
		e = &Entry{TxnID: txnID, Status: StatusUnexpected}
		t.entries[txnID] = e
	}
	return e
}

// Lookup returns the entry for txnID without creating one.
func (t *Table) Lookup(txnID uint32) (*Entry, bool) {
	e, ok := t.entries[txnID]
	return e, ok
}

// Update records that txnID wrote a new record at recLSN, creating the
// entry if needed.
func (t *Table) Update(txnID uint32, recLSN lsn.LSN) *Entry {
	e := t.Get(txnID)
	if e == nil {
		return nil
	}
	if lsn.Less(e.LastLSN, recLSN) {
		e.LastLSN = recLSN
	}
	return e
}

// SetStatus sets txnID's status explicitly (e.g. on seeing its txn_regop).
func (t *Table) SetStatus(txnID uint32, status Status) {
	e := t.Get(txnID)
	if e != nil {
		e.Status = status
	}
}

// Remove deletes txnID's entry — called by txn_child's FORWARD_ROLL
// handler to drop the child transaction's entry.
func (t *Table) Remove(txnID uint32) {
	delete(t.entries, txnID)
}

// NotePrepare records that txnID reached the PREPARE state as part of a
// two-phase commit, tagged with its XA global transaction id and the LSNs
// of the prepare record and the transaction's begin record. Recovery uses
// this to decide whether a prepared-but-unresolved transaction must be
// handed back to the XA bridge via txnRestoreTxn.
func (t *Table) NotePrepare(txnID uint32, xid []byte, recLSN, beginLSN lsn.LSN) {
	e := t.Get(txnID)
	if e == nil {
		return
	}
	e.Status = StatusPrepare
	e.XAState = XAPrepared
	e.LastLSN = recLSN
	e.BeginLSN = beginLSN
	n := copy(e.Xid[:], xid)
	for i := n; i < len(e.Xid); i++ {
		e.Xid[i] = 0
	}
}

// PromoteIgnore sets txnID's status to IGNORE unconditionally; the caller
// decides whether the commit's timestamp (or LSN, for trunc-LSN recovery)
// is past the recovery target. Used by target-time / point-in-time recovery.
func (t *Table) PromoteIgnore(txnID uint32) {
	t.SetStatus(txnID, StatusIgnore)
}

// All returns every entry currently tracked, in no particular order.
func (t *Table) All() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of tracked entries.
func (t *Table) Len() int { return len(t.entries) }

// ResolveChild applies the parent/child correlation rule for a txn_child
// record seen during BACKWARD_ROLL: committed parent + EXPECTED child ⇒
// IGNORE (already applied through the parent); committed parent +
// UNEXPECTED child ⇒ COMMIT (needs redo); aborted parent ⇒ ABORT.
func (t *Table) ResolveChild(parentID, childID uint32) {
	parent, ok := t.Lookup(parentID)
	if !ok {
		return
	}
	child := t.Get(childID)
	switch parent.Status {
	case StatusCommit:
		if child.Status == StatusExpected {
			child.Status = StatusIgnore
		} else {
			child.Status = StatusCommit
		}
	case StatusAbort, StatusIgnore:
		child.Status = StatusAbort
	}
}
