// Package txnmgr implements the transaction manager (C5): TXN id
// allocation, the active-transaction region, and the begin/commit/
// abort/prepare/checkpoint entry points that access methods and the XA
// bridge call into.
package txnmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
)

// TxnMinimum is the first id ever allocated, and the id the region resets
// to after a successful full recovery (per C8's final step).
const TxnMinimum uint32 = 1

// TxnMaximum is the highest id allocated before a txn_recycle record
// wraps the counter back to TxnMinimum.
const TxnMaximum uint32 = 0x7fffffff

// XAState mirrors internal/txntable.XAState for the live (non-recovery)
// active-transaction region.
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

// Detail is one live transaction's bookkeeping, kept in the active-txn
// region. PREPARED entries are the only ones meant to survive a restart
// (re-created by BACKWARD_ROLL's txnRestoreTxn — see internal/recovery).
type Detail struct {
	ID         uint32
	Generation int32
	Parent     uint32
	Children   []uint32
	BeginLSN   lsn.LSN
	LastLSN    lsn.LSN
	XAState    XAState
	Xid        [128]byte
	Restored   bool
}

// PageFlusher is the subset of internal/ampage.Store's contract the
// checkpoint routine needs. Kept as an interface so txnmgr does not
// import ampage directly (C5 and the page store are independent
// collaborators tied together only by Env).
type PageFlusher interface {
	Checkpoint(ckpLSN lsn.LSN) error
}

// Txn is the opaque handle access methods receive from Begin.
type Txn struct {
	id uint32
	mu *Manager
}

// ID returns the transaction's numeric id, as stored in log record envelopes.
func (t *Txn) ID() uint32 { return t.id }

// Handle returns a Txn handle for an already-active id — one returned by
// an earlier Begin, or one reinstated by RestoreTxn after recovery. The
// XA bridge uses this to resume operating on a transaction via its xid
// mapping without having kept the original Begin return value around.
func (m *Manager) Handle(id uint32) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.detail(id); err != nil {
		return nil, err
	}
	return &Txn{id: id, mu: m}, nil
}

// Manager is the transaction manager: C5.
type Manager struct {
	mu sync.Mutex

	active     map[uint32]*Detail
	lastTxnID  uint32
	generation int32
	lastCkp    lsn.LSN
	timeCkp    uint32

	log      *logmgr.Manager
	registry *logrec.Registry
	flushers []PageFlusher

	// txnTable is this manager's own binding point for the txn_* recover
	// functions' transaction-table dispatch (see BindTable in records.go).
	// It is instance state, not a package global, so two *Manager values —
	// one per internal/env.Env, one per internal/xabridge rmid — never
	// share a binding.
	txnTable *tableSlot
}

// New creates a transaction manager bound to a log manager and the
// registry its own record types register into.
func New(log *logmgr.Manager, registry *logrec.Registry) *Manager {
	m := &Manager{
		active:    make(map[uint32]*Detail),
		lastTxnID: TxnMinimum,
		log:       log,
		registry:  registry,
		txnTable:  &tableSlot{},
	}
	initTxnRecords(registry, m)
	return m
}

// AddFlusher registers a page store whose dirty pages Checkpoint must flush.
func (m *Manager) AddFlusher(f PageFlusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushers = append(m.flushers, f)
}

// LastCkp returns the most recently written checkpoint LSN.
func (m *Manager) LastCkp() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCkp
}

// Begin allocates a new TXN id and registers it in the active-txn
// region, linking it to parent if non-zero (nested transaction).
func (m *Manager) Begin(parent uint32) (*Txn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent != 0 {
		if _, ok := m.active[parent]; !ok {
			return nil, fmt.Errorf("txnmgr: begin: parent txn %d not active", parent)
		}
	}

	if m.lastTxnID >= TxnMaximum {
		if err := m.recycleLocked(); err != nil {
			return nil, err
		}
	}
	m.lastTxnID++
	id := m.lastTxnID

	d := &Detail{ID: id, Generation: m.generation, Parent: parent}
	m.active[id] = d
	if parent != 0 {
		p := m.active[parent]
		p.Children = append(p.Children, id)
	}
	return &Txn{id: id, mu: m}, nil
}

func (m *Manager) recycleLocked() error {
	lo, hi := TxnMinimum, m.lastTxnID
	if _, err := logTxnRecycle(m.log, lo, hi); err != nil {
		return fmt.Errorf("txnmgr: recycle: %w", err)
	}
	m.generation++
	m.lastTxnID = TxnMinimum - 1
	return nil
}

// detail returns the live Detail for a txn id, or an error if it is not active.
func (m *Manager) detail(id uint32) (*Detail, error) {
	d, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("txnmgr: txn %d is not active", id)
	}
	return d, nil
}

// ActiveKids reports whether parent has any still-active children; per
// spec, logging on behalf of a parent with living children is refused —
// callers must not retry into a busy-wait, they must resolve the
// children first.
func (m *Manager) ActiveKids(parent uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.detail(parent)
	if err != nil {
		return err
	}
	if len(d.Children) > 0 {
		return fmt.Errorf("txnmgr: txn %d has %d active children", parent, len(d.Children))
	}
	return nil
}

// Commit flushes the log (if sync) and writes the commit marker, or a
// txn_child record against the parent if this is a nested transaction.
// Log-before-data is the only ordering rule this engine enforces — dirty
// pages are not force-flushed here (no-steal is NOT used).
func (m *Manager) Commit(t *Txn, sync bool) error {
	m.mu.Lock()
	d, err := m.detail(t.id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	parent := d.Parent
	m.mu.Unlock()

	ts := uint32(unixNow())
	if parent != 0 {
		childLSN, err := logTxnChild(m.log, t.id, d.LastLSN, parent)
		if err != nil {
			return fmt.Errorf("txnmgr: commit (child): %w", err)
		}
		m.mu.Lock()
		if p, ok := m.active[parent]; ok {
			p.LastLSN = childLSN
			p.Children = removeID(p.Children, t.id)
		}
		delete(m.active, t.id)
		m.mu.Unlock()
		return nil
	}

	_, err = logTxnRegop(m.log, t.id, d.LastLSN, regopCommit, ts)
	if err != nil {
		return fmt.Errorf("txnmgr: commit: %w", err)
	}
	if sync {
		if err := m.log.Sync(); err != nil {
			return fmt.Errorf("txnmgr: commit sync: %w", err)
		}
	}
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	return nil
}

// Abort walks the transaction's prev_lsn chain backward, invoking each
// record's Recover(BackwardRoll) UNDO handler, then writes the abort marker.
func (m *Manager) Abort(t *Txn, env interface{}, walk func(recLSN lsn.LSN) (lsn.LSN, error)) error {
	m.mu.Lock()
	d, err := m.detail(t.id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cur := d.LastLSN
	m.mu.Unlock()

	for !cur.IsZero() {
		next, err := walk(cur)
		if err != nil {
			return fmt.Errorf("txnmgr: abort walk at %s: %w", cur, err)
		}
		cur = next
	}

	ts := uint32(unixNow())
	if _, err := logTxnRegop(m.log, t.id, lsn.Zero, regopAbort, ts); err != nil {
		return fmt.Errorf("txnmgr: abort: %w", err)
	}
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	return nil
}

// Prepare writes the XA prepare marker and flips the txn's XAState.
func (m *Manager) Prepare(t *Txn, xid [128]byte, formatID int32, gtridLen, bqualLen uint32) error {
	m.mu.Lock()
	d, err := m.detail(t.id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	d.Xid = xid
	d.XAState = XAPrepared
	beginLSN := d.BeginLSN
	m.mu.Unlock()

	_, err = logTxnXaRegop(m.log, t.id, d.LastLSN, xaPrepare, xid, formatID, gtridLen, bqualLen, beginLSN)
	if err != nil {
		return fmt.Errorf("txnmgr: prepare: %w", err)
	}
	return nil
}

// Checkpoint flushes dirty pages in every registered PageFlusher up to
// the current log position, writes a txn_ckp record, and updates the
// shared last_ckp pointer. force is currently advisory (always performed);
// a future dirty-page threshold could make force=false a no-op when
// nothing has changed since the last checkpoint.
func (m *Manager) Checkpoint(force bool) (lsn.LSN, error) {
	m.mu.Lock()
	prevCkp := m.lastCkp
	m.mu.Unlock()

	ckpLSN := m.log.CurrentLSN()
	ts := uint32(unixNow())
	newLSN, err := logTxnCkp(m.log, ckpLSN, prevCkp, ts)
	if err != nil {
		return lsn.Zero, fmt.Errorf("txnmgr: checkpoint: %w", err)
	}
	m.log.NoteCheckpoint(newLSN)

	m.mu.Lock()
	flushers := append([]PageFlusher(nil), m.flushers...)
	m.mu.Unlock()
	for _, f := range flushers {
		if err := f.Checkpoint(ckpLSN); err != nil {
			return lsn.Zero, fmt.Errorf("txnmgr: checkpoint flush: %w", err)
		}
	}
	if err := m.log.Sync(); err != nil {
		return lsn.Zero, fmt.Errorf("txnmgr: checkpoint sync: %w", err)
	}

	m.mu.Lock()
	m.lastCkp = newLSN
	m.timeCkp = ts
	m.mu.Unlock()
	return newLSN, nil
}

// RestoreTxn re-inserts a PREPARED transaction into the active region
// during recovery — the counterpart to Begin used by
// internal/recovery's BACKWARD_ROLL for prepared-but-uncommitted XA
// transactions (txnRestoreTxn in the spec).
func (m *Manager) RestoreTxn(id uint32, xid [128]byte, lastLSN, beginLSN lsn.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = &Detail{
		ID:       id,
		Xid:      xid,
		XAState:  XAPrepared,
		LastLSN:  lastLSN,
		BeginLSN: beginLSN,
		Restored: true,
	}
	if id > m.lastTxnID {
		m.lastTxnID = id
	}
}

// Detail returns a copy of the live detail for id, for callers (the XA
// bridge) that need to inspect XAState outside the Begin/Commit/Abort/
// Prepare lifecycle.
func (m *Manager) Detail(id uint32) (Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.detail(id)
	if err != nil {
		return Detail{}, err
	}
	return *d, nil
}

// SetXAState transitions id's XAState directly. Used by the XA bridge for
// the SUSPENDED/ENDED/STARTED states, which are not otherwise reached by
// Begin/Commit/Abort/Prepare.
func (m *Manager) SetXAState(id uint32, state XAState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.detail(id)
	if err != nil {
		return err
	}
	d.XAState = state
	return nil
}

// ResetAfterRecovery sets last_txnid back to TxnMinimum, per C8's final
// step ("region.lastTxnID ← TXN_MINIMUM").
func (m *Manager) ResetAfterRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTxnID = TxnMinimum
}

// Active returns a snapshot of every currently active transaction detail.
func (m *Manager) Active() []*Detail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Detail, 0, len(m.active))
	for _, d := range m.active {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// ErrNotPrepared is returned when an XA operation targets a txn id that
// has no PREPARED detail.
var ErrNotPrepared = ariaserr.ErrNotFound

func removeID(ids []uint32, target uint32) []uint32 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// unixNow is a seam so tests can avoid relying on wall-clock time if needed.
var unixNow = func() int64 { return time.Now().Unix() }
