// Package logrec is the log record registry (C2): a map from record-type
// code to the four functions the rest of the system drives recovery and
// diagnostics through. Per-subsystem init functions (btree/hash/queue/
// dbreg/txn/crdel — wired from internal/amrec and internal/txnmgr)
// populate the registry at Env startup; the registry itself only holds
// and dispatches.
package logrec

import (
	"fmt"

	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/walcore"
)

// Op is the recovery pass direction a Recover function is invoked for.
type Op int

const (
	OpenFiles Op = iota
	ForwardRoll
	BackwardRoll
	Abort
	// Skip is used by internal/recovery's BACKWARD_ROLL when the record's
	// owning transaction is already known (from a later-in-the-log, and
	// therefore already-visited, commit marker) to be a winner: neither
	// DBRedo nor DBUndo match it, so every handler's withPage call is a
	// no-op and only the LSN cursor advances, leaving the page untouched
	// for Pass 3 to redo correctly.
	Skip
)

func (o Op) String() string {
	switch o {
	case OpenFiles:
		return "OPENFILES"
	case ForwardRoll:
		return "FORWARD_ROLL"
	case BackwardRoll:
		return "BACKWARD_ROLL"
	case Abort:
		return "ABORT"
	case Skip:
		return "SKIP"
	default:
		return "UNKNOWN"
	}
}

// DBRedo reports whether op is a pass that should apply REDO (page.LSN < record.LSN).
func DBRedo(op Op) bool { return op == ForwardRoll }

// DBUndo reports whether op is a pass that should apply UNDO (page.LSN == record.LSN).
func DBUndo(op Op) bool { return op == BackwardRoll || op == Abort }

// Args is the decoded, type-specific argument set for one log record,
// produced by a Read function. Concrete record types (see internal/amrec)
// embed the common envelope fields and add their own.
type Args interface {
	// RecordLSN is the LSN this record was written at (filled in by the
	// caller from the envelope that framed it, not stored redundantly).
	RecordLSN() lsn.LSN
	// PrevLSN is this transaction's previous record, or zero.
	RecordPrevLSN() lsn.LSN
}

// RecoverFunc applies REDO or UNDO for one record during a recovery pass.
// lsnp is an in/out parameter: handlers set *lsnp = argp.PrevLSN on
// success so the driver's backward walk can continue.
type RecoverFunc func(env interface{}, buf []byte, recLSN lsn.LSN, op Op, lsnp *lsn.LSN) error

// PrintFunc renders a record as a human-readable diagnostic line.
type PrintFunc func(buf []byte, recLSN lsn.LSN) string

// ReadFunc decodes a record's payload (envelope already stripped) into its Args.
type ReadFunc func(buf []byte) (Args, error)

// LogFunc appends a new record of this type via the log manager and
// returns its LSN. Concrete signatures vary per record type, so handlers
// are registered as closures; Ops stores it as interface{} and callers
// type-assert to the concrete function signature they expect (see
// internal/amrec for the per-type Log wrapper functions they call directly —
// this field mainly documents the C-source shape and backs Print/diagnostics).
type LogFunc func(args ...interface{}) (lsn.LSN, error)

// RecordOps is the (LOG, PRINT, READ, RECOVER) tuple for one record type.
type RecordOps struct {
	Name    string
	Read    ReadFunc
	Print   PrintFunc
	Recover RecoverFunc
}

// Registry is the record-type → RecordOps map. It is append-only per
// subsystem: type codes are never reused, even across version upgrades.
type Registry struct {
	ops map[uint32]RecordOps
}

// NewRegistry returns an empty registry, pre-seeded with nothing; callers
// run the subsystem Init* functions against it.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[uint32]RecordOps)}
}

// Register adds (or overwrites — used only by tests) the ops for a type code.
func (r *Registry) Register(recType uint32, ops RecordOps) {
	r.ops = cloneAndSet(r.ops, recType, ops)
}

func cloneAndSet(m map[uint32]RecordOps, k uint32, v RecordOps) map[uint32]RecordOps {
	m[k] = v
	return m
}

// Lookup returns the ops registered for recType.
func (r *Registry) Lookup(recType uint32) (RecordOps, error) {
	ops, ok := r.ops[recType]
	if !ok {
		return RecordOps{}, fmt.Errorf("logrec: no handler registered for record type %d", recType)
	}
	return ops, nil
}

// Dispatch looks up recType and invokes its Recover function.
func (r *Registry) Dispatch(recType uint32, env interface{}, buf []byte, recLSN lsn.LSN, op Op, lsnp *lsn.LSN) error {
	ops, err := r.Lookup(recType)
	if err != nil {
		return err
	}
	if ops.Recover == nil {
		return fmt.Errorf("logrec: record type %d (%s) has no recover function", recType, ops.Name)
	}
	return ops.Recover(env, buf, recLSN, op, lsnp)
}

// DeprecatedRecover is the recovery function for record types emitted by
// an earlier format generation. It performs no page mutation — it only
// advances the LSN cursor to the record's PrevLSN — which preserves the
// ability to replay logs written by older builds without understanding
// their payload. No record type is registered with it in this module, and
// config.LegacyFormats is not consulted.
func DeprecatedRecover(env interface{}, buf []byte, recLSN lsn.LSN, op Op, lsnp *lsn.LSN) error {
	e, _, err := walcore.Unmarshal(buf)
	if err != nil {
		return fmt.Errorf("logrec: deprecated recover: %w", err)
	}
	*lsnp = e.PrevLSN
	return nil
}

// DB_user_BEGIN reserves the start of the application-record range; every
// code at or above this value is available to callers outside this
// module, per the flat integer namespace described for the log.
const DB_user_BEGIN uint32 = 10000
