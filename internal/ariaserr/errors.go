// Package ariaserr declares the sentinel errors shared across the WAL and
// recovery subsystem. Every exported error here is intended for
// errors.Is comparison by callers; internal call sites wrap it with
// fmt.Errorf("...: %w", err) to add context.
package ariaserr

import "errors"

var (
	// ErrNotFound mirrors DB_NOTFOUND: a log cursor ran off the end of the
	// log, or a lookup (file id, txn id, checkpoint) found nothing.
	ErrNotFound = errors.New("ariaskv: not found")

	// ErrDeleted indicates the requested object existed but was logically
	// deleted (a dbreg entry whose file was removed, a txn table entry
	// promoted to IGNORE).
	ErrDeleted = errors.New("ariaskv: deleted")

	// ErrTxnCkp is returned by log scans that stop early because they
	// reached a checkpoint record and the caller only wanted prior records.
	ErrTxnCkp = errors.New("ariaskv: checkpoint boundary")

	// ErrLockDeadlock signals a transient conflict the caller should retry.
	ErrLockDeadlock = errors.New("ariaskv: lock deadlock")

	// ErrKeyEmpty is a logical error from an access method operation with
	// no matching key.
	ErrKeyEmpty = errors.New("ariaskv: key empty")

	// ErrRunRecovery is the fatal, sticky error. Once set on an Env, every
	// subsequent entry point must return it until the Env is closed and
	// reopened through recovery.
	ErrRunRecovery = errors.New("ariaskv: fatal error, run recovery")

	// ErrBadMagic / ErrBadVersion classify a corrupt or foreign log/page header.
	ErrBadMagic   = errors.New("ariaskv: bad magic")
	ErrBadVersion = errors.New("ariaskv: unsupported format version")

	// ErrIncompleteHeader indicates a log file whose header was truncated
	// by a crash mid-write; it is not fatal, the caller starts a fresh file.
	ErrIncompleteHeader = errors.New("ariaskv: incomplete log file header")

	// ErrSizeMismatch is the "bp arithmetic" assertion: the sum of a
	// record's declared field widths did not equal the bytes consumed
	// during (de)serialization. This is always a programming error in the
	// record registry, never a recoverable condition.
	ErrSizeMismatch = errors.New("ariaskv: record size mismatch")
)

// XAError is the XA-protocol error family (XAER_* / XA_RB* codes).
type XAError int

const (
	XAOK          XAError = 0
	XARBRollback  XAError = 100
	XARBDeadlock  XAError = 102
	XAErrAsync    XAError = -2
	XAErrRmerr    XAError = -3
	XAErrNota     XAError = -4
	XAErrInval    XAError = -5
	XAErrProto    XAError = -6
	XAErrDupid    XAError = -8
	XAErrOutside  XAError = -9
)

func (e XAError) Error() string {
	switch e {
	case XAOK:
		return "XA_OK"
	case XARBRollback:
		return "XA_RBROLLBACK"
	case XARBDeadlock:
		return "XA_RBDEADLOCK"
	case XAErrAsync:
		return "XAER_ASYNC"
	case XAErrRmerr:
		return "XAER_RMERR"
	case XAErrNota:
		return "XAER_NOTA"
	case XAErrInval:
		return "XAER_INVAL"
	case XAErrProto:
		return "XAER_PROTO"
	case XAErrDupid:
		return "XAER_DUPID"
	case XAErrOutside:
		return "XAER_OUTSIDE"
	default:
		return "XA_UNKNOWN"
	}
}
