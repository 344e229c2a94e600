package amrec

import "github.com/ariaskv/ariaskv/internal/logrec"

// InitAll wires every C7 handler (btree, hash, queue, generic, file
// create/delete) plus dbreg_register into reg. Call once per registry,
// typically right after logrec.NewRegistry and before internal/txnmgr's
// own initTxnRecords, which owns the txn_* range.
func InitAll(reg *logrec.Registry) {
	initBtreeRecords(reg)
	initHashRecords(reg)
	initQueueRecords(reg)
	initGenericRecords(reg)
	initCrdelRecords(reg)
}
