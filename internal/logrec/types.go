package logrec

// Record type code namespace. A flat integer space with reserved ranges
// per subsystem; codes are never reused, even across version upgrades —
// a deprecated code keeps its value (RecLogRegisterLegacy below has no
// registered handler).
const (
	// btree (bam_*): 100-199
	RecBamPgAlloc  uint32 = 100
	RecBamPgFree   uint32 = 101
	RecBamSplit    uint32 = 102
	RecBamRsplit   uint32 = 103
	RecBamAdj      uint32 = 104
	RecBamCadjust  uint32 = 105
	RecBamCdel     uint32 = 106
	RecBamRepl     uint32 = 107
	RecBamRoot     uint32 = 108
	RecBamCuradj   uint32 = 109
	RecBamRcuradj  uint32 = 110

	// hash (ham_*): 200-299
	RecHamInsdel    uint32 = 200
	RecHamNewpage   uint32 = 201
	RecHamSplitdata uint32 = 202
	RecHamReplace   uint32 = 203
	RecHamCopypage  uint32 = 204
	RecHamMetagroup uint32 = 205
	RecHamGroupalloc uint32 = 206
	RecHamCuradj    uint32 = 207
	RecHamChgpg     uint32 = 208

	// queue (qam_*): 300-399
	RecQamInc      uint32 = 300
	RecQamIncfirst uint32 = 301
	RecQamMvptr    uint32 = 302
	RecQamDel      uint32 = 303
	RecQamAdd      uint32 = 304
	RecQamDelext   uint32 = 305
	RecQamDelete   uint32 = 306
	RecQamRename   uint32 = 307

	// generic page ops (db_*): 400-499
	RecDbAddrem uint32 = 400
	RecDbBig    uint32 = 401
	RecDbOvref  uint32 = 402
	RecDbRelink uint32 = 403
	RecDbDebug  uint32 = 404
	RecDbNoop   uint32 = 405

	// file create/rename/delete (crdel_*): 500-599
	RecCrdelFileopen  uint32 = 500
	RecCrdelMetasub   uint32 = 501
	RecCrdelMetapage  uint32 = 502
	RecCrdelRename    uint32 = 503
	RecCrdelDelete    uint32 = 504

	// file-id registry (dbreg_*): 600-699
	RecDbregRegister uint32 = 600

	// transaction manager (txn_*): 700-799
	RecTxnRegop   uint32 = 700
	RecTxnCkp     uint32 = 701
	RecTxnXaRegop uint32 = 702
	RecTxnChild   uint32 = 703
	RecTxnRecycle uint32 = 704

	// legacy/deprecated codes kept for backward log compatibility only.
	RecLogRegisterLegacy uint32 = 599 // superseded by RecDbregRegister

	// DBUserBegin reserves codes at or above this value for application logs.
	DBUserBegin uint32 = 10000
)
