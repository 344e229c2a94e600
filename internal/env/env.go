// Package env ties the whole subsystem together: it is the "DB_ENV"
// object every other component (the access methods, the XA bridge,
// cmd/ariesd) opens once and drives through Begin/Commit/Checkpoint/Close.
// It owns the panic flag that makes corruption sticky (per SPEC_FULL.md
// # 7's error-handling design: once set, every entry point returns
// ariaserr.ErrRunRecovery until the environment is closed and reopened).
package env

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ariaskv/ariaskv/config"
	"github.com/ariaskv/ariaskv/internal/amrec"
	"github.com/ariaskv/ariaskv/internal/ampage"
	"github.com/ariaskv/ariaskv/internal/ariaserr"
	"github.com/ariaskv/ariaskv/internal/filereg"
	"github.com/ariaskv/ariaskv/internal/logmgr"
	"github.com/ariaskv/ariaskv/internal/logrec"
	"github.com/ariaskv/ariaskv/internal/lsn"
	"github.com/ariaskv/ariaskv/internal/recovery"
	"github.com/ariaskv/ariaskv/internal/txnmgr"
)

// OpenFlags mirrors the recovery-visible flags SPEC_FULL.md # 6 lists as
// consumed by Env.Open.
type OpenFlags int

const (
	// Create creates the log and store directories if they do not exist.
	Create OpenFlags = 1 << iota
	// Recover runs normal crash recovery (from the last checkpoint) before
	// the environment accepts new work.
	Recover
	// RecoverFatal forces a full replay from the start of the log,
	// ignoring any checkpoint — used after a prior ErrRunRecovery.
	RecoverFatal
	// UseEnviron names overriding log/store directories from this
	// process's environment variables (ARIASKV_LOG_DIR / ARIASKV_STORE_DIR).
	// Open accepts the flag but does not read any environment variable.
	UseEnviron
	// UseEnvironRoot names deriving both log and store directories from a
	// single root variable (ARIASKV_HOME). Open accepts the flag but does
	// not read any environment variable.
	UseEnvironRoot
)

// Env is one open environment: the log, the transaction manager, the live
// file registry access methods open files through, and the background
// checkpoint daemon.
type Env struct {
	cfg *config.Config
	Log *logmgr.Manager
	// Registry is the C2 record-type registry, pre-seeded by InitAll and
	// txnmgr.New's own txn_* registration.
	Registry *logrec.Registry
	Txn      *txnmgr.Manager
	// Files is the live file-id registry access methods open pages
	// through outside of a recovery run.
	Files *filereg.Registry
	ckpd  *txnmgr.CheckpointDaemon
	Log2  *log.Logger

	mu       sync.Mutex
	panicked error
	txTime   uint32
}

// NewEnv allocates an environment rooted at cfg without touching disk.
// Callers that need point-in-time recovery call SetTxTimestamp before
// Open, mirroring the underlying library's create-then-configure-then-open
// sequence.
func NewEnv(cfg *config.Config) *Env {
	return &Env{
		cfg:  cfg,
		Log2: log.New(os.Stderr, "ariaskv: ", log.LstdFlags),
	}
}

// Open creates (or reopens) the environment's log and stores, running
// crash recovery first when flags requests it.
func (e *Env) Open(flags OpenFlags) error {
	if flags&Create != 0 {
		if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("env: mkdir log dir: %w", err)
		}
		if err := os.MkdirAll(e.cfg.StoreDir, 0o755); err != nil {
			return fmt.Errorf("env: mkdir store dir: %w", err)
		}
	}

	lg, err := logmgr.Open(e.cfg.LogConfig())
	if err != nil {
		return fmt.Errorf("env: open log: %w", err)
	}

	registry := logrec.NewRegistry()
	amrec.InitAll(registry)
	txn := txnmgr.New(lg, registry)

	e.Log = lg
	e.Registry = registry
	e.Txn = txn

	if flags&(Recover|RecoverFatal) != 0 {
		rflags := recovery.Normal
		if flags&RecoverFatal != 0 {
			rflags = recovery.Fatal
		}
		e.mu.Lock()
		target := recovery.Target{Time: e.txTime}
		e.mu.Unlock()
		res, err := recovery.Run(recovery.Config{
			Log:      lg,
			Registry: registry,
			Txn:      txn,
			OpenFile: e.openStore,
			Flags:    rflags,
			Target:   target,
		})
		if err != nil {
			return fmt.Errorf("env: recovery: %w", err)
		}
		e.Log2.Printf("recovery complete: open=%s first=%s last=%s records=%d",
			res.OpenLSN, res.FirstLSN, res.LastLSN, res.RecordsRun)
	}

	e.Files = filereg.New(e.openStore)
	e.Txn.AddFlusher(filesFlusher{e.Files})

	e.ckpd = txnmgr.NewCheckpointDaemon(txn)
	if iv, ok, ierr := e.cfg.ParseInterval(); ierr != nil {
		return fmt.Errorf("env: %w", ierr)
	} else if ok {
		if err := e.ckpd.StartInterval(iv); err != nil {
			return fmt.Errorf("env: checkpoint daemon: %w", err)
		}
	} else if e.cfg.Checkpoint.Cron != "" {
		if err := e.ckpd.StartCron(e.cfg.Checkpoint.Cron); err != nil {
			return fmt.Errorf("env: checkpoint daemon: %w", err)
		}
	}

	return nil
}

// filesFlusher adapts filereg.Registry to txnmgr.PageFlusher by flushing
// every store it currently has open — the live registry's membership
// changes over the environment's lifetime, so the daemon cannot just be
// handed one *ampage.Store at construction time.
type filesFlusher struct{ reg *filereg.Registry }

func (f filesFlusher) Checkpoint(ckpLSN lsn.LSN) error {
	return f.reg.CheckpointAll(ckpLSN)
}

func (e *Env) openStore(name string, fileID ampage.FileID) (*ampage.Store, error) {
	return ampage.OpenStore(ampage.StoreConfig{
		Path:     e.cfg.StoreDir + string(os.PathSeparator) + name,
		PageSize: e.cfg.EffectivePageSize(),
		FileID:   fileID,
	})
}

// SetTxTimestamp sets the target for the next point-in-time recovery run
// (only meaningful before Open / before a subsequent RecoverFatal reopen —
// a running environment's recovery has already happened).
func (e *Env) SetTxTimestamp(ts uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txTime = ts
}

// Panic records a fatal, sticky error. err itself is only logged; every
// subsequent Check call returns ariaserr.ErrRunRecovery until the
// environment is closed and reopened.
func (e *Env) Panic(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicked == nil {
		e.panicked = ariaserr.ErrRunRecovery
		e.Log2.Printf("environment panicked: %v", err)
	}
}

// Check returns ariaserr.ErrRunRecovery if Panic has ever been called on
// this Env, nil otherwise. Every public entry point should call this
// first.
func (e *Env) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.panicked
}

// Healthy reports whether the environment can currently accept work
// (no panic flag set). Used by cmd/ariesd's gRPC health check.
func (e *Env) Healthy() bool {
	return e.Check() == nil
}

// Checkpoint forces an immediate checkpoint.
func (e *Env) Checkpoint() (lsn.LSN, error) {
	if err := e.Check(); err != nil {
		return lsn.Zero, err
	}
	return e.Txn.Checkpoint(true)
}

// Close stops the checkpoint daemon, closes every open file store, and
// closes the log. Safe to call once; a second call returns whatever error
// closing an already-closed log produces.
func (e *Env) Close() error {
	if e.ckpd != nil {
		e.ckpd.Stop()
	}
	var firstErr error
	if e.Files != nil {
		if err := e.Files.CloseAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.Log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// unixNow is a seam consistent with internal/txnmgr's own; kept here only
// for callers that want a ready-made tx_timestamp without importing time
// directly.
func unixNow() uint32 { return uint32(time.Now().Unix()) }

// Now returns the current time as a tx_timestamp value.
func Now() uint32 { return unixNow() }
