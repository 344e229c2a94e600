package txnmgr

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// CheckpointDaemon drives scheduled background checkpoints on a fixed
// interval or a cron expression, in addition to whatever explicit
// Checkpoint(force) calls callers make directly. It never runs a
// checkpoint re-entrantly with one already in flight — both paths
// serialize through the same mutex Checkpoint itself locks internally,
// so the daemon only needs to avoid overlapping itself.
type CheckpointDaemon struct {
	mgr  *Manager
	cron *cron.Cron

	mu      sync.Mutex
	running bool
	ticker  *time.Ticker
	stopCh  chan struct{}
}

// NewCheckpointDaemon creates a daemon bound to mgr. Callers choose
// either interval-based scheduling (StartInterval) or a cron expression
// (StartCron); calling both is an error.
func NewCheckpointDaemon(mgr *Manager) *CheckpointDaemon {
	loc, _ := time.LoadLocation("UTC")
	return &CheckpointDaemon{
		mgr:  mgr,
		cron: cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor))),
	}
}

// StartInterval runs a forced-false checkpoint every interval, starting
// after the first tick (no checkpoint fires at registration time).
func (d *CheckpointDaemon) StartInterval(interval time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("txnmgr: checkpoint daemon already running")
	}
	if interval <= 0 {
		return fmt.Errorf("txnmgr: checkpoint interval must be positive")
	}
	d.ticker = time.NewTicker(interval)
	d.stopCh = make(chan struct{})
	d.running = true
	go d.runInterval()
	return nil
}

func (d *CheckpointDaemon) runInterval() {
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.ticker.C:
			d.fire()
		}
	}
}

// StartCron runs a forced-false checkpoint on the given standard
// five-field (or six-field-with-seconds) cron expression, e.g. "0 */5 * * * *"
// for every five minutes.
func (d *CheckpointDaemon) StartCron(expr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("txnmgr: checkpoint daemon already running")
	}
	if _, err := d.cron.AddFunc(expr, d.fire); err != nil {
		return fmt.Errorf("txnmgr: invalid checkpoint cron expression %q: %w", expr, err)
	}
	d.cron.Start()
	d.running = true
	return nil
}

func (d *CheckpointDaemon) fire() {
	if _, err := d.mgr.Checkpoint(false); err != nil {
		log.Printf("txnmgr: scheduled checkpoint failed: %v", err)
	}
}

// Stop halts whichever scheduling mode was started. Safe to call even
// if Start* was never called.
func (d *CheckpointDaemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.stopCh)
		d.ticker = nil
	}
	ctx := d.cron.Stop()
	<-ctx.Done()
	d.running = false
}
