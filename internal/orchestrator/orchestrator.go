// Package orchestrator is the Pipeline Orchestrator: the single worker that
// drives one fetch-clean-engineer-write cycle at a time and exposes the
// start/stop/reset state machine the Control Surface operates.
//
// Concurrency model: ProcessWindow and ResetBatch are both serialized through
// cycleMu, so a reset can never interleave with a partially-completed cycle.
// running/cycleCount are guarded separately by stateMu so status reads from
// the Control Surface never block behind an in-flight TSDB round trip.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scionresearch/bioprocess-pipeline/internal/cleaner"
	"github.com/scionresearch/bioprocess-pipeline/internal/config"
	"github.com/scionresearch/bioprocess-pipeline/internal/feature"
	"github.com/scionresearch/bioprocess-pipeline/internal/localstate"
	"github.com/scionresearch/bioprocess-pipeline/internal/model"
	"github.com/scionresearch/bioprocess-pipeline/internal/tsdb"
)

// failureBackoff is how long RunContinuous waits before retrying after a
// cycle returns an unexpected error, instead of waiting the full processing
// interval.
const failureBackoff = 5 * time.Second

// Monitor is the subset of *monitoring.Monitor the Orchestrator depends on,
// kept narrow so cycles can be tested without a live MQTT broker.
type Monitor interface {
	ObserveCycleDuration(d time.Duration)
	RecordCycleFailure()
	RecordCycle(reports map[string]model.QualityReport, completeness map[string]bool, fs model.FeatureSet)
	EvaluateAlerts(ctx context.Context, vessel string, reports map[string]model.QualityReport, fs model.FeatureSet)
}

// Orchestrator sequences TSDB reads, cleaning, feature engineering, TSDB
// writes, and monitoring for one vessel.
type Orchestrator struct {
	cycleMu sync.Mutex

	stateMu    sync.Mutex
	running    bool
	cycleCount int
	cancel     context.CancelFunc
	done       chan struct{}

	store    tsdb.SeriesStore
	cleaner  *cleaner.Cleaner
	engineer *feature.Engineer
	monitor  Monitor

	cfg    config.PipelineConfig
	vessel string
	logger *zap.Logger

	// local is optional; when non-nil, a Snapshot of QualityStats and
	// CumulativeHistory is persisted after every successful cycle. The
	// snapshot is readable through LastSnapshot; it is not loaded back into
	// the Cleaner or Engineer.
	local *localstate.DB
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(store tsdb.SeriesStore, cln *cleaner.Cleaner, eng *feature.Engineer, mon Monitor, cfg config.PipelineConfig, vessel string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		cleaner:  cln,
		engineer: eng,
		monitor:  mon,
		cfg:      cfg,
		vessel:   vessel,
		logger:   logger,
	}
}

// WithLocalState attaches a local durability layer; snapshots are written
// after every successful cycle. Returns the Orchestrator for chaining.
func (o *Orchestrator) WithLocalState(db *localstate.DB) *Orchestrator {
	o.local = db
	return o
}

// LastSnapshot returns the most recently persisted local snapshot, or
// (nil, nil) if local state is disabled or nothing has been written yet.
func (o *Orchestrator) LastSnapshot() (*localstate.Snapshot, error) {
	if o.local == nil {
		return nil, nil
	}
	return o.local.GetSnapshot()
}

// IsRunning reports whether the continuous worker is active.
func (o *Orchestrator) IsRunning() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.running
}

// CycleCount returns the number of cycles completed since the last
// ResetBatch (or process start).
func (o *Orchestrator) CycleCount() int {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.cycleCount
}

// Start launches the continuous worker goroutine if it is not already
// running. Idempotent: calling Start while already running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stateMu.Lock()
	if o.running {
		o.stateMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.done = make(chan struct{})
	done := o.done
	o.stateMu.Unlock()

	go o.runContinuous(runCtx, done)
}

// Stop requests cooperative cancellation of the continuous worker. It does
// not block until the worker has actually exited — callers that need that
// guarantee should select on a subsequent ProcessWindow/ResetBatch call,
// which will block until the worker has released cycleMu. Idempotent.
func (o *Orchestrator) Stop() {
	o.stateMu.Lock()
	if !o.running {
		o.stateMu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.stateMu.Unlock()
	cancel()
}

// runContinuous is the cycle worker: driven by a time.Ticker, cancelled
// cooperatively via ctx. On an unexpected cycle failure it retries after
// failureBackoff instead of waiting the full processing interval.
func (o *Orchestrator) runContinuous(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := time.Duration(o.cfg.ProcessingIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := o.ProcessWindow(ctx)
		if err != nil {
			o.logger.Warn("cycle failed, backing off", zap.Error(err), zap.Duration("backoff", failureBackoff))
			ticker.Reset(failureBackoff)
		} else {
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("worker stopping",
				zap.Int("cycle_count", o.CycleCount()),
				zap.Any("quality_stats", o.cleaner.Stats()),
			)
			o.store.Close()
			return
		case <-ticker.C:
		}
	}
}

// ProcessWindow runs one full fetch-clean-engineer-write-monitor cycle and
// returns the resulting FeatureSet. Callable from any state, including while
// the continuous worker is stopped (for the Control Surface's one-shot
// endpoint) — serialized against both the continuous worker and ResetBatch
// via cycleMu so a reset can never race a partially-completed cycle.
func (o *Orchestrator) ProcessWindow(ctx context.Context) (model.FeatureSet, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.ProcessingIntervalSeconds)*time.Second)
	defer cancel()

	duration := time.Duration(o.cfg.WindowSeconds) * time.Second
	rawWindows := o.store.ReadAllWindows(cycleCtx, model.AllTags, duration)

	cleanedWindows := make(map[string]model.Window, len(rawWindows))
	reports := make(map[string]model.QualityReport, len(rawWindows))
	completeness := make(map[string]bool, len(rawWindows))
	for tag, w := range rawWindows {
		cw, report := o.cleaner.Clean(w, o.cfg.SamplePeriodSeconds)
		cleanedWindows[tag] = cw
		reports[tag] = report
		completeness[tag] = model.IsComplete(len(w.Samples), float64(o.cfg.WindowSeconds), o.cfg.SamplePeriodSeconds)
	}

	ts := time.Now()
	fs := o.engineer.Engineer(cleanedWindows, ts)

	if err := o.store.WriteFeatures(cycleCtx, fs); err != nil {
		o.monitor.RecordCycleFailure()
		o.logger.Error("feature write failed", zap.Error(err))
		return fs, err
	}

	o.monitor.ObserveCycleDuration(time.Since(start))
	o.monitor.RecordCycle(reports, completeness, fs)
	o.monitor.EvaluateAlerts(ctx, o.vessel, reports, fs)

	o.stateMu.Lock()
	o.cycleCount++
	cycleCount := o.cycleCount
	o.stateMu.Unlock()

	o.logger.Info("cycle complete",
		zap.Int("cycle_count", cycleCount),
		zap.Int("features", len(fs.Values)),
		zap.Duration("duration", time.Since(start)),
	)

	if o.local != nil {
		snap := localstate.Snapshot{
			VesselID:   o.vessel,
			Quality:    o.cleaner.Stats(),
			Cumulative: o.engineer.History(),
			CycleCount: cycleCount,
		}
		if err := o.local.PutSnapshot(snap); err != nil {
			o.logger.Warn("local snapshot write failed", zap.Error(err))
		}
	}

	return fs, nil
}

// ResetBatch clears accumulated quality stats and cumulative integrals and
// zeroes the cycle counter. Serialized against ProcessWindow via cycleMu —
// it never runs concurrently with a cycle.
func (o *Orchestrator) ResetBatch() {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.cleaner.ResetStats()
	o.engineer.ResetHistory()

	o.stateMu.Lock()
	o.cycleCount = 0
	o.stateMu.Unlock()
}

// QualityStats returns a copy of the Cleaner's process-wide quality counters.
func (o *Orchestrator) QualityStats() model.QualityStats {
	return o.cleaner.Stats()
}

// CumulativeHistory returns a copy of the Feature Engineer's running
// integrals.
func (o *Orchestrator) CumulativeHistory() model.CumulativeHistory {
	return o.engineer.History()
}
