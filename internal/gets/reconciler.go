package gets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultReconcileInterval = 10 * time.Minute

var errMissingReconcileDependency = errors.New("gets: reconciler requires a board")

// ReconcileTarget is a leaderboard that realigns itself with the claim ledger.
type ReconcileTarget interface {
	Reconcile(ctx context.Context) (leaderboard.ReconcileReport, error)
}

// ReconcilerConfig describes the dependencies of a Reconciler.
type ReconcilerConfig struct {
	Board    ReconcileTarget
	Interval time.Duration
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Reconciler rebuilds leaderboard totals from the claim ledger on start, on a
// fixed interval, and whenever it is flagged.
type Reconciler struct {
	board    ReconcileTarget
	interval time.Duration
	metrics  *Metrics
	logger   *zap.Logger

	runMu   sync.Mutex
	flagged chan struct{}

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// NewReconciler constructs a Reconciler. It does nothing until Start or RunOnce.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Board == nil {
		return nil, errMissingReconcileDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Reconciler{
		board:    cfg.Board,
		interval: interval,
		metrics:  cfg.Metrics,
		logger:   logger,
		flagged:  make(chan struct{}, 1),
	}, nil
}

// RunOnce performs one full reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (leaderboard.ReconcileReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runID := uuid.NewString()
	started := time.Now()
	report, err := r.board.Reconcile(ctx)
	r.metrics.observeReconcile(len(report.Corrected), err)
	if err != nil {
		r.logger.Error("reconciliation failed",
			zap.String("operation", "gets.reconcile"),
			zap.String("reason", "board_reconcile_failed"),
			zap.String("run_id", runID),
			zap.Error(err))
		return leaderboard.ReconcileReport{}, err
	}
	r.logger.Info("reconciliation finished",
		zap.String("run_id", runID),
		zap.Int("checked", report.Checked),
		zap.Int("corrected", len(report.Corrected)),
		zap.Duration("elapsed", time.Since(started)))
	return report, nil
}

// Flag requests a pass as soon as the background loop is free. Flags coalesce.
func (r *Reconciler) Flag() {
	select {
	case r.flagged <- struct{}{}:
	default:
	}
}

// Start launches the background loop; it runs a pass immediately. Starting twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx, r.stop, r.done)
}

// Stop ends the background loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.lifecycleMu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.lifecycleMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	_, _ = r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		case <-r.flagged:
		}
		_, _ = r.RunOnce(ctx)
	}
}
