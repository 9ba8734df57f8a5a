package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/shibartum/presale-backend/internal/storage"
	"github.com/shibartum/presale-backend/internal/system"
	"github.com/shibartum/presale-backend/pkg/logger"
)

// StaleGauge receives the current count of stale pending settlements.
type StaleGauge interface {
	SetStalePending(count int)
}

// Reconciler periodically surfaces settlements stuck in pending. A pending
// record older than the cutoff means a token delivery whose fate the process
// never learned; it is reported for operator review, never retried, because
// the mint may already have landed.
type Reconciler struct {
	store    storage.SettlementStore
	gauge    StaleGauge
	staleAge time.Duration
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates the stale-settlement reporter. staleAge is how old a
// pending record must be before it counts as stuck.
func NewReconciler(store storage.SettlementStore, gauge StaleGauge, staleAge time.Duration, log *logger.Logger) *Reconciler {
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("settlement-reconciler")
	}
	return &Reconciler{
		store:    store,
		gauge:    gauge,
		staleAge: staleAge,
		interval: time.Minute,
		log:      log,
	}
}

func (r *Reconciler) Name() string { return "settlement-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("settlement reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleAge)
	stale, err := r.store.ListStalePending(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Warn("list stale pending settlements failed")
		return
	}

	if r.gauge != nil {
		r.gauge.SetStalePending(len(stale))
	}
	for _, rec := range stale {
		r.log.WithField("settlement_id", rec.ID).
			WithField("signature", rec.PaymentSignature).
			WithField("age", time.Since(rec.CreatedAt).Round(time.Second).String()).
			Warn("settlement stuck in pending, reconcile against the ledger")
	}
}
