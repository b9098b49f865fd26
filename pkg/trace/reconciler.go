package trace

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/types"
)

// ReconcilerConfig governs the session-chaining pass of spec.md §9: legs
// written without a session_id are matched inbound→outbound by
// (item_name ↔ source_item) within Window, up to ChainDepth hops to
// prevent loops.
type ReconcilerConfig struct {
	Interval   time.Duration
	Window     time.Duration
	ChainDepth int
}

// DefaultReconcilerConfig matches the windows suggested in spec.md §9.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:   10 * time.Second,
		Window:     30 * time.Second,
		ChainDepth: 20,
	}
}

// Reconciler assigns session IDs to orphaned trace headers. It is a
// post-hoc cleanup, not a source of truth: live traffic propagates
// session_id from the ingress and never waits on this loop.
type Reconciler struct {
	store  *Store
	cfg    ReconcilerConfig
	stopCh chan struct{}
	done   chan struct{}
	logger zerolog.Logger
}

// NewReconciler wraps store. Zero-valued cfg fields take defaults.
func NewReconciler(store *Store, cfg ReconcilerConfig) *Reconciler {
	def := DefaultReconcilerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ChainDepth <= 0 {
		cfg.ChainDepth = def.ChainDepth
	}
	return &Reconciler{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: log.WithComponent("trace-reconciler"),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler after the current cycle.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("session reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileOnce(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("session reconciler stopped")
			return
		}
	}
}

// ReconcileOnce runs one chaining pass over every header with no
// session_id: each still-unassigned header, oldest first, seeds a new
// session (whether or not it is an inbound leg), then the
// chain is walked downstream through headers whose source_item matches the
// previous leg's item_name within the window.
func (r *Reconciler) ReconcileOnce() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	orphans, err := r.store.headersMissingSession()
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	assigned := make(map[string]bool)
	for _, seed := range orphans {
		if assigned[seed.HeaderID] {
			continue
		}
		sessionID := uuid.NewString()
		chain := r.walkChain(seed, orphans, assigned)
		for _, h := range chain {
			if err := r.store.setHeaderSession(h.HeaderID, sessionID); err != nil {
				r.logger.Error().Err(err).Str("header_id", h.HeaderID).Msg("session assignment failed")
				continue
			}
			assigned[h.HeaderID] = true
		}
		r.logger.Debug().Str("session_id", sessionID).Int("legs", len(chain)).Msg("chained orphaned legs")
	}
	return nil
}

// walkChain collects seed plus every downstream leg reachable within the
// window, breadth-first, bounded by ChainDepth.
func (r *Reconciler) walkChain(seed *types.MessageHeader, orphans []*types.MessageHeader, assigned map[string]bool) []*types.MessageHeader {
	chain := []*types.MessageHeader{seed}
	inChain := map[string]bool{seed.HeaderID: true}

	frontier := []*types.MessageHeader{seed}
	for depth := 0; depth < r.cfg.ChainDepth && len(frontier) > 0; depth++ {
		var next []*types.MessageHeader
		for _, cur := range frontier {
			for _, cand := range orphans {
				if inChain[cand.HeaderID] || assigned[cand.HeaderID] {
					continue
				}
				if cand.SourceItem != cur.ItemName {
					continue
				}
				gap := cand.ReceivedAt.Sub(cur.ReceivedAt)
				if gap < 0 || gap > r.cfg.Window {
					continue
				}
				inChain[cand.HeaderID] = true
				chain = append(chain, cand)
				next = append(next, cand)
			}
		}
		frontier = next
	}
	return chain
}
