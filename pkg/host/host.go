// Package host implements the item-lifecycle and worker-pool runtime
// described in spec.md §4.2: each configured item (service, process, or
// operation) is one Host, owning a BoundedQueue, a resizable worker pool, a
// restart supervisor, and — for services and operations — an Adapter.
package host

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/carepath/conduit/pkg/events"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/queue"
	"github.com/carepath/conduit/pkg/registry"
	"github.com/carepath/conduit/pkg/types"
)

// Adapter owns the I/O resources of a service or operation: a bound port,
// an open directory, a registered HTTP route. Process-kind hosts (routers)
// have none.
type Adapter interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Pump is implemented by inbound adapters: it reads from the outside world
// and calls submit for each envelope produced, blocking until ctx is
// cancelled or it fails fatally.
type Pump interface {
	Run(ctx context.Context, submit func(*types.MessageEnvelope) error) error
}

// TraceSink is the subset of trace.Writer a Host needs, declared locally to
// avoid pkg/host depending on pkg/trace. WriteHeader is fire-and-forget;
// StoreBody is synchronous because the caller needs the body_id back to
// reference from its header row, and dedup makes the repeat write cheap.
type TraceSink interface {
	WriteHeader(h *types.MessageHeader)
	StoreBody(payload []byte, contentType, schemaVersion string) string
}

// Outcome is what a MessageHandler reports back to the worker loop after
// processing one envelope.
type Outcome struct {
	Status      types.HeaderStatus
	Destination string // comma-joined target item names, may be empty
	BodyID      string
	AckBodyID   string
	Err         error
}

// MessageHandler processes one dequeued envelope. It never blocks past a
// suspension point without honoring ctx cancellation.
type MessageHandler func(ctx context.Context, env *types.MessageEnvelope) Outcome

// RetryableError marks an Outcome.Err as transient: the worker loop
// re-enqueues the envelope with RetryCount incremented, up to a ceiling,
// per spec.md §7's "transient transport" classification.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a MessageHandler or Pump failure as host-fatal: the
// supervisor applies RestartPolicy rather than simply recording a per-leg
// trace row.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "host: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// maxGenericRetries bounds the host-level retry loop for handlers that
// don't carry their own adapter-specific retry ceiling (MLLP/HTTP outbound
// adapters apply their own MaxRetries before ever returning a
// RetryableError here).
const maxGenericRetries = 3

// Host is the lifecycle unit of spec.md §4.2: one configured item's queue,
// worker pool, restart supervisor, and (if any) adapter.
type Host struct {
	name      string
	kind      types.ItemKind
	projectID string

	cfgMu sync.RWMutex
	cfg   types.ItemConfig

	stateMu sync.RWMutex
	state   types.HostState

	queueMu sync.RWMutex
	queue   *queue.BoundedQueue

	registry *registry.Registry
	trace    TraceSink
	broker   *events.Broker

	adapter Adapter
	pump    Pump
	handler MessageHandler

	traceDirection types.Direction

	runCtx       context.Context
	workerCancel context.CancelFunc
	pumpCancel   context.CancelFunc

	workerWG       sync.WaitGroup
	activeWorkers  atomic.Int32
	desiredWorkers atomic.Int32

	pendingMu sync.Mutex
	pending   map[string]chan error

	restart restartSupervisor

	logger zerolog.Logger
}

// Config bundles the collaborators a Host needs beyond its own ItemConfig.
type Config struct {
	ProjectID string
	Registry  *registry.Registry
	Trace     TraceSink
	Broker    *events.Broker
	Adapter   Adapter // nil for process-kind hosts
	Pump      Pump    // non-nil only for services
	Handler   MessageHandler
}

// New constructs a Host in the "created" state. Callers must call Start
// before Submit will accept envelopes.
func New(cfg types.ItemConfig, hc Config) *Host {
	direction := types.DirectionInbound
	if cfg.Kind == types.ItemOperation {
		direction = types.DirectionOutbound
	}
	h := &Host{
		name:           cfg.Name,
		kind:           cfg.Kind,
		projectID:      hc.ProjectID,
		cfg:            cfg,
		state:          types.StateCreated,
		registry:       hc.Registry,
		trace:          hc.Trace,
		broker:         hc.Broker,
		adapter:        hc.Adapter,
		pump:           hc.Pump,
		handler:        hc.Handler,
		traceDirection: direction,
		pending:        make(map[string]chan error),
		logger:         log.WithItem(cfg.Name, string(cfg.Kind)),
	}
	return h
}

// Name returns the item's configured name.
func (h *Host) Name() string { return h.name }

// Kind returns the item's kind.
func (h *Host) Kind() types.ItemKind { return h.kind }

// State returns the host's current lifecycle state.
func (h *Host) State() types.HostState {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Host) setState(s types.HostState) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
	metrics.HostState.WithLabelValues(h.name, string(h.kind), string(s)).Set(1)
}

// Config returns a copy of the host's current ItemConfig.
func (h *Host) Config() types.ItemConfig {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// QueueDepth returns the current number of buffered envelopes, or 0 if the
// host has never started.
func (h *Host) QueueDepth() int {
	h.queueMu.RLock()
	defer h.queueMu.RUnlock()
	if h.queue == nil {
		return 0
	}
	return h.queue.Len()
}

// WorkerCount returns the number of currently live worker goroutines.
func (h *Host) WorkerCount() int {
	return int(h.activeWorkers.Load())
}

// Start acquires adapter resources (if any), builds the queue, spawns the
// configured worker pool, and starts the ingress pump (if any), per
// spec.md §4.2.
func (h *Host) Start(ctx context.Context) error {
	h.setState(types.StateStarting)

	if h.adapter != nil {
		if err := h.adapter.Open(ctx); err != nil {
			h.setState(types.StateError)
			h.broker.Publish(&events.Event{Type: events.HostError, ItemName: h.name, Message: err.Error()})
			return fmt.Errorf("host %s: adapter open: %w", h.name, err)
		}
	}

	cfg := h.Config()
	h.queueMu.Lock()
	h.queue = queue.New(cfg.HostSettings.QueueSize, cfg.HostSettings.QueueType, cfg.HostSettings.OverflowPolicy, h.onDrop)
	h.queueMu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	h.runCtx = runCtx
	h.workerCancel = cancel

	n := cfg.HostSettings.PoolSize
	if n < 1 {
		n = 1
	}
	h.desiredWorkers.Store(int32(n))
	for i := 0; i < n; i++ {
		h.spawnWorker(runCtx)
	}

	if h.pump != nil {
		pumpCtx, pumpCancel := context.WithCancel(context.Background())
		h.pumpCancel = pumpCancel
		go h.runPump(pumpCtx)
	}

	h.setState(types.StateRunning)
	h.broker.Publish(&events.Event{Type: events.HostStarted, ItemName: h.name})
	h.logger.Info().Str("state", string(types.StateRunning)).Int("workers", n).Msg("host started")
	return nil
}

func (h *Host) spawnWorker(ctx context.Context) {
	h.activeWorkers.Add(1)
	h.workerWG.Add(1)
	go func() {
		defer h.workerWG.Done()
		defer h.activeWorkers.Add(-1)
		if err := h.workerLoop(ctx); err != nil {
			h.onFatal(err)
		}
	}()
}

// workerLoop repeatedly dequeues and processes one envelope at a time. A
// worker exits cleanly (without triggering the restart supervisor) when
// the queue closes, ctx is cancelled, or it has been marked surplus by a
// pool shrink.
func (h *Host) workerLoop(ctx context.Context) error {
	for {
		if h.activeWorkers.Load() > h.desiredWorkers.Load() {
			return nil
		}
		h.queueMu.RLock()
		q := h.queue
		h.queueMu.RUnlock()

		env, err := q.Get(ctx)
		if err != nil {
			if errors.Is(err, types.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		metrics.QueueDepth.WithLabelValues(h.name).Set(float64(q.Len()))
		if fatal := h.processOne(ctx, env); fatal != nil {
			return fatal
		}
	}
}

// processOne runs the handler for one envelope and returns a non-nil error
// only when the outcome was a FatalError, signaling workerLoop to exit and
// hand off to the restart supervisor.
func (h *Host) processOne(ctx context.Context, env *types.MessageEnvelope) error {
	start := time.Now()
	outcome := h.handler(ctx, env)
	latency := time.Since(start)

	if outcome.Err != nil {
		var retry *RetryableError
		if errors.As(outcome.Err, &retry) && env.RetryCount < maxGenericRetries {
			env.RetryCount++
			h.queueMu.RLock()
			q := h.queue
			h.queueMu.RUnlock()
			if putErr := q.Put(ctx, env); putErr == nil {
				return nil
			}
		}

		var fatal *FatalError
		if errors.As(outcome.Err, &fatal) {
			h.writeHeader(env, outcome, latency)
			h.resolvePending(env.MessageID, outcome.Err)
			return fatal
		}
	}

	if outcome.Err != nil && errors.Is(outcome.Err, types.ErrTargetNotFound) {
		h.broker.Publish(&events.Event{Type: events.TargetNotFound, ItemName: h.name, Message: outcome.Err.Error()})
	}

	h.writeHeader(env, outcome, latency)
	h.resolvePending(env.MessageID, outcome.Err)
	return nil
}

// writeHeader records the outcome of one leg as a MessageHeader, fire-and-
// forget, per spec.md §4.7.
func (h *Host) writeHeader(env *types.MessageEnvelope, outcome Outcome, latency time.Duration) {
	now := time.Now()
	bodyID := outcome.BodyID
	if bodyID == "" && len(env.RawPayload) > 0 {
		bodyID = h.trace.StoreBody(env.RawPayload, env.ContentType, env.SchemaVersion)
	}
	header := &types.MessageHeader{
		HeaderID:        uuid.NewString(),
		SessionID:       env.SessionID,
		ProjectID:       h.projectID,
		ItemName:        h.name,
		ItemKind:        h.kind,
		Direction:       h.traceDirection,
		Status:          outcome.Status,
		SourceItem:      env.SourceHost,
		DestinationItem: outcome.Destination,
		ReceivedAt:      now.Add(-latency),
		CompletedAt:     now,
		LatencyMS:       latency.Milliseconds(),
		BodyID:          bodyID,
		BodyClassName:   bodyClassName(env.ContentType),
		AckBodyID:       outcome.AckBodyID,
	}
	if outcome.Err != nil {
		header.ErrorMessage = outcome.Err.Error()
	}
	h.trace.WriteHeader(header)
	metrics.TraceWritesTotal.WithLabelValues(string(outcome.Status)).Inc()
}

func (h *Host) onDrop(env *types.MessageEnvelope, reason string) {
	cfg := h.Config()
	metrics.QueueOverflowTotal.WithLabelValues(h.name, string(cfg.HostSettings.OverflowPolicy)).Inc()
	h.broker.Publish(&events.Event{Type: events.QueueOverflow, ItemName: h.name, Message: reason})
	h.trace.WriteHeader(&types.MessageHeader{
		HeaderID:     uuid.NewString(),
		SessionID:    env.SessionID,
		ProjectID:    h.projectID,
		ItemName:     h.name,
		ItemKind:     h.kind,
		Direction:    h.traceDirection,
		Status:       types.StatusError,
		SourceItem:   env.SourceHost,
		ErrorMessage: reason,
		ReceivedAt:   time.Now(),
		CompletedAt:  time.Now(),
	})
	h.resolvePending(env.MessageID, types.ErrQueueOverflow)
}

func (h *Host) runPump(ctx context.Context) {
	err := h.pump.Run(ctx, h.Submit)
	if err != nil && ctx.Err() == nil {
		h.onFatal(err)
	}
}

// onFatal transitions the host to error and, per RestartPolicy, schedules
// a restart attempt via the supervisor.
func (h *Host) onFatal(err error) {
	h.logger.Error().Err(err).Msg("host fatal fault")
	h.setState(types.StateError)
	h.broker.Publish(&events.Event{Type: events.HostError, ItemName: h.name, Message: err.Error()})
	go h.restart.maybeRestart(h)
}

// Submit is the sole cross-host entry point (spec.md §4.2). For
// sync_reliable/concurrent_sync items it blocks until the worker that
// dequeues the envelope reports an outcome; otherwise it returns as soon
// as the envelope is enqueued.
func (h *Host) Submit(env *types.MessageEnvelope) error {
	if state := h.State(); state != types.StateRunning && state != types.StateStarting {
		return types.ErrHostNotRunning
	}

	cfg := h.Config()
	sync := cfg.HostSettings.MessagingPattern == types.PatternSyncReliable ||
		cfg.HostSettings.MessagingPattern == types.PatternConcurrentSync

	var done chan error
	if sync {
		done = make(chan error, 1)
		h.pendingMu.Lock()
		h.pending[env.MessageID] = done
		h.pendingMu.Unlock()
	}

	ctx := h.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	h.queueMu.RLock()
	q := h.queue
	h.queueMu.RUnlock()
	if q == nil {
		return types.ErrHostNotRunning
	}

	if err := q.Put(ctx, env); err != nil {
		if sync {
			h.pendingMu.Lock()
			delete(h.pending, env.MessageID)
			h.pendingMu.Unlock()
		}
		return err
	}
	metrics.QueueDepth.WithLabelValues(h.name).Set(float64(q.Len()))

	if !sync {
		return nil
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) resolvePending(messageID string, err error) {
	h.pendingMu.Lock()
	ch, ok := h.pending[messageID]
	if ok {
		delete(h.pending, messageID)
	}
	h.pendingMu.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
}

// stop drains and releases the host, recording errorMessage against any
// envelope still buffered once the shutdown deadline elapses.
func (h *Host) stop(ctx context.Context, errorMessage string) error {
	h.setState(types.StateStopping)
	if h.pumpCancel != nil {
		h.pumpCancel()
	}
	h.queueMu.RLock()
	q := h.queue
	h.queueMu.RUnlock()
	if q != nil {
		q.Close()
	}

	cfg := h.Config()
	deadline := cfg.HostSettings.GracefulShutdownTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		h.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		if h.workerCancel != nil {
			h.workerCancel()
		}
		<-done
	}

	if q != nil {
		for _, env := range q.Drain() {
			h.trace.WriteHeader(&types.MessageHeader{
				HeaderID:     uuid.NewString(),
				SessionID:    env.SessionID,
				ProjectID:    h.projectID,
				ItemName:     h.name,
				ItemKind:     h.kind,
				Direction:    h.traceDirection,
				Status:       types.StatusError,
				SourceItem:   env.SourceHost,
				ErrorMessage: errorMessage,
				ReceivedAt:   time.Now(),
				CompletedAt:  time.Now(),
			})
			h.resolvePending(env.MessageID, fmt.Errorf("%s", errorMessage))
		}
	}

	if h.adapter != nil {
		if err := h.adapter.Close(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("adapter close error")
		}
	}

	h.setState(types.StateStopped)
	h.broker.Publish(&events.Event{Type: events.HostStopped, ItemName: h.name})
	return nil
}

// Stop gracefully shuts the host down: closes the queue to new puts, waits
// up to GracefulShutdownTimeout for workers to drain, then cancels them and
// releases adapter resources.
func (h *Host) Stop(ctx context.Context) error {
	return h.stop(ctx, "shutdown_interrupted")
}

// Pause halts the ingress pump (if any) without discarding buffered work;
// queued envelopes continue to drain through the worker pool.
func (h *Host) Pause() error {
	if h.State() != types.StateRunning {
		return types.ErrHostNotRunning
	}
	if h.pumpCancel != nil {
		h.pumpCancel()
	}
	h.setState(types.StatePaused)
	h.broker.Publish(&events.Event{Type: events.HostPaused, ItemName: h.name})
	return nil
}

// Resume restarts the ingress pump after a Pause.
func (h *Host) Resume() error {
	if h.State() != types.StatePaused {
		return types.ErrHostNotRunning
	}
	if h.pump != nil {
		pumpCtx, pumpCancel := context.WithCancel(context.Background())
		h.pumpCancel = pumpCancel
		go h.runPump(pumpCtx)
	}
	h.setState(types.StateRunning)
	h.broker.Publish(&events.Event{Type: events.HostResumed, ItemName: h.name})
	return nil
}

// Reload hot-applies a new ItemConfig per spec.md §4.2: a disabled item
// stops, an adapter-settings change performs a controlled stop/start, and
// everything else (pool size, targets, queue capacity) applies in place.
func (h *Host) Reload(ctx context.Context, newCfg types.ItemConfig) error {
	if !newCfg.Enabled {
		return h.stop(ctx, "reload_disabled")
	}

	old := h.Config()
	if old.AdapterType != newCfg.AdapterType || !reflect.DeepEqual(old.AdapterSettings, newCfg.AdapterSettings) {
		if err := h.stop(ctx, "reload_interrupted"); err != nil {
			return err
		}
		h.cfgMu.Lock()
		h.cfg = newCfg
		h.cfgMu.Unlock()
		return h.Start(ctx)
	}

	h.cfgMu.Lock()
	h.cfg = newCfg
	h.cfgMu.Unlock()
	h.resizePool(newCfg.HostSettings.PoolSize)
	h.logger.Info().Msg("host reloaded in place")
	return nil
}

// resizePool adjusts the live worker count toward n: growing spawns
// workers immediately, shrinking marks the pool so surplus workers exit
// after finishing their current envelope, per spec.md §4.2.
func (h *Host) resizePool(n int) {
	if n < 1 {
		n = 1
	}
	h.desiredWorkers.Store(int32(n))
	current := int(h.activeWorkers.Load())
	if n > current && h.runCtx != nil {
		for i := 0; i < n-current; i++ {
			h.spawnWorker(h.runCtx)
		}
	}
}

// restartSupervisor tracks consecutive faults within a rolling window and
// applies RestartPolicy, per spec.md §4.2 and §8 property 7.
type restartSupervisor struct {
	mu     sync.Mutex
	faults []time.Time
}

func (r *restartSupervisor) maybeRestart(h *Host) {
	cfg := h.Config()
	if cfg.HostSettings.RestartPolicy == types.RestartNever {
		return
	}

	r.mu.Lock()
	now := time.Now()
	window := cfg.HostSettings.RestartDelay * time.Duration(maxInt(cfg.HostSettings.MaxRestarts, 1)+1)
	if window <= 0 {
		window = time.Minute
	}
	kept := r.faults[:0]
	for _, t := range r.faults {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	r.faults = append(kept, now)
	count := len(r.faults)
	r.mu.Unlock()

	if cfg.HostSettings.MaxRestarts >= 0 && count > cfg.HostSettings.MaxRestarts {
		h.logger.Error().Int("restarts", count).Msg("restart ceiling reached, remaining in error")
		return
	}

	delay := cfg.HostSettings.RestartDelay
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := h.Start(context.Background()); err != nil {
		h.logger.Error().Err(err).Msg("restart attempt failed")
		return
	}
	metrics.HostRestartsTotal.WithLabelValues(h.name).Inc()
	h.broker.Publish(&events.Event{Type: events.HostRestarted, ItemName: h.name})
}

// bodyClassName maps a content type to the body_class_name column the
// portal groups payloads by.
func bodyClassName(contentType string) string {
	switch {
	case strings.Contains(contentType, "hl7"):
		return "HL7Message"
	case strings.Contains(contentType, "fhir"):
		return "FHIRResource"
	case contentType == "":
		return ""
	default:
		return "BinaryMessage"
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Forward delivers env to targetName via reg, addressing a shallow copy
// (same MessageID — per spec.md §3 a plain forward is not a new leg) from
// sourceName. Returns types.ErrTargetNotFound if targetName is not
// registered.
func Forward(reg *registry.Registry, sourceName, targetName string, env *types.MessageEnvelope) error {
	target, err := reg.Get(targetName)
	if err != nil {
		return err
	}
	return target.Submit(env.ForwardCopy(sourceName, targetName))
}

// ForwardToTargets builds the MessageHandler a plain service host (MLLP,
// file, HTTP inbound) installs: no routing logic of its own, just fan-out
// to its configured TargetNames, concurrently, per spec.md §4.2.
func ForwardToTargets(reg *registry.Registry, sourceName string, targets []string) MessageHandler {
	return func(ctx context.Context, env *types.MessageEnvelope) Outcome {
		if len(targets) == 0 {
			return Outcome{Status: types.StatusCompleted}
		}
		g, _ := errgroup.WithContext(ctx)
		for _, target := range targets {
			target := target
			g.Go(func() error {
				return Forward(reg, sourceName, target, env)
			})
		}
		if err := g.Wait(); err != nil {
			return Outcome{Status: types.StatusError, Destination: strings.Join(targets, ","), Err: err}
		}
		return Outcome{Status: types.StatusCompleted, Destination: strings.Join(targets, ",")}
	}
}
