// Package engine implements the top-level orchestrator of spec.md §4.6: it
// validates configuration snapshots, instantiates hosts in dependency order
// (operations → processes → services), wires them through a per-production
// ServiceRegistry, and drives deploy/start/stop/reload/status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/events"
	"github.com/carepath/conduit/pkg/health"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/registry"
	"github.com/carepath/conduit/pkg/router"
	"github.com/carepath/conduit/pkg/types"
)

// TraceWriter is what the engine hands each host for trace output; satisfied
// by trace.Writer.
type TraceWriter interface {
	WriteHeader(h *types.MessageHeader)
	StoreBody(payload []byte, contentType, schemaVersion string) string
}

// Config bundles the engine's process-wide collaborators.
type Config struct {
	Trace      TraceWriter
	Broker     *events.Broker
	Transforms *router.TransformRegistry
}

// Engine hosts any number of independent productions, each with its own
// registry (spec.md §9: the ServiceRegistry is per-production, not
// per-process).
type Engine struct {
	cfg Config

	mu          sync.Mutex
	productions map[string]*production

	logger zerolog.Logger
}

// production is one deployed snapshot's live state.
type production struct {
	projectID string
	snapshot  types.Snapshot
	registry  *registry.Registry
	items     map[string]Item
	order     []string // start order; stop is the reverse
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.Transforms == nil {
		cfg.Transforms = router.NewTransformRegistry()
	}
	return &Engine{
		cfg:         cfg,
		productions: make(map[string]*production),
		logger:      log.WithComponent("engine"),
	}
}

// Validate checks a snapshot without deploying it: unique item names,
// well-formed kinds, connection endpoints referring to known items, rule
// targets and routers referring to known items, and rule condition
// parseability (spec.md §4.6 step 1).
func Validate(snap *types.Snapshot) error {
	var errs []error
	names := make(map[string]types.ItemKind, len(snap.Items))
	for _, item := range snap.Items {
		if item.Name == "" {
			errs = append(errs, errors.New("item with empty name"))
			continue
		}
		if _, dup := names[item.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate item name %q", item.Name))
		}
		switch item.Kind {
		case types.ItemService, types.ItemProcess, types.ItemOperation:
		default:
			errs = append(errs, fmt.Errorf("item %q: unknown kind %q", item.Name, item.Kind))
		}
		names[item.Name] = item.Kind
	}

	for _, conn := range snap.Connections {
		if _, ok := names[conn.SourceItem]; !ok {
			errs = append(errs, fmt.Errorf("connection source %q is not a configured item", conn.SourceItem))
		}
		if _, ok := names[conn.TargetItem]; !ok {
			errs = append(errs, fmt.Errorf("connection target %q is not a configured item", conn.TargetItem))
		}
	}

	for _, rule := range snap.RoutingRules {
		if rule.Router != "" {
			if kind, ok := names[rule.Router]; !ok || kind != types.ItemProcess {
				errs = append(errs, fmt.Errorf("rule %q: router %q is not a configured process item", rule.Name, rule.Router))
			}
		}
		for _, target := range rule.Targets {
			if _, ok := names[target]; !ok {
				errs = append(errs, fmt.Errorf("rule %q: target %q is not a configured item", rule.Name, target))
			}
		}
		if _, err := router.ParseCondition(rule.Condition); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rule.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Deploy validates snap, builds every enabled item, and starts them in
// dependency order. Failure in one host stops the ones already started, in
// reverse order, and reports the offending item (spec.md §4.6 step 4).
// Rule-condition parse failures do not abort a deploy: the offending rules
// are disabled and reported through the log, per spec.md §4.5.
func (e *Engine) Deploy(ctx context.Context, projectID string, snap types.Snapshot) error {
	if err := validateHard(&snap); err != nil {
		return fmt.Errorf("engine: deploy %s: %w", projectID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.productions[projectID]; exists {
		return fmt.Errorf("engine: project %s already deployed, use Reload", projectID)
	}

	prod := &production{
		projectID: projectID,
		snapshot:  snap,
		registry:  registry.New(),
		items:     make(map[string]Item),
	}
	b := &builder{engine: e, projectID: projectID, registry: prod.registry, snapshot: &prod.snapshot}

	for _, cfg := range snap.Items {
		if !cfg.Enabled {
			continue
		}
		item, err := b.build(cfg)
		if err != nil {
			return fmt.Errorf("engine: deploy %s: %w", projectID, err)
		}
		prod.items[cfg.Name] = item
		prod.registry.Register(item)
	}
	prod.order = startOrder(&snap)

	if err := e.startAll(ctx, prod); err != nil {
		return fmt.Errorf("engine: deploy %s: %w", projectID, err)
	}

	e.productions[projectID] = prod
	e.cfg.Broker.Publish(&events.Event{Type: events.ProductionDeploy, Message: projectID})
	e.logger.Info().Str("project", projectID).Int("items", len(prod.items)).Msg("production deployed")
	return nil
}

// validateHard is Validate minus rule-condition parseability, which is a
// soft failure at deploy time.
func validateHard(snap *types.Snapshot) error {
	stripped := *snap
	stripped.RoutingRules = make([]types.RoutingRule, len(snap.RoutingRules))
	for i, rule := range snap.RoutingRules {
		rule.Condition = ""
		stripped.RoutingRules[i] = rule
	}
	return Validate(&stripped)
}

// startOrder computes operations → processes → services, stable within each
// kind by snapshot order, so downstream queues exist before upstream hosts
// can submit. Cycles in the routing graph are permitted; this conservative
// kind ordering breaks them (spec.md §4.6 step 2).
func startOrder(snap *types.Snapshot) []string {
	var order []string
	for _, kind := range []types.ItemKind{types.ItemOperation, types.ItemProcess, types.ItemService} {
		for _, item := range snap.Items {
			if item.Kind == kind && item.Enabled {
				order = append(order, item.Name)
			}
		}
	}
	return order
}

func (e *Engine) startAll(ctx context.Context, prod *production) error {
	var started []Item
	for _, name := range prod.order {
		item, ok := prod.items[name]
		if !ok || item.State() == types.StateRunning {
			continue
		}
		if err := item.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					e.logger.Warn().Err(stopErr).Str("item", started[i].Name()).Msg("rollback stop failed")
				}
			}
			return fmt.Errorf("item %s: %w", name, err)
		}
		started = append(started, item)
	}
	return nil
}

// Start (re)starts every host of a previously deployed production, in start
// order.
func (e *Engine) Start(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prod, err := e.production(projectID)
	if err != nil {
		return err
	}
	return e.startAll(ctx, prod)
}

// Stop stops every host, LIFO of the start order, honoring each host's
// graceful shutdown timeout.
func (e *Engine) Stop(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	prod, err := e.production(projectID)
	if err != nil {
		return err
	}
	return e.stopAll(ctx, prod)
}

func (e *Engine) stopAll(ctx context.Context, prod *production) error {
	var errs []error
	for i := len(prod.order) - 1; i >= 0; i-- {
		item, ok := prod.items[prod.order[i]]
		if !ok || item.State() == types.StateStopped || item.State() == types.StateCreated {
			continue
		}
		if err := item.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", item.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Reload applies a new snapshot to a running production with the minimum
// disruptive action per item: removed items stop, modified items hot-reload
// in place, added items start last (spec.md §4.6). Router rules and targets
// always reinstall in place, without traffic interruption.
func (e *Engine) Reload(ctx context.Context, projectID string, snap types.Snapshot) error {
	if err := validateHard(&snap); err != nil {
		return fmt.Errorf("engine: reload %s: %w", projectID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prod, err := e.production(projectID)
	if err != nil {
		return err
	}

	newItems := make(map[string]types.ItemConfig, len(snap.Items))
	for _, cfg := range snap.Items {
		newItems[cfg.Name] = cfg
	}
	prod.snapshot = snap
	b := &builder{engine: e, projectID: projectID, registry: prod.registry, snapshot: &prod.snapshot}

	// Removed items: stop, then discard.
	for name, item := range prod.items {
		if _, keep := newItems[name]; keep {
			continue
		}
		if err := item.Stop(ctx); err != nil {
			e.logger.Warn().Err(err).Str("item", name).Msg("stop of removed item failed")
		}
		prod.registry.Unregister(name)
		delete(prod.items, name)
	}

	// Modified (and unchanged) items: hot reload in place; a kind or
	// adapter-type change is a rebuild.
	var errs []error
	for name, cfg := range newItems {
		item, exists := prod.items[name]
		if !exists {
			continue
		}
		old := item.Config()
		if old.Kind != cfg.Kind || old.AdapterType != cfg.AdapterType {
			if err := item.Stop(ctx); err != nil {
				e.logger.Warn().Err(err).Str("item", name).Msg("stop of rebuilt item failed")
			}
			prod.registry.Unregister(name)
			delete(prod.items, name)
			continue // recreated below alongside added items
		}
		cfg.HostSettings = withHostDefaults(cfg.HostSettings)
		if err := item.Reload(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", name, err))
		}
		if r, ok := item.(*router.RouterHost); ok && cfg.Enabled {
			if err := r.SetRules(b.rulesFor(name)); err != nil {
				e.logger.Warn().Err(err).Str("item", name).Msg("some routing rules disabled")
			}
			r.SetDefaultTargets(b.connectionTargets(name, types.ConnectionStandard))
		}
	}

	// Added (and rebuilt) items: build now, start last.
	for _, cfg := range snap.Items {
		if _, exists := prod.items[cfg.Name]; exists || !cfg.Enabled {
			continue
		}
		item, err := b.build(cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		prod.items[cfg.Name] = item
		prod.registry.Register(item)
	}
	prod.order = startOrder(&snap)
	if err := e.startAll(ctx, prod); err != nil {
		errs = append(errs, err)
	}

	e.cfg.Broker.Publish(&events.Event{Type: events.ProductionReload, Message: projectID})
	if len(errs) > 0 {
		return fmt.Errorf("engine: reload %s: %w", projectID, errors.Join(errs...))
	}
	e.logger.Info().Str("project", projectID).Msg("production reloaded")
	return nil
}

// Status reports each host's lifecycle state (spec.md §6 control surface).
func (e *Engine) Status(projectID string) (map[string]types.HostState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prod, err := e.production(projectID)
	if err != nil {
		return nil, err
	}
	status := make(map[string]types.HostState, len(prod.items))
	for name, item := range prod.items {
		status[name] = item.State()
	}
	return status, nil
}

// ItemMetrics is the per-item snapshot behind the item_metrics control
// surface: queue occupancy, worker count, and (for operations) the last
// connectivity probe of the remote endpoint.
type ItemMetrics struct {
	State         types.HostState
	QueueDepth    int
	QueueCapacity int
	WorkerCount   int
	Connectivity  *health.Result
}

// ItemMetrics probes one item. The connectivity check dials the operation's
// configured remote on the spot; service and process items report queue and
// worker figures only.
func (e *Engine) ItemMetrics(ctx context.Context, projectID, itemName string) (*ItemMetrics, error) {
	e.mu.Lock()
	prod, err := e.production(projectID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	item, ok := prod.items[itemName]
	e.mu.Unlock()
	if !ok {
		return nil, types.ErrTargetNotFound
	}

	cfg := item.Config()
	m := &ItemMetrics{
		State:         item.State(),
		QueueDepth:    item.QueueDepth(),
		QueueCapacity: cfg.HostSettings.QueueSize,
		WorkerCount:   item.WorkerCount(),
	}

	if checker := connectivityChecker(cfg); checker != nil {
		result := checker.Check(ctx)
		m.Connectivity = &result
	}
	return m, nil
}

// connectivityChecker builds the probe matching an operation's transport,
// or nil when the item has no remote to probe.
func connectivityChecker(cfg types.ItemConfig) health.Checker {
	if cfg.Kind != types.ItemOperation {
		return nil
	}
	s := newSettings(cfg.AdapterSettings)
	switch cfg.AdapterType {
	case "mllp":
		remote := s.str("IPAddress", "")
		port := s.integer("Port", 0)
		if remote == "" || port <= 0 {
			return nil
		}
		return health.NewTCPChecker(fmt.Sprintf("%s:%d", remote, port))
	case "http":
		if url := s.str("URL", ""); url != "" {
			return health.NewHTTPChecker(url)
		}
	}
	return nil
}

// Projects returns every deployed project ID.
func (e *Engine) Projects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.productions))
	for id := range e.productions {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) production(projectID string) (*production, error) {
	prod, ok := e.productions[projectID]
	if !ok {
		known := strings.Join(e.projectIDsLocked(), ", ")
		return nil, fmt.Errorf("engine: unknown project %q (deployed: %s)", projectID, known)
	}
	return prod, nil
}

func (e *Engine) projectIDsLocked() []string {
	ids := make([]string, 0, len(e.productions))
	for id := range e.productions {
		ids = append(ids, id)
	}
	return ids
}
