package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/registry"
	"github.com/carepath/conduit/pkg/types"
)

// TransformFunc resolves a RoutingRule.TransformName to an in-process
// function, per spec.md §4.5's "transform" action: it must return a new
// envelope (fresh MessageID, same SessionID), never mutate its input.
type TransformFunc func(env *types.MessageEnvelope) (*types.MessageEnvelope, error)

// TransformRegistry is the closed-set "transform_name -> function" lookup
// a RouterHost consults, mirroring the adapter_type registry design note
// in spec.md §9: no open runtime class loading, a fixed map installed at
// build/deploy time.
type TransformRegistry struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

// NewTransformRegistry returns a TransformRegistry pre-seeded with
// "identity", which re-legs an envelope without altering its payload.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{fns: make(map[string]TransformFunc)}
	r.Register("identity", IdentityTransform)
	return r
}

// Register installs fn under name, replacing any existing registration.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Get resolves name to its TransformFunc.
func (r *TransformRegistry) Get(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// IdentityTransform produces a new leg carrying the same payload, the
// default transform for rules that only need a fresh MessageID.
func IdentityTransform(env *types.MessageEnvelope) (*types.MessageEnvelope, error) {
	return env.Clone(uuid.NewString()), nil
}

// compiledRule pairs a RoutingRule with its pre-parsed condition. A rule
// whose condition failed to parse at load time is omitted from the
// compiled set entirely (spec.md §4.5: "disables the rule").
type compiledRule struct {
	types.RoutingRule
	cond *Condition
}

// RouterHost is the process-kind host specialization of spec.md §4.5: no
// adapter, an ordered all-match rule set, and a default-targets fallback
// sourced from Connections.
type RouterHost struct {
	*host.Host

	reg        *registry.Registry
	transforms *TransformRegistry

	mu                sync.RWMutex
	rules             []compiledRule
	defaultTargets    []string
	validationMode    types.ValidationMode
	badMessageHandler string
}

// New compiles rules and constructs the underlying host.Host with this
// router's evaluation loop wired in as its MessageHandler. Rule condition
// parse failures are collected and returned as a joined error for the
// engine to report (spec.md §4.5); the router still runs with whatever
// rules did parse.
func New(cfg types.ItemConfig, hc host.Config, rules []types.RoutingRule, defaultTargets []string,
	validationMode types.ValidationMode, badMessageHandler string, transforms *TransformRegistry) (*RouterHost, error) {

	if transforms == nil {
		transforms = NewTransformRegistry()
	}

	r := &RouterHost{
		reg:               hc.Registry,
		transforms:        transforms,
		defaultTargets:    defaultTargets,
		validationMode:    validationMode,
		badMessageHandler: badMessageHandler,
	}

	var loadErrs []error
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		rule.LoadSequence = i
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("rule %q: %w", rule.Name, err))
			continue
		}
		compiled = append(compiled, compiledRule{RoutingRule: rule, cond: cond})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].LoadSequence < compiled[j].LoadSequence
	})
	r.rules = compiled

	hc.Handler = r.handle
	r.Host = host.New(cfg, hc)

	if len(loadErrs) > 0 {
		return r, fmt.Errorf("router %s: %w", cfg.Name, errors.Join(loadErrs...))
	}
	return r, nil
}

// SetRules recompiles and installs a new rule set in place, for hot reload
// (spec.md §4.6: "targets and rules may change in place on routers without
// any traffic interruption").
func (r *RouterHost) SetRules(rules []types.RoutingRule) error {
	var loadErrs []error
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		rule.LoadSequence = i
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("rule %q: %w", rule.Name, err))
			continue
		}
		compiled = append(compiled, compiledRule{RoutingRule: rule, cond: cond})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].LoadSequence < compiled[j].LoadSequence
	})

	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()

	if len(loadErrs) > 0 {
		return errors.Join(loadErrs...)
	}
	return nil
}

// SetDefaultTargets installs a new Connections-derived fallback target
// list in place.
func (r *RouterHost) SetDefaultTargets(targets []string) {
	r.mu.Lock()
	r.defaultTargets = targets
	r.mu.Unlock()
}

// handle is the router's MessageHandler: parse (per ValidationMode),
// evaluate every enabled rule in ascending priority collecting the union
// of matched targets (all-match, not first-match, per spec.md §4.5), then
// forward.
func (r *RouterHost) handle(ctx context.Context, env *types.MessageEnvelope) host.Outcome {
	r.mu.RLock()
	mode := r.validationMode
	rules := r.rules
	defaults := r.defaultTargets
	badHandler := r.badMessageHandler
	r.mu.RUnlock()

	msg := parsedMessage(env)
	if mode != types.ValidationNone && msg == nil {
		parsed, err := hl7.Parse(env.RawPayload)
		if err != nil {
			if env.Properties == nil {
				env.Properties = make(map[string]string)
			}
			env.Properties["parse_error"] = err.Error()
			if mode == types.ValidationError {
				if badHandler != "" {
					_ = host.Forward(r.reg, r.Name(), badHandler, env)
					return host.Outcome{Status: types.StatusError, Destination: badHandler, Err: fmt.Errorf("router: validation failed: %w", err)}
				}
				return host.Outcome{Status: types.StatusError, Err: fmt.Errorf("router: validation failed: %w", err)}
			}
			// warn mode: record the failure but still evaluate rules with msg=nil.
		} else {
			msg = parsed
			env.ParsedView = &types.ParsedView{Kind: "hl7-er7", Fields: msg}
		}
	}

	// dispatch binds one matched rule's result envelope to that rule's own
	// targets: a send rule always forwards the original envelope and a
	// transform rule forwards only its own output, so one rule's transform
	// never replaces what another rule delivers. Every matching transform
	// rule runs its own function.
	type dispatch struct {
		env     *types.MessageEnvelope
		targets []string
	}
	var dispatches []dispatch
	var allTargets []string
	seenAll := make(map[string]bool)
	seenSend := make(map[string]bool)
	terminalMatched := false
	var ruleErrs []error

	for _, cr := range rules {
		if !cr.Enabled {
			continue
		}
		matched, failed := safeEval(cr.cond, msg)
		if failed {
			metrics.RuleEvaluationFailuresTotal.WithLabelValues(r.Name(), cr.Name).Inc()
		}
		metrics.RuleEvaluationsTotal.WithLabelValues(r.Name(), cr.Name, strconv.FormatBool(matched)).Inc()
		if !matched {
			continue
		}

		switch cr.Action {
		case types.ActionSend:
			// Send rules all carry the same envelope, so their targets
			// dedup against each other.
			var targets []string
			addTargets(&targets, seenSend, cr.Targets)
			if len(targets) > 0 {
				dispatches = append(dispatches, dispatch{env: env, targets: targets})
				addTargets(&allTargets, seenAll, targets)
			}
		case types.ActionTransform:
			fn, ok := r.transforms.Get(cr.TransformName)
			if !ok {
				ruleErrs = append(ruleErrs, fmt.Errorf("rule %q: unknown transform %q", cr.Name, cr.TransformName))
				continue
			}
			transformed, err := fn(env)
			if err != nil {
				ruleErrs = append(ruleErrs, fmt.Errorf("rule %q: transform %q failed: %w", cr.Name, cr.TransformName, err))
				continue
			}
			var targets []string
			addTargets(&targets, make(map[string]bool), cr.Targets)
			if len(targets) > 0 {
				dispatches = append(dispatches, dispatch{env: transformed, targets: targets})
				addTargets(&allTargets, seenAll, targets)
			}
		case types.ActionStop, types.ActionDelete:
			terminalMatched = true
		}
	}

	if len(dispatches) == 0 {
		if len(ruleErrs) > 0 {
			return host.Outcome{Status: types.StatusError, Err: fmt.Errorf("router: %w", errors.Join(ruleErrs...))}
		}
		if terminalMatched || len(defaults) == 0 {
			return host.Outcome{Status: types.StatusNoMatch}
		}
		var targets []string
		addTargets(&targets, seenAll, defaults)
		dispatches = append(dispatches, dispatch{env: env, targets: targets})
		allTargets = targets
	}

	g, _ := errgroup.WithContext(ctx)
	for _, d := range dispatches {
		for _, target := range d.targets {
			d, target := d, target
			g.Go(func() error {
				return host.Forward(r.reg, r.Name(), target, d.env)
			})
		}
	}
	dest := strings.Join(allTargets, ",")
	if err := g.Wait(); err != nil {
		return host.Outcome{Status: types.StatusError, Destination: dest,
			Err: fmt.Errorf("router: forward failed: %w", err)}
	}
	if len(ruleErrs) > 0 {
		return host.Outcome{Status: types.StatusError, Destination: dest,
			Err: fmt.Errorf("router: %w", errors.Join(ruleErrs...))}
	}

	return host.Outcome{Status: types.StatusCompleted, Destination: dest}
}

func addTargets(dst *[]string, seen map[string]bool, targets []string) {
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		*dst = append(*dst, t)
	}
}

func parsedMessage(env *types.MessageEnvelope) *hl7.Message {
	if env.ParsedView == nil {
		return nil
	}
	msg, _ := env.ParsedView.Fields.(*hl7.Message)
	return msg
}

// safeEval evaluates cond, treating a runtime panic (malformed accessor
// slipping past load-time parsing, etc.) as a `false` result while
// reporting that it failed, per spec.md §4.5: "runtime evaluation
// failures are treated as false and counted".
func safeEval(cond *Condition, msg *hl7.Message) (result, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			result, failed = false, true
		}
	}()
	return cond.Eval(msg), false
}
