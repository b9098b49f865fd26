package mllp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/types"
)

// Action is what an OutboundAdapter does with a delivery once a remote
// ACK's MSA-1 code has been matched against ReplyCodeActions.
type Action string

const (
	ActionSuccess Action = "S" // treat as delivered
	ActionFail    Action = "F" // fatal, do not retry
	ActionRetry   Action = "R" // retryable, adapter retries internally
	ActionWarn    Action = "W" // delivered, but logged as a warning
)

// ReplyCodeRule matches an MSA-1 code against Pattern ('?' wildcards one
// character, '*' matches anything) and applies Action on a match.
type ReplyCodeRule struct {
	Pattern string
	Action  Action
}

// ParseReplyCodeActions parses the comma-separated "pattern=action" table
// described in spec.md §6 (e.g. "?E=R,*=S"). A leading ':' on a pattern is
// accepted and ignored, matching the notation spec.md's worked examples
// use. An empty string yields the documented default of unconditional
// success.
func ParseReplyCodeActions(raw string) ([]ReplyCodeRule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []ReplyCodeRule{{Pattern: "*", Action: ActionSuccess}}, nil
	}

	var rules []ReplyCodeRule
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.LastIndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("mllp: malformed reply code action %q", part)
		}
		pattern := strings.TrimPrefix(strings.TrimSpace(part[:eq]), ":")
		action := Action(strings.ToUpper(strings.TrimSpace(part[eq+1:])))
		switch action {
		case ActionSuccess, ActionFail, ActionRetry, ActionWarn:
		default:
			return nil, fmt.Errorf("mllp: unknown reply code action %q", action)
		}
		rules = append(rules, ReplyCodeRule{Pattern: pattern, Action: action})
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("mllp: no reply code actions parsed from %q", raw)
	}
	return rules, nil
}

// MatchAction resolves code against rules in order, first match wins. An
// unmatched code is treated as success, the documented default. Shared with
// the HTTP outbound adapter, whose status-class table is the same shape.
func MatchAction(code string, rules []ReplyCodeRule) Action {
	for _, r := range rules {
		if matchPattern(r.Pattern, code) {
			return r.Action
		}
	}
	return ActionSuccess
}

func matchPattern(pattern, code string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) != len(code) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '?' {
			continue
		}
		if pattern[i] != code[i] {
			return false
		}
	}
	return true
}

// BodyStore is the subset of a trace writer an OutboundAdapter needs to
// persist the raw ACK payload it receives back, declared locally so this
// package does not depend on pkg/trace.
type BodyStore interface {
	StoreBody(payload []byte, contentType, schemaVersion string) string
}

// OutboundConfig holds the per-item settings an MLLP operation host needs.
type OutboundConfig struct {
	ItemName         string
	RemoteHost       string
	Port             int
	ConnectTimeout   time.Duration
	AckTimeout       time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	ReplyCodeActions string
	// FailureTimeout caps the total wall-clock time spent on one delivery
	// across all retries; <=0 disables the cap (spec.md §6 default -1).
	FailureTimeout time.Duration
}

func (c OutboundConfig) withDefaults() OutboundConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.ReplyCodeActions == "" {
		c.ReplyCodeActions = "*=S"
	}
	return c
}

// OutboundAdapter dials a remote MLLP listener, reusing one connection
// across deliveries, and implements the MessageHandler an operation host
// calls per spec.md §4.4: frame, send, await ACK, map MSA-1 through
// ReplyCodeActions, with its own retry ceiling so the host's generic
// restart supervisor only sees a final, fully-retried outcome.
type OutboundAdapter struct {
	cfg   OutboundConfig
	rules []ReplyCodeRule
	store BodyStore

	mu   sync.Mutex
	conn net.Conn

	logger zerolog.Logger
}

// NewOutboundAdapter constructs an OutboundAdapter, parsing cfg's
// ReplyCodeActions eagerly so a malformed table fails at deploy time
// rather than on the first delivery. store may be nil, in which case ACK
// bodies are not persisted.
func NewOutboundAdapter(cfg OutboundConfig, store BodyStore) (*OutboundAdapter, error) {
	cfg = cfg.withDefaults()
	rules, err := ParseReplyCodeActions(cfg.ReplyCodeActions)
	if err != nil {
		return nil, err
	}
	return &OutboundAdapter{
		cfg:    cfg,
		rules:  rules,
		store:  store,
		logger: log.WithItem(cfg.ItemName, "operation"),
	}, nil
}

// Open is a no-op: the connection is dialed lazily on first delivery so a
// momentarily-unreachable remote does not block item startup.
func (a *OutboundAdapter) Open(ctx context.Context) error { return nil }

// Close drops the pooled connection, if any.
func (a *OutboundAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *OutboundAdapter) dial(ctx context.Context) (net.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.RemoteHost, a.cfg.Port)
	d := net.Dialer{Timeout: a.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

func (a *OutboundAdapter) dropConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// Deliver is the operation host's MessageHandler: it sends env.RawPayload
// framed as MLLP, awaits the remote ACK, and retries transient failures
// (transport errors, or a remote code mapped to ActionRetry) up to
// MaxRetries, paced by a rate.Limiter rather than a hand-rolled sleep loop.
func (a *OutboundAdapter) Deliver(ctx context.Context, env *types.MessageEnvelope) host.Outcome {
	if a.cfg.FailureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FailureTimeout)
		defer cancel()
	}
	limiter := rate.NewLimiter(rate.Every(a.cfg.RetryInterval), 1)
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return host.Outcome{Status: types.StatusFailed, Err: err}
			}
		}

		code, ackPayload, err := a.sendOnce(ctx, env.RawPayload)
		if err != nil {
			lastErr = err
			a.dropConn()
			a.logger.Warn().Err(err).Int("attempt", attempt).Msg("mllp outbound delivery attempt failed")
			continue
		}
		metrics.MLLPFramesTotal.WithLabelValues(a.cfg.ItemName, string(types.DirectionOutbound)).Inc()
		metrics.MLLPAcksTotal.WithLabelValues(a.cfg.ItemName, string(code)).Inc()

		var ackBodyID string
		if a.store != nil {
			ackBodyID = a.store.StoreBody(ackPayload, "application/hl7-v2+er7", env.SchemaVersion)
		}

		switch MatchAction(string(code), a.rules) {
		case ActionRetry:
			lastErr = fmt.Errorf("mllp: remote replied %s, retrying", code)
			continue
		case ActionFail:
			return host.Outcome{Status: types.StatusFailed, AckBodyID: ackBodyID,
				Err: &host.FatalError{Err: fmt.Errorf("mllp: remote replied %s", code)}}
		case ActionWarn:
			a.logger.Warn().Str("ack_code", string(code)).Msg("remote nak treated as delivered per reply code action table")
			return host.Outcome{Status: types.StatusSent, AckBodyID: ackBodyID}
		default:
			return host.Outcome{Status: types.StatusSent, AckBodyID: ackBodyID}
		}
	}

	return host.Outcome{Status: types.StatusFailed,
		Err: &host.FatalError{Err: fmt.Errorf("mllp: delivery failed after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)}}
}

func (a *OutboundAdapter) sendOnce(ctx context.Context, payload []byte) (hl7.AckCode, []byte, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("mllp: connect: %w", err)
	}

	writeDeadline := time.Now().Add(a.cfg.ConnectTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(writeDeadline) {
		writeDeadline = deadline
	}
	conn.SetWriteDeadline(writeDeadline)
	if _, err := conn.Write(hl7.Frame(payload)); err != nil {
		return "", nil, fmt.Errorf("mllp: write: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(a.cfg.AckTimeout))
	ackPayload, err := hl7.NewFramer(conn).Next()
	if err != nil {
		return "", nil, fmt.Errorf("mllp: read ack: %w", err)
	}

	code, _, err := hl7.ParseAck(ackPayload)
	if err != nil {
		return "", nil, fmt.Errorf("mllp: parse ack: %w", err)
	}
	return code, ackPayload, nil
}
