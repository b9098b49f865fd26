package httpadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/mllp"
	"github.com/carepath/conduit/pkg/types"
)

// OutboundConfig holds the per-item settings an HTTP operation host needs.
// ReplyCodeActions patterns match the three-digit response status ("200",
// "5??", "*"), same table shape as MLLP's MSA-1 patterns.
type OutboundConfig struct {
	ItemName         string
	URL              string
	Method           string
	ContentType      string
	RequestTimeout   time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	ReplyCodeActions string
}

func (c OutboundConfig) withDefaults() OutboundConfig {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.ReplyCodeActions == "" {
		// 2xx delivered, 5xx transient, anything else (permanent 4xx) fatal,
		// per spec.md §7's transport taxonomy.
		c.ReplyCodeActions = "2??=S,5??=R,*=F"
	}
	return c
}

// OutboundAdapter POSTs each envelope's raw payload to a configured URL and
// maps the response status through ReplyCodeActions.
type OutboundAdapter struct {
	cfg    OutboundConfig
	rules  []mllp.ReplyCodeRule
	store  mllp.BodyStore
	client *http.Client
	logger zerolog.Logger
}

// NewOutboundAdapter constructs an OutboundAdapter, parsing ReplyCodeActions
// eagerly so a malformed table fails at deploy time. store may be nil, in
// which case response bodies are not persisted.
func NewOutboundAdapter(cfg OutboundConfig, store mllp.BodyStore) (*OutboundAdapter, error) {
	cfg = cfg.withDefaults()
	rules, err := mllp.ParseReplyCodeActions(cfg.ReplyCodeActions)
	if err != nil {
		return nil, err
	}
	return &OutboundAdapter{
		cfg:    cfg,
		rules:  rules,
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: log.WithItem(cfg.ItemName, "operation"),
	}, nil
}

// Open is a no-op; connections are pooled by the http.Client.
func (a *OutboundAdapter) Open(ctx context.Context) error { return nil }

// Close releases the client's idle connections.
func (a *OutboundAdapter) Close(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// Deliver is the operation host's MessageHandler: send the payload, map the
// status code, retry transient failures up to MaxRetries.
func (a *OutboundAdapter) Deliver(ctx context.Context, env *types.MessageEnvelope) host.Outcome {
	limiter := rate.NewLimiter(rate.Every(a.cfg.RetryInterval), 1)
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return host.Outcome{Status: types.StatusFailed, Err: err}
			}
		}

		status, respBody, err := a.sendOnce(ctx, env)
		if err != nil {
			lastErr = err
			a.logger.Warn().Err(err).Int("attempt", attempt).Msg("http outbound delivery attempt failed")
			continue
		}

		var ackBodyID string
		if a.store != nil && len(respBody) > 0 {
			ackBodyID = a.store.StoreBody(respBody, "application/octet-stream", "")
		}

		code := strconv.Itoa(status)
		switch mllp.MatchAction(code, a.rules) {
		case mllp.ActionRetry:
			lastErr = fmt.Errorf("httpadapter: remote replied %s, retrying", code)
			continue
		case mllp.ActionFail:
			return host.Outcome{Status: types.StatusFailed, AckBodyID: ackBodyID,
				Err: &host.FatalError{Err: fmt.Errorf("httpadapter: remote replied %s", code)}}
		case mllp.ActionWarn:
			a.logger.Warn().Str("status", code).Msg("non-2xx treated as delivered per reply code action table")
			return host.Outcome{Status: types.StatusSent, AckBodyID: ackBodyID}
		default:
			return host.Outcome{Status: types.StatusSent, AckBodyID: ackBodyID}
		}
	}

	return host.Outcome{Status: types.StatusFailed,
		Err: &host.FatalError{Err: fmt.Errorf("httpadapter: delivery failed after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)}}
}

func (a *OutboundAdapter) sendOnce(ctx context.Context, env *types.MessageEnvelope) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, a.cfg.Method, a.cfg.URL, bytes.NewReader(env.RawPayload))
	if err != nil {
		return 0, nil, fmt.Errorf("httpadapter: build request: %w", err)
	}
	contentType := env.ContentType
	if contentType == "" {
		contentType = a.cfg.ContentType
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Message-ID", env.MessageID)

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("httpadapter: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInboundBody))
	if err != nil {
		return 0, nil, fmt.Errorf("httpadapter: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

var _ host.Adapter = (*OutboundAdapter)(nil)
