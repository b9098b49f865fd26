// Package httpadapter implements the HTTP transport of spec.md §4.4: an
// inbound adapter that turns each request under a path prefix into one
// envelope (201 after enqueue is the "ACK"), and an outbound adapter that
// POSTs payloads and maps the response status through a reply-code-action
// table identical in spirit to MLLP's.
package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/types"
)

// maxInboundBody bounds one request's payload.
const maxInboundBody = 10 << 20

// InboundConfig holds the per-item settings an HTTP service host needs.
type InboundConfig struct {
	ItemName    string
	BindHost    string
	Port        int
	Path        string
	ContentType string // expected Content-Type; empty accepts anything
	ReadTimeout time.Duration
}

func (c InboundConfig) withDefaults() InboundConfig {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if !strings.HasPrefix(c.Path, "/") {
		c.Path = "/" + c.Path
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	return c
}

// InboundAdapter registers a route under a path prefix and submits one
// envelope per request, carrying the HTTP headers in Properties and the
// body in RawPayload. It implements host.Adapter and host.Pump.
type InboundAdapter struct {
	cfg      InboundConfig
	listener net.Listener
	server   *http.Server
	submit   func(*types.MessageEnvelope) error
	logger   zerolog.Logger
}

// NewInboundAdapter constructs an InboundAdapter with defaults applied.
func NewInboundAdapter(cfg InboundConfig) *InboundAdapter {
	return &InboundAdapter{
		cfg:    cfg.withDefaults(),
		logger: log.WithItem(cfg.ItemName, "service"),
	}
}

// Addr returns the bound address, for tests and item metrics.
func (a *InboundAdapter) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Open binds the listening socket.
func (a *InboundAdapter) Open(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.BindHost, a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpadapter: listen %s: %w", addr, err)
	}
	a.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handle)
	a.server = &http.Server{
		Handler:     mux,
		ReadTimeout: a.cfg.ReadTimeout,
	}

	a.logger.Info().Str("addr", ln.Addr().String()).Str("path", a.cfg.Path).Msg("http inbound listening")
	return nil
}

// Close shuts the server down, waiting for in-flight requests up to ctx's
// deadline.
func (a *InboundAdapter) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown(ctx)
	a.server = nil
	a.listener = nil
	return err
}

// Run serves until ctx is cancelled.
func (a *InboundAdapter) Run(ctx context.Context, submit func(*types.MessageEnvelope) error) error {
	if a.server == nil {
		return errors.New("httpadapter: inbound adapter not open")
	}
	a.submit = submit

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpadapter: serve: %w", err)
	}
	return nil
}

func (a *InboundAdapter) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.cfg.ContentType != "" && !strings.HasPrefix(r.Header.Get("Content-Type"), a.cfg.ContentType) {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	props := map[string]string{
		"http_method": r.Method,
		"http_path":   r.URL.Path,
	}
	for name, values := range r.Header {
		props["http_header_"+strings.ToLower(name)] = strings.Join(values, ",")
	}

	env := &types.MessageEnvelope{
		MessageID:   uuid.NewString(),
		SessionID:   uuid.NewString(),
		SourceHost:  a.cfg.ItemName,
		ContentType: r.Header.Get("Content-Type"),
		RawPayload:  payload,
		Properties:  props,
	}

	if err := a.submit(env); err != nil {
		// A reject-policy overflow NAKs the peer, per spec.md §5's
		// backpressure contract.
		if errors.Is(err, types.ErrQueueOverflow) {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"message_id":%q}`, env.MessageID)
}

var _ host.Adapter = (*InboundAdapter)(nil)
var _ host.Pump = (*InboundAdapter)(nil)
