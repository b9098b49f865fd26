// Package mllp implements the inbound and outbound MLLP adapters: a TCP
// accept loop that frames/unframes HL7 v2 ER7 traffic and synthesizes
// ACKs on the way in, and a dialing adapter that frames outbound payloads,
// awaits the remote ACK, and maps MSA-1 through a configurable reply-code
// action table on the way out, per spec.md §4.3 and §6.
package mllp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/types"
)

// AckMode controls whether and how an InboundAdapter synthesizes an ACK
// for each received frame, per spec.md §6.
type AckMode string

const (
	AckImmediate   AckMode = "immediate"
	AckApplication AckMode = "application"
	AckNever       AckMode = "never"
)

// InboundConfig holds the per-item settings an MLLP service host needs.
type InboundConfig struct {
	ItemName          string
	BindHost          string
	Port              int
	MaxConnections    int
	ReadTimeout       time.Duration
	AckMode           AckMode
	BadMessageHandler string

	// Trace receives the error rows for frames that never become an
	// envelope (framing failures, unparseable messages). May be nil.
	Trace host.TraceSink
}

func (c InboundConfig) withDefaults() InboundConfig {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.AckMode == "" {
		c.AckMode = AckImmediate
	}
	return c
}

// InboundAdapter binds a TCP port and, for each connection, reads frames
// in a loop: parse, synthesize an ACK, forward the envelope onward via the
// handler the owning Host installs. It implements host.Adapter and
// host.Pump.
type InboundAdapter struct {
	cfg InboundConfig

	mu       sync.Mutex
	listener net.Listener
	connSem  chan struct{}

	logger zerolog.Logger
}

// NewInboundAdapter constructs an InboundAdapter with spec.md §6 defaults
// applied to any zero-valued field.
func NewInboundAdapter(cfg InboundConfig) *InboundAdapter {
	cfg = cfg.withDefaults()
	return &InboundAdapter{
		cfg:    cfg,
		logger: log.WithItem(cfg.ItemName, "service"),
	}
}

// Open binds the listening socket. Called by the owning Host before Run.
func (a *InboundAdapter) Open(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.BindHost, a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mllp: listen %s: %w", addr, err)
	}

	a.mu.Lock()
	a.listener = ln
	a.connSem = make(chan struct{}, a.cfg.MaxConnections)
	a.mu.Unlock()

	a.logger.Info().Str("addr", addr).Msg("mllp inbound listening")
	return nil
}

// Close stops accepting new connections. In-flight connections are closed
// when Run's context is canceled.
func (a *InboundAdapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	err := a.listener.Close()
	a.listener = nil
	return err
}

// Run accepts connections until ctx is canceled, handling each on its own
// goroutine, bounded by MaxConnections. submit enqueues a parsed envelope
// on the owning Host.
func (a *InboundAdapter) Run(ctx context.Context, submit func(*types.MessageEnvelope) error) error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return errors.New("mllp: inbound adapter not open")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mllp: accept: %w", err)
		}

		select {
		case a.connSem <- struct{}{}:
		default:
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-a.connSem }()
			a.handleConn(ctx, conn, submit)
		}()
	}
}

func (a *InboundAdapter) handleConn(ctx context.Context, conn net.Conn, submit func(*types.MessageEnvelope) error) {
	defer conn.Close()
	framer := hl7.NewFramer(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		if a.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
		}

		payload, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			metrics.MLLPFramingErrorsTotal.WithLabelValues(a.cfg.ItemName).Inc()
			a.writeErrorHeader("mllp framing error: "+err.Error(), nil)
			a.logger.Warn().Err(err).Msg("mllp framing error, closing connection")
			return
		}
		metrics.MLLPFramesTotal.WithLabelValues(a.cfg.ItemName, string(types.DirectionInbound)).Inc()

		msg, parseErr := hl7.Parse(payload)
		ackSource := msg
		if parseErr != nil {
			ackSource = bestEffortMSH(payload)
		}

		if a.cfg.AckMode != AckNever && ackSource != nil {
			code := ackCodeFor(a.cfg.AckMode, parseErr)
			ack := hl7.BuildAck(ackSource, code, time.Now())
			conn.SetWriteDeadline(time.Now().Add(a.cfg.ReadTimeout))
			if _, werr := conn.Write(hl7.Frame(ack)); werr != nil {
				a.logger.Warn().Err(werr).Msg("mllp ack write failed, closing connection")
				return
			}
			metrics.MLLPAcksTotal.WithLabelValues(a.cfg.ItemName, string(code)).Inc()
		}

		if parseErr != nil {
			a.writeErrorHeader("hl7 parse error: "+parseErr.Error(), payload)
			a.logger.Warn().Err(parseErr).Msg("mllp inbound message failed to parse, not forwarded")
			continue
		}

		env := &types.MessageEnvelope{
			MessageID:     uuid.NewString(),
			SessionID:     uuid.NewString(),
			SourceHost:    a.cfg.ItemName,
			ContentType:   "application/hl7-v2+er7",
			SchemaVersion: msg.Version(),
			RawPayload:    payload,
			ParsedView:    &types.ParsedView{Kind: "hl7-er7", Fields: msg},
		}
		if err := submit(env); err != nil {
			a.logger.Warn().Err(err).Msg("mllp inbound submit failed")
		}
	}
}

// writeErrorHeader records a frame that never became an envelope, so the
// failure is visible in the trace rather than only in the log. payload may
// be nil when the frame itself was unreadable.
func (a *InboundAdapter) writeErrorHeader(message string, payload []byte) {
	if a.cfg.Trace == nil {
		return
	}
	var bodyID string
	if len(payload) > 0 {
		bodyID = a.cfg.Trace.StoreBody(payload, "application/octet-stream", "")
	}
	now := time.Now()
	a.cfg.Trace.WriteHeader(&types.MessageHeader{
		HeaderID:     uuid.NewString(),
		ItemName:     a.cfg.ItemName,
		ItemKind:     types.ItemService,
		Direction:    types.DirectionInbound,
		Status:       types.StatusError,
		ErrorMessage: message,
		BodyID:       bodyID,
		ReceivedAt:   now,
		CompletedAt:  now,
	})
}

// ackCodeFor maps the configured AckMode and a hl7.Parse error to the
// MSA-1 code an InboundAdapter replies with. A message too malformed to
// have an MSH at all is rejected outright (AR) in every mode. Past that,
// immediate mode acknowledges receipt without validating (always AA);
// only application mode downgrades a parse failure to AE.
func ackCodeFor(mode AckMode, parseErr error) hl7.AckCode {
	if parseErr == nil {
		return hl7.AckApplicationAccept
	}
	if errors.Is(parseErr, hl7.ErrNoMSH) {
		return hl7.AckApplicationReject
	}
	if mode == AckApplication {
		return hl7.AckApplicationError
	}
	return hl7.AckApplicationAccept
}

// bestEffortMSH re-parses just the first segment line so BuildAck can
// still swap sending/receiving application and facility fields even when
// a later segment in the message is malformed.
func bestEffortMSH(payload []byte) *hl7.Message {
	text := string(payload)
	if idx := strings.IndexByte(text, '\r'); idx >= 0 {
		text = text[:idx]
	}
	msg, err := hl7.Parse([]byte(text))
	if err != nil {
		return nil
	}
	return msg
}
