package fileadapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/types"
)

// OutboundConfig holds the per-item settings a file operation host needs.
type OutboundConfig struct {
	ItemName  string
	Directory string
	// Extension of the written file, without the dot (default "hl7").
	Extension string
}

func (c OutboundConfig) withDefaults() OutboundConfig {
	c.Extension = strings.TrimPrefix(c.Extension, ".")
	if c.Extension == "" {
		c.Extension = "hl7"
	}
	return c
}

// OutboundAdapter writes each envelope's raw payload to
// <dir>/<message_id>.<ext> via an atomic rename from a temp name, so a
// downstream poller never observes a half-written file (spec.md §4.4).
type OutboundAdapter struct {
	cfg    OutboundConfig
	logger zerolog.Logger
}

// NewOutboundAdapter constructs an OutboundAdapter with defaults applied.
func NewOutboundAdapter(cfg OutboundConfig) *OutboundAdapter {
	return &OutboundAdapter{
		cfg:    cfg.withDefaults(),
		logger: log.WithItem(cfg.ItemName, "operation"),
	}
}

// Open ensures the target directory exists.
func (a *OutboundAdapter) Open(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("fileadapter: directory %s: %w", a.cfg.Directory, err)
	}
	return nil
}

// Close is a no-op; the adapter holds no open resources between deliveries.
func (a *OutboundAdapter) Close(ctx context.Context) error { return nil }

// Deliver is the operation host's MessageHandler. A filesystem failure is
// retryable: "filesystem busy" is transient transport in spec.md §7's
// taxonomy, and the host's worker loop re-enqueues with the retry counter
// incremented.
func (a *OutboundAdapter) Deliver(ctx context.Context, env *types.MessageEnvelope) host.Outcome {
	final := filepath.Join(a.cfg.Directory, env.MessageID+"."+a.cfg.Extension)
	tmp := filepath.Join(a.cfg.Directory, "."+env.MessageID+".tmp")

	if err := os.WriteFile(tmp, env.RawPayload, 0o644); err != nil {
		return host.Outcome{Status: types.StatusFailed,
			Err: &host.RetryableError{Err: fmt.Errorf("fileadapter: write %s: %w", tmp, err)}}
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return host.Outcome{Status: types.StatusFailed,
			Err: &host.RetryableError{Err: fmt.Errorf("fileadapter: rename %s: %w", final, err)}}
	}

	a.logger.Debug().Str("file", final).Msg("payload written")
	return host.Outcome{Status: types.StatusSent}
}

var _ host.Adapter = (*OutboundAdapter)(nil)
