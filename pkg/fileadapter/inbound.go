// Package fileadapter implements the file transport of spec.md §4.4: an
// inbound adapter that claims files from a watched directory and emits one
// envelope per file, and an outbound adapter that writes payloads out via
// atomic rename. Both plug into the same Host contract as the MLLP
// adapters.
package fileadapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/host"
	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/types"
)

// claimSuffix marks a file this adapter has taken ownership of. The rename
// is the claim: on a POSIX filesystem it is atomic, so two pollers (or a
// poller racing the watcher) cannot both emit the same file.
const claimSuffix = ".processing"

// InboundConfig holds the per-item settings a file service host needs
// (spec.md §6: Directory required, PollInterval, Archive, file glob).
type InboundConfig struct {
	ItemName     string
	Directory    string
	ArchiveDir   string
	Pattern      string // glob over base names; empty matches everything
	PollInterval time.Duration
	ContentType  string
	SchemaVersion string
}

func (c InboundConfig) withDefaults() InboundConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
	return c
}

// InboundAdapter watches a directory and submits one envelope per claimed
// file. It implements host.Adapter and host.Pump. fsnotify events trigger
// an immediate sweep; a PollInterval ticker backstops filesystems that do
// not deliver events (network mounts).
type InboundAdapter struct {
	cfg     InboundConfig
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewInboundAdapter constructs an InboundAdapter with defaults applied.
func NewInboundAdapter(cfg InboundConfig) *InboundAdapter {
	return &InboundAdapter{
		cfg:    cfg.withDefaults(),
		logger: log.WithItem(cfg.ItemName, "service"),
	}
}

// Open verifies the directory exists (creating it if needed) and starts the
// filesystem watcher. A watcher that cannot be created is not fatal: the
// poll ticker still drives the sweep.
func (a *InboundAdapter) Open(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("fileadapter: directory %s: %w", a.cfg.Directory, err)
	}
	if a.cfg.ArchiveDir != "" {
		if err := os.MkdirAll(a.cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("fileadapter: archive directory %s: %w", a.cfg.ArchiveDir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn().Err(err).Msg("fsnotify unavailable, falling back to polling only")
		return nil
	}
	if err := watcher.Add(a.cfg.Directory); err != nil {
		watcher.Close()
		a.logger.Warn().Err(err).Msg("fsnotify watch failed, falling back to polling only")
		return nil
	}
	a.watcher = watcher
	a.logger.Info().Str("dir", a.cfg.Directory).Msg("file inbound watching")
	return nil
}

// Close stops the watcher, if one was started.
func (a *InboundAdapter) Close(ctx context.Context) error {
	if a.watcher == nil {
		return nil
	}
	err := a.watcher.Close()
	a.watcher = nil
	return err
}

// Run sweeps the directory until ctx is cancelled: once at startup, then on
// every create/rename event and on each poll tick.
func (a *InboundAdapter) Run(ctx context.Context, submit func(*types.MessageEnvelope) error) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if a.watcher != nil {
		events = a.watcher.Events
		watchErrs = a.watcher.Errors
	}

	a.sweep(ctx, submit)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				a.sweep(ctx, submit)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			a.logger.Warn().Err(err).Msg("fsnotify error")
		case <-ticker.C:
			a.sweep(ctx, submit)
		}
	}
}

// sweep claims and submits every ready file, in filesystem-listing order
// (spec.md §4.4: pool_size=1 with FIFO preserves filename order).
func (a *InboundAdapter) sweep(ctx context.Context, submit func(*types.MessageEnvelope) error) {
	entries, err := os.ReadDir(a.cfg.Directory)
	if err != nil {
		a.logger.Warn().Err(err).Msg("directory read failed")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || strings.HasSuffix(entry.Name(), claimSuffix) {
			continue
		}
		if a.cfg.Pattern != "" {
			if ok, _ := filepath.Match(a.cfg.Pattern, entry.Name()); !ok {
				continue
			}
		}
		if err := a.consume(entry.Name(), submit); err != nil {
			a.logger.Warn().Err(err).Str("file", entry.Name()).Msg("file intake failed")
		}
	}
}

func (a *InboundAdapter) consume(name string, submit func(*types.MessageEnvelope) error) error {
	src := filepath.Join(a.cfg.Directory, name)
	claimed := src + claimSuffix

	if err := os.Rename(src, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // another sweep claimed it first
		}
		return fmt.Errorf("fileadapter: claim %s: %w", name, err)
	}

	payload, err := os.ReadFile(claimed)
	if err != nil {
		return fmt.Errorf("fileadapter: read %s: %w", name, err)
	}

	env := &types.MessageEnvelope{
		MessageID:     uuid.NewString(),
		SessionID:     uuid.NewString(),
		SourceHost:    a.cfg.ItemName,
		ContentType:   a.cfg.ContentType,
		SchemaVersion: a.cfg.SchemaVersion,
		RawPayload:    payload,
		Properties:    map[string]string{"filename": name},
	}
	if err := submit(env); err != nil {
		// Surrender the claim so the file is retried on a later sweep.
		if rerr := os.Rename(claimed, src); rerr != nil {
			a.logger.Error().Err(rerr).Str("file", name).Msg("claim rollback failed")
		}
		return fmt.Errorf("fileadapter: submit %s: %w", name, err)
	}

	if a.cfg.ArchiveDir != "" {
		if err := os.Rename(claimed, filepath.Join(a.cfg.ArchiveDir, name)); err != nil {
			return fmt.Errorf("fileadapter: archive %s: %w", name, err)
		}
	} else {
		if err := os.Remove(claimed); err != nil {
			return fmt.Errorf("fileadapter: remove %s: %w", name, err)
		}
	}
	return nil
}

var _ host.Adapter = (*InboundAdapter)(nil)
var _ host.Pump = (*InboundAdapter)(nil)
