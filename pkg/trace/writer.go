package trace

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/carepath/conduit/pkg/log"
	"github.com/carepath/conduit/pkg/metrics"
	"github.com/carepath/conduit/pkg/types"
)

// Writer decouples the processing path from trace I/O: hosts enqueue header
// rows and a single drain goroutine persists them, so a slow disk never
// blocks a worker (spec.md §4.7, §9). Draining from one goroutine also
// preserves enqueue order, which keeps same-session writes ordered by
// received_at. When the buffer saturates the record is dropped and counted.
type Writer struct {
	store *Store

	headerCh chan *types.MessageHeader
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger zerolog.Logger
}

// NewWriter wraps store with a buffer of the given size (<=0 selects 1000).
func NewWriter(store *Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1000
	}
	return &Writer{
		store:    store,
		headerCh: make(chan *types.MessageHeader, buffer),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithComponent("trace"),
	}
}

// Start begins the drain loop.
func (w *Writer) Start() {
	go w.run()
}

// Stop halts the drain loop after flushing whatever is already buffered.
// Safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// WriteHeader enqueues one header row, never blocking: if the buffer is
// full the row is dropped and counted.
func (w *Writer) WriteHeader(h *types.MessageHeader) {
	select {
	case w.headerCh <- h:
	default:
		metrics.TraceDroppedTotal.Inc()
	}
}

// StoreBody persists payload synchronously: unlike headers, the caller
// needs the body_id back to reference from its header row. Dedup makes the
// common repeat write a single indexed read. A storage error yields an
// empty id; the header is still written without its body reference.
func (w *Writer) StoreBody(payload []byte, contentType, schemaVersion string) string {
	id, err := w.store.StoreBody(payload, contentType, schemaVersion)
	if err != nil {
		w.logger.Error().Err(err).Msg("body store failed")
		return ""
	}
	return id
}

// UpdateHeaderStatus finalizes a pending header synchronously.
func (w *Writer) UpdateHeaderStatus(headerID string, status types.HeaderStatus, errorMessage string, latencyMS int64, ackBodyID string) {
	if err := w.store.UpdateHeaderStatus(headerID, status, errorMessage, latencyMS, ackBodyID); err != nil {
		w.logger.Error().Err(err).Str("header_id", headerID).Msg("header status update failed")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case h := <-w.headerCh:
			w.persist(h)
		case <-w.stopCh:
			// Flush what is already buffered before exiting.
			for {
				select {
				case h := <-w.headerCh:
					w.persist(h)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) persist(h *types.MessageHeader) {
	if err := w.store.StoreHeader(h); err != nil {
		w.logger.Error().Err(err).Str("item", h.ItemName).Msg("header write failed")
	}
}
