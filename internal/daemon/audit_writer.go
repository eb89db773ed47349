package daemon

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hostlane/hostlane/internal/models"
)

const (
	defaultAuditBuffer       = 256
	defaultAuditWriteTimeout = 5 * time.Second
)

var errAuditWriterClosed = errors.New("audit writer closed")

// AuditStore persists activity entries.
type AuditStore interface {
	AppendActivity(ctx context.Context, entry models.ActivityLogEntry) (int64, error)
}

// AuditWriter appends activity entries from a single background goroutine.
// Record never blocks: when the buffer is full the entry is dropped and an
// AuditWriteWarning goes to the sink instead.
type AuditWriter struct {
	store        AuditStore
	logger       *log.Logger
	metrics      *Metrics
	redactor     *Redactor
	onWarning    func(*AuditWriteWarning)
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	entries chan models.ActivityLogEntry
	done    chan struct{}
}

// NewAuditWriter starts a writer with room for buffer pending entries.
func NewAuditWriter(store AuditStore, buffer int, logger *log.Logger) *AuditWriter {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	w := &AuditWriter{
		store:        store,
		logger:       logger,
		writeTimeout: defaultAuditWriteTimeout,
		entries:      make(chan models.ActivityLogEntry, buffer),
		done:         make(chan struct{}),
	}
	go w.run()
	return w
}

// WithMetrics counts dropped and failed entries.
func (w *AuditWriter) WithMetrics(metrics *Metrics) *AuditWriter {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.metrics = metrics
	w.mu.Unlock()
	return w
}

// WithRedactor scrubs entry details before they are queued.
func (w *AuditWriter) WithRedactor(r *Redactor) *AuditWriter {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.redactor = r
	w.mu.Unlock()
	return w
}

// WithWarningHook additionally passes every warning to fn.
func (w *AuditWriter) WithWarningHook(fn func(*AuditWriteWarning)) *AuditWriter {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	w.onWarning = fn
	w.mu.Unlock()
	return w
}

// Record queues entry for writing.
func (w *AuditWriter) Record(entry models.ActivityLogEntry) {
	if w == nil {
		return
	}
	w.mu.RLock()
	entry.Details = w.redactor.Redact(entry.Details)
	if w.closed {
		w.mu.RUnlock()
		w.warn(&AuditWriteWarning{Entry: entry, Dropped: true, Err: errAuditWriterClosed})
		return
	}
	select {
	case w.entries <- entry:
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		w.warn(&AuditWriteWarning{Entry: entry, Dropped: true})
	}
}

// Close stops accepting entries and waits for pending ones to be written
// or for ctx to end.
func (w *AuditWriter) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AuditWriter) run() {
	defer close(w.done)
	for entry := range w.entries {
		w.write(entry)
	}
}

func (w *AuditWriter) write(entry models.ActivityLogEntry) {
	if w.store == nil {
		w.warn(&AuditWriteWarning{Entry: entry, Err: errors.New("audit store is nil")})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	if _, err := w.store.AppendActivity(ctx, entry); err != nil {
		w.warn(&AuditWriteWarning{Entry: entry, Err: err})
	}
}

func (w *AuditWriter) warn(warning *AuditWriteWarning) {
	w.mu.RLock()
	metrics, hook := w.metrics, w.onWarning
	w.mu.RUnlock()
	w.logger.Printf("%v", warning)
	metrics.IncAuditDropped()
	if hook != nil {
		hook(warning)
	}
}
