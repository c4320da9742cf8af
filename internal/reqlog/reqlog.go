// Package reqlog records one structured entry per handled request: a JSON
// stdout line via slog, plus batched durable appends when a sink is
// configured. Persistence is best-effort with at-least-once semantics; a
// failed batch is re-queued, never dropped.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second
)

// Entry is the durable record of one request.
type Entry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	KeyID          string    `json:"key_id,omitempty"`
	ModelRequested string    `json:"model_requested"`
	ModelUsed      string    `json:"model_used,omitempty"`
	Provider       string    `json:"provider,omitempty"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`

	CacheHit     bool   `json:"cache_hit"`
	FallbackUsed bool   `json:"fallback_used"`
	Stream       bool   `json:"stream"`
	Status       int    `json:"status"`
	ErrorType    string `json:"error_type,omitempty"`

	// Prompt is the concatenated user content, possibly redacted.
	Prompt string `json:"prompt,omitempty"`
}

// Sink persists drained batches.
type Sink interface {
	InsertRequestLogs(ctx context.Context, entries []Entry) error
}

// Logger buffers entries and flushes them in batches. The mutex is held
// only to drain or append; the sink write happens outside it.
type Logger struct {
	logger        *slog.Logger
	sink          Sink
	redactPrompts bool
	batchSize     int
	interval      time.Duration

	mu  sync.Mutex
	buf []Entry

	flushCh chan struct{}
	done    chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink enables durable persistence.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

// WithRedaction replaces prompt text with a length marker in entries.
func WithRedaction(on bool) Option {
	return func(l *Logger) { l.redactPrompts = on }
}

// WithBatchSize overrides the flush batch size.
func WithBatchSize(n int) Option {
	return func(l *Logger) { l.batchSize = n }
}

// WithFlushInterval overrides the periodic flush period.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) { l.interval = d }
}

// WithLogger sets the structured logger for the stdout line.
func WithLogger(sl *slog.Logger) Option {
	return func(l *Logger) { l.logger = sl }
}

// New creates a Logger. Call Start to run the periodic flush loop.
func New(opts ...Option) *Logger {
	l := &Logger{
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
		interval:  DefaultFlushInterval,
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records one entry: the stdout line always, the buffer only when a
// sink is configured.
func (l *Logger) Log(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if l.redactPrompts && e.Prompt != "" {
		e.Prompt = fmt.Sprintf("<redacted:%d>", len(e.Prompt))
	}

	l.logger.Info("request",
		"request_id", e.RequestID,
		"key_id", e.KeyID,
		"model_requested", e.ModelRequested,
		"model_used", e.ModelUsed,
		"provider", e.Provider,
		"total_tokens", e.TotalTokens,
		"cost_usd", e.CostUSD,
		"latency_ms", e.LatencyMs,
		"cache_hit", e.CacheHit,
		"fallback_used", e.FallbackUsed,
		"stream", e.Stream,
		"status", e.Status,
	)

	if l.sink == nil {
		return
	}

	l.mu.Lock()
	l.buf = append(l.buf, e)
	full := len(l.buf) >= l.batchSize
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// Start runs the flush loop until ctx is cancelled, then performs a final
// flush.
func (l *Logger) Start(ctx context.Context) {
	defer close(l.done)
	if l.sink == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush(context.Background())
			return
		case <-ticker.C:
			l.Flush(ctx)
		case <-l.flushCh:
			l.Flush(ctx)
		}
	}
}

// Wait blocks until the flush loop has exited.
func (l *Logger) Wait() {
	<-l.done
}

// Flush drains the buffer and writes one batched insert. On failure the
// batch is prepended back in order for the next attempt.
func (l *Logger) Flush(ctx context.Context) {
	if l.sink == nil {
		return
	}

	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if err := l.sink.InsertRequestLogs(ctx, batch); err != nil {
		l.logger.Error("request log flush failed", "entries", len(batch), "error", err)
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
	}
}

// Buffered reports how many entries await persistence.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}
