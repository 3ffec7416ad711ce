package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corvohq/fitq/internal/nbody"
	"github.com/corvohq/fitq/internal/ordering"
)

// DefaultBatchSize is the number of items sent to the backend per round trip.
const DefaultBatchSize = 100

var tracer = otel.Tracer("fitq/store")

// Recorder receives one observation per backend round trip.
type Recorder interface {
	ObserveBatch(op string, items int, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBatch(string, int, time.Duration, error) {}

// Store is the calculation job store. It canonicalizes molecules on the way
// in, rebuilds them on the way out, and owns the session caches for orders,
// index maps and shape templates. Caches live as long as the Store.
type Store struct {
	backend   Backend
	resolver  *ordering.Resolver
	indexer   *nbody.Indexer
	batchSize atomic.Int64
	recorder  Recorder
	logger    *slog.Logger

	mu        sync.RWMutex
	templates map[string]*template
}

// New creates a Store over the given backend.
func New(backend Backend) *Store {
	s := &Store{
		backend:   backend,
		resolver:  ordering.NewResolver(),
		indexer:   nbody.NewIndexer(),
		recorder:  nopRecorder{},
		logger:    slog.Default(),
		templates: make(map[string]*template),
	}
	s.batchSize.Store(DefaultBatchSize)
	return s
}

// SetRecorder installs a metrics recorder.
func (s *Store) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetBatchSize sets how many items go to the backend per round trip.
func (s *Store) SetBatchSize(n int) error {
	if n < 1 {
		return NewInvalidValueError("batch size must be at least 1, got %d", n)
	}
	s.batchSize.Store(int64(n))
	return nil
}

// BatchSize returns the current batch size.
func (s *Store) BatchSize() int {
	return int(s.batchSize.Load())
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// ResetCaches drops every cached order, index map and template.
func (s *Store) ResetCaches() {
	s.resolver.Reset()
	s.indexer.Reset()
	s.mu.Lock()
	s.templates = make(map[string]*template)
	s.mu.Unlock()
}

// Close drops the session caches and closes the backend.
func (s *Store) Close() error {
	s.ResetCaches()
	return s.backend.Close()
}

// roundTrip runs one backend call inside a span and reports it to the
// recorder.
func (s *Store) roundTrip(ctx context.Context, op string, items int, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "store."+op,
		trace.WithAttributes(append(attrs, attribute.Int("fitq.batch.items", items))...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.recorder.ObserveBatch(op, items, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// chunks splits n items into [start, end) ranges of at most size.
func chunks(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
