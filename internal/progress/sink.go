package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bindery/internal/store"
)

// Backend persists progress records.
type Backend interface {
	AppendProgress(ctx context.Context, records []*store.ProgressRecord) error
}

// Publisher receives every record after it was persisted.
type Publisher interface {
	Publish(rec *store.ProgressRecord)
}

type op struct {
	rec    *store.ProgressRecord
	result chan<- error
}

// SinkConfig configures the progress sink.
type SinkConfig struct {
	Backend       Backend
	Publisher     Publisher
	BatchSize     int           // Flush after N records (default: 50)
	FlushInterval time.Duration // Or after duration (default: 250ms)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Sink batches progress writes. Send never blocks the pipeline: when the
// buffer is full the record is dropped and logged.
type Sink struct {
	backend   Backend
	publisher Publisher
	logger    *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan op
	batch   []op
	flushCh chan struct{}

	mu       sync.RWMutex
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  atomic.Int64
}

// NewSink creates a progress sink.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("progress backend is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 250 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		backend:       cfg.Backend,
		publisher:     cfg.Publisher,
		logger:        cfg.Logger.With("component", "progress_sink"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan op, cfg.QueueSize),
		batch:         make([]op, 0, cfg.BatchSize),
		flushCh:       make(chan struct{}, 1),
	}, nil
}

// Start begins processing records.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runBatcher()
}

// Stop flushes buffered records and shuts the sink down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("progress sink stopped", "dropped", s.Dropped())
	})
}

// Send queues a record without waiting.
func (s *Sink) Send(rec *store.ProgressRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("sink closed, dropping progress record", "document_id", rec.DocumentID, "stage", rec.Stage)
		return
	}
	select {
	case s.queue <- op{rec: rec}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("progress queue full, dropping record",
			"document_id", rec.DocumentID,
			"stage", rec.Stage,
			"overall", rec.OverallProgress)
	}
}

// SendSync queues a record and waits until it is persisted.
func (s *Sink) SendSync(ctx context.Context, rec *store.ProgressRecord) error {
	resultCh := make(chan error, 1)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("sink closed")
	}
	select {
	case s.queue <- op{rec: rec, result: resultCh}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.Flush()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush asks the batcher to write the current batch now.
func (s *Sink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case o, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.batch = append(s.batch, o)
			if len(s.batch) >= s.batchSize {
				s.flushBatch()
			}
		case <-ticker.C:
			s.flushBatch()
		case <-s.flushCh:
			// Drain whatever is already queued so a sync sender's record
			// is part of this flush.
			for drained := false; !drained; {
				select {
				case o, ok := <-s.queue:
					if !ok {
						s.flushBatch()
						return
					}
					s.batch = append(s.batch, o)
				default:
					drained = true
				}
			}
			s.flushBatch()
		}
	}
}

func (s *Sink) flushBatch() {
	if len(s.batch) == 0 {
		return
	}
	ops := s.batch
	s.batch = make([]op, 0, s.batchSize)

	records := make([]*store.ProgressRecord, len(ops))
	for i, o := range ops {
		records[i] = o.rec
	}

	// Writes outlive cancellation of the parent so Stop can flush.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	err := s.backend.AppendProgress(ctx, records)
	cancel()
	if err != nil {
		s.logger.Error("failed to write progress", "count", len(records), "error", err)
	} else {
		s.logger.Debug("flushed progress", "count", len(records))
	}

	for _, o := range ops {
		if o.result != nil {
			o.result <- err
			close(o.result)
		}
		if err == nil && s.publisher != nil {
			s.publisher.Publish(o.rec)
		}
	}
}
