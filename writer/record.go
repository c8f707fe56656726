package writer

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	appconfig "bitmexflow/config"
	"bitmexflow/internal/channel"
	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
	"bitmexflow/models"
)

// SerializationError reports a row that could not be written to the record
// stream. The row is dropped.
type SerializationError struct {
	Table  models.Table
	Action models.TableAction
	Index  int
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s %s row %d: %v", e.Table, e.Action, e.Index, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// BatchSource is the consuming side of the pipeline queue.
type BatchSource interface {
	TryPop() (models.RowBatch, bool, error)
	Ready() <-chan struct{}
}

// Archiver is a secondary destination fed every recorded row. It is only
// called from the sink goroutine.
type Archiver interface {
	Add(models.TableRowAction) error
	// Full reports that buffered rows reached the archive's flush size.
	Full() bool
	Flush(ctx context.Context) error
}

type flusher interface {
	Flush() error
}

type SinkStats struct {
	Batches  int64
	Recorded int64
	Dropped  int64
}

type SinkOption func(*RecordSink)

func WithDelimiter(r rune) SinkOption {
	return func(s *RecordSink) { s.delim = r }
}

// WithArchive feeds every recorded row to a and flushes it every interval
// and when the sink exits.
func WithArchive(a Archiver, interval time.Duration) SinkOption {
	return func(s *RecordSink) {
		s.archive = a
		s.archiveInterval = interval
	}
}

// RecordSink drains the pipeline queue on a single goroutine and writes one
// delimited record per row: table, action, then the row fields.
type RecordSink struct {
	source          BatchSource
	out             io.Writer
	delim           rune
	archive         Archiver
	archiveInterval time.Duration

	buf bytes.Buffer
	enc *csv.Writer

	mu      sync.Mutex
	running bool
	done    chan struct{}
	log     *logger.Log

	batches  int64
	recorded int64
	dropped  int64
}

func NewRecordSink(source BatchSource, out io.Writer, opts ...SinkOption) (*RecordSink, error) {
	s := &RecordSink{
		source: source,
		out:    out,
		delim:  '|',
		done:   make(chan struct{}),
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.delim == ',' {
		return nil, fmt.Errorf("record delimiter must not be a comma")
	}
	s.enc = csv.NewWriter(&s.buf)
	s.enc.Comma = s.delim

	// csv.Writer reports an invalid delimiter only on first use.
	if err := s.enc.Write([]string{"probe"}); err != nil {
		return nil, fmt.Errorf("invalid record delimiter %q: %w", s.delim, err)
	}
	s.enc.Flush()
	s.buf.Reset()

	return s, nil
}

// OpenOutput opens the record destination named by cfg: stdout, stderr or
// a file rotated by lumberjack.
func OpenOutput(cfg appconfig.WriterConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stdout", "":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	if cfg.Rotation.MaxSizeMB <= 0 {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open record file '%s': %w", cfg.Output, err)
		}
		return f, nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxAge:     cfg.Rotation.MaxAge,
		MaxBackups: cfg.Rotation.MaxBackups,
		Compress:   cfg.Rotation.Compress,
	}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (s *RecordSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("record sink already running")
	}
	s.running = true

	s.log.WithComponent("record_sink").WithFields(logger.Fields{
		"delimiter": string(s.delim),
		"archive":   s.archive != nil,
	}).Info("starting record sink")

	go s.run(ctx)
	return nil
}

// Stop waits for the sink goroutine to exit. The goroutine exits once the
// queue is closed and drained, or when the Start context is cancelled.
func (s *RecordSink) Stop() {
	<-s.done
	s.log.WithComponent("record_sink").WithFields(logger.Fields{
		"recorded": atomic.LoadInt64(&s.recorded),
		"dropped":  atomic.LoadInt64(&s.dropped),
	}).Info("record sink stopped")
}

// Done is closed when the sink goroutine exits.
func (s *RecordSink) Done() <-chan struct{} { return s.done }

func (s *RecordSink) run(ctx context.Context) {
	defer close(s.done)
	log := s.log.WithComponent("record_sink")

	var tick <-chan time.Time
	if s.archive != nil && s.archiveInterval > 0 {
		ticker := time.NewTicker(s.archiveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer s.flushArchive(ctx, "shutdown")

	for {
		for {
			batch, ok, err := s.source.TryPop()
			if err != nil {
				if errors.Is(err, channel.ErrClosed) {
					log.Info("queue closed, record sink exiting")
				} else {
					log.WithError(err).Error("queue receive failed, record sink exiting")
				}
				return
			}
			if !ok {
				break
			}
			s.writeBatch(batch)
			if s.archive != nil && s.archive.Full() {
				s.flushArchive(ctx, "max_rows")
			}
		}

		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warn("record sink cancelled")
			return
		case <-s.source.Ready():
		case <-tick:
			s.flushArchive(ctx, "interval")
		}
	}
}

func (s *RecordSink) writeBatch(batch models.RowBatch) {
	atomic.AddInt64(&s.batches, 1)
	table := batch.Table.String()

	for i, row := range batch.Rows {
		action := models.TableRowAction{Table: batch.Table, Action: batch.Action, Row: row}
		if err := s.writeRecord(action); err != nil {
			serr := &SerializationError{Table: batch.Table, Action: batch.Action, Index: i, Err: err}
			atomic.AddInt64(&s.dropped, 1)
			metrics.RowDropped(table)
			logger.IncrementRowDropped()
			s.log.WithComponent("record_sink").WithError(serr).WithFields(logger.Fields{
				"table":  table,
				"action": batch.Action.String(),
				"index":  i,
			}).Error("failed to write record")
			continue
		}
		atomic.AddInt64(&s.recorded, 1)
		metrics.RowRecorded(table)
		logger.IncrementRowRecorded()

		if s.archive != nil {
			if err := s.archive.Add(action); err != nil {
				s.log.WithComponent("record_sink").WithError(err).WithFields(logger.Fields{
					"table": table,
				}).Warn("failed to archive row")
			}
		}
	}
}

// writeRecord encodes one row into the scratch buffer and hands it to the
// destination in a single Write, then flushes.
func (s *RecordSink) writeRecord(a models.TableRowAction) error {
	fields, err := a.Record()
	if err != nil {
		return err
	}

	s.buf.Reset()
	if err := s.enc.Write(fields); err != nil {
		return err
	}
	s.enc.Flush()
	if err := s.enc.Error(); err != nil {
		return err
	}

	if _, err := s.out.Write(s.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := s.out.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordSink) flushArchive(ctx context.Context, reason string) {
	if s.archive == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	start := time.Now()
	if err := s.archive.Flush(flushCtx); err != nil {
		s.log.WithComponent("record_sink").WithError(err).WithFields(logger.Fields{"reason": reason}).Error("archive flush failed")
		return
	}
	logger.LogPerformanceEntry(s.log.WithComponent("record_sink"), "record_sink", "archive_flush", time.Since(start), logger.Fields{"reason": reason})
}

func (s *RecordSink) Stats() SinkStats {
	return SinkStats{
		Batches:  atomic.LoadInt64(&s.batches),
		Recorded: atomic.LoadInt64(&s.recorded),
		Dropped:  atomic.LoadInt64(&s.dropped),
	}
}
