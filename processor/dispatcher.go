package processor

import (
	"sync/atomic"
	"time"

	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
	"bitmexflow/models"
)

// Emitter receives the classified rows of each data message.
type Emitter interface {
	Push(models.RowBatch) error
}

// DispatcherStats counts what the dispatcher has seen.
type DispatcherStats struct {
	Frames       int64
	DecodeErrors int64
	RowsEmitted  int64
	RowErrors    int64
}

// Dispatcher decodes inbound frames and routes them by shape. It runs on
// the receiving goroutine; Handle is not safe for concurrent use.
type Dispatcher struct {
	emitter    Emitter
	classifier *models.Classifier
	now        func() time.Time
	log        *logger.Log

	// Frames longer than this are truncated in debug logs.
	excerptLen int

	frames       int64
	decodeErrors int64
	rowsEmitted  int64
	rowErrors    int64
}

type DispatcherOption func(*Dispatcher)

// WithClassifier replaces the wall clock classifier.
func WithClassifier(c *models.Classifier) DispatcherOption {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithClock sets the clock used to stamp RowBatch.Received.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func WithExcerptLen(n int) DispatcherOption {
	return func(d *Dispatcher) { d.excerptLen = n }
}

func NewDispatcher(emitter Emitter, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		emitter:    emitter,
		classifier: models.NewClassifier(nil),
		now:        time.Now,
		log:        logger.GetLogger(),
		excerptLen: 256,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle decodes one frame and acts on it. Decode failures are logged and
// the frame discarded. The only error returned is the emitter's, which
// means rows could not be handed off.
func (d *Dispatcher) Handle(frame []byte) error {
	atomic.AddInt64(&d.frames, 1)
	log := d.log.WithComponent("dispatcher")

	resp, err := models.DecodeResponse(frame)
	if err != nil {
		atomic.AddInt64(&d.decodeErrors, 1)
		metrics.FrameDecodeFailed()
		log.WithError(err).WithFields(logger.Fields{"frame_len": len(frame)}).Error("failed to decode frame")
		log.WithFields(logger.Fields{"frame": d.excerpt(frame)}).Debug("undecodable frame")
		return nil
	}
	metrics.FrameDecoded(models.ShapeName(resp))

	switch r := resp.(type) {
	case *models.InfoResponse:
		log.WithFields(logger.Fields{
			"info":      r.Info,
			"version":   r.Version,
			"timestamp": r.Timestamp,
		}).Info("connected")
	case *models.SubscribeResponse:
		entry := log.WithFields(logger.Fields{
			"subscribe": r.Subscribe.String(),
			"success":   r.Success,
		})
		if r.Success {
			entry.Info("subscribed")
		} else {
			entry.Warn("subscription not acknowledged")
		}
	case *models.ErrorResponse:
		log.WithFields(logger.Fields{
			"status":  r.Status,
			"error":   r.Error,
			"request": r.Request.Op,
			"args":    []string(r.Request.Args),
		}).Error("server error")
	case *models.TableDataResponse:
		return d.emitRows(r)
	}
	return nil
}

func (d *Dispatcher) emitRows(r *models.TableDataResponse) error {
	table := r.Table.String()
	rows := make([]models.Row, 0, len(r.Data))
	for i, raw := range r.Data {
		row, err := d.classifier.Classify(raw)
		if err != nil {
			atomic.AddInt64(&d.rowErrors, 1)
			metrics.RowDecodeFailed(table)
			d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{
				"table":  table,
				"action": r.Action.String(),
				"index":  i,
			}).Error("failed to classify row")
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}

	batch := models.RowBatch{
		Table:    r.Table,
		Action:   r.Action,
		Rows:     rows,
		Received: d.now().UTC(),
	}
	if err := d.emitter.Push(batch); err != nil {
		d.log.WithComponent("dispatcher").WithError(err).WithFields(logger.Fields{
			"table": table,
			"rows":  len(rows),
		}).Error("failed to hand off rows")
		return err
	}
	atomic.AddInt64(&d.rowsEmitted, int64(len(rows)))
	metrics.RowsQueued(table, len(rows))
	logger.IncrementRowsQueued(len(rows))
	return nil
}

func (d *Dispatcher) excerpt(frame []byte) string {
	if d.excerptLen > 0 && len(frame) > d.excerptLen {
		return string(frame[:d.excerptLen]) + "..."
	}
	return string(frame)
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Frames:       atomic.LoadInt64(&d.frames),
		DecodeErrors: atomic.LoadInt64(&d.decodeErrors),
		RowsEmitted:  atomic.LoadInt64(&d.rowsEmitted),
		RowErrors:    atomic.LoadInt64(&d.rowErrors),
	}
}
