package pipeline

import (
	"context"
	"fmt"
	"io"

	appconfig "bitmexflow/config"
	"bitmexflow/internal/channel"
	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
	"bitmexflow/models"
	"bitmexflow/processor"
	"bitmexflow/writer"
)

// Pipeline is the decoded-row path shared by the live recorder and the replay
// tool: frames go into Dispatcher, batches cross Queue, Sink writes records.
type Pipeline struct {
	Queue      *channel.Queue[models.RowBatch]
	Dispatcher *processor.Dispatcher
	Sink       *writer.RecordSink

	out io.WriteCloser
	log *logger.Log
}

// New opens the record output and, when enabled, the S3 archive. Nothing runs
// until Start.
func New(ctx context.Context, cfg *appconfig.Config) (*Pipeline, error) {
	log := logger.GetLogger()

	q := channel.NewQueue[models.RowBatch]("rows",
		channel.WithBacklogWarning(cfg.Channels.QueueWarnBacklog),
		channel.WithObserver(metrics.QueueDepth),
	)
	logger.SetBacklogSource(q.Len)

	out, err := writer.OpenOutput(cfg.Writer)
	if err != nil {
		return nil, err
	}

	opts := []writer.SinkOption{writer.WithDelimiter(cfg.Writer.Delim())}
	if cfg.Writer.Archive.Enabled {
		client, err := writer.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			out.Close()
			return nil, err
		}
		archive := writer.NewParquetArchive(client, cfg.Storage.S3.Bucket, cfg.Writer.Archive, cfg.Bitmexflow.Version)
		opts = append(opts, writer.WithArchive(archive, cfg.Writer.Archive.FlushInterval))
	} else {
		log.WithComponent("pipeline").Info("parquet archive disabled")
	}

	sink, err := writer.NewRecordSink(q, out, opts...)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to create record sink: %w", err)
	}

	return &Pipeline{
		Queue:      q,
		Dispatcher: processor.NewDispatcher(q),
		Sink:       sink,
		out:        out,
		log:        log,
	}, nil
}

// Start runs the sink. The sink is not tied to a context: it exits once
// Shutdown closes the queue and the backlog is written.
func (p *Pipeline) Start() error {
	return p.Sink.Start(context.Background())
}

// Shutdown closes the queue, waits for the sink to drain and closes the
// record output.
func (p *Pipeline) Shutdown() error {
	p.Queue.Close()
	p.Sink.Stop()

	d := p.Dispatcher.Stats()
	s := p.Sink.Stats()
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"frames":          d.Frames,
		"frame_errors":    d.DecodeErrors,
		"rows_queued":     d.RowsEmitted,
		"row_errors":      d.RowErrors,
		"rows_recorded":   s.Recorded,
		"records_dropped": s.Dropped,
	}).Info("pipeline stopped")

	entry := p.log.WithComponent("pipeline")
	for _, m := range []struct {
		name  string
		value int64
	}{
		{"frames_total", d.Frames},
		{"frame_decode_errors", d.DecodeErrors},
		{"row_decode_errors", d.RowErrors},
		{"rows_recorded", s.Recorded},
		{"records_dropped", s.Dropped},
	} {
		entry.LogMetric("pipeline", m.name, m.value, "counter", logger.Fields{"stage": "shutdown"})
	}

	if err := p.out.Close(); err != nil {
		return fmt.Errorf("failed to close record output: %w", err)
	}
	return nil
}
