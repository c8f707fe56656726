// Registers:
//
//	#bitmexflow_frames_total{shape}
//	#bitmexflow_frame_decode_errors_total
//	#bitmexflow_rows_queued_total{table}
//	#bitmexflow_row_decode_errors_total{table}
//	#bitmexflow_rows_recorded_total{table}
//	#bitmexflow_serialization_errors_total{table}
//	#bitmexflow_queue_backlog / #bitmexflow_queue_high_water
//	#bitmexflow_archive_uploads_total{table,status}
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics using the Prometheus
// HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bitmexflow/logger"
)

var (
	registry = prometheus.NewRegistry()

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_frames_total",
		Help: "Inbound frames decoded, by response shape",
	}, []string{"shape"})

	frameDecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitmexflow_frame_decode_errors_total",
		Help: "Inbound frames matching no response shape",
	})

	rowsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_rows_queued_total",
		Help: "Rows classified and handed to the record sink",
	}, []string{"table"})

	rowDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_row_decode_errors_total",
		Help: "Data elements matching neither the trade nor the order shape",
	}, []string{"table"})

	rowsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_rows_recorded_total",
		Help: "Records written to the record stream",
	}, []string{"table"})

	serializationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_serialization_errors_total",
		Help: "Rows dropped because they could not be encoded or written",
	}, []string{"table"})

	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmexflow_queue_backlog",
		Help: "Batches waiting in the pipeline queue",
	})

	queueHighWater = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmexflow_queue_high_water",
		Help: "Largest pipeline queue backlog observed",
	})

	archiveUploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitmexflow_archive_uploads_total",
		Help: "Parquet archive uploads, by outcome",
	}, []string{"table", "status"})
)

func init() {
	registry.MustRegister(
		framesTotal,
		frameDecodeErrors,
		rowsQueued,
		rowDecodeErrors,
		rowsRecorded,
		serializationErrors,
		queueBacklog,
		queueHighWater,
		archiveUploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry holding the recorder metrics.
func Registry() *prometheus.Registry { return registry }

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func FrameDecoded(shape string) { framesTotal.WithLabelValues(shape).Inc() }

func FrameDecodeFailed() { frameDecodeErrors.Inc() }

func RowsQueued(table string, n int) { rowsQueued.WithLabelValues(table).Add(float64(n)) }

func RowDecodeFailed(table string) { rowDecodeErrors.WithLabelValues(table).Inc() }

func RowRecorded(table string) { rowsRecorded.WithLabelValues(table).Inc() }

func RowDropped(table string) { serializationErrors.WithLabelValues(table).Inc() }

// QueueDepth records the current and highest observed backlog.
func QueueDepth(backlog, highWater int) {
	queueBacklog.Set(float64(backlog))
	queueHighWater.Set(float64(highWater))
}

// ArchiveUpload counts one upload attempt outcome, "ok" or "error".
func ArchiveUpload(table, status string) { archiveUploads.WithLabelValues(table, status).Inc() }
