package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// PipelineStats is a point in time copy of the recorder counters.
type PipelineStats struct {
	FramesRead     int64
	FrameBytes     int64
	RowsQueued     int64
	RowsRecorded   int64
	RowsDropped    int64
	ArchiveUploads int64
	ArchiveBytes   int64
	Warns          map[string]int64
	Errors         map[string]int64
}

var (
	framesRead     int64
	frameBytes     int64
	rowsQueued     int64
	rowsRecorded   int64
	rowsDropped    int64
	archiveUploads int64
	archiveBytes   int64

	warnsByComponent  sync.Map // map[string]*int64
	errorsByComponent sync.Map // map[string]*int64

	backlogMu     sync.RWMutex
	backlogSource func() int
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func collect(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func recordWarn(component string)  { bump(&warnsByComponent, component) }
func recordError(component string) { bump(&errorsByComponent, component) }

func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	atomic.AddInt64(&frameBytes, int64(size))
}

func IncrementRowsQueued(n int) { atomic.AddInt64(&rowsQueued, int64(n)) }

func IncrementRowRecorded() { atomic.AddInt64(&rowsRecorded, 1) }

func IncrementRowDropped() { atomic.AddInt64(&rowsDropped, 1) }

func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	atomic.AddInt64(&archiveBytes, size)
}

// SetBacklogSource registers the function the report reads the queue
// backlog from. Nil unregisters it.
func SetBacklogSource(f func() int) {
	backlogMu.Lock()
	backlogSource = f
	backlogMu.Unlock()
}

func currentBacklog() int {
	backlogMu.RLock()
	defer backlogMu.RUnlock()
	if backlogSource == nil {
		return 0
	}
	return backlogSource()
}

// Snapshot returns the current counter values.
func Snapshot() PipelineStats {
	return PipelineStats{
		FramesRead:     atomic.LoadInt64(&framesRead),
		FrameBytes:     atomic.LoadInt64(&frameBytes),
		RowsQueued:     atomic.LoadInt64(&rowsQueued),
		RowsRecorded:   atomic.LoadInt64(&rowsRecorded),
		RowsDropped:    atomic.LoadInt64(&rowsDropped),
		ArchiveUploads: atomic.LoadInt64(&archiveUploads),
		ArchiveBytes:   atomic.LoadInt64(&archiveBytes),
		Warns:          collect(&warnsByComponent),
		Errors:         collect(&errorsByComponent),
	}
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	stats := Snapshot()
	backlog := currentBacklog()

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memoryMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryMB = float64(vm.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		bytesSent = counters[0].BytesSent
		bytesRecv = counters[0].BytesRecv
	}

	log.WithComponent("report").WithFields(Fields{
		"frames_read":     stats.FramesRead,
		"frame_bytes":     stats.FrameBytes,
		"rows_queued":     stats.RowsQueued,
		"rows_recorded":   stats.RowsRecorded,
		"rows_dropped":    stats.RowsDropped,
		"queue_backlog":   backlog,
		"archive_uploads": stats.ArchiveUploads,
		"archive_bytes":   stats.ArchiveBytes,
		"warns":           stats.Warns,
		"errors":          stats.Errors,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memoryMB),
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memoryMB),
		datum("FramesReceived", cwtypes.StandardUnitCount, float64(stats.FramesRead)),
		datum("FrameBytes", cwtypes.StandardUnitBytes, float64(stats.FrameBytes)),
		datum("RowsRecorded", cwtypes.StandardUnitCount, float64(stats.RowsRecorded)),
		datum("RowsDropped", cwtypes.StandardUnitCount, float64(stats.RowsDropped)),
		datum("QueueBacklog", cwtypes.StandardUnitCount, float64(backlog)),
		datum("ArchiveUploads", cwtypes.StandardUnitCount, float64(stats.ArchiveUploads)),
		datum("NetBytesSent", cwtypes.StandardUnitBytes, float64(bytesSent)),
		datum("NetBytesRecv", cwtypes.StandardUnitBytes, float64(bytesRecv)),
	}

	components := make([]string, 0, len(stats.Errors))
	for c := range stats.Errors {
		components = append(components, c)
	}
	sort.Strings(components)
	for _, c := range components {
		d := datum("ComponentErrors", cwtypes.StandardUnitCount, float64(stats.Errors[c]))
		d.Dimensions = []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(c)}}
		data = append(data, d)
	}

	publishMetrics(ctx, data)
}
