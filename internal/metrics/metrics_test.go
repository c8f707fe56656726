package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// value returns the summed counter or gauge value of the named family,
// restricted to series carrying the given label value when label is set.
func value(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if label != "" {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetValue() == label {
						found = true
					}
				}
				if !found {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestCountersIncrement(t *testing.T) {
	before := value(t, "bitmexflow_rows_recorded_total", "trade")
	RowRecorded("trade")
	RowRecorded("trade")
	if got := value(t, "bitmexflow_rows_recorded_total", "trade") - before; got != 2 {
		t.Fatalf("rows recorded delta = %v, want 2", got)
	}

	before = value(t, "bitmexflow_rows_queued_total", "orderBookL2")
	RowsQueued("orderBookL2", 5)
	if got := value(t, "bitmexflow_rows_queued_total", "orderBookL2") - before; got != 5 {
		t.Fatalf("rows queued delta = %v, want 5", got)
	}

	before = value(t, "bitmexflow_frame_decode_errors_total", "")
	FrameDecodeFailed()
	if got := value(t, "bitmexflow_frame_decode_errors_total", "") - before; got != 1 {
		t.Fatalf("frame decode errors delta = %v, want 1", got)
	}
}

func TestQueueDepth(t *testing.T) {
	QueueDepth(3, 10)
	if value(t, "bitmexflow_queue_backlog", "") != 3 || value(t, "bitmexflow_queue_high_water", "") != 10 {
		t.Fatalf("unexpected queue gauges")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	FrameDecoded("info")
	ArchiveUpload("trade", "ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"bitmexflow_frames_total", "bitmexflow_archive_uploads_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metric %s not exposed", name)
		}
	}
}
