package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appconfig "bitmexflow/config"
	"bitmexflow/logger"
)

func quietLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log := logger.GetLogger()
	prev := log.Out
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func fileConfig(t *testing.T) (*appconfig.Config, string) {
	t.Helper()
	cfg := appconfig.Default()
	path := filepath.Join(t.TempDir(), "records.log")
	cfg.Writer.Output = path
	cfg.Writer.Rotation.MaxSizeMB = 0
	return &cfg, path
}

func TestPipelineRecordsFrames(t *testing.T) {
	logs := quietLogs(t)
	cfg, path := fileConfig(t)

	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	frames := []string{
		`{"info":"Welcome to the BitMEX Realtime API.","version":"2019-06-01T00:00:00.000Z","timestamp":"2019-06-01T12:00:00.000Z","docs":"https://www.bitmex.com/app/wsAPI"}`,
		`{"table":"orderBookL2","action":"partial","data":[{"symbol":"XBTUSD","id":1,"side":"Sell","size":5,"price":8501},{"symbol":"XBTUSD","id":2,"side":"Buy","size":7,"price":8500}]}`,
		`{"table":"orderBookL2","action":"delete","data":[{"symbol":"XBTUSD","id":1,"side":"Sell"}]}`,
		`not json`,
	}
	for _, f := range frames {
		if err := p.Dispatcher.Handle([]byte(f)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d records:\n%s", len(lines), data)
	}
	for i, prefix := range []string{"orderBookL2|partial|", "orderBookL2|partial|", "orderBookL2|delete|"} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Fatalf("record %d = %s", i, lines[i])
		}
	}
	if !strings.HasSuffix(lines[2], "|XBTUSD|1|Sell||") {
		t.Fatalf("delete record = %s", lines[2])
	}
	if !strings.Contains(logs.String(), "pipeline stopped") {
		t.Fatalf("missing shutdown summary")
	}
	if !strings.Contains(logs.String(), `"metric":"rows_recorded"`) || !strings.Contains(logs.String(), `"value":3`) {
		t.Fatalf("shutdown metrics not logged:\n%s", logs.String())
	}

	// The queue is closed after shutdown.
	if err := p.Dispatcher.Handle([]byte(frames[1])); err == nil {
		t.Fatalf("expected error after shutdown")
	}
}

func TestNewRejectsUnopenableOutput(t *testing.T) {
	quietLogs(t)
	cfg, _ := fileConfig(t)
	cfg.Writer.Output = filepath.Join(t.TempDir(), "missing", "records.log")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected output error")
	}
}
