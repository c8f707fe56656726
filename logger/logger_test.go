package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureEnvOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := Logger()
	if err := log.Configure("warn", "text", "stderr", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	if err := log.Configure("report", "json", "stdout", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v, want info", log.GetLevel())
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "recorder.log")
	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log.WithComponent("test").Info("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Fatalf("unexpected log file content %q", data)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCallerPointsOutsideLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.WithComponent("test").Info("where")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if _, ok := line["file"]; !ok {
		t.Fatalf("expected file field, got %v", line)
	}
}

func TestWarnAndErrorCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	before := Snapshot()
	log.WithComponent("counted").Warn("w")
	log.WithComponent("counted").Error("e")
	log.WithComponent("counted").Error("e")
	after := Snapshot()
	if after.Warns["counted"]-before.Warns["counted"] != 1 {
		t.Fatalf("warns = %v", after.Warns)
	}
	if after.Errors["counted"]-before.Errors["counted"] != 2 {
		t.Fatalf("errors = %v", after.Errors)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishes(t *testing.T) {
	fake := &fakePublisher{}
	setPublisher(fake, "Test", "")
	defer func() { cwClient = nil }()

	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	log.LogMetric("sink", "rows_recorded", 3, "counter", Fields{"table": "trade"})
	log.LogMetric("sink", "ignored", "not a number", "", nil)

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one publish, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Namespace != "Test" || *in.MetricData[0].MetricName != "rows_recorded" || *in.MetricData[0].Value != 3 {
		t.Fatalf("unexpected metric input %+v", in.MetricData[0])
	}
	if len(in.MetricData[0].Dimensions) != 2 {
		t.Fatalf("expected component and table dimensions, got %d", len(in.MetricData[0].Dimensions))
	}
}

func TestRuntimeReport(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	SetBacklogSource(func() int { return 7 })
	defer SetBacklogSource(nil)
	IncrementFrameRead(10)
	IncrementRowsQueued(2)

	logReport(context.Background(), log)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode report %q: %v", buf.String(), err)
	}
	if line["message"] != "runtime report" || line["queue_backlog"] != float64(7) {
		t.Fatalf("unexpected report %v", line)
	}
	if line["frames_read"].(float64) < 1 {
		t.Fatalf("frames_read not counted: %v", line["frames_read"])
	}
}
