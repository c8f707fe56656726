package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitmexflow/models"
)

// writeTempConfig writes content to a temporary config file and returns its
// path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `bitmexflow:
  name: "TestApp"
  version: "1.0"
source:
  bitmex:
    url: "wss://testnet.bitmex.com/realtime"
    tables: ["trade", "orderBookL2_25"]
    ping_interval: 5s
    pong_wait: 20s
channels:
  queue_warn_backlog: 1000
writer:
  output: "records.log"
  delimiter: ";"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bitmexflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bitmexflow.Name)
	}
	if cfg.Source.Bitmex.PingInterval != 5*time.Second || cfg.Source.Bitmex.PongWait != 20*time.Second {
		t.Errorf("unexpected keepalive: %v %v", cfg.Source.Bitmex.PingInterval, cfg.Source.Bitmex.PongWait)
	}
	tables, err := cfg.Source.Bitmex.SubscribeTables()
	if err != nil || len(tables) != 2 || tables[1] != models.TableOrderBookL2_25 {
		t.Errorf("unexpected tables %v: %v", tables, err)
	}
	if cfg.Writer.Delim() != ';' || cfg.Channels.QueueWarnBacklog != 1000 {
		t.Errorf("unexpected writer config %+v", cfg.Writer)
	}
	// Defaults survive for keys the file leaves out.
	if cfg.Source.Bitmex.HandshakeTimeout != 10*time.Second || cfg.Logging.Format != "json" {
		t.Errorf("defaults not applied: %+v", cfg.Source.Bitmex)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Source.Bitmex.URL != DefaultBitmexURL || cfg.Writer.Delim() != '|' || cfg.Writer.Output != "stdout" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	tables, err := cfg.Source.Bitmex.SubscribeTables()
	if err != nil || len(tables) != 3 || tables[2] != models.TableOrderBookL2_25 {
		t.Fatalf("default tables = %v, %v", tables, err)
	}
}

func TestURLOverride(t *testing.T) {
	t.Setenv("BITMEX_WS_URL", "ws://localhost:9999/realtime")
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Source.Bitmex.URL != "ws://localhost:9999/realtime" {
		t.Fatalf("url override not applied: %s", cfg.Source.Bitmex.URL)
	}
}

func TestS3EnvOverrides(t *testing.T) {
	t.Setenv("S3_BUCKET", " market-archive ")
	t.Setenv("AWS_REGION", "eu-west-1")
	cfg, err := ParseConfig([]byte(`writer:
  archive:
    enabled: true
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Storage.S3.Bucket != "market-archive" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Fatalf("unexpected s3 config %+v", cfg.Storage.S3)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"comma delimiter":  "writer:\n  delimiter: \",\"\n",
		"long delimiter":   "writer:\n  delimiter: \"||\"\n",
		"empty delimiter":  "writer:\n  delimiter: \"\"\n",
		"unknown table":    "source:\n  bitmex:\n    tables: [\"quote\"]\n",
		"no tables":        "source:\n  bitmex:\n    tables: []\n",
		"http url":         "source:\n  bitmex:\n    url: \"https://www.bitmex.com\"\n",
		"pong before ping": "source:\n  bitmex:\n    ping_interval: 30s\n    pong_wait: 10s\n",
		"archive bucket":   "writer:\n  archive:\n    enabled: true\nstorage:\n  s3:\n    region: us-east-1\n",
		"bad bucket":       "writer:\n  archive:\n    enabled: true\nstorage:\n  s3:\n    region: us-east-1\n    bucket: Bad_Bucket\n",
		"bad compression":  "writer:\n  archive:\n    enabled: true\n    compression: lz5\nstorage:\n  s3:\n    region: us-east-1\n    bucket: archive\n",
		"negative backlog": "channels:\n  queue_warn_backlog: -1\n",
		"shared stdout":    "writer:\n  output: stdout\nlogging:\n  output: stdout\n",
		"implicit stdout":  "writer:\n  output: stdout\nlogging:\n  output: \"\"\n",
		"shared file":      "writer:\n  output: out/records.log\nlogging:\n  output: ./out/records.log\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("S3_BUCKET", "")
			t.Setenv("AWS_REGION", "")
			if _, err := ParseConfig([]byte(content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	for in, want := range map[string]string{"": "development", "prod": "production", " Stage ": "staging", "qa": "qa"} {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("APP_ENV=%q: got %q, want %q", in, got, want)
		}
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	prod := filepath.Join(dir, "prod.yml")
	if err := os.WriteFile(prod, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	envPaths := map[string]string{"production": prod, "staging": filepath.Join(dir, "missing.yml")}

	t.Setenv("APP_ENV", "production")
	if got := resolveEnvSpecificPath("", "default.yml", envPaths); got != prod {
		t.Fatalf("got %s, want %s", got, prod)
	}
	if got := resolveEnvSpecificPath("custom.yml", "default.yml", envPaths); got != "custom.yml" {
		t.Fatalf("explicit path replaced: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := resolveEnvSpecificPath("default.yml", "default.yml", envPaths); got != "default.yml" {
		t.Fatalf("missing env file should fall back to default, got %s", got)
	}
}
