package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bitmexflow/config"
	"bitmexflow/models"
)

type putCall struct {
	bucket, key string
	body        []byte
	metadata    map[string]string
}

type fakeS3 struct {
	mu       sync.Mutex
	calls    []putCall
	failures int
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, _ := io.ReadAll(in.Body)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("slow down")
	}
	f.calls = append(f.calls, putCall{bucket: *in.Bucket, key: *in.Key, body: body, metadata: in.Metadata})
	return &s3.PutObjectOutput{}, nil
}

func testArchiveConfig() appconfig.ArchiveConfig {
	return appconfig.ArchiveConfig{
		Enabled:     true,
		Prefix:      "bitmex",
		MaxRows:     3,
		Compression: "snappy",
		Retry: appconfig.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
	}
}

func sampleTrade() *models.Trade {
	home := 0.1
	return &models.Trade{
		Processed:     time.Date(2019, 6, 1, 12, 0, 1, 0, time.UTC),
		Timestamp:     time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC),
		Symbol:        "XBTUSD",
		Side:          models.SideBuy,
		Size:          100,
		Price:         8500,
		TickDirection: models.PlusTick,
		TradeMatchID:  "m1",
		HomeNotional:  &home,
	}
}

func isParquet(b []byte) bool {
	return len(b) > 8 && bytes.HasPrefix(b, []byte("PAR1")) && bytes.HasSuffix(b, []byte("PAR1"))
}

func TestParquetArchiveFlushUploadsPerTable(t *testing.T) {
	quietLogs(t)
	client := &fakeS3{}
	a := NewParquetArchive(client, "market-archive", testArchiveConfig(), "test")
	a.now = func() time.Time { return time.Date(2019, 6, 1, 13, 4, 5, 0, time.UTC) }

	if err := a.Add(models.TableRowAction{Table: models.TableTrade, Action: models.ActionInsert, Row: sampleTrade()}); err != nil {
		t.Fatalf("Add trade: %v", err)
	}
	if a.Full() {
		t.Fatalf("archive full after one row")
	}
	_ = a.Add(models.TableRowAction{Table: models.TableOrderBookL2, Action: models.ActionUpdate, Row: order(1)})
	_ = a.Add(models.TableRowAction{Table: models.TableOrderBookL2, Action: models.ActionDelete, Row: &models.Order{Symbol: "XBTUSD", ID: 2, Side: models.SideSell}})
	if !a.Full() || a.Pending() != 3 {
		t.Fatalf("expected full archive with 3 rows, pending %d", a.Pending())
	}

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending after flush = %d", a.Pending())
	}
	if len(client.calls) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(client.calls))
	}

	keyRe := regexp.MustCompile(`^bitmex/table=(trade|orderBookL2)/2019/06/01/13/(trade|orderBookL2)_20190601T130405Z_[0-9a-f-]{36}\.parquet$`)
	for i, call := range client.calls {
		if call.bucket != "market-archive" {
			t.Errorf("upload %d: bucket %s", i, call.bucket)
		}
		if !keyRe.MatchString(call.key) {
			t.Errorf("upload %d: unexpected key %s", i, call.key)
		}
		if !isParquet(call.body) {
			t.Errorf("upload %d: body is not a parquet file", i)
		}
		if call.metadata["bitmexflow-version"] != "test" {
			t.Errorf("upload %d: metadata %v", i, call.metadata)
		}
	}
	// Tables flush in enum order.
	if !strings.Contains(client.calls[0].key, "table=trade/") || client.calls[1].metadata["record-count"] != "2" {
		t.Fatalf("unexpected upload order: %s, %v", client.calls[0].key, client.calls[1].metadata)
	}

	if err := a.Flush(context.Background()); err != nil || len(client.calls) != 2 {
		t.Fatalf("empty flush uploaded or failed: %v", err)
	}
}

func TestParquetArchiveRetriesUpload(t *testing.T) {
	logs := quietLogs(t)
	client := &fakeS3{failures: 2}
	a := NewParquetArchive(client, "market-archive", testArchiveConfig(), "test")
	_ = a.Add(models.TableRowAction{Table: models.TableOrderBookL2, Action: models.ActionInsert, Row: order(1)})

	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one successful upload, got %d", len(client.calls))
	}
	if n := strings.Count(logs.String(), "upload failed, retrying"); n != 2 {
		t.Fatalf("expected 2 retry logs, got %d", n)
	}
}

func TestParquetArchiveGivesUp(t *testing.T) {
	quietLogs(t)
	client := &fakeS3{failures: 1 << 20}
	cfg := testArchiveConfig()
	cfg.Retry.MaxElapsedTime = 20 * time.Millisecond
	a := NewParquetArchive(client, "market-archive", cfg, "test")
	_ = a.Add(models.TableRowAction{Table: models.TableTrade, Action: models.ActionInsert, Row: sampleTrade()})

	if err := a.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	// Failed rows are not retried on the next flush.
	if a.Pending() != 0 {
		t.Fatalf("pending = %d after failed flush", a.Pending())
	}
}

func TestParquetArchiveRejectsNilRow(t *testing.T) {
	quietLogs(t)
	a := NewParquetArchive(&fakeS3{}, "market-archive", testArchiveConfig(), "test")
	if err := a.Add(models.TableRowAction{Table: models.TableTrade, Action: models.ActionInsert}); err == nil {
		t.Fatalf("expected error for nil row")
	}
	if a.Pending() != 0 {
		t.Fatalf("nil row counted as pending")
	}
}

func TestCompressionCodec(t *testing.T) {
	quietLogs(t)
	for _, name := range []string{"", "snappy", "gzip", "zstd", "uncompressed"} {
		a := NewParquetArchive(&fakeS3{}, "b", appconfig.ArchiveConfig{Compression: name}, "")
		data, err := a.encode(new(OrderRecord), func(pw *writer.ParquetWriter) error {
			return pw.Write(orderRecord("insert", order(1)))
		})
		if err != nil || !isParquet(data) {
			t.Fatalf("compression %q: %v", name, err)
		}
	}
}

func TestArchiveRecordsKeepUnsignedRange(t *testing.T) {
	quietLogs(t)
	id := uint64(math.MaxUint64 - 1)
	size := uint64(1<<63 + 5)
	rec := orderRecord("insert", &models.Order{Symbol: "XBTUSD", ID: id, Side: models.SideBuy, Size: &size})
	if uint64(rec.ID) != id || uint64(*rec.Size) != size {
		t.Fatalf("unsigned values changed: id %d size %d", uint64(rec.ID), uint64(*rec.Size))
	}

	trade := sampleTrade()
	trade.GrossValue = &size
	if tr := tradeRecord("insert", trade); uint64(*tr.GrossValue) != size {
		t.Fatalf("gross value changed: %d", uint64(*tr.GrossValue))
	}

	a := NewParquetArchive(&fakeS3{}, "b", testArchiveConfig(), "")
	unsigned := 0
	data, err := a.encode(new(OrderRecord), func(pw *writer.ParquetWriter) error {
		for _, el := range pw.SchemaHandler.SchemaElements {
			if !strings.EqualFold(el.Name, "id") && !strings.EqualFold(el.Name, "size") {
				continue
			}
			if el.ConvertedType == nil || *el.ConvertedType != parquet.ConvertedType_UINT_64 {
				t.Errorf("column %s is not UINT_64", el.Name)
			}
			unsigned++
		}
		return pw.Write(rec)
	})
	if err != nil || !isParquet(data) {
		t.Fatalf("encode: %v", err)
	}
	if unsigned != 2 {
		t.Fatalf("found %d unsigned columns, want 2", unsigned)
	}
}
