package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bitmexflow/config"
	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
	"bitmexflow/models"
)

// Unsigned wire values are stored in INT64 columns annotated UINT_64;
// parquet-go only accepts int64 for them, so the bit pattern is kept.

// TradeRecord is the parquet layout of archived trades.
type TradeRecord struct {
	Action          string   `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Processed       int64    `parquet:"name=processed, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Timestamp       int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Symbol          string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side            string   `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size            int64    `parquet:"name=size, type=INT64, convertedtype=UINT_64"`
	Price           float64  `parquet:"name=price, type=DOUBLE"`
	TickDirection   string   `parquet:"name=tick_direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeMatchID    string   `parquet:"name=trd_match_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	GrossValue      *int64   `parquet:"name=gross_value, type=INT64, convertedtype=UINT_64, repetitiontype=OPTIONAL"`
	HomeNotional    *float64 `parquet:"name=home_notional, type=DOUBLE, repetitiontype=OPTIONAL"`
	ForeignNotional *float64 `parquet:"name=foreign_notional, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// OrderRecord is the parquet layout of archived order book levels.
type OrderRecord struct {
	Action    string   `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Processed int64    `parquet:"name=processed, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Symbol    string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID        int64    `parquet:"name=id, type=INT64, convertedtype=UINT_64"`
	Side      string   `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size      *int64   `parquet:"name=size, type=INT64, convertedtype=UINT_64, repetitiontype=OPTIONAL"`
	Price     *float64 `parquet:"name=price, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// memoryFileWriter is an in-memory source.ParquetFile; parquet-go only
// writes sequentially, so Seek reports the current size.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFileWriter) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFileWriter) Close() error                              { return nil }
func (m *memoryFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ObjectPutter is the part of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the storage configuration. Static
// keys are used when both are set, otherwise the default AWS chain.
func NewS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type archiveKey struct {
	table models.Table
	shape string
}

type archiveBuffer struct {
	trades []TradeRecord
	orders []OrderRecord
	first  time.Time
}

func (b *archiveBuffer) len() int { return len(b.trades) + len(b.orders) }

// ParquetArchive buffers rows per table and uploads them to S3 as parquet
// objects. It is not safe for concurrent use; the record sink owns it.
type ParquetArchive struct {
	client  ObjectPutter
	bucket  string
	cfg     appconfig.ArchiveConfig
	version string
	now     func() time.Time
	log     *logger.Log

	buffers map[archiveKey]*archiveBuffer
	pending int
}

func NewParquetArchive(client ObjectPutter, bucket string, cfg appconfig.ArchiveConfig, version string) *ParquetArchive {
	a := &ParquetArchive{
		client:  client,
		bucket:  bucket,
		cfg:     cfg,
		version: version,
		now:     time.Now,
		log:     logger.GetLogger(),
		buffers: make(map[archiveKey]*archiveBuffer),
	}
	a.log.WithComponent("parquet_archive").WithFields(logger.Fields{
		"bucket":      bucket,
		"prefix":      cfg.Prefix,
		"compression": cfg.Compression,
		"max_rows":    cfg.MaxRows,
	}).Info("parquet archive initialized")
	return a
}

// Add converts a row to its parquet record and buffers it.
func (a *ParquetArchive) Add(r models.TableRowAction) error {
	key := archiveKey{table: r.Table, shape: models.RowShapeName(r.Row)}
	action := r.Action.String()

	buf, ok := a.buffers[key]
	if !ok {
		buf = &archiveBuffer{}
		a.buffers[key] = buf
	}

	switch row := r.Row.(type) {
	case *models.Trade:
		buf.trades = append(buf.trades, tradeRecord(action, row))
	case *models.Order:
		buf.orders = append(buf.orders, orderRecord(action, row))
	default:
		return fmt.Errorf("archive: unsupported row %T", r.Row)
	}
	if buf.first.IsZero() {
		buf.first = a.now().UTC()
	}
	a.pending++
	return nil
}

func (a *ParquetArchive) Pending() int { return a.pending }

func (a *ParquetArchive) Full() bool {
	return a.cfg.MaxRows > 0 && a.pending >= a.cfg.MaxRows
}

// Flush uploads every non-empty buffer. Buffers are cleared whether or not
// their upload succeeds; the failures are returned joined.
func (a *ParquetArchive) Flush(ctx context.Context) error {
	if a.pending == 0 {
		return nil
	}
	buffers := a.buffers
	a.buffers = make(map[archiveKey]*archiveBuffer)
	a.pending = 0

	keys := make([]archiveKey, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].table != keys[j].table {
			return keys[i].table < keys[j].table
		}
		return keys[i].shape < keys[j].shape
	})

	var errs []error
	for _, k := range keys {
		buf := buffers[k]
		if buf.len() == 0 {
			continue
		}
		if err := a.flushBuffer(ctx, k, buf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *ParquetArchive) flushBuffer(ctx context.Context, k archiveKey, buf *archiveBuffer) error {
	table := k.table.String()
	log := a.log.WithComponent("parquet_archive").WithFields(logger.Fields{
		"table":        table,
		"shape":        k.shape,
		"record_count": buf.len(),
	})

	var (
		data []byte
		err  error
	)
	if k.shape == "trade" {
		data, err = a.encode(new(TradeRecord), func(pw *writer.ParquetWriter) error {
			for _, rec := range buf.trades {
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		data, err = a.encode(new(OrderRecord), func(pw *writer.ParquetWriter) error {
			for _, rec := range buf.orders {
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		metrics.ArchiveUpload(table, "error")
		log.WithError(err).Error("failed to create parquet file")
		return fmt.Errorf("%s: %w", table, err)
	}

	key := a.objectKey(k, buf.first)
	if err := a.upload(ctx, key, data, buf.len()); err != nil {
		metrics.ArchiveUpload(table, "error")
		log.WithError(err).WithEnv("S3_BUCKET").WithFields(logger.Fields{"s3_key": key}).Error("failed to upload to S3")
		return fmt.Errorf("%s: %w", table, err)
	}

	metrics.ArchiveUpload(table, "ok")
	logger.IncrementArchiveUpload(int64(len(data)))
	logger.LogDataFlowEntry(log, "record_sink", "s3://"+a.bucket+"/"+key, buf.len(), table)
	return nil
}

func (a *ParquetArchive) encode(schema interface{}, write func(*writer.ParquetWriter) error) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(a.cfg.Compression)

	if err := write(pw); err != nil {
		_ = pw.WriteStop()
		return nil, fmt.Errorf("failed to write parquet record: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy", "":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// objectKey is <prefix>/table=<table>/<yyyy>/<mm>/<dd>/<hh>/<table>_<ts>_<uuid>.parquet
// where the time is that of the first buffered row.
func (a *ParquetArchive) objectKey(k archiveKey, first time.Time) string {
	t := first.UTC()
	table := k.table.String()
	name := fmt.Sprintf("%s_%s_%s.parquet", table, t.Format("20060102T150405Z"), uuid.New().String())
	return path.Join(
		a.cfg.Prefix,
		"table="+table,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()),
		name,
	)
}

func (a *ParquetArchive) upload(ctx context.Context, key string, data []byte, rows int) error {
	bo := backoff.NewExponentialBackOff()
	if a.cfg.Retry.InitialInterval > 0 {
		bo.InitialInterval = a.cfg.Retry.InitialInterval
	}
	if a.cfg.Retry.MaxInterval > 0 {
		bo.MaxInterval = a.cfg.Retry.MaxInterval
	}
	if a.cfg.Retry.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = a.cfg.Retry.MaxElapsedTime
	}

	attempts := 0
	operation := func() error {
		attempts++
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				"content-type":       "parquet",
				"compression":        a.cfg.Compression,
				"record-count":       fmt.Sprint(rows),
				"bitmexflow-version": a.version,
			},
		})
		return err
	}
	notify := func(err error, delay time.Duration) {
		a.log.WithComponent("parquet_archive").WithError(err).WithFields(logger.Fields{
			"s3_key":  key,
			"attempt": attempts,
			"delay":   delay.String(),
		}).Warn("upload failed, retrying")
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s after %d attempts: %w", a.bucket, attempts, err)
	}
	return nil
}

func tradeRecord(action string, t *models.Trade) TradeRecord {
	return TradeRecord{
		Action:          action,
		Processed:       t.Processed.UnixMicro(),
		Timestamp:       t.Timestamp.UnixMicro(),
		Symbol:          t.Symbol,
		Side:            t.Side.String(),
		Size:            int64(t.Size),
		Price:           t.Price,
		TickDirection:   t.TickDirection.String(),
		TradeMatchID:    t.TradeMatchID,
		HomeNotional:    t.HomeNotional,
		GrossValue:      unsignedBits(t.GrossValue),
		ForeignNotional: t.ForeignNotional,
	}
}

func orderRecord(action string, o *models.Order) OrderRecord {
	return OrderRecord{
		Action:    action,
		Processed: o.Processed.UnixMicro(),
		Symbol:    o.Symbol,
		ID:        int64(o.ID),
		Side:      o.Side.String(),
		Size:      unsignedBits(o.Size),
		Price:     o.Price,
	}
}

func unsignedBits(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	b := int64(*v)
	return &b
}
