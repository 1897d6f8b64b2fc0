package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/logger"
)

type tickParquetRecord struct {
	Topic           string   `parquet:"name=topic, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentKey   string   `parquet:"name=instrument_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeedKind        string   `parquet:"name=feed_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt      int64    `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LastTradedAt    int64    `parquet:"name=last_traded_at, type=INT64"`
	LastTradedPrice float64  `parquet:"name=ltp, type=DOUBLE"`
	Open            *float64 `parquet:"name=open, type=DOUBLE, repetitiontype=OPTIONAL"`
	High            *float64 `parquet:"name=high, type=DOUBLE, repetitiontype=OPTIONAL"`
	Low             *float64 `parquet:"name=low, type=DOUBLE, repetitiontype=OPTIONAL"`
	Close           *float64 `parquet:"name=close, type=DOUBLE, repetitiontype=OPTIONAL"`
	ClosePrice      *float64 `parquet:"name=cp, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type archiveBatch struct {
	Topic     string
	Rows      []tickParquetRecord
	Timestamp time.Time
	Reason    string
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink buffers ticks per topic and uploads them to S3 as parquet.
type ArchiveSink struct {
	cfg      appconfig.ArchiveSinkConfig
	bucket   string
	version  string
	s3Client objectPutter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Log

	mu          sync.Mutex
	buffer      map[string][]tickParquetRecord
	flushTicker *time.Ticker
	running     bool
	now         func() time.Time

	jobMu      sync.RWMutex
	jobCh      chan archiveBatch
	jobsClosed bool
}

// NewArchiveSink creates the archive sink and its S3 client.
func NewArchiveSink(cfg *appconfig.Config) (*ArchiveSink, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	return newArchiveSink(cfg.Sinks.Archive, cfg.Storage.S3.Bucket, cfg.Tickflow.Version, s3Client), nil
}

func newArchiveSink(cfg appconfig.ArchiveSinkConfig, bucket, version string, client objectPutter) *ArchiveSink {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	return &ArchiveSink{
		cfg:      cfg,
		bucket:   bucket,
		version:  version,
		s3Client: client,
		log:      logger.GetLogger(),
		buffer:   make(map[string][]tickParquetRecord),
		jobCh:    make(chan archiveBatch, 64),
		now:      time.Now,
	}
}

func (a *ArchiveSink) Name() string { return "archive" }

// Start begins the interval flush and the upload worker.
func (a *ArchiveSink) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive sink already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.flushTicker = time.NewTicker(a.cfg.FlushInterval)
	a.mu.Unlock()

	a.log.WithComponent("archive_sink").WithFields(logger.Fields{
		"flush_interval": a.cfg.FlushInterval,
		"max_buffer":     a.cfg.MaxBuffer,
		"bucket":         a.bucket,
	}).Info("starting tick archive")

	a.wg.Add(2)
	go a.flushLoop()
	go a.uploadWorker()
	return nil
}

// Stop flushes what is buffered, waits for uploads and stops.
func (a *ArchiveSink) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	ticker := a.flushTicker
	a.mu.Unlock()

	ticker.Stop()
	a.flushBuffers("shutdown")
	a.jobMu.Lock()
	a.jobsClosed = true
	close(a.jobCh)
	a.jobMu.Unlock()
	cancel()
	a.wg.Wait()
	a.log.WithComponent("archive_sink").Info("tick archive stopped")
}

// Write buffers the batch. A topic that reaches max_buffer rows is queued
// for upload at once.
func (a *ArchiveSink) Write(ctx context.Context, batch channel.TickBatch) error {
	received := batch.ReceivedAt
	if received.IsZero() {
		received = a.now()
	}

	var flushRows []tickParquetRecord
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive sink not running")
	}
	for key, t := range batch.Ticks {
		a.buffer[batch.Topic] = append(a.buffer[batch.Topic], tickParquetRecord{
			Topic:           batch.Topic,
			InstrumentKey:   key,
			FeedKind:        t.Kind.String(),
			ReceivedAt:      received.UnixMilli(),
			LastTradedAt:    t.LastTradedAt,
			LastTradedPrice: t.LastTradedPrice,
			Open:            t.Open,
			High:            t.High,
			Low:             t.Low,
			Close:           t.Close,
			ClosePrice:      t.ClosePrice,
		})
	}
	if len(a.buffer[batch.Topic]) >= a.cfg.MaxBuffer {
		flushRows = a.buffer[batch.Topic]
		delete(a.buffer, batch.Topic)
	}
	a.mu.Unlock()

	if len(flushRows) > 0 {
		a.enqueueBatch(batch.Topic, flushRows, "max_buffer")
	}
	return nil
}

func (a *ArchiveSink) flushLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *ArchiveSink) uploadWorker() {
	defer a.wg.Done()
	for batch := range a.jobCh {
		a.processBatch(batch)
	}
}

func (a *ArchiveSink) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]tickParquetRecord)
	a.mu.Unlock()

	for topic, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		a.enqueueBatch(topic, rows, reason)
	}
}

func (a *ArchiveSink) enqueueBatch(topic string, rows []tickParquetRecord, reason string) {
	batch := archiveBatch{Topic: topic, Rows: rows, Timestamp: a.now().UTC(), Reason: reason}
	a.jobMu.RLock()
	defer a.jobMu.RUnlock()
	if a.jobsClosed {
		a.log.WithComponent("archive_sink").WithField("topic", topic).Warn("archive stopped; batch discarded")
		return
	}
	select {
	case a.jobCh <- batch:
	case <-a.ctx.Done():
		a.log.WithComponent("archive_sink").WithFields(logger.Fields{
			"topic": topic,
			"rows":  len(rows),
		}).Warn("archive stopping; batch discarded")
	}
}

func (a *ArchiveSink) processBatch(batch archiveBatch) {
	entryLog := a.log.WithComponent("archive_sink").WithFields(logger.Fields{
		"topic":        batch.Topic,
		"record_count": len(batch.Rows),
		"reason":       batch.Reason,
	})

	key := a.objectKey(batch)
	data, err := a.createParquet(batch)
	if err != nil {
		entryLog.WithError(err).Error("failed to create tick parquet")
		return
	}
	if err := a.upload(key, data); err != nil {
		entryLog.WithError(err).WithField("key", key).Error("failed to upload tick parquet")
		return
	}

	logger.LogDataFlowEntry(entryLog, "ticks", "s3", len(batch.Rows), "parquet")
	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("tick batch archived")
}

func (a *ArchiveSink) createParquet(batch archiveBatch) ([]byte, error) {
	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(tickParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.cfg.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range batch.Rows {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write tick record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize tick parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func (a *ArchiveSink) objectKey(batch archiveBatch) string {
	filename := batch.Timestamp.Format("20060102150405") + uuid.NewString() + ".parquet"
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("topic=%s", batch.Topic),
		fmt.Sprintf("date=%s", batch.Timestamp.Format("2006-01-02")),
		filename,
	)
}

func (a *ArchiveSink) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      a.cfg.Compression,
			"tickflow-version": a.version,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload tick parquet: %w", err)
	}
	return nil
}
