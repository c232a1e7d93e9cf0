package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"ordersync/internal/changelog"
)

const (
	// FileName is the latest manifest inside the snapshot directory.
	FileName = "manifest.latest.json"
	// DefaultKey is the compaction key of the latest manifest record.
	DefaultKey = "ordersync-manifest-latest"
)

// Manifest points at the latest snapshot. LastSeq is the highest store sequence the
// snapshot contains; replay resumes after it. HandledSeq is the propagation watermark:
// every change at or below it had been handled when the manifest was written. It never
// exceeds LastSeq when both are set.
type Manifest struct {
	SnapshotID string `json:"snapshotId"`
	LastSeq    int64  `json:"lastSeq"`
	HandledSeq int64  `json:"handledSeq"`
	CreatedAt  int64  `json:"createdAt"`
}

// Age is the manifest age in seconds relative to now (epoch seconds).
func (m Manifest) Age(now int64) int64 { return now - m.CreatedAt }

var ErrNotFound = errors.New("manifest not found")

type Publisher interface {
	PublishLatest(snapshotID string, lastSeq, handledSeq int64) error
}

type Reader interface {
	ReadLatest() (Manifest, error)
}

func newManifest(snapshotID string, lastSeq, handledSeq int64) Manifest {
	return Manifest{SnapshotID: snapshotID, LastSeq: lastSeq, HandledSeq: handledSeq, CreatedAt: changelog.NowUnix()}
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: pubs}
}

func (m *MultiPublisher) PublishLatest(snapshotID string, lastSeq, handledSeq int64) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(snapshotID, lastSeq, handledSeq); err != nil {
			return err
		}
	}
	return nil
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) PublishLatest(snapshotID string, lastSeq, handledSeq int64) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	b, err := json.MarshalIndent(newManifest(snapshotID, lastSeq, handledSeq), "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	file := filepath.Join(f.baseDir, FileName)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(tmp, file)
}

func (f *FilesystemManifest) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaManifest publishes the latest manifest as a compacted Kafka record.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

func NewKafkaManifest(bootstrap string, topic string, key string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

func (k *KafkaManifest) PublishLatest(snapshotID string, lastSeq, handledSeq int64) error {
	b, err := json.Marshal(newManifest(snapshotID, lastSeq, handledSeq))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{Key: k.key, Value: b})
}

// MessageReader abstracts kafka.Reader for testability.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewPartitionReader reads partition 0 of topic from the beginning.
func NewPartitionReader(brokers []string, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
}

// KafkaReader finds the latest manifest record for a key. It scans the compacted topic
// until no message arrives within Timeout.
type KafkaReader struct {
	open    func() MessageReader
	key     []byte
	Timeout time.Duration
}

func NewKafkaReader(brokers []string, topic string, key string) *KafkaReader {
	return NewKafkaReaderWith(func() MessageReader { return NewPartitionReader(brokers, topic) }, key)
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(open func() MessageReader, key string) *KafkaReader {
	return &KafkaReader{open: open, key: []byte(key), Timeout: 10 * time.Second}
}

func (k *KafkaReader) ReadLatest() (Manifest, error) {
	r := k.open()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), k.Timeout)
	defer cancel()

	var (
		last  Manifest
		found bool
	)
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last, found = man, true
	}
	if !found {
		return Manifest{}, ErrNotFound
	}
	return last, nil
}
