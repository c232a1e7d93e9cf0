package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ordersync/internal/admin"
	"ordersync/internal/changelog"
	"ordersync/internal/config"
	"ordersync/internal/docstore"
	"ordersync/internal/manifest"
	"ordersync/internal/metrics"
	"ordersync/internal/notify"
	"ordersync/internal/propagate"
	"ordersync/internal/restore"
	"ordersync/internal/snapshot"
)

const changelogFile = "ordersync.jsonl"

// Flags override the loaded config when set.
type Flags struct {
	ConfigPath   string
	StoreBackend string
	InputSource  string
	InputFile    string
	HTTPAddr     string
	Workers      int
	Once         bool
}

func main() {
	fl := readFlags()
	cfg, err := config.Load(fl.ConfigPath)
	if err != nil {
		log.Fatalf("ordersync config: %v", err)
	}
	fl.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("ordersync config: %v", err)
	}
	if err := run(cfg, fl.Once); err != nil {
		log.Fatalf("ordersync failed: %v", err)
	}
}

func readFlags() Flags {
	var fl Flags
	flag.StringVar(&fl.ConfigPath, "config", "ordersync.yaml", "yaml config file (optional)")
	flag.StringVar(&fl.StoreBackend, "store-backend", "", "store backend: memory|pebble|badger|redis")
	flag.StringVar(&fl.InputSource, "input-source", "", "write source: sample|file|kafka")
	flag.StringVar(&fl.InputFile, "input-file", "", "JSONL write requests for -input-source=file")
	flag.StringVar(&fl.HTTPAddr, "http", "", "listen address for /healthz, /metrics and /v1/writes")
	flag.IntVar(&fl.Workers, "workers", 0, "engine workers")
	flag.BoolVar(&fl.Once, "once", false, "apply the input, process until quiet, snapshot and exit")
	flag.Parse()
	return fl
}

func (fl Flags) apply(cfg *config.Config) {
	if fl.StoreBackend != "" {
		cfg.StoreBackend = fl.StoreBackend
	}
	if fl.InputSource != "" {
		cfg.InputSource = fl.InputSource
	}
	if fl.InputFile != "" {
		cfg.InputFile = fl.InputFile
	}
	if fl.HTTPAddr != "" {
		cfg.HTTPAddr = fl.HTTPAddr
	}
	if fl.Workers > 0 {
		cfg.Workers = fl.Workers
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}

func run(cfg config.Config, once bool) error {
	logger := newLogger(cfg.LogLevel).With("service", "ordersync")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	handledSeq, err := recoverStore(cfg, st, manifestReader(cfg), logger, mreg)
	if err != nil {
		return err
	}

	// Changes journaled after the watermark may never have been handled; hand them to the
	// engine again before any new write.
	feed := changelog.NewFeed()
	feed.MarkHandled(handledSeq)
	redelivered, err := redeliver(ctx, cfg, handledSeq, feed)
	if err != nil {
		return fmt.Errorf("redeliver: %w", err)
	}
	logger.Info("changes redelivered", "module", "ordersync", "operation", "redeliver", "outcome", "success",
		"after_seq", handledSeq, "changes", redelivered)

	sinks, err := changelogSinks(cfg)
	if err != nil {
		return err
	}
	// the feed comes first so a failing sink cannot keep a change from the engine
	journal := changelog.NewMultiWriter(append([]changelog.Writer{feed}, sinks...)...)
	store := docstore.NewJournaled(st, countingWriter{w: journal, appended: mreg.ChangelogAppends})

	sender := notificationSender(cfg, logger)
	eng := propagate.NewEngine(store, sender, propagate.DefaultRouter(), logger, mreg)
	eng.SetMaxAttempts(cfg.MaxAttempts)

	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir)
	pub := manifestPublisher(cfg)
	takeSnapshot := func() {
		// read before the snapshot so the watermark never passes its lastSeq
		wm := feed.HandledThrough()
		if cfg.StoreBackend == "redis" {
			// SCAN is not a point-in-time view; redis persists on its own
			if err := pub.PublishLatest("", 0, wm); err != nil {
				logger.Error("watermark publish failed", "module", "manifest", "operation", "publish", "outcome", "failure", "error", err)
			}
			return
		}
		id := time.Now().UTC().Format("20060102T150405Z")
		lastSeq, err := snap.WriteSnapshot(id, st)
		if err == nil {
			err = pub.PublishLatest(id, lastSeq, wm)
		}
		if err != nil {
			logger.Error("snapshot failed", "module", "snapshot", "operation", "write", "outcome", "failure", "error", err)
			return
		}
		mreg.LastManifestAgeSec.Set(0)
		logger.Info("snapshot published", "module", "snapshot", "operation", "write", "outcome", "success",
			"snapshot_id", id, "last_seq", lastSeq, "handled_seq", wm)
	}

	if once {
		// each request settles before the next, as if its writer waited for the fan-out
		var handled int
		err := ingestInput(ctx, cfg, store, func() error {
			n, err := eng.Drain(ctx, feed)
			handled += n
			return err
		}, logger)
		logger.Info("input processed", "module", "ordersync", "operation", "drain", "outcome", outcome(err), "changes", handled)
		takeSnapshot()
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           admin.NewRouter(admin.NewHandler(store, mreg, logger, feed.Len)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "module", "admin", "operation", "listen", "outcome", "failure", "error", err)
		}
	}()

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx, feed, cfg.Workers) }()

	go func() {
		if err := ingestInput(ctx, cfg, store, nil, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("input stopped", "module", "ingest", "operation", cfg.InputSource, "outcome", "failure", "error", err)
		}
	}()

	logger.Info("ordersync started", "module", "ordersync", "operation", "start", "outcome", "success",
		"store", cfg.StoreBackend, "input", cfg.InputSource, "workers", cfg.Workers, "http", cfg.HTTPAddr)

	if cfg.SnapshotInterval > 0 {
		ticker := time.NewTicker(cfg.SnapshotInterval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				takeSnapshot()
			}
		}
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-engineDone
	takeSnapshot()
	logger.Info("ordersync stopped", "module", "ordersync", "operation", "stop", "outcome", "success", "backlog", feed.Len())
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

type closer func()

func openStore(cfg config.Config) (docstore.Store, closer, error) {
	switch cfg.StoreBackend {
	case "pebble":
		ps, err := docstore.NewPebbleStore(filepath.Join(cfg.DataDir, "pebble"))
		if err != nil {
			return nil, nil, fmt.Errorf("init pebble: %w", err)
		}
		return ps, func() { _ = ps.Close() }, nil
	case "badger":
		bs, err := docstore.NewBadgerStore(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, nil, fmt.Errorf("init badger: %w", err)
		}
		return bs, func() { _ = bs.Close() }, nil
	case "redis":
		client, err := docstore.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis: %w", err)
		}
		rs := docstore.NewRedisStore(client)
		return rs, func() { _ = rs.Close() }, nil
	default:
		return docstore.NewInMemoryStore(), func() {}, nil
	}
}

// recoverStore rebuilds a memory store from the latest snapshot and the file changelog.
// Persistent backends keep their documents. Either way it returns the manifest's
// propagation watermark, zero when there is no manifest.
func recoverStore(cfg config.Config, st docstore.Store, mr manifest.Reader, logger *slog.Logger, mreg *metrics.Registry) (int64, error) {
	if cfg.StoreBackend == "memory" {
		r := restore.NewRestorer(st, mr, cfg.SnapshotDir, logger, mreg)
		res, err := r.RestoreAndReplay(filepath.Join(cfg.ChangelogDir, changelogFile))
		if err != nil {
			return 0, fmt.Errorf("restore: %w", err)
		}
		return res.HandledSeq, nil
	}
	m, err := mr.ReadLatest()
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return 0, fmt.Errorf("read manifest: %w", err)
	}
	return m.HandledSeq, nil
}

func redeliver(ctx context.Context, cfg config.Config, handledSeq int64, w changelog.Writer) (int, error) {
	if cfg.ChangelogSource == "kafka" {
		rd := manifest.NewPartitionReader(changelog.SplitBrokers(cfg.KafkaBootstrap), cfg.TopicChangelog)
		return restore.RedeliverKafka(ctx, rd, handledSeq, 5*time.Second, w)
	}
	return restore.Redeliver(filepath.Join(cfg.ChangelogDir, changelogFile), handledSeq, w)
}

func changelogSinks(cfg config.Config) ([]changelog.Writer, error) {
	var ws []changelog.Writer
	if cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" {
		fw, err := changelog.NewFileWriter(cfg.ChangelogDir, changelogFile)
		if err != nil {
			return nil, fmt.Errorf("init changelog file: %w", err)
		}
		ws = append(ws, fw)
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" {
		ws = append(ws, changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicChangelog))
	}
	return ws, nil
}

func notificationSender(cfg config.Config, logger *slog.Logger) notify.Sender {
	switch cfg.NotifySink {
	case "kafka":
		return notify.NewKafkaSender(cfg.KafkaBootstrap, cfg.TopicNotifications)
	case "both":
		return notify.NewMultiSender(notify.NewLogSender(logger), notify.NewKafkaSender(cfg.KafkaBootstrap, cfg.TopicNotifications))
	default:
		return notify.NewLogSender(logger)
	}
}

func manifestReader(cfg config.Config) manifest.Reader {
	if cfg.ManifestSource == "kafka" {
		return manifest.NewKafkaReader(changelog.SplitBrokers(cfg.KafkaBootstrap), cfg.TopicSnapshots, manifest.DefaultKey)
	}
	return manifest.NewFilesystemManifest(cfg.SnapshotDir)
}

func manifestPublisher(cfg config.Config) manifest.Publisher {
	fs := manifest.NewFilesystemManifest(cfg.SnapshotDir)
	switch cfg.ManifestSink {
	case "kafka":
		return manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicSnapshots, manifest.DefaultKey)
	case "both":
		return manifest.NewMultiPublisher(fs, manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicSnapshots, manifest.DefaultKey))
	default:
		return fs
	}
}

// countingWriter counts successful changelog appends.
type countingWriter struct {
	w        changelog.Writer
	appended prometheus.Counter
}

func (c countingWriter) Append(ch changelog.Change) error {
	if err := c.w.Append(ch); err != nil {
		return err
	}
	c.appended.Inc()
	return nil
}

