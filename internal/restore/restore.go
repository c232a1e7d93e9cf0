package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ordersync/internal/changelog"
	"ordersync/internal/docstore"
	"ordersync/internal/manifest"
	"ordersync/internal/metrics"
	"ordersync/internal/snapshot"
)

// Restorer rebuilds a store from the latest snapshot plus the changelog written after it.
// Replay installs after-images directly; it does not re-run propagation.
type Restorer struct {
	store       docstore.Store
	manifests   manifest.Reader
	snapshotDir string
	logger      *slog.Logger
	metrics     *metrics.Registry
}

func NewRestorer(st docstore.Store, mr manifest.Reader, snapshotDir string, logger *slog.Logger, mreg *metrics.Registry) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	if mreg == nil {
		mreg = metrics.NewRegistry()
	}
	return &Restorer{store: st, manifests: mr, snapshotDir: snapshotDir, logger: logger, metrics: mreg}
}

type RestoreResult struct {
	Applied    int
	Skipped    int
	LastOffset int64 // last offset read by ReplayChangelogKafka, -1 when none
	HandledSeq int64 // propagation watermark of the manifest RestoreAndReplay used
	Error      error
}

func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" {
		return nil
	}
	dump, err := snapshot.Read(r.snapshotDir, snapshotID)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("snapshot not found, skipping",
				"module", "restore",
				"operation", "restore_snapshot",
				"outcome", "skipped",
				"snapshot_id", snapshotID,
			)
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := r.store.LoadAll(dump); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	r.logger.Info("snapshot loaded",
		"module", "restore",
		"operation", "restore_snapshot",
		"outcome", "success",
		"snapshot_id", snapshotID,
		"documents", len(dump),
	)
	return nil
}

// apply installs c unless the snapshot already covers it. Changes at or below fromSeq are
// ignored without being counted.
func (r *Restorer) apply(c changelog.Change, fromSeq int64, res *RestoreResult) error {
	if c.Seq <= fromSeq {
		return nil
	}
	ok, err := r.store.ApplyChange(c)
	if err != nil {
		return err
	}
	if ok {
		res.Applied++
		r.metrics.Applied.Inc()
	} else {
		res.Skipped++
		r.metrics.Skipped.Inc()
	}
	return nil
}

func (r *Restorer) ReplayChangelog(changelogPath string, fromSeq int64) RestoreResult {
	var res RestoreResult
	res.Error = eachFileChange(changelogPath, func(lineNum int, c changelog.Change) error {
		if err := r.apply(c, fromSeq, &res); err != nil {
			return fmt.Errorf("apply line %d: %w", lineNum, err)
		}
		return nil
	})
	return res
}

// ReplayChangelogKafka applies changes from rd until no message arrives within idle or ctx
// is done.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, rd manifest.MessageReader, fromSeq int64, idle time.Duration) RestoreResult {
	res := RestoreResult{LastOffset: -1}
	res.LastOffset, res.Error = eachKafkaChange(ctx, rd, idle, func(offset int64, c changelog.Change) error {
		if err := r.apply(c, fromSeq, &res); err != nil {
			return fmt.Errorf("apply offset %d: %w", offset, err)
		}
		return nil
	})
	return res
}

// Redeliver appends every change in the changelog file with a seq above handledSeq to w,
// in file order, and returns how many it appended. A missing file redelivers nothing.
func Redeliver(changelogPath string, handledSeq int64, w changelog.Writer) (int, error) {
	n := 0
	err := eachFileChange(changelogPath, func(lineNum int, c changelog.Change) error {
		if c.Seq <= handledSeq {
			return nil
		}
		if err := w.Append(c); err != nil {
			return fmt.Errorf("redeliver line %d: %w", lineNum, err)
		}
		n++
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return n, err
}

// RedeliverKafka is Redeliver reading the changelog topic until it is idle.
func RedeliverKafka(ctx context.Context, rd manifest.MessageReader, handledSeq int64, idle time.Duration, w changelog.Writer) (int, error) {
	n := 0
	_, err := eachKafkaChange(ctx, rd, idle, func(offset int64, c changelog.Change) error {
		if c.Seq <= handledSeq {
			return nil
		}
		if err := w.Append(c); err != nil {
			return fmt.Errorf("redeliver offset %d: %w", offset, err)
		}
		n++
		return nil
	})
	return n, err
}

func eachFileChange(changelogPath string, fn func(lineNum int, c changelog.Change) error) error {
	file, err := os.Open(changelogPath)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var c changelog.Change
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return fmt.Errorf("unmarshal line %d: %w", lineNum, err)
		}
		if err := fn(lineNum, c); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan changelog: %w", err)
	}
	return nil
}

// eachKafkaChange reads rd until it stays idle, returning the last offset read or -1.
func eachKafkaChange(ctx context.Context, rd manifest.MessageReader, idle time.Duration, fn func(offset int64, c changelog.Change) error) (int64, error) {
	defer rd.Close()

	last := int64(-1)
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		m, err := rd.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("read kafka: %w", err)
		}
		last = m.Offset
		var c changelog.Change
		if err := json.Unmarshal(m.Value, &c); err != nil {
			return last, fmt.Errorf("unmarshal change at offset %d: %w", m.Offset, err)
		}
		if err := fn(m.Offset, c); err != nil {
			return last, err
		}
	}
}

// RestoreAndReplay loads the latest snapshot and replays the changelog file after it. With
// no manifest the whole changelog is replayed onto the current store.
func (r *Restorer) RestoreAndReplay(changelogPath string) (RestoreResult, error) {
	start := time.Now()
	m, err := r.manifests.ReadLatest()
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.Manifest{}
	case err != nil:
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	default:
		r.metrics.LastManifestAgeSec.Set(float64(m.Age(changelog.NowUnix())))
	}

	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}

	res := r.ReplayChangelog(changelogPath, m.LastSeq)
	res.HandledSeq = m.HandledSeq
	if errors.Is(res.Error, os.ErrNotExist) {
		// nothing was written since the snapshot
		res.Error = nil
	}
	r.metrics.TTRSec.Set(time.Since(start).Seconds())
	outcome := "success"
	if res.Error != nil {
		outcome = "failure"
	}
	r.logger.Info("changelog replayed",
		"module", "restore",
		"operation", "replay",
		"outcome", outcome,
		"snapshot_id", m.SnapshotID,
		"from_seq", m.LastSeq,
		"applied", res.Applied,
		"skipped", res.Skipped,
	)
	return res, res.Error
}
