package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ordersync/internal/docstore"
)

// FileName is the snapshot file inside each snapshot directory.
const FileName = "state.json"

type Snapshotter interface {
	// WriteSnapshot dumps every document and returns the highest sequence it contains.
	WriteSnapshot(snapshotID string, st docstore.Store) (lastSeq int64, err error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st docstore.Store) (int64, error) {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}

	var lastSeq int64
	dump := make(map[string]docstore.Record)
	if err := st.Range(func(path string, rec docstore.Record) error {
		dump[path] = rec
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
		return nil
	}); err != nil {
		return 0, err
	}

	// write then rename so a crash never leaves a torn state.json
	tmp := filepath.Join(dir, FileName+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		out.Close()
		return 0, fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return lastSeq, nil
}

// Read loads the snapshot written under baseDir/snapshotID.
func Read(baseDir, snapshotID string) (map[string]docstore.Record, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, snapshotID, FileName))
	if err != nil {
		return nil, err
	}
	var dump map[string]docstore.Record
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}
