package docstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// Key layout shared by the ordered KV backends: documents under docPrefix, the write
// sequence under seqKey.
const (
	docPrefix = "d/"
	seqKey    = "m/seq"
)

func docKey(path string) []byte { return []byte(docPrefix + path) }

// PebbleStore implements Store using PebbleDB. Pebble has no read-modify-write
// transactions, so writes are serialized by mu.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq int64
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	p := &PebbleStore{db: d}
	seq, err := p.readSeq()
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("pebble read seq: %w", err)
	}
	p.seq = seq
	return p, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) readSeq() (int64, error) {
	v, closer, err := p.db.Get([]byte(seqKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return strconv.ParseInt(string(v), 10, 64)
}

func (p *PebbleStore) getRecord(path string) (Record, bool, error) {
	v, closer, err := p.db.Get(docKey(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()
	rec, err := decodeRecord(v)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, true, nil
}

// putRecord writes the record and the sequence in one batch.
func (p *PebbleStore) putRecord(path string, rec Record, seq int64) error {
	bytes, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(docKey(path), bytes, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) Get(path string) (model.Document, bool, error) {
	rec, ok, err := p.getRecord(path)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Doc, true, nil
}

func (p *PebbleStore) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := p.getRecord(path)
	if err != nil {
		return changelog.Change{}, err
	}
	var before model.Document
	if ok {
		before = cur.Doc
	}
	after := mergeFields(before, fields, Now())
	seq := p.seq + 1
	if err := p.putRecord(path, Record{Doc: after, Seq: seq}, seq); err != nil {
		return changelog.Change{}, fmt.Errorf("pebble write %s: %w", path, err)
	}
	p.seq = seq
	return changelog.NewChange(seq, path, before, after.Clone()), nil
}

func (p *PebbleStore) ApplyChange(c changelog.Change) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok, err := p.getRecord(c.Path)
	if err != nil {
		return false, err
	}
	if ok && c.Seq <= cur.Seq {
		return false, nil
	}
	seq := p.seq
	if c.Seq > seq {
		seq = c.Seq
	}
	if c.After == nil {
		b := p.db.NewBatch()
		defer b.Close()
		_ = b.Delete(docKey(c.Path), nil)
		_ = b.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10)), nil)
		if err := b.Commit(pebble.Sync); err != nil {
			return false, err
		}
	} else if err := p.putRecord(c.Path, Record{Doc: c.After, Seq: c.Seq}, seq); err != nil {
		return false, err
	}
	p.seq = seq
	return true, nil
}

func (p *PebbleStore) Range(fn func(path string, rec Record) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(docPrefix),
		UpperBound: []byte("d0"),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		path := string(it.Key()[len(docPrefix):])
		rec, err := decodeRecord(append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if err := fn(path, rec); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll replaces every document with the snapshot contents.
func (p *PebbleStore) LoadAll(all map[string]Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var toDelete [][]byte
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: []byte(docPrefix), UpperBound: []byte("d0")})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	if err := it.Close(); err != nil {
		return err
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	for _, k := range toDelete {
		if err := wb.Delete(k, nil); err != nil {
			return err
		}
	}
	var maxSeq int64
	for path, rec := range all {
		bytes, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err := wb.Set(docKey(path), bytes, nil); err != nil {
			return err
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	if err := wb.Set([]byte(seqKey), []byte(strconv.FormatInt(maxSeq, 10)), nil); err != nil {
		return err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return err
	}
	p.seq = maxSeq
	return nil
}
