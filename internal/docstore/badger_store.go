package docstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// maxConflictRetries bounds optimistic retries when concurrent txns touch the same keys.
const maxConflictRetries = 16

// BadgerStore implements Store using BadgerDB transactions. The sequence key is part of
// every write txn, so conflicting writers retry instead of reusing a sequence.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func txnRecord(txn *badger.Txn, path string) (Record, bool, error) {
	item, err := txn.Get(docKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return rec, true, nil
}

func txnSeq(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(seqKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(v), 10, 64)
}

func txnPut(txn *badger.Txn, path string, rec Record, seq int64) error {
	bytes, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := txn.Set(docKey(path), bytes); err != nil {
		return err
	}
	return txn.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10)))
}

// update runs fn in a read-write txn, retrying on conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerStore) Get(path string) (model.Document, bool, error) {
	var rec Record
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var e error
		rec, ok, e = txnRecord(txn, path)
		return e
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Doc, true, nil
}

func (b *BadgerStore) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	var out changelog.Change
	err := b.update(func(txn *badger.Txn) error {
		cur, ok, err := txnRecord(txn, path)
		if err != nil {
			return err
		}
		seq, err := txnSeq(txn)
		if err != nil {
			return err
		}
		var before model.Document
		if ok {
			before = cur.Doc
		}
		after := mergeFields(before, fields, Now())
		seq++
		if err := txnPut(txn, path, Record{Doc: after, Seq: seq}, seq); err != nil {
			return err
		}
		out = changelog.NewChange(seq, path, before, after.Clone())
		return nil
	})
	if err != nil {
		return changelog.Change{}, fmt.Errorf("badger write %s: %w", path, err)
	}
	return out, nil
}

func (b *BadgerStore) ApplyChange(c changelog.Change) (bool, error) {
	var applied bool
	err := b.update(func(txn *badger.Txn) error {
		applied = false
		cur, ok, err := txnRecord(txn, c.Path)
		if err != nil {
			return err
		}
		if ok && c.Seq <= cur.Seq {
			return nil
		}
		seq, err := txnSeq(txn)
		if err != nil {
			return err
		}
		if c.Seq > seq {
			seq = c.Seq
		}
		if c.After == nil {
			if err := txn.Delete(docKey(c.Path)); err != nil {
				return err
			}
			if err := txn.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10))); err != nil {
				return err
			}
		} else if err := txnPut(txn, c.Path, Record{Doc: c.After, Seq: c.Seq}, seq); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (b *BadgerStore) Range(fn func(path string, rec Record) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(item.KeyCopy(nil)[len(docPrefix):])
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if err := fn(path, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every document with the snapshot contents.
func (b *BadgerStore) LoadAll(all map[string]Record) error {
	if err := b.db.DropPrefix([]byte(docPrefix)); err != nil {
		return fmt.Errorf("badger drop: %w", err)
	}
	wb := b.db.NewWriteBatch()
	var maxSeq int64
	for path, rec := range all {
		bytes, err := encodeRecord(rec)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err := wb.Set(docKey(path), bytes); err != nil {
			wb.Cancel()
			return err
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	if err := wb.Set([]byte(seqKey), []byte(strconv.FormatInt(maxSeq, 10))); err != nil {
		wb.Cancel()
		return err
	}
	return wb.Flush()
}
