package docstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// Record is a stored document with the sequence of the write that produced it.
type Record struct {
	Doc model.Document `json:"doc"`
	Seq int64          `json:"seq"`
}

// Store abstracts the document backend. Every backend guarantees single-document
// atomicity for MergeWrite and ApplyChange; nothing spans documents.
type Store interface {
	// Get returns the document at path; ok is false when it does not exist.
	Get(path string) (doc model.Document, ok bool, err error)
	// MergeWrite sets the given top-level fields and leaves the others untouched,
	// creating the document when missing. ServerTimestamp values are resolved to Now.
	MergeWrite(path string, fields model.Document) (changelog.Change, error)
	// ApplyChange installs the after-image of c when c.Seq is newer than the stored record.
	ApplyChange(c changelog.Change) (applied bool, err error)
	Range(fn func(path string, rec Record) error) error
	LoadAll(all map[string]Record) error
}

// Now is the store write clock. Split for testability.
var Now = func() time.Time { return time.Now().UTC() }

// mergeFields returns a new document with fields applied on top of cur.
func mergeFields(cur model.Document, fields model.Document, now time.Time) model.Document {
	out := cur.Clone()
	if out == nil {
		out = make(model.Document, len(fields))
	}
	for k, v := range fields {
		if model.IsServerTimestamp(v) {
			v = now
		}
		out[k] = v
	}
	return out
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	seq  int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Record)}
}

func (s *InMemoryStore) Get(path string) (model.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[path]
	if !ok {
		return nil, false, nil
	}
	return rec.Doc.Clone(), true, nil
}

func (s *InMemoryStore) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var before model.Document
	if rec, ok := s.data[path]; ok {
		before = rec.Doc
	}
	after := mergeFields(before, fields, Now())
	s.seq++
	s.data[path] = Record{Doc: after, Seq: s.seq}
	return changelog.NewChange(s.seq, path, before.Clone(), after.Clone()), nil
}

func (s *InMemoryStore) ApplyChange(c changelog.Change) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.data[c.Path]; ok && c.Seq <= rec.Seq {
		return false, nil
	}
	if c.After == nil {
		delete(s.data, c.Path)
	} else {
		s.data[c.Path] = Record{Doc: c.After.Clone(), Seq: c.Seq}
	}
	if c.Seq > s.seq {
		s.seq = c.Seq
	}
	return true, nil
}

func (s *InMemoryStore) Range(fn func(path string, rec Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Record, len(all))
	s.seq = 0
	for k, v := range all {
		s.data[k] = Record{Doc: v.Doc.Clone(), Seq: v.Seq}
		if v.Seq > s.seq {
			s.seq = v.Seq
		}
	}
	return nil
}

// Journaled appends every committed write to a changelog writer. Wrapping a store with a
// Feed is what turns writes into change events. Writes are appended in sequence order.
type Journaled struct {
	Store
	mu  sync.Mutex
	log changelog.Writer
}

func NewJournaled(st Store, w changelog.Writer) *Journaled {
	return &Journaled{Store: st, log: w}
}

// MergeWrite commits the write and then appends it. An append error is returned with the
// committed change; writers that did not fail still received it.
func (j *Journaled) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, err := j.Store.MergeWrite(path, fields)
	if err != nil {
		return changelog.Change{}, err
	}
	if err := j.log.Append(c); err != nil {
		return c, fmt.Errorf("append changelog: %w", err)
	}
	return c, nil
}

func encodeRecord(rec Record) ([]byte, error) { return json.Marshal(rec) }
func decodeRecord(val []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
