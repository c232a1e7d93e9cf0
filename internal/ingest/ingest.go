package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// WriteRequest is one external merge-write. String fields equal to "$serverTimestamp" are
// stamped by the store.
type WriteRequest struct {
	Path   string         `json:"path"`
	Fields model.Document `json:"fields"`
}

var ErrInvalidRequest = errors.New("invalid write request")

// Validate requires a document path (collection/id pairs) and at least one field.
func (w WriteRequest) Validate() error {
	segs := strings.Split(w.Path, "/")
	if w.Path == "" || len(segs)%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidRequest, w.Path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidRequest, w.Path)
		}
	}
	if len(w.Fields) == 0 {
		return fmt.Errorf("%w: no fields for %s", ErrInvalidRequest, w.Path)
	}
	return nil
}

// Decode parses one JSON request. Numbers stay json.Number so decimals keep their digits.
func Decode(b []byte) (WriteRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var req WriteRequest
	if err := dec.Decode(&req); err != nil {
		return WriteRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, req.Validate()
}

// Writer is the write side of the (journaled) store.
type Writer interface {
	MergeWrite(path string, fields model.Document) (changelog.Change, error)
}

func Apply(w Writer, req WriteRequest) (changelog.Change, error) {
	if err := req.Validate(); err != nil {
		return changelog.Change{}, err
	}
	c, err := w.MergeWrite(req.Path, req.Fields)
	if err != nil {
		return changelog.Change{}, fmt.Errorf("merge write %s: %w", req.Path, err)
	}
	return c, nil
}

// ReadJSONL calls fn for every request in r, one JSON object per line. Blank lines and
// lines starting with '#' are skipped. It returns the number of requests handled.
func ReadJSONL(ctx context.Context, r io.Reader, fn func(WriteRequest) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		req, err := Decode(line)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := fn(req); err != nil {
			return n, fmt.Errorf("line %d: %w", lineNum, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}
