// Package source reads raw feed batches from newline-delimited JSON files.
//
// A source directory holds one file or one sub-directory per entity:
//
//	data/customers.ndjson
//	data/orders/2024-01-15.ndjson
//	data/orders/2024-01-16.ndjson.gz
//
// Every run re-reads the whole directory. The staging loader drops records it has
// already seen, so a file may be appended to or re-delivered safely.
package source

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/canopy-network/commercex/pkg/db/entities"
	"github.com/canopy-network/commercex/pkg/db/models/dwh"
	"go.uber.org/zap"
)

// maxLine bounds a single record.
const maxLine = 4 << 20

// Dir is an NDJSON directory source.
type Dir struct {
	root   string
	logger *zap.Logger
}

func NewDir(root string, logger *zap.Logger) *Dir {
	return &Dir{root: root, logger: logger}
}

// Read returns every record under the directory in file then line order. The window
// is not used to filter; business times are only known after coercion.
//
// A line that is not a JSON object is returned with no fields so the loader rejects
// and counts it like any other invalid record.
func (d *Dir) Read(ctx context.Context, _ dwh.Window) ([]dwh.RawRecord, error) {
	var out []dwh.RawRecord
	for _, entity := range entities.All() {
		files, err := d.files(entity)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			records, malformed, err := readFile(path, entity)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			if malformed > 0 {
				d.logger.Warn("malformed source lines",
					zap.String("file", path),
					zap.String("entity", entity.String()),
					zap.Int("lines", malformed))
			}
			out = append(out, records...)
		}
	}
	d.logger.Info("Source read", zap.String("root", d.root), zap.Int("records", len(out)))
	return out, nil
}

// files lists the feed files of entity in lexical order.
func (d *Dir) files(entity entities.Entity) ([]string, error) {
	var files []string
	for _, ext := range []string{".ndjson", ".ndjson.gz"} {
		path := filepath.Join(d.root, entity.String()+ext)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	dir := filepath.Join(d.root, entity.String())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return files, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var nested []string
	for _, e := range entries {
		if e.IsDir() || !isFeed(e.Name()) {
			continue
		}
		nested = append(nested, filepath.Join(dir, e.Name()))
	}
	sort.Strings(nested)
	return append(files, nested...), nil
}

func isFeed(name string) bool {
	return strings.HasSuffix(name, ".ndjson") || strings.HasSuffix(name, ".ndjson.gz")
}

func readFile(path string, entity entities.Entity) ([]dwh.RawRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, 0, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return Decode(r, entity)
}

// Decode parses one record per line. Blank lines are skipped. Numbers keep their
// literal form so integer fields are not rounded through float64.
func Decode(r io.Reader, entity entities.Entity) ([]dwh.RawRecord, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		out       []dwh.RawRecord
		malformed int
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil || fields == nil {
			malformed++
			out = append(out, dwh.RawRecord{Entity: entity})
			continue
		}
		out = append(out, dwh.RawRecord{Entity: entity, Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return out, malformed, err
	}
	return out, malformed, nil
}
