package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileExt     = ".jsonl"
	maxScanSize = 2 << 20
)

type record struct {
	Key string          `json:"key"`
	Row json.RawMessage `json:"row"`
}

// File persists rows as one append-only JSONL log per table under dir. The
// last record for a key wins. The whole state is held in memory and Compact
// rewrites each log down to one record per key.
type File struct {
	dir string
	mem *Memory

	mu sync.Mutex
}

func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	f := &File{dir: dir, mem: NewMemory()}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if err := f.load(strings.TrimSuffix(name, fileExt)); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (f *File) path(table string) string {
	return filepath.Join(f.dir, table+fileExt)
}

// load replays a table log. A torn final line from a crash is skipped.
func (f *File) load(table string) error {
	fh, err := os.Open(f.path(table))
	if err != nil {
		return err
	}
	defer fh.Close()
	sc := newScanner(fh)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		f.mem.set(table, r.Key, r.Row)
	}
	return sc.Err()
}

func (f *File) Get(table, key string, dst any) error {
	return f.mem.Get(table, key, dst)
}

func (f *File) List(table string) ([]json.RawMessage, error) {
	return f.mem.List(table)
}

func (f *File) Put(table, key string, row any) error {
	if key == "" {
		return errors.New("store: empty key")
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path(table), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer fh.Close()
	if err := json.NewEncoder(fh).Encode(record{Key: key, Row: raw}); err != nil {
		return err
	}
	if err := syncFile(fh); err != nil {
		return err
	}
	f.mem.set(table, key, raw)
	return nil
}

// Compact rewrites every table log with only the live record per key.
func (f *File) Compact() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for table, rows := range f.mem.snapshot() {
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		path := f.path(table)
		tmp := path + ".tmp"
		fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(fh)
		for _, k := range keys {
			if err := enc.Encode(record{Key: k, Row: rows[k]}); err != nil {
				_ = fh.Close()
				return err
			}
		}
		if err := syncFile(fh); err != nil {
			_ = fh.Close()
			return err
		}
		// close before rename for windows
		if err := fh.Close(); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
		syncDir(path)
	}
	return nil
}
