package tombstone

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FileBackend keeps one JSON document per owner in dir, optionally zstd
// compressed. Writes go through a temp file and a rename.
type FileBackend struct {
	dir      string
	compress bool
	mu       sync.Mutex
}

func NewFileBackend(dir string, compress bool) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tombstone: create dir: %w", err)
	}
	return &FileBackend{dir: dir, compress: compress}, nil
}

func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(owner string, compress bool) string {
	return filepath.Join(b.dir, FileName(owner, compress))
}

// Load reads the owner's document. The configured format is tried first and
// the other one second, so toggling compression keeps existing data.
func (b *FileBackend) Load(owner string) (*File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, compressed := range []bool{b.compress, !b.compress} {
		f, err := readDoc(b.path(owner, compressed), compressed)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		f.Owner = owner
		return f, nil
	}
	return &File{Owner: owner}, nil
}

func readDoc(path string, compressed bool) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var r io.Reader = bufio.NewReader(fh)
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("tombstone: open %s: %w", filepath.Base(path), err)
		}
		defer dec.Close()
		r = dec
	}
	var f File
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("tombstone: decode %s: %w", filepath.Base(path), err)
	}
	return &f, nil
}

// Save writes the owner's document atomically.
func (b *FileBackend) Save(owner string, f *File) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc := *f
	doc.Owner = owner
	if doc.Tombstones == nil {
		doc.Tombstones = []Record{}
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("tombstone: encode: %w", err)
	}

	target := b.path(owner, b.compress)
	tmp, err := os.CreateTemp(b.dir, ".tomb-*.tmp")
	if err != nil {
		return fmt.Errorf("tombstone: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeDoc(tmp, data, b.compress); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tombstone: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tombstone: close: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("tombstone: rename: %w", err)
	}
	// Drop the copy in the other format so Load never sees stale data.
	_ = os.Remove(b.path(owner, !b.compress))
	return nil
}

func writeDoc(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Owners lists the owners found in dir. Names that cannot be decoded are
// resolved by reading the owner field of the document.
func (b *FileBackend) Owners() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsTombstoneFile(name) {
			continue
		}
		owner, ok := DecodeOwner(name)
		if !ok {
			f, err := readDoc(filepath.Join(b.dir, name), filepath.Ext(name) == zstdSuffix)
			if err != nil || f.Owner == "" {
				continue
			}
			owner = f.Owner
		}
		seen[owner] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}
