package repo

// This file provides the JSON-file seen-set store. The snapshot layout is
// shared with the Redis store (see snapshot.go).
//
// Durability:
//   - Save writes a temp file beside Path, fsyncs it and renames it over
//     Path, so a crash leaves either the old or the new snapshot.
//   - A missing file is an empty seen-set; an unreadable or malformed one
//     is a *CorruptError and is never overwritten by MergeAndSave.

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/tbourn/slot-hunter/internal/domain"
)

// Filesystem seams for tests.
var (
	renameFile = os.Rename
	syncFile   = func(f *os.File) error { return f.Sync() }
)

// FileStore keeps the seen-set as a JSON snapshot at Path. Writes go to a
// temp file in the same directory that is fsynced and renamed over Path, so
// readers only ever see a complete snapshot.
type FileStore struct {
	Path string
}

// NewFileStore returns a store writing to path. The parent directory must
// exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load returns the persisted seen-set, or an empty set if Path does not
// exist. Leftover temp files from interrupted writes are ignored.
func (s *FileStore) Load(ctx context.Context) ([]domain.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.Slot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot("file", b)
}

// Save atomically replaces the snapshot.
func (s *FileStore) Save(ctx context.Context, slots []domain.Slot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeSnapshot(slots)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := syncFile(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := renameFile(tmpName, s.Path); err != nil {
		return err
	}
	committed = true

	// Persist the rename itself; best effort on platforms without dir fsync.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// MergeAndSave adds slots to the persisted seen-set.
func (s *FileStore) MergeAndSave(ctx context.Context, slots []domain.Slot) error {
	seen, err := s.Load(ctx)
	if err != nil {
		return err
	}
	return s.Save(ctx, domain.MergeSlots(seen, slots))
}
