package weightstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileStore implements Store with one file per blob in a single directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create weight dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the on-disk path of ref.
func (s *FileStore) Path(ref Ref) string {
	return filepath.Join(s.dir, string(ref))
}

// Put streams r into a temp file, fsyncs it and renames it into place.
// A canceled ctx aborts the copy and leaves no partial blob behind.
func (s *FileStore) Put(ctx context.Context, key Key, r io.Reader) (Ref, error) {
	if !key.IsLatest() {
		if err := key.Validate(); err != nil {
			return "", err
		}
	}
	ref := key.Ref()

	tmp, err := os.CreateTemp(s.dir, "."+string(ref)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob %s: %w", ref, err)
	}
	if err := os.Rename(tmpName, s.Path(ref)); err != nil {
		return "", fmt.Errorf("publish blob %s: %w", ref, err)
	}
	committed = true

	if err := syncDir(s.dir); err != nil {
		return "", fmt.Errorf("sync weight dir: %w", err)
	}
	return ref, nil
}

// Get opens the blob for ref.
func (s *FileStore) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether ref is stored.
func (s *FileStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := ParseRef(ref); err != nil {
		return false, err
	}
	_, err := os.Stat(s.Path(ref))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Info describes a stored blob.
type Info struct {
	Ref     Ref
	Size    int64
	ModTime time.Time
}

// Stat returns size and modification time of ref.
func (s *FileStore) Stat(ctx context.Context, ref Ref) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	if _, err := ParseRef(ref); err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(s.Path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return Info{}, err
	}
	return Info{Ref: ref, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Delete removes the blob for ref. Deleting a missing blob is not an error.
func (s *FileStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ParseRef(ref); err != nil {
		return err
	}
	if err := os.Remove(s.Path(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// Keys lists the keys of all stored blobs in ref order.
// Files that do not parse as refs (including in-flight temp files) are skipped.
func (s *FileStore) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	keys := make([]Key, 0, len(names))
	for _, n := range names {
		k, err := ParseRef(Ref(n))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ctxReader aborts reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

var _ Store = (*FileStore)(nil)
