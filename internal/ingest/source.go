package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// File is an uploaded document opened for random access.
type File interface {
	io.ReaderAt
	Size() int64
	Close() error
}

// FileSource gives the orchestrator byte access to uploaded files.
type FileSource interface {
	Open(ctx context.Context, ref string) (File, error)
	Remove(ctx context.Context, ref string) error
}

// LocalFiles keeps uploads in a directory on local disk. A ref is the file
// name inside Dir.
type LocalFiles struct {
	Dir string
}

// NewLocalFiles creates dir if needed.
func NewLocalFiles(dir string) (*LocalFiles, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating upload dir %s: %w", dir, err)
	}
	return &LocalFiles{Dir: dir}, nil
}

func (l *LocalFiles) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) {
		return "", fmt.Errorf("invalid file ref %q", ref)
	}
	return filepath.Join(l.Dir, ref), nil
}

type localFile struct {
	*os.File
	size int64
}

func (f localFile) Size() int64 { return f.size }

func (l *LocalFiles) Open(_ context.Context, ref string) (File, error) {
	p, err := l.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return localFile{File: f, size: st.Size()}, nil
}

// Remove deletes a stored file. Removing a missing file is not an error.
func (l *LocalFiles) Remove(_ context.Context, ref string) error {
	p, err := l.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Save copies r into a new file named ref and returns the number of bytes
// written. The copy stops after limit+1 bytes so oversized uploads are
// detected without reading them fully.
func (l *LocalFiles) Save(_ context.Context, ref string, r io.Reader, limit int64) (int64, error) {
	p, err := l.path(ref)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", ref, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return n, fmt.Errorf("writing %s: %w", ref, err)
	}
	return n, nil
}
