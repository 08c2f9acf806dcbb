package downloader

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// PartialSuffix is appended to the destination path while a transfer runs.
const PartialSuffix = ".part"

// FileSink is a pre-allocated destination file. Writes to non-overlapping
// ranges may run concurrently without locking; the Scheduler guarantees the
// ranges never overlap.
type FileSink struct {
	path      string
	partPath  string
	totalSize int64
	file      *os.File
	written   atomic.Int64

	// KeepPartial leaves the ".part" file in place on Abort.
	KeepPartial bool

	closeOnce sync.Once
	closeErr  error
}

// NewFileSink creates path+".part" and sizes it to exactly totalSize bytes.
func NewFileSink(path string, totalSize int64) (*FileSink, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocation, totalSize)
	}

	partPath := path + PartialSuffix
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, fmt.Errorf("%w: truncate %s to %d: %w", ErrAllocation, partPath, totalSize, err)
	}

	return &FileSink{
		path:      path,
		partPath:  partPath,
		totalSize: totalSize,
		file:      f,
	}, nil
}

// WriteAt writes p at off. The write must fall inside [0, totalSize).
func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > s.totalSize {
		return 0, fmt.Errorf("write [%d, %d) outside file of %d bytes", off, off+int64(len(p)), s.totalSize)
	}
	n, err := s.file.WriteAt(p, off)
	s.written.Add(int64(n))
	if err != nil {
		return n, fmt.Errorf("write at %d: %w", off, err)
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (s *FileSink) Written() int64 {
	return s.written.Load()
}

// Path returns the final destination path.
func (s *FileSink) Path() string { return s.path }

// PartialPath returns the in-progress path.
func (s *FileSink) PartialPath() string { return s.partPath }

func (s *FileSink) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// Finalize flushes the file, reconciles its size and moves it to the
// destination path.
func (s *FileSink) Finalize() (string, error) {
	if err := s.file.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", s.partPath, err)
	}
	if err := s.close(); err != nil {
		return "", fmt.Errorf("close %s: %w", s.partPath, err)
	}

	info, err := os.Stat(s.partPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", s.partPath, err)
	}
	if info.Size() != s.totalSize || s.Written() != s.totalSize {
		return "", &SizeMismatchError{
			Path:    s.partPath,
			Want:    s.totalSize,
			Got:     info.Size(),
			Written: s.Written(),
		}
	}

	if err := os.Rename(s.partPath, s.path); err != nil {
		return "", fmt.Errorf("rename %s: %w", s.partPath, err)
	}
	return s.path, nil
}

// Abort closes the file and removes it unless KeepPartial is set. It never
// touches the destination path.
func (s *FileSink) Abort() error {
	err := s.close()
	if s.KeepPartial {
		return err
	}
	if rmErr := os.Remove(s.partPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return errors.Join(err, rmErr)
	}
	return err
}
