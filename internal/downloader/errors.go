package downloader

import (
	"errors"
	"fmt"
	"time"
)

// Error classes. Sessions mark their errors with these (directly, or through
// Fatal, Transient and RateLimitError) so the RetryPolicy can classify them.
var (
	ErrTransient          = errors.New("downloader: transient i/o error")
	ErrFatalRemote        = errors.New("downloader: fatal remote error")
	ErrSizeMismatch       = errors.New("downloader: size mismatch")
	ErrAllocation         = errors.New("downloader: cannot allocate destination")
	ErrNoSessions         = errors.New("downloader: no session could be established")
	ErrIncompleteTransfer = errors.New("downloader: transfer incomplete")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	if e.err == nil {
		return e.class.Error()
	}
	return e.err.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}

// Fatal marks err as non-retryable: the object is gone, access was revoked,
// or the request can never succeed.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrFatalRemote, err: err}
}

// Transient marks err as retryable with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrTransient, err: err}
}

// RateLimitError is returned by a Session when the remote demands a cooldown.
// A zero Wait means the remote gave no explicit duration.
type RateLimitError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited for %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("rate limited for %s", e.Wait)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ChunkError reports the segment that made a job fail.
type ChunkError struct {
	Index    int
	Offset   int64
	Length   int64
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d [%d, %d) failed after %d attempts: %v",
		e.Index, e.Offset, e.Offset+e.Length, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// SizeMismatchError is returned by FileSink.Finalize when the file on disk or
// the bytes delivered do not add up to the expected size.
type SizeMismatchError struct {
	Path    string
	Want    int64
	Got     int64
	Written int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: want %d bytes, file has %d, %d written",
		e.Path, e.Want, e.Got, e.Written)
}

func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}
