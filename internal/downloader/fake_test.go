package downloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// pattern returns the bytes the fake remote serves for [offset, offset+length):
// each byte is its own offset mod 256.
func pattern(offset, length int64) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte((offset + int64(i)) % 256)
	}
	return b
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fetchHook may replace the result of the n-th (1-based) fetch at offset.
// Returning (nil, nil) serves the pattern.
type fetchHook func(ctx context.Context, offset, length int64, n int) ([]byte, error)

// statHook may fail the n-th (1-based) Stat call. Returning nil reports the
// remote size.
type statHook func(n int) error

type fakeRemote struct {
	size     int64
	maxChunk int64
	hook     fetchHook
	statHook statHook

	mu      sync.Mutex
	stats   int
	fetches map[int64][]time.Time
}

func newFakeRemote(size int64) *fakeRemote {
	return &fakeRemote{size: size, fetches: make(map[int64][]time.Time)}
}

func (r *fakeRemote) record(offset int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[offset] = append(r.fetches[offset], time.Now())
	return len(r.fetches[offset])
}

func (r *fakeRemote) fetchTimes(offset int64) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.fetches[offset]...)
}

func (r *fakeRemote) statCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

type fakeDialer struct {
	remote *fakeRemote
	fail   map[string]error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, cred Credential) (Session, error) {
	if err := d.fail[cred.ID]; err != nil {
		return nil, err
	}
	s := &fakeSession{remote: d.remote, id: cred.ID}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if !s.closed.Load() {
			return false
		}
	}
	return true
}

type fakeSession struct {
	remote   *fakeRemote
	id       string
	closeErr error
	closed   atomic.Bool
}

func (s *fakeSession) Stat(ctx context.Context, h Handle) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.remote.mu.Lock()
	s.remote.stats++
	n := s.remote.stats
	s.remote.mu.Unlock()
	if s.remote.statHook != nil {
		if err := s.remote.statHook(n); err != nil {
			return 0, err
		}
	}
	return s.remote.size, nil
}

func (s *fakeSession) Fetch(ctx context.Context, h Handle, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.remote.record(offset)
	if s.remote.hook != nil {
		data, err := s.remote.hook(ctx, offset, length, n)
		if data != nil || err != nil {
			return data, err
		}
	}
	if offset+length > s.remote.size {
		return nil, Fatal(errors.New("range outside object"))
	}
	return pattern(offset, length), nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return s.closeErr
}

func (s *fakeSession) MaxChunkSize() int64 { return s.remote.maxChunk }
