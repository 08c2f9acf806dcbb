package downloader

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultProgressInterval limits progress callbacks to two per second.
const DefaultProgressInterval = 500 * time.Millisecond

// Snapshot is a point-in-time view of a transfer.
type Snapshot struct {
	Bytes   int64
	Total   int64
	Elapsed time.Duration
}

// Percent returns completion in [0, 100]. An empty transfer is complete.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 100
	}
	return float64(s.Bytes) / float64(s.Total) * 100
}

// Rate returns the average throughput in bytes per second.
func (s Snapshot) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// ETA estimates the remaining time from the average rate. It returns -1 when
// no estimate is possible yet.
func (s Snapshot) ETA() time.Duration {
	rate := s.Rate()
	if rate <= 0 || s.Total <= 0 {
		return -1
	}
	remaining := s.Total - s.Bytes
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// Progress accumulates bytes received across all workers.
type Progress struct {
	total   atomic.Int64
	written atomic.Int64
	start   atomic.Int64 // unix nanos
}

// NewProgress returns a Progress for a transfer of totalSize bytes.
func NewProgress(totalSize int64) *Progress {
	p := &Progress{}
	p.total.Store(totalSize)
	p.start.Store(time.Now().UnixNano())
	return p
}

// SetTotal updates the expected size once it is known.
func (p *Progress) SetTotal(n int64) {
	p.total.Store(n)
}

// Restart resets the clock used for rate and ETA.
func (p *Progress) Restart() {
	p.start.Store(time.Now().UnixNano())
}

// Add records n more bytes.
func (p *Progress) Add(n int64) {
	p.written.Add(n)
}

// Snapshot returns the current totals.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		Bytes:   p.written.Load(),
		Total:   p.total.Load(),
		Elapsed: time.Since(time.Unix(0, p.start.Load())),
	}
}

// Report calls fn with a snapshot every interval until ctx is done, then once
// more with the final totals. Calls never overlap.
func (p *Progress) Report(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	if fn == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fn(p.Snapshot())
			return
		case <-ticker.C:
			fn(p.Snapshot())
		}
	}
}
