package downloader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SizeUnknown marks a Job whose total size must be resolved from the remote
// before the transfer starts.
const SizeUnknown int64 = -1

// Handle is an opaque locator for a remote object. Its meaning belongs to the
// Dialer that produced the sessions (a URL, an object key, a message reference).
type Handle string

// Credential authenticates one Session. Each credential yields one
// independently rate-limited connection.
type Credential struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
}

// Session is one authenticated connection to the remote service.
type Session interface {
	// Stat returns the total size in bytes of the object behind h.
	Stat(ctx context.Context, h Handle) (int64, error)
	// Fetch returns exactly the bytes in [offset, offset+length).
	Fetch(ctx context.Context, h Handle, offset, length int64) ([]byte, error)
	Close() error
}

// Dialer establishes sessions.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Session, error)
}

// ChunkLimiter is implemented by sessions whose service caps the size of a
// single range fetch.
type ChunkLimiter interface {
	MaxChunkSize() int64
}

// Job identifies one logical transfer.
type Job struct {
	ID          string
	Handle      Handle
	TotalSize   int64
	Destination string
}

// State is the engine lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateFetchingMetadata
	StateDownloading
	StateVerifying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateFetchingMetadata:
		return "fetching-metadata"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ChunkState is the lifecycle of a single ChunkTask.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the first offset past the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// ChunkTask is one contiguous segment of the target file. Offset and Length
// never change; Attempts, RateLimits and State are owned by the Scheduler.
type ChunkTask struct {
	Index  int
	Offset int64
	Length int64

	// Attempts counts fetches that succeeded or failed for a reason other
	// than rate limiting.
	Attempts int
	// RateLimits counts cooldowns imposed by the remote.
	RateLimits int
	State      ChunkState
}

// Range returns the byte range covered by the task.
func (t ChunkTask) Range() Range {
	return Range{Offset: t.Offset, Length: t.Length}
}

// Config holds the configuration for one transfer job.
type Config struct {
	Job         Job
	Credentials []Credential
	Dialer      Dialer

	// ChunkSize is the size of each range fetch. It is clamped to the
	// smallest MaxChunkSize advertised by the sessions.
	ChunkSize int64

	Retry RetryPolicy

	// ProgressInterval bounds how often OnProgress fires. Default: 500ms.
	ProgressInterval time.Duration
	OnProgress       func(Snapshot)

	// OnState observes lifecycle transitions.
	OnState func(State)

	// KeepPartial leaves the ".part" file behind when the job fails.
	KeepPartial bool

	Logger *slog.Logger
}

// Engine handles one transfer job. An Engine is single-use.
type Engine struct {
	Config Config
	Stats  *Progress

	mu      sync.Mutex
	started  bool
	state    State
	sched    *Scheduler
	sessions int
}
