package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize matches the largest range most chat file services serve
// in one request.
const DefaultChunkSize int64 = 1024 * 1024

// NewEngine creates a new transfer engine for cfg.Job.
func NewEngine(cfg Config) *Engine {
	if cfg.Job.ID == "" {
		cfg.Job.ID = uuid.NewString()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "engine", "job_id", cfg.Job.ID)

	total := cfg.Job.TotalSize
	if total < 0 {
		total = 0
	}

	return &Engine{
		Config: cfg,
		Stats:  NewProgress(total),
		state:  StateInitializing,
	}
}

// JobID returns the job identifier.
func (e *Engine) JobID() string { return e.Config.Job.ID }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Tasks returns a snapshot of the job's chunk tasks. It is empty until the
// download phase begins.
func (e *Engine) Tasks() []ChunkTask {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Tasks()
}

// Sessions returns the number of sessions that dialed successfully. It is
// zero until the pool is up.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev != s {
		e.Config.Logger.Debug("State transition", "from", prev, "to", s)
		if e.Config.OnState != nil {
			e.Config.OnState(s)
		}
	}
}

// Start runs the transfer to completion. The destination file exists if and
// only if Start returns nil.
func (e *Engine) Start(ctx context.Context) (err error) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	l := e.Config.Logger
	started := time.Now()

	defer func() {
		if err != nil {
			e.setState(StateFailed)
			l.Error("Transfer failed", "error", err, "elapsed", time.Since(started))
			return
		}
		e.setState(StateCompleted)
		l.Info("Transfer completed", "path", e.Config.Job.Destination, "bytes", e.Stats.Snapshot().Bytes, "elapsed", time.Since(started))
	}()

	if e.Config.Job.Destination == "" {
		return errors.New("engine: destination path is required")
	}

	// 1. Sessions
	pool, err := NewPool(ctx, e.Config.Dialer, e.Config.Credentials, l.With("component", "pool"))
	if err != nil {
		return fmt.Errorf("create session pool: %w", err)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			l.Warn("Closing sessions", "error", cerr)
		}
	}()
	e.mu.Lock()
	e.sessions = len(pool.Workers())
	e.mu.Unlock()

	// 2. Metadata, resolved through one session only
	e.setState(StateFetchingMetadata)
	total := e.Config.Job.TotalSize
	if total == SizeUnknown {
		total, err = e.stat(ctx, pool.Primary())
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.Config.Job.Handle, err)
		}
		if total < 0 {
			return Fatal(fmt.Errorf("stat %s: remote reported negative size %d", e.Config.Job.Handle, total))
		}
	}
	e.Stats.SetTotal(total)

	chunkSize := e.Config.ChunkSize
	if limit := pool.MaxChunkSize(); limit > 0 && chunkSize > limit {
		l.Debug("Clamping chunk size to session limit", "requested", chunkSize, "limit", limit)
		chunkSize = limit
	}

	// 3. Segmentation and allocation, before any range fetch
	sched, err := NewScheduler(total, chunkSize)
	if err != nil {
		return err
	}
	sink, err := NewFileSink(e.Config.Job.Destination, total)
	if err != nil {
		return err
	}
	sink.KeepPartial = e.Config.KeepPartial
	defer func() {
		if err != nil {
			if aerr := sink.Abort(); aerr != nil {
				l.Warn("Discarding partial file", "path", sink.PartialPath(), "error", aerr)
			}
		}
	}()

	e.mu.Lock()
	e.sched = sched
	e.mu.Unlock()

	// 4. Download
	e.setState(StateDownloading)
	l.Info("Transfer starting", "handle", e.Config.Job.Handle, "bytes", total, "chunks", sched.Len(),
		"chunk_size", chunkSize, "sessions", e.Sessions())
	e.Stats.Restart()

	if err := e.download(ctx, pool, sched, sink); err != nil {
		return err
	}

	// 5. Verify
	e.setState(StateVerifying)
	if err := sched.Verify(); err != nil {
		return err
	}
	if _, err := sink.Finalize(); err != nil {
		return err
	}
	return nil
}

// stat resolves the remote size under the same retry rules as a chunk fetch.
func (e *Engine) stat(ctx context.Context, s Session) (int64, error) {
	l := e.Config.Logger
	attempts := 0
	for {
		size, err := s.Stat(ctx, e.Config.Job.Handle)
		if err == nil {
			return size, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if !isRateLimited(err) {
			attempts++
		}
		d := e.Config.Retry.Decide(err, attempts)
		switch d.Class {
		case ClassRateLimited:
			l.Info("Metadata request rate limited, cooling down", "wait", d.RetryAfter)
		case ClassTransient:
			l.Warn("Metadata request failed, will retry", "attempts", attempts, "retry_after", d.RetryAfter, "error", err)
		default:
			return 0, err
		}

		if err := sleep(ctx, d.RetryAfter); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) download(ctx context.Context, pool *Pool, sched *Scheduler, sink *FileSink) error {
	reportCtx, stopReport := context.WithCancel(context.Background())
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		e.Stats.Report(reportCtx, e.Config.ProgressInterval, e.Config.OnProgress)
	}()
	defer func() {
		stopReport()
		<-reportDone
	}()

	t := &transfer{
		handle:   e.Config.Job.Handle,
		sched:    sched,
		sink:     sink,
		progress: e.Stats,
		policy:   e.Config.Retry,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range pool.Workers() {
		g.Go(func() error {
			return w.run(gctx, t)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
