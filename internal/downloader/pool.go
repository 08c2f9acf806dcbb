package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool owns one Session per credential for the lifetime of a job.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewPool dials every credential concurrently. Credentials that cannot be
// dialed are skipped; the pool fails only when none succeed.
func NewPool(ctx context.Context, dialer Dialer, creds []Credential, logger *slog.Logger) (*Pool, error) {
	if dialer == nil {
		return nil, errors.New("pool: dialer is required")
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: no credentials", ErrNoSessions)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessions := make([]Session, len(creds))
	dialErrs := make([]error, len(creds))

	var g errgroup.Group
	for i, cred := range creds {
		g.Go(func() error {
			s, err := dialer.Dial(ctx, cred)
			if err != nil {
				dialErrs[i] = fmt.Errorf("dial %s: %w", credentialName(cred, i), err)
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	_ = g.Wait()

	p := &Pool{logger: logger}
	for i, s := range sessions {
		if s == nil {
			logger.Warn("Session unavailable, continuing without it", "credential", credentialName(creds[i], i), "error", dialErrs[i])
			continue
		}
		p.workers = append(p.workers, &Worker{
			id:      len(p.workers) + 1,
			name:    credentialName(creds[i], i),
			session: s,
			logger:  logger.With("worker_id", len(p.workers)+1, "credential", credentialName(creds[i], i)),
		})
	}

	if len(p.workers) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSessions, errors.Join(dialErrs...))
	}
	if ctx.Err() != nil {
		p.Close()
		return nil, ctx.Err()
	}

	logger.Debug("Session pool ready", "sessions", len(p.workers), "requested", len(creds))
	return p, nil
}

func credentialName(c Credential, i int) string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("session-%d", i+1)
}

// Workers returns one worker per live session.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Primary returns the session used for single-result calls such as Stat.
func (p *Pool) Primary() Session {
	return p.workers[0].session
}

// MaxChunkSize returns the smallest chunk limit advertised by any session, or
// zero when none advertise one.
func (p *Pool) MaxChunkSize() int64 {
	var limit int64
	for _, w := range p.workers {
		cl, ok := w.session.(ChunkLimiter)
		if !ok {
			continue
		}
		if m := cl.MaxChunkSize(); m > 0 && (limit == 0 || m < limit) {
			limit = m
		}
	}
	return limit
}

// Close tears down every session. It is safe to call more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		for _, w := range p.workers {
			if err := w.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", w.name, err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
