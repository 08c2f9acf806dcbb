package downloader

import (
	"errors"
	"fmt"
	"sync"
)

// Partition splits [0, totalSize) into consecutive ranges of chunkSize bytes.
// The last range holds the remainder.
func Partition(totalSize, chunkSize int64) ([]Range, error) {
	if totalSize < 0 {
		return nil, fmt.Errorf("partition: negative total size %d", totalSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("partition: chunk size must be positive, got %d", chunkSize)
	}

	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	ranges := make([]Range, 0, n)
	for off := int64(0); off < totalSize; off += chunkSize {
		ranges = append(ranges, Range{Offset: off, Length: min(chunkSize, totalSize-off)})
	}
	return ranges, nil
}

// Scheduler owns the ChunkTasks of one job and hands them out to workers.
// Fetch order is not file order: writes are positional.
type Scheduler struct {
	mu        sync.Mutex
	tasks     []*ChunkTask
	pending   []*ChunkTask
	inFlight  int
	completed int
	failed    int
}

// NewScheduler partitions totalSize into chunkSize tasks, all pending.
func NewScheduler(totalSize, chunkSize int64) (*Scheduler, error) {
	ranges, err := Partition(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		tasks:   make([]*ChunkTask, len(ranges)),
		pending: make([]*ChunkTask, len(ranges)),
	}
	for i, r := range ranges {
		t := &ChunkTask{Index: i, Offset: r.Offset, Length: r.Length}
		s.tasks[i] = t
		// pending is popped from the back; keep low offsets first out.
		s.pending[len(ranges)-1-i] = t
	}
	return s, nil
}

// TryDequeue marks the next pending task in flight and returns it. It reports
// false when nothing is pending.
func (s *Scheduler) TryDequeue() (*ChunkTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, false
	}
	t := s.pending[len(s.pending)-1]
	s.pending = s.pending[:len(s.pending)-1]
	t.State = ChunkInFlight
	s.inFlight++
	return t, true
}

// Requeue returns an in-flight task to the pending set.
func (s *Scheduler) Requeue(t *ChunkTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State != ChunkInFlight {
		return
	}
	t.State = ChunkPending
	s.inFlight--
	s.pending = append(s.pending, t)
}

// Complete marks an in-flight task as written.
func (s *Scheduler) Complete(t *ChunkTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State != ChunkInFlight {
		return
	}
	t.State = ChunkCompleted
	s.inFlight--
	s.completed++
}

// Fail marks an in-flight task as permanently failed.
func (s *Scheduler) Fail(t *ChunkTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State != ChunkInFlight {
		return
	}
	t.State = ChunkFailed
	s.inFlight--
	s.failed++
}

// recordAttempt bumps the counted attempts of t and returns the new count.
func (s *Scheduler) recordAttempt(t *ChunkTask) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Attempts++
	return t.Attempts
}

func (s *Scheduler) recordRateLimit(t *ChunkTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.RateLimits++
}

// IsDrained reports whether every task reached a terminal state.
func (s *Scheduler) IsDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && s.inFlight == 0
}

// Len returns the number of tasks.
func (s *Scheduler) Len() int {
	return len(s.tasks)
}

// Tasks returns a snapshot of all tasks in file order.
func (s *Scheduler) Tasks() []ChunkTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChunkTask, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

// Verify checks that every task completed.
func (s *Scheduler) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) != 0 || s.inFlight != 0 {
		return fmt.Errorf("%w: %d pending, %d in flight", ErrIncompleteTransfer, len(s.pending), s.inFlight)
	}
	if s.failed != 0 {
		return fmt.Errorf("%w: %d chunks failed", ErrIncompleteTransfer, s.failed)
	}
	if s.completed != len(s.tasks) {
		return errors.New("scheduler: completed count does not match task count")
	}
	return nil
}
