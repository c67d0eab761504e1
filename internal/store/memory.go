package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink keeps interactions in memory until their TTL passes.
type MemorySink struct {
	mu       sync.RWMutex
	records  []entry
	ttl      time.Duration
	stopChan chan struct{}
	stopped  bool
}

type entry struct {
	record    Interaction
	expiresAt time.Time
}

// NewMemorySink creates a sink; ttl <= 0 uses DefaultTTL.
func NewMemorySink(ttl time.Duration) *MemorySink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemorySink{
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	go s.cleanup(cleanupInterval(ttl))

	return s
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < 5*time.Minute {
		return ttl
	}
	return 5 * time.Minute
}

// Record stores in with the sink's TTL.
func (s *MemorySink) Record(_ context.Context, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	s.records = append(s.records, entry{record: in, expiresAt: time.Now().Add(s.ttl)})
	return nil
}

// Recent returns unexpired records, newest first.
func (s *MemorySink) Recent(_ context.Context, limit int) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return nil, ErrClosed
	}
	now := time.Now()
	out := make([]Interaction, 0, len(s.records))
	for _, e := range s.records {
		if now.Before(e.expiresAt) {
			out = append(out, e.record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the cleanup goroutine and drops all records.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.records = nil
	}
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemorySink) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.prune(time.Now())
		}
	}
}

func (s *MemorySink) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	kept := s.records[:0]
	for _, e := range s.records {
		if now.Before(e.expiresAt) {
			kept = append(kept, e)
		}
	}
	s.records = kept
}

var _ Sink = (*MemorySink)(nil)
