package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity with atomic counters. Collection is
// always on: drops have to be observable without opting in.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	size    atomic.Int64
	maxSize atomic.Int64
}

// Stats is an immutable snapshot of buffer statistics.
type Stats struct {
	Writes  int64 `json:"writes"`
	Reads   int64 `json:"reads"`
	Drops   int64 `json:"drops"`
	Size    int64 `json:"size"`
	MaxSize int64 `json:"max_size"`
}

func (s *Statistics) write(size int64) {
	s.writes.Add(1)
	s.setSize(size)
}

func (s *Statistics) read(size int64) {
	s.reads.Add(1)
	s.setSize(size)
}

func (s *Statistics) drop() {
	s.drops.Add(1)
}

func (s *Statistics) setSize(size int64) {
	s.size.Store(size)
	for {
		max := s.maxSize.Load()
		if size <= max || s.maxSize.CompareAndSwap(max, size) {
			return
		}
	}
}

func (s *Statistics) snapshot() Stats {
	return Stats{
		Writes:  s.writes.Load(),
		Reads:   s.reads.Load(),
		Drops:   s.drops.Load(),
		Size:    s.size.Load(),
		MaxSize: s.maxSize.Load(),
	}
}
