package logparser

import "sync/atomic"

// FailureSampler implements spec.md §4.1/§7's rejection-logging policy:
// log the first 100 rejected lines, then every 10,000th thereafter. Safe
// for concurrent use.
type FailureSampler struct {
	count atomic.Int64
}

// ShouldLog reports whether the Nth rejection (1-indexed) should be logged.
func (s *FailureSampler) ShouldLog() bool {
	n := s.count.Add(1)
	return n <= 100 || n%10000 == 0
}

// Count returns the total number of rejections observed so far.
func (s *FailureSampler) Count() int64 {
	return s.count.Load()
}
