package channels

import (
	"container/heap"
	"sync"
	"time"
)

// renewalEntry is one scheduled renewal attempt for a channel.
type renewalEntry struct {
	channelID string
	userID    string
	resource  string
	due       time.Time
	attempt   int
	index     int // heap index, -1 when removed
}

type entryHeap []*renewalEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*renewalEntry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// renewalScheduler is a min-heap of pending renewals ordered by due time.
// Scheduling or removing an entry nudges the manager loop through wake so
// it recomputes its next timer.
type renewalScheduler struct {
	mu   sync.Mutex
	heap entryHeap
	byID map[string]*renewalEntry
	wake chan struct{}
}

func newRenewalScheduler() *renewalScheduler {
	return &renewalScheduler{
		byID: make(map[string]*renewalEntry),
		wake: make(chan struct{}, 1),
	}
}

// schedule inserts or reschedules the renewal for a channel.
func (s *renewalScheduler) schedule(channelID, userID, resource string, due time.Time, attempt int) {
	s.mu.Lock()
	if old, ok := s.byID[channelID]; ok && old.index >= 0 {
		heap.Remove(&s.heap, old.index)
	}
	e := &renewalEntry{
		channelID: channelID,
		userID:    userID,
		resource:  resource,
		due:       due,
		attempt:   attempt,
	}
	s.byID[channelID] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.nudge()
}

// remove drops a channel's pending renewal, if any.
func (s *renewalScheduler) remove(channelID string) {
	s.mu.Lock()
	if e, ok := s.byID[channelID]; ok {
		delete(s.byID, channelID)
		if e.index >= 0 {
			heap.Remove(&s.heap, e.index)
		}
	}
	s.mu.Unlock()
	s.nudge()
}

// next returns the earliest entry without popping it.
func (s *renewalScheduler) next() (*renewalEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil, false
	}
	return s.heap[0], true
}

// popDue removes and returns every entry due at or before now.
func (s *renewalScheduler) popDue(now time.Time) []*renewalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*renewalEntry
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(*renewalEntry)
		delete(s.byID, e.channelID)
		due = append(due, e)
	}
	return due
}

func (s *renewalScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
