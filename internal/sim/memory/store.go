// Package memory is a bounded retention store: when full, the entry with the
// lowest priority is evicted. It backs short-term memory and belief style
// collaborators and snapshots through the world collaborator hook.
//
// Layout: entries live in an arena of slots, an index maps id to slot, and a
// min-heap orders (priority, id). Updates push a fresh heap item and leave the
// old one stale; stale items are recognised by generation and skipped. When the
// heap grows past compactFactor*capacity it is rebuilt from live slots.
package memory

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

const compactFactor = 4

var (
	ErrInvalidCapacity = errors.New("memory: capacity must be positive")
	ErrInvalidPriority = errors.New("memory: priority must be a finite number")
	ErrEmptyID         = errors.New("memory: empty id")
)

type Entry struct {
	ID       string  `json:"id"`
	Priority float64 `json:"priority"`
	Value    string  `json:"value"`
	Tick     uint64  `json:"tick"`
}

type slot struct {
	entry Entry
	gen   uint64
	live  bool
}

type item struct {
	priority float64
	id       string
	slot     int
	gen      uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].id < h[j].id
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type Store struct {
	name     string
	capacity int

	arena []slot
	free  []int
	index map[string]int
	queue itemHeap

	evicted uint64
}

func New(name string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrInvalidCapacity)
	}
	return &Store{name: name, capacity: capacity, index: map[string]int{}}, nil
}

func (s *Store) Capacity() int   { return s.capacity }
func (s *Store) Len() int        { return len(s.index) }
func (s *Store) Evicted() uint64 { return s.evicted }

// QueueLen exposes heap size including stale items.
func (s *Store) QueueLen() int { return len(s.queue) }

func (s *Store) Get(id string) (Entry, bool) {
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false
	}
	return s.arena[i].entry, true
}

// Put inserts or updates e. If inserting into a full store, the lowest
// priority entry (ties: smallest id) is evicted first and returned.
func (s *Store) Put(e Entry) (evicted *Entry, err error) {
	if e.ID == "" {
		return nil, ErrEmptyID
	}
	if math.IsNaN(e.Priority) || math.IsInf(e.Priority, 0) {
		return nil, fmt.Errorf("%s: %w", e.ID, ErrInvalidPriority)
	}

	if i, ok := s.index[e.ID]; ok {
		sl := &s.arena[i]
		sl.entry = e
		sl.gen++
		heap.Push(&s.queue, item{priority: e.Priority, id: e.ID, slot: i, gen: sl.gen})
		s.maybeCompact()
		return nil, nil
	}

	if len(s.index) >= s.capacity {
		if old, ok := s.evictMin(); ok {
			evicted = &old
		}
	}

	i := s.alloc()
	s.arena[i].entry = e
	s.arena[i].live = true
	s.arena[i].gen++
	s.index[e.ID] = i
	heap.Push(&s.queue, item{priority: e.Priority, id: e.ID, slot: i, gen: s.arena[i].gen})
	s.maybeCompact()
	return evicted, nil
}

func (s *Store) Remove(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.release(i)
	return true
}

func (s *Store) alloc() int {
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		return i
	}
	s.arena = append(s.arena, slot{})
	return len(s.arena) - 1
}

func (s *Store) release(i int) {
	delete(s.index, s.arena[i].entry.ID)
	s.arena[i].live = false
	s.arena[i].gen++
	s.arena[i].entry = Entry{}
	s.free = append(s.free, i)
}

func (s *Store) valid(it item) bool {
	if it.slot >= len(s.arena) {
		return false
	}
	sl := s.arena[it.slot]
	return sl.live && sl.gen == it.gen && s.index[it.id] == it.slot
}

func (s *Store) evictMin() (Entry, bool) {
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(item)
		if !s.valid(it) {
			continue
		}
		e := s.arena[it.slot].entry
		s.release(it.slot)
		s.evicted++
		return e, true
	}
	return Entry{}, false
}

func (s *Store) maybeCompact() {
	if len(s.queue) <= compactFactor*s.capacity {
		return
	}
	s.rebuildQueue()
}

func (s *Store) rebuildQueue() {
	q := make(itemHeap, 0, len(s.index))
	for id, i := range s.index {
		q = append(q, item{priority: s.arena[i].entry.Priority, id: id, slot: i, gen: s.arena[i].gen})
	}
	heap.Init(&q)
	s.queue = q
}

// Entries returns live entries sorted by id.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.index))
	for _, i := range s.index {
		out = append(out, s.arena[i].entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type stateV1 struct {
	Capacity int     `json:"capacity"`
	Evicted  uint64  `json:"evicted"`
	Entries  []Entry `json:"entries"`
}

// Name implements the world collaborator hook.
func (s *Store) Name() string { return s.name }

func (s *Store) MarshalState() (json.RawMessage, error) {
	return json.Marshal(stateV1{Capacity: s.capacity, Evicted: s.evicted, Entries: s.Entries()})
}

// UnmarshalState replaces the store's content. The store is unchanged on error.
func (s *Store) UnmarshalState(raw json.RawMessage) error {
	var st stateV1
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%s: decode state: %w", s.name, err)
	}
	if st.Capacity != s.capacity {
		return fmt.Errorf("%s: capacity mismatch: live %d, state %d", s.name, s.capacity, st.Capacity)
	}
	if len(st.Entries) > s.capacity {
		return fmt.Errorf("%s: %d entries exceed capacity %d", s.name, len(st.Entries), s.capacity)
	}
	fresh := &Store{name: s.name, capacity: s.capacity, index: map[string]int{}, evicted: st.Evicted}
	for _, e := range st.Entries {
		if _, dup := fresh.index[e.ID]; dup {
			return fmt.Errorf("%s: duplicate entry %q", s.name, e.ID)
		}
		if _, err := fresh.Put(e); err != nil {
			return err
		}
	}
	*s = *fresh
	return nil
}
