// Package keylock provides striped read/write locks keyed by string.
package keylock

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultStripes = 256

// Striped maps keys onto a fixed set of RW mutexes. Distinct keys may share a
// stripe; callers must not assume keys are independent.
type Striped struct {
	stripes []sync.RWMutex
}

// New builds a Striped lock set. n <= 0 selects the default size.
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.RWMutex, n)}
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}

// Lock acquires write locks for every key in ascending stripe order and
// returns the matching unlock function.
func (s *Striped) Lock(keys ...string) func() {
	idx := s.indexes(keys)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

// RLock acquires a read lock for key.
func (s *Striped) RLock(key string) func() {
	i := s.index(key)
	s.stripes[i].RLock()
	return s.stripes[i].RUnlock
}

func (s *Striped) indexes(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.index(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Held owns stripes on behalf of one scope, such as a unit of work, until
// Release. Locking a key whose stripe the scope already owns is a no-op.
// Stripes taken by later Lock calls may be acquired out of global order, so
// a scope should lock everything it needs in as few calls as possible.
type Held struct {
	s   *Striped
	mu  sync.Mutex
	idx []int
}

// Hold starts an empty scope on s.
func (s *Striped) Hold() *Held {
	return &Held{s: s}
}

// Lock acquires the write locks of keys not yet owned by h.
func (h *Held) Lock(keys ...string) {
	h.mu.Lock()
	owned := make(map[int]struct{}, len(h.idx))
	for _, i := range h.idx {
		owned[i] = struct{}{}
	}
	h.mu.Unlock()
	var fresh []int
	for _, i := range h.s.indexes(keys) {
		if _, ok := owned[i]; !ok {
			fresh = append(fresh, i)
		}
	}
	for _, i := range fresh {
		h.s.stripes[i].Lock()
	}
	h.mu.Lock()
	h.idx = append(h.idx, fresh...)
	h.mu.Unlock()
}

// Release unlocks every owned stripe, newest first.
func (h *Held) Release() {
	h.mu.Lock()
	idx := h.idx
	h.idx = nil
	h.mu.Unlock()
	for j := len(idx) - 1; j >= 0; j-- {
		h.s.stripes[idx[j]].Unlock()
	}
}
