package assembly

import (
	"container/list"
	"sort"
	"sync"
)

// loadedSet is the bounded set of modules a context has already read, keyed
// by absolute path and validated by a content fingerprint.
type loadedSet struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	lruList  *list.List
}

type loadedEntry struct {
	path        string
	fingerprint uint64
	md          *Metadata
}

func newLoadedSet(capacity int) *loadedSet {
	return &loadedSet{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// get returns the snapshot for path if it was read from identical content.
func (s *loadedSet) get(path string, fingerprint uint64) (*Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[path]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*loadedEntry)
	if entry.fingerprint != fingerprint {
		// File changed on disk since it was loaded.
		s.lruList.Remove(elem)
		delete(s.items, path)
		return nil, false
	}
	s.lruList.MoveToFront(elem)
	return entry.md, true
}

func (s *loadedSet) put(path string, fingerprint uint64, md *Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[path]; ok {
		s.lruList.MoveToFront(elem)
		entry := elem.Value.(*loadedEntry)
		entry.fingerprint = fingerprint
		entry.md = md
		return
	}

	s.items[path] = s.lruList.PushFront(&loadedEntry{path: path, fingerprint: fingerprint, md: md})
	if s.lruList.Len() > s.capacity {
		oldest := s.lruList.Back()
		s.lruList.Remove(oldest)
		delete(s.items, oldest.Value.(*loadedEntry).path)
	}
}

// names returns the display names of every loaded module, sorted.
func (s *loadedSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.items))
	for _, elem := range s.items {
		out = append(out, elem.Value.(*loadedEntry).md.FullName())
	}
	sort.Strings(out)
	return out
}

func (s *loadedSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruList.Len()
}
