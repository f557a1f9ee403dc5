package playback

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// URLPrefix is the path under which stored audio is served.
const URLPrefix = "/audio/"

// ErrNotFound is returned for handles that were never issued or have been released.
var ErrNotFound = errors.New("playback handle not found")

// Handle is an opaque reference to an audio payload held by a Store. It is
// usable directly as a media source through URL.
type Handle struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	ContentType string        `json:"content_type"`
	Size        int           `json:"size"`
	Duration    time.Duration `json:"duration"`
	SampleRate  int           `json:"sample_rate,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Empty reports whether h refers to nothing.
func (h Handle) Empty() bool { return h.ID == "" }

// Meta carries the descriptive fields of a payload being stored.
type Meta struct {
	ContentType string
	Duration    time.Duration
	SampleRate  int
}

type entry struct {
	handle Handle
	data   []byte
	elem   *list.Element // nil once pinned
}

// Store keeps audio payloads in process memory. At most maxHandles unpinned
// entries are held; the oldest unpinned entry is evicted when a new one would
// exceed that bound. Pinned entries stay until released.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List
	maxHandles int
	clock      func() time.Time
}

func NewStore(maxHandles int) *Store {
	if maxHandles <= 0 {
		maxHandles = 1
	}
	return &Store{
		entries:    make(map[string]*entry),
		order:      list.New(),
		maxHandles: maxHandles,
		clock:      time.Now,
	}
}

// Put stores data and returns a new handle for it. Identical payloads get
// distinct handles.
func (s *Store) Put(data []byte, meta Meta) Handle {
	id := uuid.NewString()
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := Handle{
		ID:          id,
		URL:         URLPrefix + id,
		ContentType: contentType,
		Size:        len(data),
		Duration:    meta.Duration,
		SampleRate:  meta.SampleRate,
		CreatedAt:   s.clock().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.order.Len() >= s.maxHandles {
		s.removeLocked(s.order.Front().Value.(string))
	}
	e := &entry{handle: h, data: data}
	e.elem = s.order.PushBack(id)
	s.entries[id] = e
	return h
}

// Get returns the handle and payload for id.
func (s *Store) Get(id string) (Handle, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Handle{}, nil, ErrNotFound
	}
	return e.handle, e.data, nil
}

// Pin exempts id from capacity eviction until it is released.
func (s *Store) Pin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.elem != nil {
		s.order.Remove(e.elem)
		e.elem = nil
	}
	return nil
}

// Release drops the payload behind id. Releasing an unknown id is a no-op.
func (s *Store) Release(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// Len reports the number of live handles.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Bytes reports the total size of stored payloads.
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.entries {
		total += int64(len(e.data))
	}
	return total
}

func (s *Store) removeLocked(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.elem != nil {
		s.order.Remove(e.elem)
	}
	delete(s.entries, id)
}
