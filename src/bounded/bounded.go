// Package bounded implements a capped, score-ranked key/value cache that is
// persisted as a single JSON document in a Backend.
//
// Every mutation rewrites the whole document. Persistence failures are logged
// and swallowed: a write that could not be stored simply shows up as a miss on
// the next read.
package bounded

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Backend is the blob storage a Store persists into.
type Backend interface {
	GetItem(key string) ([]byte, bool, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
}

// Item is one cached entry. Timestamp is in Unix milliseconds.
type Item[T any] struct {
	Key         string `json:"key"`
	Data        T      `json:"data"`
	Timestamp   int64  `json:"timestamp"`
	AccessCount int    `json:"accessCount"`
}

// StoredAt returns the item timestamp as a time.Time.
func (it Item[T]) StoredAt() time.Time {
	return time.UnixMilli(it.Timestamp)
}

type container[T any] struct {
	Items []Item[T] `json:"items"`
}

// Options configures a Store.
type Options struct {
	// StorageKey is the backend key the document lives under.
	StorageKey string
	// MaxItems caps the number of entries. Zero means unbounded.
	MaxItems int
	// MaxBytes caps the serialized document size. Zero means unbounded.
	MaxBytes int
	// Expiration is the maximum age of an entry. Zero means entries never expire.
	Expiration time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

// Store is a bounded cache of T values.
type Store[T any] struct {
	backend Backend
	opts    Options
	mu      sync.Mutex
}

// New returns a Store over backend.
func New[T any](backend Backend, opts Options) *Store[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	opts.Logger = opts.Logger.WithPrefix(opts.StorageKey)
	return &Store[T]{backend: backend, opts: opts}
}

// Score ranks an entry for eviction; lower scores are evicted first.
//
// The recency term is timestamp/now, which stays close to 1 for any entry
// touched in the recent past, so the access count dominates the ordering.
func Score(accessCount int, timestamp, now int64) float64 {
	if now <= 0 {
		return float64(accessCount) * 0.7
	}
	return float64(accessCount)*0.7 + (float64(timestamp)/float64(now))*0.3
}

// Store inserts or replaces key. A replaced entry keeps its access history.
func (s *Store[T]) Store(key string, data T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.load()
	now := s.opts.Now().UnixMilli()

	accessCount := 1
	items := c.Items[:0]
	for _, it := range c.Items {
		if it.Key == key {
			accessCount = it.AccessCount + 1
			continue
		}
		items = append(items, it)
	}
	c.Items = append(items, Item[T]{
		Key:         key,
		Data:        data,
		Timestamp:   now,
		AccessCount: accessCount,
	})

	s.evict(c, now)
	s.save(c)
}

// Get returns the data stored under key. A hit refreshes the entry's
// timestamp and access count; an expired entry is removed and reported as a
// miss.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	c := s.load()
	i := c.index(key)
	if i < 0 {
		return zero, false
	}

	now := s.opts.Now()
	if s.expired(c.Items[i], now) {
		c.remove(i)
		s.save(c)
		return zero, false
	}

	c.Items[i].Timestamp = now.UnixMilli()
	c.Items[i].AccessCount++
	data := c.Items[i].Data
	s.save(c)
	return data, true
}

// Peek returns the entry stored under key without touching it. Expired
// entries are removed and reported as a miss, as in Get.
func (s *Store[T]) Peek(key string) (Item[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.load()
	i := c.index(key)
	if i < 0 {
		return Item[T]{}, false
	}
	if s.expired(c.Items[i], s.opts.Now()) {
		c.remove(i)
		s.save(c)
		return Item[T]{}, false
	}
	return c.Items[i], true
}

// Remove deletes key if present.
func (s *Store[T]) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.load()
	if i := c.index(key); i >= 0 {
		c.remove(i)
		s.save(c)
	}
}

// Clear drops the whole document.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.RemoveItem(s.opts.StorageKey); err != nil {
		s.opts.Logger.Warn("failed to clear cache", "err", err)
	}
}

// Len returns the number of stored entries, expired ones included.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.load().Items)
}

// Items returns a snapshot of the stored entries in insertion order.
func (s *Store[T]) Items() []Item[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load().Items
}

func (s *Store[T]) expired(it Item[T], now time.Time) bool {
	if s.opts.Expiration <= 0 {
		return false
	}
	return now.Sub(it.StoredAt()) > s.opts.Expiration
}

// evict removes the lowest scoring entries until c fits the limits. A single
// remaining entry is kept even when it alone exceeds MaxBytes.
func (s *Store[T]) evict(c *container[T], now int64) {
	for len(c.Items) > 1 && s.overLimit(c) {
		lowest := 0
		for i := 1; i < len(c.Items); i++ {
			if c.score(i, now) < c.score(lowest, now) {
				lowest = i
			}
		}
		s.opts.Logger.Debug("evicting entry", "key", c.Items[lowest].Key)
		c.remove(lowest)
	}
}

func (s *Store[T]) overLimit(c *container[T]) bool {
	if s.opts.MaxItems > 0 && len(c.Items) > s.opts.MaxItems {
		return true
	}
	if s.opts.MaxBytes > 0 {
		b, err := json.Marshal(c)
		if err != nil {
			return false
		}
		return len(b) > s.opts.MaxBytes
	}
	return false
}

func (s *Store[T]) load() *container[T] {
	c := &container[T]{}

	raw, ok, err := s.backend.GetItem(s.opts.StorageKey)
	if err != nil {
		s.opts.Logger.Warn("failed to read cache", "err", err)
		return c
	}
	if !ok {
		return c
	}
	if err := json.Unmarshal(raw, c); err != nil {
		s.opts.Logger.Warn("discarding unreadable cache", "err", err)
		return &container[T]{}
	}
	return c
}

func (s *Store[T]) save(c *container[T]) {
	raw, err := json.Marshal(c)
	if err != nil {
		s.opts.Logger.Warn("failed to serialize cache", "err", err)
		return
	}
	if err := s.backend.SetItem(s.opts.StorageKey, raw); err != nil {
		s.opts.Logger.Warn("failed to persist cache", "err", err, "bytes", len(raw))
	}
}

func (c *container[T]) index(key string) int {
	for i, it := range c.Items {
		if it.Key == key {
			return i
		}
	}
	return -1
}

func (c *container[T]) remove(i int) {
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
}

func (c *container[T]) score(i int, now int64) float64 {
	return Score(c.Items[i].AccessCount, c.Items[i].Timestamp, now)
}

// Ranked returns the entries ordered from lowest to highest score.
func Ranked[T any](items []Item[T], now time.Time) []Item[T] {
	out := append([]Item[T](nil), items...)
	ms := now.UnixMilli()
	sort.SliceStable(out, func(i, j int) bool {
		return Score(out[i].AccessCount, out[i].Timestamp, ms) < Score(out[j].AccessCount, out[j].Timestamp, ms)
	})
	return out
}
