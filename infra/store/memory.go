package store

import (
	"container/list"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	value     string
	set       map[string]struct{}
	events    []time.Time
	expiresAt time.Time
	element   *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a process-local Store. Entries expire lazily on access and in
// bulk through Sweep. When a capacity is set the least recently used
// evictable entry is dropped to make room. With WithEvictablePrefixes only
// keys under those prefixes are evictable; everything else stays until it
// expires or is deleted, even past the capacity.
type Memory struct {
	entries     map[string]*memoryEntry
	accessOrder *list.List
	maxSize     int
	evictable   []string
	now         func() time.Time
	mu          sync.Mutex

	evictions   int64
	ttlExpiries int64
}

// MemoryOption configures a Memory store
type MemoryOption func(*Memory)

// WithCapacity bounds the number of entries. Zero means unbounded.
func WithCapacity(maxSize int) MemoryOption {
	return func(m *Memory) {
		m.maxSize = maxSize
	}
}

// WithEvictablePrefixes limits capacity eviction to keys under prefixes
func WithEvictablePrefixes(prefixes ...string) MemoryOption {
	return func(m *Memory) {
		m.evictable = append(m.evictable, prefixes...)
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory store
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:     make(map[string]*memoryEntry),
		accessOrder: list.New(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MemoryStats reports entry counts and eviction activity
type MemoryStats struct {
	Size        int   `json:"size"`
	MaxSize     int   `json:"max_size"`
	Evictions   int64 `json:"evictions"`
	TTLExpiries int64 `json:"ttl_expiries"`
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		entry = m.insertUnsafe(key)
	}
	entry.value = value
	entry.set = nil
	entry.events = nil
	entry.expiresAt = m.expiryUnsafe(ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lookupUnsafe(key) != nil {
		return false, nil
	}
	entry := m.insertUnsafe(key)
	entry.value = value
	entry.expiresAt = m.expiryUnsafe(ttl)
	return true, nil
}

func (m *Memory) GetDelete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		return "", ErrNotFound
	}
	m.deleteEntryUnsafe(entry)
	return entry.value, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if entry := m.lookupUnsafe(key); entry != nil {
			m.deleteEntryUnsafe(entry)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry := m.lookupUnsafe(key)
	if entry == nil {
		entry = m.insertUnsafe(key)
		entry.expiresAt = m.expiryUnsafe(ttl)
	}

	count, _ := strconv.ParseInt(entry.value, 10, 64)
	count++
	entry.value = strconv.FormatInt(count, 10)

	var remaining time.Duration
	if !entry.expiresAt.IsZero() {
		remaining = entry.expiresAt.Sub(now)
	}
	return count, remaining, nil
}

func (m *Memory) AddToWindow(_ context.Context, key string, at time.Time, window time.Duration, limit int) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		entry = m.insertUnsafe(key)
	}

	cutoff := at.Add(-window)
	kept := entry.events[:0]
	for _, ts := range entry.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	entry.events = kept

	result := WindowResult{}
	if len(entry.events) < limit {
		entry.events = append(entry.events, at)
		result.Accepted = true
	}
	result.Count = len(entry.events)
	if len(entry.events) > 0 {
		result.Oldest = entry.events[0]
	}
	entry.expiresAt = at.Add(window)
	return result, nil
}

func (m *Memory) AddToSet(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		entry = m.insertUnsafe(key)
	}
	if entry.set == nil {
		entry.set = make(map[string]struct{})
	}
	entry.set[member] = struct{}{}
	if ttl > 0 {
		entry.expiresAt = m.expiryUnsafe(ttl)
	}
	return nil
}

func (m *Memory) RemoveFromSet(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		return nil
	}
	for _, member := range members {
		delete(entry.set, member)
	}
	if len(entry.set) == 0 {
		m.deleteEntryUnsafe(entry)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookupUnsafe(key)
	if entry == nil {
		return nil, nil
	}
	members := make([]string, 0, len(entry.set))
	for member := range entry.set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for key, entry := range m.entries {
		if entry.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Sweep removes every expired entry and returns how many were dropped
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []*memoryEntry
	for _, entry := range m.entries {
		if entry.expired(now) {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		m.deleteEntryUnsafe(entry)
		m.ttlExpiries++
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stats returns the current store statistics
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MemoryStats{
		Size:        len(m.entries),
		MaxSize:     m.maxSize,
		Evictions:   m.evictions,
		TTLExpiries: m.ttlExpiries,
	}
}

// lookupUnsafe returns a live entry and marks it recently used (lock held)
func (m *Memory) lookupUnsafe(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(m.now()) {
		m.deleteEntryUnsafe(entry)
		m.ttlExpiries++
		return nil
	}
	if entry.element != nil {
		m.accessOrder.MoveToFront(entry.element)
	}
	return entry
}

// insertUnsafe adds a fresh entry, evicting the LRU evictable one when full.
// Only evictable entries are tracked in accessOrder. (lock held)
func (m *Memory) insertUnsafe(key string) *memoryEntry {
	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		if back := m.accessOrder.Back(); back != nil {
			m.deleteEntryUnsafe(back.Value.(*memoryEntry))
			m.evictions++
		}
	}
	entry := &memoryEntry{key: key}
	if m.isEvictable(key) {
		entry.element = m.accessOrder.PushFront(entry)
	}
	m.entries[key] = entry
	return entry
}

func (m *Memory) isEvictable(key string) bool {
	if len(m.evictable) == 0 {
		return true
	}
	for _, prefix := range m.evictable {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (m *Memory) deleteEntryUnsafe(entry *memoryEntry) {
	delete(m.entries, entry.key)
	if entry.element != nil {
		m.accessOrder.Remove(entry.element)
	}
}

func (m *Memory) expiryUnsafe(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
