package cache

import (
	"errors"
	"sort"
	"sync"
)

// ErrStoreNotFound is returned when operating on a store that has been deleted.
var ErrStoreNotFound = errors.New("cache store not found")

// Storage is a collection of named cache stores.
// Each store holds the responses of one cache generation.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(name string) (Store, error)
	// Has checks if a store with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the named store and all of its entries.
	// The boolean tells whether the store existed.
	Delete(name string) (bool, error)
	// Keys returns the names of all stores, sorted.
	Keys() ([]string, error)
}

// Store maps request keys to stored responses.
// The stored bytes are opaque to the store (usually HTTP/1.1 wire format).
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name of the store, i.e. the cache generation.
	Name() string
	// Match returns the stored response for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Match(key string) ([]byte, bool, error)
	// Put stores the given response under the given key, replacing any previous entry.
	Put(key string, bytes []byte) error
	// PutAll stores all given entries, or none of them if any write fails.
	PutAll(entries []Entry) error
	// Delete removes the entry for the given key.
	Delete(key string) (bool, error)
	// Keys returns the keys of all entries in the store, sorted.
	Keys() ([]string, error)
}

// Entry is a single stored response.
type Entry struct {
	Key   string
	Bytes []byte
}

type MemStorage struct {
	mutex  sync.RWMutex
	stores map[string]*memStore
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		stores: make(map[string]*memStore),
	}
}

func (m *MemStorage) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memStore{
		name: name,
		db:   make(map[string][]byte),
	}
	m.stores[name] = s
	return s, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	s.markDeleted()
	return true, nil
}

func (m *MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memStore struct {
	name    string
	mutex   sync.RWMutex
	db      map[string][]byte
	deleted bool
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(key string) ([]byte, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.deleted {
		return nil, false, ErrStoreNotFound
	}
	bytes, ok := s.db[key]
	return bytes, ok, nil
}

func (s *memStore) Put(key string, bytes []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreNotFound
	}
	s.db[key] = bytes
	return nil
}

func (s *memStore) PutAll(entries []Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return ErrStoreNotFound
	}
	for _, e := range entries {
		s.db[e.Key] = e.Bytes
	}
	return nil
}

func (s *memStore) Delete(key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.deleted {
		return false, ErrStoreNotFound
	}
	_, ok := s.db[key]
	delete(s.db, key)
	return ok, nil
}

func (s *memStore) Keys() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.deleted {
		return nil, ErrStoreNotFound
	}
	keys := make([]string, 0, len(s.db))
	for key := range s.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) markDeleted() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deleted = true
	s.db = nil
}
