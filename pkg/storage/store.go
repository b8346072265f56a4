// Copyright 2023 The emqx-lite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the in-memory keyed stores used by the broker.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store is a keyed collection safe for concurrent use.
type Store[K comparable, V any] interface {
	// Get retrieves a value by its key, or ErrNotFound.
	Get(key K) (V, error)
	// Set adds or updates a value.
	Set(key K, value V) error
	// Delete removes a value. Deleting a missing key is not an error.
	Delete(key K) error
	// Len returns the number of stored values.
	Len() int
	// Range calls fn for every entry until fn returns false. fn runs on a
	// snapshot, so it may call back into the store.
	Range(fn func(key K, value V) bool)
}

// MemStore is a map guarded by a sync.RWMutex.
type MemStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore[K comparable, V any]() *MemStore[K, V] {
	return &MemStore[K, V]{
		data: make(map[K]V),
	}
}

func (s *MemStore[K, V]) Get(key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

func (s *MemStore[K, V]) Set(key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemStore[K, V]) Delete(key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemStore[K, V]) Range(fn func(key K, value V) bool) {
	type entry struct {
		k K
		v V
	}
	s.mu.RLock()
	entries := make([]entry, 0, len(s.data))
	for k, v := range s.data {
		entries = append(entries, entry{k, v})
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.k, e.v) {
			return
		}
	}
}
