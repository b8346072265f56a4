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

// Package topic provides the subscription registry mapping exact topic names
// to the connections subscribed to them.
package topic

import (
	"sort"
	"sync"
)

// Subscriber is an opaque handle to a subscribed connection. IDs must be
// unique among live subscribers.
type Subscriber interface {
	ID() uint64
}

// Subscription pairs a subscriber with the QoS granted to it.
type Subscription struct {
	Subscriber Subscriber
	QoS        byte
}

// Registry is a concurrency-safe mapping from topic name to subscribers.
// Topics are matched by exact name only. A topic stays in the registry once
// created, even after its last subscriber leaves.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*Subscription
	// bySub is the reverse index used to tear a subscriber down without
	// scanning every topic.
	bySub map[uint64]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]map[uint64]*Subscription),
		bySub:  make(map[uint64]map[string]struct{}),
	}
}

// Subscribe adds sub to topic. Subscribing twice is idempotent; the second
// call only updates the stored QoS.
func (r *Registry) Subscribe(topic string, sub Subscriber, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		r.topics[topic] = subs
	}
	if existing, ok := subs[sub.ID()]; ok {
		existing.QoS = qos
		return
	}
	subs[sub.ID()] = &Subscription{Subscriber: sub, QoS: qos}

	idx, ok := r.bySub[sub.ID()]
	if !ok {
		idx = make(map[string]struct{})
		r.bySub[sub.ID()] = idx
	}
	idx[topic] = struct{}{}
}

// Unsubscribe removes sub from a single topic. It reports whether a
// subscription was removed.
func (r *Registry) Unsubscribe(topic string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub.ID()]; !ok {
		return false
	}
	delete(subs, sub.ID())

	if idx, ok := r.bySub[sub.ID()]; ok {
		delete(idx, topic)
		if len(idx) == 0 {
			delete(r.bySub, sub.ID())
		}
	}
	return true
}

// UnsubscribeAll removes sub from every topic and returns the topics it was
// removed from, sorted. Calling it for an unknown subscriber is a no-op.
func (r *Registry) UnsubscribeAll(sub Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.bySub[sub.ID()]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(idx))
	for topic := range idx {
		delete(r.topics[topic], sub.ID())
		removed = append(removed, topic)
	}
	delete(r.bySub, sub.ID())

	sort.Strings(removed)
	return removed
}

// Subscribers returns a point-in-time copy of the subscriptions on topic.
// The copy is safe to iterate while the registry changes.
func (r *Registry) Subscribers(topic string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.topics[topic]
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of subscribers on topic.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Topics returns every known topic name, sorted, including topics whose
// subscriber set is empty.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// TopicsOf returns the topics sub is subscribed to, sorted.
func (r *Registry) TopicsOf(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := r.bySub[sub.ID()]
	out := make([]string, 0, len(idx))
	for topic := range idx {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
