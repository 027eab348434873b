// Package topictable implements the broker-scoped authoritative
// registry of NT4 topics: name<->id bijection, type and property storage,
// and retained-value bookkeeping (§3, §4.2 of the broker design).
package topictable

import (
	"fmt"
	"sync"

	"github.com/tenzoki/nt4broker/internal/value"
)

// RetainedValue is the most recent accepted value for a topic.
type RetainedValue struct {
	Type        value.TypeIndex
	Value       value.Value
	TimestampUS int64
}

// Topic is the authoritative record for one named, typed NT4 slot.
type Topic struct {
	ID   int64
	Name string

	mu         sync.RWMutex
	typ        string
	properties map[string]interface{}
	retained   *RetainedValue
	publishers map[string]struct{} // connection ids currently publishing this topic
}

// Type returns the topic's declared type string.
func (t *Topic) Type() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.typ
}

// Properties returns a copy of the topic's current properties.
func (t *Topic) Properties() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.properties))
	for k, v := range t.properties {
		out[k] = v
	}
	return out
}

// Retained returns the topic's retained value, if any.
func (t *Topic) Retained() (RetainedValue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.retained == nil {
		return RetainedValue{}, false
	}
	return *t.retained, true
}

// IsPersistent reports whether the topic's "persistent" property is true.
func (t *Topic) IsPersistent() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, _ := t.properties["persistent"].(bool)
	return p
}

// PublisherCount returns the number of connections currently publishing this
// topic.
func (t *Topic) PublisherCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.publishers)
}

// Table is the broker-scoped topic registry. One Table exists per Broker;
// multiple brokers (and thus multiple independent Tables) can coexist in one
// process (§9).
type Table struct {
	mu       sync.RWMutex
	byName   map[string]*Topic
	byID     map[int64]*Topic
	nextID   int64
}

// New returns an empty Table with its id counter seeded at 1 (id 0 is
// reserved, per §3).
func New() *Table {
	return &Table{
		byName: make(map[string]*Topic),
		byID:   make(map[int64]*Topic),
		nextID: 1,
	}
}

// LookupByName returns the topic registered under name, if any.
func (t *Table) LookupByName(name string) (*Topic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	topic, ok := t.byName[name]
	return topic, ok
}

// LookupByID returns the topic with the given server-assigned id, if any.
func (t *Table) LookupByID(id int64) (*Topic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	topic, ok := t.byID[id]
	return topic, ok
}

// All returns every topic currently in the table, in id order.
func (t *Table) All() []*Topic {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Topic, 0, len(t.byID))
	for _, topic := range t.byID {
		out = append(out, topic)
	}
	sortTopicsByID(out)
	return out
}

func sortTopicsByID(topics []*Topic) {
	for i := 1; i < len(topics); i++ {
		for j := i; j > 0 && topics[j].ID < topics[j-1].ID; j-- {
			topics[j], topics[j-1] = topics[j-1], topics[j]
		}
	}
}

// GetOrCreate returns the existing topic named name, or allocates a new one
// with the given type and initial properties. created reports whether a new
// topic was allocated. If the topic already exists with a different type,
// the caller receives the existing topic unchanged (the topic's declared
// type is fixed at first publish, §3) and must decide policy — GetOrCreate
// never silently changes an existing topic's type.
func (t *Table) GetOrCreate(name, typ string, initialProperties map[string]interface{}) (topic *Topic, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byName[name]; ok {
		return existing, false
	}

	id := t.nextID
	t.nextID++

	props := make(map[string]interface{}, len(initialProperties))
	for k, v := range initialProperties {
		props[k] = v
	}

	topic = &Topic{
		ID:         id,
		Name:       name,
		typ:        typ,
		properties: props,
		publishers: make(map[string]struct{}),
	}
	t.byName[name] = topic
	t.byID[id] = topic
	return topic, true
}

// AddPublisher records connID as a publisher of the topic.
func (t *Topic) AddPublisher(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers[connID] = struct{}{}
}

// RemovePublisher removes connID from the topic's publisher set and reports
// whether the set is now empty.
func (t *Topic) RemovePublisher(connID string) (empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.publishers, connID)
	return len(t.publishers) == 0
}

// SetProperties applies key-by-key updates to the topic's properties: a
// JSON-null update value deletes the key, any other value upserts it. It
// reports whether the property set actually changed (callers use this to
// decide whether to broadcast a "properties" message).
func (t *Topic) SetProperties(updates map[string]interface{}) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range updates {
		if v == nil {
			if _, existed := t.properties[k]; existed {
				delete(t.properties, k)
				changed = true
			}
			continue
		}
		if cur, existed := t.properties[k]; !existed || !deepEqual(cur, v) {
			t.properties[k] = v
			changed = true
		}
	}
	return changed
}

func deepEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// RecordValueResult describes the outcome of RecordValue.
type RecordValueResult int

const (
	// RecordAccepted means the retained value was replaced.
	RecordAccepted RecordValueResult = iota
	// RecordTypeMismatch means typeIdx disagreed with the topic's declared
	// type; the retained value is unchanged.
	RecordTypeMismatch
	// RecordStale means timestampUS was not strictly greater than the
	// currently retained timestamp; the retained value is unchanged.
	RecordStale
)

// RecordValue applies the retention rule of §4.2: reject on type mismatch,
// otherwise replace the retained value iff timestampUS is strictly greater
// than the currently stored timestamp.
func (t *Topic) RecordValue(typeIdx value.TypeIndex, v value.Value, timestampUS int64) RecordValueResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	declaredIdx, ok := value.IndexForType(t.typ)
	if !ok || declaredIdx != typeIdx {
		return RecordTypeMismatch
	}
	if t.retained != nil && timestampUS <= t.retained.TimestampUS {
		return RecordStale
	}
	t.retained = &RetainedValue{Type: typeIdx, Value: v, TimestampUS: timestampUS}
	return RecordAccepted
}

// RemoveIfOrphaned deletes name from the table iff its publisher set is
// empty and it is not persistent (§4.2). It reports whether the topic was
// removed.
func (t *Table) RemoveIfOrphaned(name string) bool {
	t.mu.Lock()
	topic, ok := t.byName[name]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if topic.PublisherCount() > 0 || topic.IsPersistent() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under the table lock plus topic lock ordering: a publisher
	// may have been added between the unlocked check above and here.
	if topic.PublisherCount() > 0 || topic.IsPersistent() {
		return false
	}
	delete(t.byName, name)
	delete(t.byID, topic.ID)
	return true
}
