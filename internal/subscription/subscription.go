// Package subscription implements the per-connection publication and
// subscription tables and the topic-name matching predicate (§3, §4.3).
package subscription

import (
	"strings"
	"sync"

	"github.com/tenzoki/nt4broker/internal/wire"
)

// Publication is a per-connection (pubuid, topicName) binding.
type Publication struct {
	PubUID    int64
	TopicName string
}

// Subscription is a per-connection request to receive announcements (and
// optionally values) for topics matching any of Patterns.
type Subscription struct {
	SubUID   int64
	Patterns []string
	Options  wire.SubscribeOptions
}

// Matches reports whether name matches any of s's patterns, per §4.3: exact
// equality unless Options.Prefix is set, in which case prefix matching is
// used (an empty pattern with Prefix=true matches every name).
func (s Subscription) Matches(name string) bool {
	for _, p := range s.Patterns {
		if s.Options.Prefix {
			if strings.HasPrefix(name, p) {
				return true
			}
		} else if name == p {
			return true
		}
	}
	return false
}

// Periodic returns the subscription's minimum delivery interval in seconds,
// defaulting to wire.DefaultPeriodic when the client did not set one.
func (s Subscription) Periodic() float64 {
	if s.Options.Periodic > 0 {
		return s.Options.Periodic
	}
	return wire.DefaultPeriodic
}

// Table holds one connection's publications and subscriptions. It is owned
// exclusively by that connection (§3's ownership model) but is safe for
// concurrent access because the broker's inbound and outbound paths for a
// connection may run on different goroutines.
type Table struct {
	mu   sync.RWMutex
	pubs map[int64]*Publication
	subs map[int64]*Subscription
}

// NewTable returns an empty per-connection publication/subscription table.
func NewTable() *Table {
	return &Table{
		pubs: make(map[int64]*Publication),
		subs: make(map[int64]*Subscription),
	}
}

// AddPublication inserts pubuid -> name. A duplicate pubuid for the same
// name is idempotent; a duplicate pubuid for a different name is rejected
// (ok=false), per §4.4.
func (t *Table) AddPublication(pubuid int64, name string) (ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, found := t.pubs[pubuid]; found {
		return existing.TopicName == name
	}
	t.pubs[pubuid] = &Publication{PubUID: pubuid, TopicName: name}
	return true
}

// RemovePublication removes pubuid and returns the publication that was
// removed, if any.
func (t *Table) RemovePublication(pubuid int64) (*Publication, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pub, ok := t.pubs[pubuid]
	delete(t.pubs, pubuid)
	return pub, ok
}

// PublicationFor reports whether this connection holds a publication bound
// to topicName (the broker uses it to drop value frames from a connection
// that has not published the topic).
func (t *Table) PublicationFor(topicName string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.pubs {
		if p.TopicName == topicName {
			return true
		}
	}
	return false
}

// Publications returns a snapshot of all publications on this connection.
func (t *Table) Publications() []*Publication {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Publication, 0, len(t.pubs))
	for _, p := range t.pubs {
		out = append(out, p)
	}
	return out
}

// AddSubscription stores or replaces a subscription under subuid.
func (t *Table) AddSubscription(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[s.SubUID] = s
}

// RemoveSubscription removes subuid and reports whether it existed.
func (t *Table) RemoveSubscription(subuid int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[subuid]
	delete(t.subs, subuid)
	return ok
}

// Subscriptions returns a snapshot of all subscriptions on this connection.
func (t *Table) Subscriptions() []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// MatchingSubscriptions returns every subscription on this connection that
// matches name. A topic may match the same subscription through multiple
// patterns; it is still returned once (§4.3).
func (t *Table) MatchingSubscriptions(name string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Subscription
	for _, s := range t.subs {
		if s.Matches(name) {
			out = append(out, s)
		}
	}
	return out
}

// HasAnyMatch reports whether any subscription on this connection matches
// name, without allocating a result slice.
func (t *Table) HasAnyMatch(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		if s.Matches(name) {
			return true
		}
	}
	return false
}
