// Package broker implements the NT4 broker: it owns the topic table and the
// set of connections, performs announce/unannounce/properties/value fan-out,
// and drives subscription-scoped retained-value replay on subscribe (§4.4).
//
// This is a generalization of a simple "publish message, fan out to topic
// subscribers" broker into the full NT4 operation set: typed topics with
// retention, per-subscription periodic coalescing, echo suppression, and
// time synchronization.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tenzoki/nt4broker/internal/conn"
	"github.com/tenzoki/nt4broker/internal/subscription"
	"github.com/tenzoki/nt4broker/internal/timesync"
	"github.com/tenzoki/nt4broker/internal/topictable"
	"github.com/tenzoki/nt4broker/internal/value"
	"github.com/tenzoki/nt4broker/internal/wire"
)

// Broker owns the Topic table and the set of Connections. A single mutex
// serializes all state mutation (topic table, per-topic subscriber cache,
// connection set) so that announce/subscribe fan-out is race-free (§5); a
// plain mutex suffices because write operations dominate under burst load.
type Broker struct {
	mu    sync.Mutex
	table *topictable.Table
	conns map[string]*conn.Connection

	// subscriberCache[topicName] is the set of connection ids with at least
	// one matching subscription, updated in place on subscribe/unsubscribe
	// and dropped (then lazily recomputed) on topic creation or removal (§4.3).
	subscriberCache map[string]map[string]bool

	clock  timesync.Clock
	logger *log.Logger
	Debug  bool
}

// New returns an empty Broker with its own topic table. Multiple Brokers
// may coexist in one process (§9); there is no package-level shared state.
func New(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		table:           topictable.New(),
		conns:           make(map[string]*conn.Connection),
		subscriberCache: make(map[string]map[string]bool),
		clock:           timesync.SystemClock,
		logger:          logger,
	}
}

var _ conn.Handler = (*Broker)(nil)

// RegisterConnection admits a newly Open connection to the broker (§4.5).
// Retained-value replay happens lazily per subscription, not here: a new
// connection receives matching topics and their retained values the moment
// it subscribes (see Subscribe), not unconditionally on accept — see
// DESIGN.md for why this reading was chosen over a replay-everything-on-
// connect alternative.
func (b *Broker) RegisterConnection(c *conn.Connection) {
	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()
}

// Connections returns a snapshot of currently registered connections.
func (b *Broker) Connections() []*conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// HandleClose collapses a closed connection's publications and
// subscriptions, unannouncing any topic whose last publisher just left
// (unless persistent), and prunes it from the subscriber cache (§4.5, §4.4
// unpublish semantics).
func (b *Broker) HandleClose(c *conn.Connection) {
	for _, pub := range c.Local.Publications() {
		b.unpublishLocked(c, pub.PubUID)
	}

	b.mu.Lock()
	delete(b.conns, c.ID)
	for _, set := range b.subscriberCache {
		delete(set, c.ID)
	}
	b.mu.Unlock()
}

// HandleControl dispatches one batch of decoded control messages (§2).
func (b *Broker) HandleControl(c *conn.Connection, msgs []wire.ControlMessage) {
	for _, msg := range msgs {
		b.dispatch(c, msg)
	}
}

func (b *Broker) dispatch(c *conn.Connection, msg wire.ControlMessage) {
	switch msg.Method {
	case wire.MethodPublish:
		var p wire.PublishParams
		if err := decodeParams(msg.Params, &p); err != nil {
			b.logDrop(c, "publish", err)
			return
		}
		b.Publish(c, p)

	case wire.MethodUnpublish:
		var p wire.UnpublishParams
		if err := decodeParams(msg.Params, &p); err != nil {
			b.logDrop(c, "unpublish", err)
			return
		}
		b.Unpublish(c, p.PubUID)

	case wire.MethodSubscribe:
		var p wire.SubscribeParams
		if err := decodeParams(msg.Params, &p); err != nil {
			b.logDrop(c, "subscribe", err)
			return
		}
		b.Subscribe(c, p)

	case wire.MethodUnsubscribe:
		var p wire.UnsubscribeParams
		if err := decodeParams(msg.Params, &p); err != nil {
			b.logDrop(c, "unsubscribe", err)
			return
		}
		b.Unsubscribe(c, p.SubUID)

	case wire.MethodSetProperties:
		var p wire.SetPropertiesParams
		if err := decodeParams(msg.Params, &p); err != nil {
			b.logDrop(c, "setproperties", err)
			return
		}
		b.SetProperties(c, p)

	default:
		if b.Debug {
			b.logger.Printf("broker: conn %s: unknown method %q", c.ID, msg.Method)
		}
	}
}

func (b *Broker) logDrop(c *conn.Connection, method string, err error) {
	if b.Debug {
		b.logger.Printf("broker: conn %s: dropping malformed %s params: %v", c.ID, method, errors.WithStack(err))
	}
}

// Publish implements §4.4 publish(conn, name, type, pubuid, properties).
func (b *Broker) Publish(c *conn.Connection, p wire.PublishParams) {
	if !value.IsRecognizedType(p.Type) {
		if b.Debug {
			b.logger.Printf("broker: conn %s: publish %q rejected: unrecognized type %q", c.ID, p.Name, p.Type)
		}
		return
	}
	if ok := c.Local.AddPublication(p.PubUID, p.Name); !ok {
		if b.Debug {
			b.logger.Printf("broker: conn %s: pubuid %d already bound to a different topic", c.ID, p.PubUID)
		}
		return
	}

	b.mu.Lock()
	topic, created := b.table.GetOrCreate(p.Name, p.Type, p.Properties)
	if !created && topic.Type() != p.Type {
		b.mu.Unlock()
		c.Local.RemovePublication(p.PubUID)
		if b.Debug {
			b.logger.Printf("broker: conn %s: publish %q rejected: type %q does not match existing type %q", c.ID, p.Name, p.Type, topic.Type())
		}
		return
	}
	topic.AddPublisher(c.ID)

	propsChanged := false
	if !created && len(p.Properties) > 0 {
		propsChanged = topic.SetProperties(p.Properties)
	}

	if created {
		b.invalidateSubscriberCacheLocked(p.Name)
	}
	targets := b.subscriberConnsLocked(p.Name)
	b.mu.Unlock()

	// The publishing connection always gets its announce (with pubuid
	// echoed) even if it has no matching subscription of its own (§4.4).
	self := false
	for _, target := range targets {
		if target.ID == c.ID {
			self = true
			break
		}
	}
	if !self {
		targets = append(targets, c)
	}

	pubuid := p.PubUID
	for _, target := range targets {
		params := wire.AnnounceParams{
			Name:       topic.Name,
			ID:         topic.ID,
			Type:       topic.Type(),
			Properties: topic.Properties(),
		}
		if target.ID == c.ID {
			params.PubUID = &pubuid
		}
		msg, err := wire.MarshalParams(wire.MethodAnnounce, params)
		if err != nil {
			continue
		}
		target.SendControl(msg)

		// A publisher appended above solely to receive its announce has no
		// subscription of its own, so it gets no retained-value replay.
		if target.ID == c.ID && !self {
			continue
		}
		if retained, ok := topic.Retained(); ok {
			if frame, err := wire.EncodeValueFrame(topic.ID, retained.TimestampUS, retained.Type, retained.Value); err == nil {
				target.SendValueFrameNow(frame)
			}
		}
	}

	if propsChanged {
		b.broadcastProperties(p.Name, topic.Properties())
	}
}

// Unpublish implements §4.4 unpublish(conn, pubuid).
func (b *Broker) Unpublish(c *conn.Connection, pubuid int64) {
	b.unpublishLocked(c, pubuid)
}

func (b *Broker) unpublishLocked(c *conn.Connection, pubuid int64) {
	pub, ok := c.Local.RemovePublication(pubuid)
	if !ok {
		if b.Debug {
			b.logger.Printf("broker: conn %s: unpublish for unknown pubuid %d", c.ID, pubuid)
		}
		return
	}

	b.mu.Lock()
	topic, ok := b.table.LookupByName(pub.TopicName)
	if !ok {
		b.mu.Unlock()
		return
	}
	empty := topic.RemovePublisher(c.ID)
	removed := false
	if empty {
		removed = b.table.RemoveIfOrphaned(pub.TopicName)
	}
	var targets []*conn.Connection
	if removed {
		targets = b.subscriberConnsLocked(pub.TopicName)
		b.invalidateSubscriberCacheLocked(pub.TopicName)
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	msg, err := wire.MarshalParams(wire.MethodUnannounce, wire.UnannounceParams{Name: pub.TopicName, ID: topic.ID})
	if err != nil {
		return
	}
	for _, target := range targets {
		target.SendControl(msg)
	}
}

// Subscribe implements §4.4 subscribe(conn, subuid, patterns, options).
func (b *Broker) Subscribe(c *conn.Connection, p wire.SubscribeParams) {
	sub := &subscription.Subscription{SubUID: p.SubUID, Patterns: p.Topics, Options: p.Options}
	c.Local.AddSubscription(sub)

	b.mu.Lock()
	matching := make([]*topictable.Topic, 0)
	for _, topic := range b.table.All() {
		if sub.Matches(topic.Name) {
			matching = append(matching, topic)
			b.addSubscriberLocked(topic.Name, c.ID)
		}
	}
	b.mu.Unlock()

	for _, topic := range matching {
		msg, err := wire.MarshalParams(wire.MethodAnnounce, wire.AnnounceParams{
			Name:       topic.Name,
			ID:         topic.ID,
			Type:       topic.Type(),
			Properties: topic.Properties(),
		})
		if err != nil {
			continue
		}
		c.SendControl(msg)

		if p.Options.TopicsOnly {
			continue
		}
		if retained, ok := topic.Retained(); ok {
			if frame, err := wire.EncodeValueFrame(topic.ID, retained.TimestampUS, retained.Type, retained.Value); err == nil {
				c.SendValueFrameNow(frame)
			}
		}
	}
}

// Unsubscribe implements §4.4 unsubscribe(conn, subuid): removes the
// subscription; no announce/unannounce revocation is emitted.
func (b *Broker) Unsubscribe(c *conn.Connection, subuid int64) {
	c.Local.RemoveSubscription(subuid)

	b.mu.Lock()
	for topicName, set := range b.subscriberCache {
		if set[c.ID] && !c.Local.HasAnyMatch(topicName) {
			delete(set, c.ID)
		}
	}
	b.mu.Unlock()
}

// SetProperties implements §4.4 setproperties(conn, name, updates).
func (b *Broker) SetProperties(c *conn.Connection, p wire.SetPropertiesParams) {
	b.mu.Lock()
	topic, ok := b.table.LookupByName(p.Name)
	b.mu.Unlock()
	if !ok {
		if b.Debug {
			b.logger.Printf("broker: conn %s: setproperties for unknown topic %q", c.ID, p.Name)
		}
		return
	}
	if !topic.SetProperties(p.Update) {
		return
	}
	b.broadcastProperties(p.Name, topic.Properties())
}

func (b *Broker) broadcastProperties(name string, props map[string]interface{}) {
	b.mu.Lock()
	targets := b.subscriberConnsLocked(name)
	b.mu.Unlock()

	msg, err := wire.MarshalParams(wire.MethodProperties, wire.PropertiesParams{Name: name, Properties: props})
	if err != nil {
		return
	}
	for _, target := range targets {
		target.SendControl(msg)
	}
}

// HandleValueFrame implements §4.4 value(conn, id, typeIndex, value, ts_us).
func (b *Broker) HandleValueFrame(c *conn.Connection, f wire.ValueFrame) {
	b.mu.Lock()
	topic, ok := b.table.LookupByID(f.ID)
	b.mu.Unlock()
	if !ok {
		return
	}

	if !c.Local.PublicationFor(topic.Name) {
		if b.Debug {
			b.logger.Printf("broker: conn %s: value for topic %q without a publication", c.ID, topic.Name)
		}
		return
	}

	result := topic.RecordValue(f.Type, f.Value, f.TimestampUS)
	if result != topictable.RecordAccepted {
		if b.Debug {
			b.logger.Printf("broker: conn %s: value for topic %q rejected (%v)", c.ID, topic.Name, result)
		}
		return
	}

	frame, err := wire.EncodeValueFrame(f.ID, f.TimestampUS, f.Type, f.Value)
	if err != nil {
		return
	}

	nowUS := time.Now().UnixMicro()

	b.mu.Lock()
	recipients := b.subscriberConnsLocked(topic.Name)
	b.mu.Unlock()

	for _, target := range recipients {
		matching := target.Local.MatchingSubscriptions(topic.Name)
		isOrigin := target.ID == c.ID
		for _, sub := range matching {
			if isOrigin && !sub.Options.All {
				continue // echo suppression unless the subscriber opted into all=true
			}
			if sub.Options.TopicsOnly {
				continue
			}
			target.DeliverValue(topic.ID, sub.SubUID, sub.Options.All, sub.Periodic(), f.TimestampUS, frame, nowUS)
		}
	}
}

// HandleTimeSync implements §4.6: a stateless reply on the same connection.
func (b *Broker) HandleTimeSync(c *conn.Connection, req wire.TimeSyncRequest) {
	resp := timesync.Reply(req, b.clock)
	data, err := wire.EncodeTimeSyncResponse(resp)
	if err != nil {
		return
	}
	c.SendTimeSyncResponse(data)
}

// subscriberConnsLocked returns every registered connection with at least
// one matching subscription for name, using the subscriber cache when
// present and populating it lazily otherwise. Caller must hold b.mu.
func (b *Broker) subscriberConnsLocked(name string) []*conn.Connection {
	set, ok := b.subscriberCache[name]
	if !ok {
		set = make(map[string]bool)
		for id, c := range b.conns {
			if c.Local.HasAnyMatch(name) {
				set[id] = true
			}
		}
		b.subscriberCache[name] = set
	}
	out := make([]*conn.Connection, 0, len(set))
	for id := range set {
		if c, ok := b.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (b *Broker) addSubscriberLocked(name, connID string) {
	set, ok := b.subscriberCache[name]
	if !ok {
		set = make(map[string]bool)
		b.subscriberCache[name] = set
	}
	set[connID] = true
}

func (b *Broker) invalidateSubscriberCacheLocked(name string) {
	delete(b.subscriberCache, name)
}

// decodeParams is a small json.Unmarshal wrapper kept here (rather than in
// wire) so broker can annotate errors with the offending method via the
// caller, matching gazette's convention of wrapping low-level errors with
// github.com/pkg/errors at the point they become broker-level decisions.
func decodeParams(raw []byte, v interface{}) error {
	if err := unmarshalParams(raw, v); err != nil {
		return errors.Wrap(err, "decode params")
	}
	return nil
}

// Shutdown closes every registered connection, used by cmd/ntbroker on
// SIGINT/SIGTERM for a best-effort graceful stop (§4.5 Closing state).
func (b *Broker) Shutdown(ctx context.Context) {
	for _, c := range b.Connections() {
		c.Close()
		select {
		case <-c.Done():
		case <-ctx.Done():
			return
		}
	}
}
