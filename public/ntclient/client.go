// Package ntclient provides a client-side NT4 connection for Go programs
// that want to publish or subscribe to broker topics over WebSocket. It
// mirrors the broker's own wire handling (internal/wire) and subscription
// matching (internal/subscription) so client-side delivery semantics agree
// with server-side fan-out.
//
// Key Features:
// - WebSocket dial with NT4 subprotocol negotiation
// - Publish/Subscribe messaging with local topic-id bookkeeping
// - Concurrent message handling with proper synchronization
// - Request/response correlation for the publish-announce handshake
//
// The client handles the complexity of the NT4 wire protocol, allowing
// callers to focus on publishing values or consuming subscribed updates.
package ntclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tenzoki/nt4broker/internal/subscription"
	"github.com/tenzoki/nt4broker/internal/value"
	"github.com/tenzoki/nt4broker/internal/wire"
)

// Subprotocols this client offers, most preferred first.
const (
	Subprotocol41 = "v4.1.networktables.first.wpi.edu"
	Subprotocol40 = "networktables.first.wpi.edu"
)

// ValueUpdate is a delivered value frame, resolved against the client's
// locally tracked topic-id-to-name mapping.
type ValueUpdate struct {
	TopicID     int64
	Name        string
	Type        value.TypeIndex
	Value       value.Value
	TimestampUS int64
}

// Client is a single NT4 WebSocket connection to a broker. All public
// methods are thread-safe and may be called concurrently from multiple
// goroutines.
//
// Thread Safety: All public methods are thread-safe and can be called
// concurrently from multiple goroutines.
type Client struct {
	debug  bool
	logger *log.Logger

	ws     *websocket.Conn
	sendMu sync.Mutex // serializes writes to ws

	idMu       sync.Mutex
	nextPubUID int64
	nextSubUID int64

	topicMu       sync.RWMutex
	topicIDByName map[string]int64
	topicNameByID map[int64]string

	ackMu     sync.Mutex
	acks      map[int64]chan int64 // pubuid -> channel receiving assigned topic id
	tsWaiters map[int64]chan wire.TimeSyncResponse // seq -> channel receiving the reply

	subMu sync.RWMutex
	subs  map[int64]*clientSub

	closeOnce sync.Once
	done      chan struct{}
}

type clientSub struct {
	sub *subscription.Subscription
	ch  chan ValueUpdate
}

// Dial connects to an NT4 broker at url (e.g. "ws://localhost:5810/nt/myapp")
// and starts the background read loop.
func Dial(ctx context.Context, url string, debug bool) (*Client, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol41, Subprotocol40},
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ntclient: dial %s: %w", url, err)
	}

	c := &Client{
		debug:         debug,
		logger:        log.Default(),
		ws:            ws,
		nextPubUID:    1,
		nextSubUID:    1,
		topicIDByName: make(map[string]int64),
		topicNameByID: make(map[int64]string),
		acks:          make(map[int64]chan int64),
		subs:          make(map[int64]*clientSub),
		done:          make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Close closes the underlying WebSocket connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

// Done is closed when Close is called. It is not closed when the read loop
// exits because the broker dropped the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) nextPubUIDLocked() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextPubUID
	c.nextPubUID++
	return id
}

func (c *Client) nextSubUIDLocked() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextSubUID
	c.nextSubUID++
	return id
}

func (c *Client) sendControl(msg wire.ControlMessage) error {
	data, err := wire.EncodeControlBatch(msg)
	if err != nil {
		return fmt.Errorf("ntclient: encode control: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendBinary(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Publisher publishes timestamped values under a single server-assigned
// topic id.
type Publisher struct {
	client  *Client
	pubuid  int64
	topicID int64
	typeIdx value.TypeIndex
	name    string
}

// Publish announces name as a published topic of the given NT4 type string
// and waits (bounded by ctx) for the broker's matching announce before
// returning, so the returned Publisher already knows its server-assigned
// topic id.
func (c *Client) Publish(ctx context.Context, name, typeString string, properties map[string]interface{}) (*Publisher, error) {
	typeIdx, ok := value.IndexForType(typeString)
	if !ok {
		return nil, fmt.Errorf("ntclient: unrecognized type %q", typeString)
	}

	pubuid := c.nextPubUIDLocked()

	ackCh := make(chan int64, 1)
	c.ackMu.Lock()
	c.acks[pubuid] = ackCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, pubuid)
		c.ackMu.Unlock()
	}()

	msg, err := wire.MarshalParams(wire.MethodPublish, wire.PublishParams{
		Name:       name,
		Type:       typeString,
		PubUID:     pubuid,
		Properties: properties,
	})
	if err != nil {
		return nil, err
	}
	if err := c.sendControl(msg); err != nil {
		return nil, fmt.Errorf("ntclient: send publish: %w", err)
	}

	select {
	case topicID := <-ackCh:
		return &Publisher{client: c, pubuid: pubuid, topicID: topicID, typeIdx: typeIdx, name: name}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ntclient: publish %q: %w", name, ctx.Err())
	}
}

// TopicID returns the broker-assigned id for this publication's topic.
func (p *Publisher) TopicID() int64 {
	return p.topicID
}

// SetValue sends a timestamped value update for this publication.
func (p *Publisher) SetValue(v value.Value, timestampUS int64) error {
	frame, err := wire.EncodeValueFrame(p.topicID, timestampUS, p.typeIdx, v)
	if err != nil {
		return fmt.Errorf("ntclient: encode value for %q: %w", p.name, err)
	}
	return p.client.sendBinary(frame)
}

// Unpublish retires this publication.
func (p *Publisher) Unpublish() error {
	msg, err := wire.MarshalParams(wire.MethodUnpublish, wire.UnpublishParams{PubUID: p.pubuid})
	if err != nil {
		return err
	}
	return p.client.sendControl(msg)
}

// Subscription delivers ValueUpdates for topics matching its patterns.
type Subscription struct {
	client *Client
	subuid int64
	ch     chan ValueUpdate
}

// Subscribe registers interest in topics matching patterns, per opts. The
// returned Subscription's channel receives a ValueUpdate for every matching
// value the broker forwards.
func (c *Client) Subscribe(patterns []string, opts wire.SubscribeOptions) (*Subscription, error) {
	subuid := c.nextSubUIDLocked()
	sub := &subscription.Subscription{SubUID: subuid, Patterns: patterns, Options: opts}
	ch := make(chan ValueUpdate, 100)

	c.subMu.Lock()
	c.subs[subuid] = &clientSub{sub: sub, ch: ch}
	c.subMu.Unlock()

	msg, err := wire.MarshalParams(wire.MethodSubscribe, wire.SubscribeParams{
		SubUID:  subuid,
		Topics:  patterns,
		Options: opts,
	})
	if err != nil {
		c.subMu.Lock()
		delete(c.subs, subuid)
		c.subMu.Unlock()
		return nil, err
	}
	if err := c.sendControl(msg); err != nil {
		c.subMu.Lock()
		delete(c.subs, subuid)
		c.subMu.Unlock()
		return nil, fmt.Errorf("ntclient: send subscribe: %w", err)
	}

	return &Subscription{client: c, subuid: subuid, ch: ch}, nil
}

// Values returns the channel of delivered updates for this subscription.
func (s *Subscription) Values() <-chan ValueUpdate {
	return s.ch
}

// Unsubscribe cancels delivery for this subscription.
func (s *Subscription) Unsubscribe() error {
	s.client.subMu.Lock()
	delete(s.client.subs, s.subuid)
	s.client.subMu.Unlock()

	msg, err := wire.MarshalParams(wire.MethodUnsubscribe, wire.UnsubscribeParams{SubUID: s.subuid})
	if err != nil {
		return err
	}
	return s.client.sendControl(msg)
}

// TimeSync sends a time-sync request and returns the broker's reply,
// bounded by ctx.
func (c *Client) TimeSync(ctx context.Context, clientIndex, seq int64) (wire.TimeSyncResponse, error) {
	req := wire.TimeSyncRequest{
		ClientIndex:  clientIndex,
		Seq:          seq,
		ClientTimeUS: time.Now().UnixMicro(),
	}
	data, err := wire.EncodeTimeSyncRequest(req)
	if err != nil {
		return wire.TimeSyncResponse{}, err
	}

	ch := make(chan wire.TimeSyncResponse, 1)
	c.ackMu.Lock()
	c.timeSyncWaiters()[seq] = ch
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.timeSyncWaiters(), seq)
		c.ackMu.Unlock()
	}()

	if err := c.sendBinary(data); err != nil {
		return wire.TimeSyncResponse{}, fmt.Errorf("ntclient: send time-sync: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return wire.TimeSyncResponse{}, ctx.Err()
	}
}

// timeSyncWaiters lazily initializes the time-sync response map. Guarded by
// ackMu, shared with the publish-ack map's lock to avoid a third mutex for
// what is a rarely used path.
func (c *Client) timeSyncWaiters() map[int64]chan wire.TimeSyncResponse {
	if c.tsWaiters == nil {
		c.tsWaiters = make(map[int64]chan wire.TimeSyncResponse)
	}
	return c.tsWaiters
}

func unmarshalJSON(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func (c *Client) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			if c.debug {
				c.logger.Printf("ntclient: read loop panic: %v", r)
			}
		}
		c.subMu.RLock()
		for _, s := range c.subs {
			close(s.ch)
		}
		c.subMu.RUnlock()
	}()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			c.handleControlBatch(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *Client) handleControlBatch(data []byte) {
	batch, err := wire.DecodeControlBatch(data)
	if err != nil {
		if c.debug {
			c.logger.Printf("ntclient: dropping malformed control frame: %v", err)
		}
		return
	}
	for _, msg := range batch {
		c.handleControl(msg)
	}
}

func (c *Client) handleControl(msg wire.ControlMessage) {
	switch msg.Method {
	case wire.MethodAnnounce:
		var p wire.AnnounceParams
		if err := unmarshalJSON(msg.Params, &p); err != nil {
			return
		}
		c.topicMu.Lock()
		c.topicIDByName[p.Name] = p.ID
		c.topicNameByID[p.ID] = p.Name
		c.topicMu.Unlock()

		if p.PubUID != nil {
			c.ackMu.Lock()
			ch, ok := c.acks[*p.PubUID]
			c.ackMu.Unlock()
			if ok {
				select {
				case ch <- p.ID:
				default:
				}
			}
		}

	case wire.MethodUnannounce:
		var p wire.UnannounceParams
		if err := unmarshalJSON(msg.Params, &p); err != nil {
			return
		}
		c.topicMu.Lock()
		delete(c.topicNameByID, c.topicIDByName[p.Name])
		delete(c.topicIDByName, p.Name)
		c.topicMu.Unlock()

	case wire.MethodProperties:
		if c.debug {
			var p wire.PropertiesParams
			if err := unmarshalJSON(msg.Params, &p); err == nil {
				c.logger.Printf("ntclient: properties update for %q: %+v", p.Name, p.Properties)
			}
		}
	}
}

// handleBinary dispatches a binary frame. A server's time-sync reply and a
// client's own time-sync request share the reserved id -1 and differ only
// by element count (5 vs 4), so the 5-element shape is checked first before
// falling back to the shared value/request decoder.
func (c *Client) handleBinary(data []byte) {
	if resp, ok := decodeTimeSyncResponse(data); ok {
		c.ackMu.Lock()
		ch, found := c.timeSyncWaiters()[resp.Seq]
		c.ackMu.Unlock()
		if found {
			select {
			case ch <- resp:
			default:
			}
		}
		return
	}

	decoded := wire.DecodeBinaryFrame(data)
	if decoded.Kind == wire.FrameValueUpdate {
		c.routeValue(*decoded.ValueFrame)
	}
}

// decodeTimeSyncResponse recognizes the 5-element
// [-1, clientIndex, seq, clientTime_us, serverTime_us] reply shape.
func decodeTimeSyncResponse(data []byte) (wire.TimeSyncResponse, bool) {
	var elems []interface{}
	if err := msgpack.Unmarshal(data, &elems); err != nil {
		if err := json.Unmarshal(data, &elems); err != nil {
			return wire.TimeSyncResponse{}, false
		}
	}
	if len(elems) != 5 {
		return wire.TimeSyncResponse{}, false
	}
	id, ok := asInt64(elems[0])
	if !ok || id != wire.TimeSyncID {
		return wire.TimeSyncResponse{}, false
	}
	ci, ok1 := asInt64(elems[1])
	seq, ok2 := asInt64(elems[2])
	ct, ok3 := asInt64(elems[3])
	st, ok4 := asInt64(elems[4])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return wire.TimeSyncResponse{}, false
	}
	return wire.TimeSyncResponse{ClientIndex: ci, Seq: seq, ClientTimeUS: ct, ServerTimeUS: st}, true
}

// asInt64 normalizes the numeric types msgpack/json decoding may produce.
func asInt64(raw interface{}) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func (c *Client) routeValue(f wire.ValueFrame) {
	c.topicMu.RLock()
	name, ok := c.topicNameByID[f.ID]
	c.topicMu.RUnlock()
	if !ok {
		return
	}

	update := ValueUpdate{TopicID: f.ID, Name: name, Type: f.Type, Value: f.Value, TimestampUS: f.TimestampUS}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, s := range c.subs {
		if !s.sub.Matches(name) {
			continue
		}
		select {
		case s.ch <- update:
		default:
			if c.debug {
				c.logger.Printf("ntclient: subscriber channel full for %q, dropping update", name)
			}
		}
	}
}
