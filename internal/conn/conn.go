// Package conn implements the per-WebSocket Connection: the state machine
// of §4.5, the inbound demultiplexer, the bounded outbound queue and
// backpressure policy of §5, and the per-connection periodic-coalescing
// bookkeeping used by the broker's fan-out (§4.4).
package conn

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/nt4broker/internal/subscription"
	"github.com/tenzoki/nt4broker/internal/wire"
)

// State is a Connection's position in the §4.5 state machine.
type State int

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

// DefaultQueueDepth bounds the outbound queue of a Connection whose caller
// does not specify one explicitly.
const DefaultQueueDepth = 256

// SweepInterval is how often a Connection's coalescing sweep checks for
// pending samples whose periodic interval has elapsed. The contract is the
// minimum interval, not a regular tick (§4.4) — this sweep is a backstop
// for subscriptions that do not receive an immediately-following value.
const SweepInterval = 20 * time.Millisecond

// Handler receives decoded inbound frames from a Connection. The broker
// implements Handler; conn does not import broker to avoid a cycle.
type Handler interface {
	HandleControl(c *Connection, msgs []wire.ControlMessage)
	HandleValueFrame(c *Connection, f wire.ValueFrame)
	HandleTimeSync(c *Connection, req wire.TimeSyncRequest)
	HandleClose(c *Connection)
}

// PeriodicLookup resolves a subuid on this connection to the minimum
// delivery interval (seconds) of its subscription. ok is false if the
// subscription no longer exists.
type PeriodicLookup func(subuid int64) (seconds float64, ok bool)

// Connection is one accepted, subprotocol-negotiated WebSocket peer.
type Connection struct {
	ID           string
	Subprotocol  string
	Debug        bool

	ws      *websocket.Conn
	handler Handler
	logger  *log.Logger

	// Local holds this connection's own publications and subscriptions,
	// exclusively owned by it (§3).
	Local *subscription.Table

	mu    sync.Mutex
	state State

	outbound *outboundQueue

	coalesceMu sync.Mutex
	coalesce   map[coalesceKey]*coalesceEntry

	periodicFor PeriodicLookup

	closeOnce sync.Once
	done      chan struct{}
}

type coalesceKey struct {
	topicID int64
	subUID  int64
}

type coalesceEntry struct {
	lastSentUS int64
	pendingTS  int64
	pending    []byte
}

// New wraps an accepted, subprotocol-negotiated WebSocket connection.
func New(id string, ws *websocket.Conn, subprotocol string, handler Handler, periodicFor PeriodicLookup, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	c := &Connection{
		ID:          id,
		Subprotocol: subprotocol,
		ws:          ws,
		handler:     handler,
		logger:      logger,
		Local:       subscription.NewTable(),
		state:       StateHandshaking,
		outbound:    newOutboundQueue(DefaultQueueDepth),
		coalesce:    make(map[coalesceKey]*coalesceEntry),
		periodicFor: periodicFor,
		done:        make(chan struct{}),
	}
	return c
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run enters the Open state and drives the connection's read pump, write
// pump and coalescing sweep until the WebSocket closes or ctx is canceled.
// It blocks until all three have exited, then calls handler.HandleClose.
func (c *Connection) Run(ctx context.Context) {
	c.setState(StateOpen)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.readPump(cancel) }()
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.sweepLoop(runCtx) }()

	<-runCtx.Done()
	c.Close()
	wg.Wait()

	c.handler.HandleClose(c)
}

func (c *Connection) readPump(cancel context.CancelFunc) {
	defer cancel()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			batch, err := wire.DecodeControlBatch(data)
			if err != nil {
				if c.Debug {
					c.logger.Printf("conn %s: dropping malformed control frame: %v", c.ID, err)
				}
				continue
			}
			c.handler.HandleControl(c, batch)

		case websocket.BinaryMessage:
			decoded := wire.DecodeBinaryFrame(data)
			switch decoded.Kind {
			case wire.FrameValueUpdate:
				c.handler.HandleValueFrame(c, *decoded.ValueFrame)
			case wire.FrameTimeSyncRequest:
				c.handler.HandleTimeSync(c, *decoded.TimeSync)
			default:
				if c.Debug {
					c.logger.Printf("conn %s: dropping unrecognized binary frame", c.ID)
				}
			}
		}
	}
}

func (c *Connection) writePump() {
	for {
		f, ok := c.outbound.dequeue()
		if !ok {
			return
		}
		if err := c.ws.WriteMessage(f.msgType, f.data); err != nil {
			return
		}
	}
}

func (c *Connection) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepDue(time.Now().UnixMicro())
		}
	}
}

// Close transitions the connection to Closing/Closed and stops its queue.
// Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.outbound.close()
		_ = c.ws.Close()
		c.setState(StateClosed)
		close(c.done)
	})
}

// Done is closed once the connection has fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// SendControl enqueues a text frame carrying one or more control messages.
// Control frames are mandatory: if the queue cannot accept it even after
// evicting droppable value frames, the connection is closed (§5, §7).
func (c *Connection) SendControl(msgs ...wire.ControlMessage) {
	data, err := wire.EncodeControlBatch(msgs...)
	if err != nil {
		if c.Debug {
			c.logger.Printf("conn %s: failed to encode control batch: %v", c.ID, err)
		}
		return
	}
	if !c.outbound.enqueue(queuedFrame{msgType: websocket.TextMessage, data: data, coalescable: false}) {
		c.Close()
	}
}

// SendValueFrameNow enqueues a pre-encoded binary value frame immediately,
// bypassing periodic coalescing, as a frame that may be dropped on overflow
// (used for due samples of all=false subscriptions and for retained-value
// replay, whatever the subscription's all option).
func (c *Connection) SendValueFrameNow(frame []byte) {
	if !c.outbound.enqueue(queuedFrame{msgType: websocket.BinaryMessage, data: frame, coalescable: true}) {
		c.Close()
	}
}

// SendTimeSyncResponse enqueues a binary time-sync reply on the normal
// outbound path (§4.6): it is not rate-limited but must not starve ahead of
// control frames, so it shares the same queue discipline as other frames.
func (c *Connection) SendTimeSyncResponse(data []byte) {
	if !c.outbound.enqueue(queuedFrame{msgType: websocket.BinaryMessage, data: data, coalescable: false}) {
		c.Close()
	}
}

// DeliverValue applies the periodic-coalescing policy of §4.4 for one
// (topic, subscription) pair on this connection: if all is true the frame
// is sent immediately; otherwise it is sent immediately only if at least
// periodicSeconds have elapsed since the last delivery for this pair,
// and stashed as the pending sample otherwise (replacing any previously
// stashed sample).
func (c *Connection) DeliverValue(topicID, subUID int64, all bool, periodicSeconds float64, sampleTS int64, frame []byte, nowUS int64) {
	if all {
		// all=true samples are never coalesced, so they are not droppable.
		if !c.outbound.enqueue(queuedFrame{msgType: websocket.BinaryMessage, data: frame, coalescable: false}) {
			c.Close()
		}
		return
	}

	key := coalesceKey{topicID: topicID, subUID: subUID}
	intervalUS := int64(periodicSeconds * 1e6)

	c.coalesceMu.Lock()
	entry, ok := c.coalesce[key]
	if !ok {
		entry = &coalesceEntry{}
		c.coalesce[key] = entry
	}
	due := nowUS-entry.lastSentUS >= intervalUS
	if due {
		entry.lastSentUS = nowUS
		entry.pending = nil
	} else {
		entry.pending = frame
		entry.pendingTS = sampleTS
	}
	c.coalesceMu.Unlock()

	if due {
		c.SendValueFrameNow(frame)
	}
}

// DropCoalesceState discards any stashed sample for (topicID, subUID).
// The broker's Unsubscribe does not call it; a pending sample of a removed
// subscription is skipped by sweepDue because periodicFor no longer finds
// its subuid.
func (c *Connection) DropCoalesceState(topicID, subUID int64) {
	c.coalesceMu.Lock()
	delete(c.coalesce, coalesceKey{topicID: topicID, subUID: subUID})
	c.coalesceMu.Unlock()
}

type dueSample struct {
	topicID int64
	frame   []byte
}

// sweepDue flushes every pending sample whose subscription's periodic
// interval has elapsed since its last delivery, in ascending topic-id order
// (§4.4's "stable cross-topic ordering").
func (c *Connection) sweepDue(nowUS int64) {
	var due []dueSample

	c.coalesceMu.Lock()
	for key, entry := range c.coalesce {
		if entry.pending == nil {
			continue
		}
		seconds, ok := c.periodicFor(key.subUID)
		if !ok {
			continue
		}
		intervalUS := int64(seconds * 1e6)
		if nowUS-entry.lastSentUS >= intervalUS {
			due = append(due, dueSample{topicID: key.topicID, frame: entry.pending})
			entry.pending = nil
			entry.lastSentUS = nowUS
		}
	}
	c.coalesceMu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].topicID < due[j].topicID })
	for _, d := range due {
		c.SendValueFrameNow(d.frame)
	}
}
