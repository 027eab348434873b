// Package listener accepts WebSocket upgrades, negotiates the NT4
// subprotocol, and wires accepted sockets into conn.Connection instances
// registered with a Broker (§4.5, §6).
package listener

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tenzoki/nt4broker/internal/broker"
	"github.com/tenzoki/nt4broker/internal/conn"
)

// Subprotocols the server advertises, most preferred first. The server
// selects 4.1 if the client offered it, else 4.0, else rejects the upgrade
// (§6). gorilla/websocket's Upgrader.Subprotocols would pick whichever
// subprotocol the server lists first that the client also offers — but
// that only matches our preference order if Subprotocols is ordered most-
// preferred-first, so we additionally re-check explicitly to make the
// preference independent of the client's own listing order.
const (
	Subprotocol41 = "v4.1.networktables.first.wpi.edu"
	Subprotocol40 = "networktables.first.wpi.edu"
)

// Listener accepts WebSocket connections on an http.Server and feeds them to
// a Broker.
type Listener struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	logger   *log.Logger
	debug    bool

	wg sync.WaitGroup
}

// New returns a Listener that registers accepted connections with b.
func New(b *broker.Broker, logger *log.Logger, debug bool) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		broker: b,
		logger: logger,
		debug:  debug,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol41, Subprotocol40},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler, accepting an upgrade on any path (§6:
// "the server SHOULD accept any path").
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subprotocol := negotiateSubprotocol(r.Header["Sec-Websocket-Protocol"])
	if subprotocol == "" {
		http.Error(w, "no supported NT4 subprotocol offered", http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", subprotocol)

	ws, err := l.upgrader.Upgrade(w, r, header)
	if err != nil {
		if l.debug {
			l.logger.Printf("listener: upgrade failed: %v", err)
		}
		return
	}

	version := "4.0"
	if subprotocol == Subprotocol41 {
		version = "4.1"
	}

	id := uuid.NewString()
	var c *conn.Connection
	periodicFor := func(subuid int64) (float64, bool) {
		for _, sub := range c.Local.Subscriptions() {
			if sub.SubUID == subuid {
				return sub.Periodic(), true
			}
		}
		return 0, false
	}
	c = conn.New(id, ws, version, l.broker, periodicFor, l.logger)
	c.Debug = l.debug

	l.broker.RegisterConnection(c)

	// The request context is canceled as soon as ServeHTTP returns, so the
	// connection runs on its own context and ends when the socket closes.
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		c.Run(context.Background())
	}()
}

// negotiateSubprotocol picks 4.1 over 4.0 regardless of the order the
// client listed them in (§6).
func negotiateSubprotocol(offered []string) string {
	var has40, has41 bool
	for _, line := range offered {
		for _, p := range splitCommaList(line) {
			switch p {
			case Subprotocol41:
				has41 = true
			case Subprotocol40:
				has40 = true
			}
		}
	}
	switch {
	case has41:
		return Subprotocol41
	case has40:
		return Subprotocol40
	default:
		return ""
	}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			part := trimSpace(s[start:i])
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// Shutdown waits for all in-flight connection handlers to return, bounded
// by ctx.
func (l *Listener) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
