package conn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenzoki/nt4broker/internal/wire"
)

// nopHandler satisfies Handler with methods that do nothing; these tests
// drive Connection's outbound path directly rather than through its read
// pump, so no inbound frame is ever dispatched to it.
type nopHandler struct{}

func (nopHandler) HandleControl(c *Connection, msgs []wire.ControlMessage) {}
func (nopHandler) HandleValueFrame(c *Connection, f wire.ValueFrame)       {}
func (nopHandler) HandleTimeSync(c *Connection, req wire.TimeSyncRequest)  {}
func (nopHandler) HandleClose(c *Connection)                              {}

func newTestConnPair(t *testing.T) (*Connection, *websocket.Conn) {
	t.Helper()

	serverWS := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverWS <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	clientWS, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientWS.Close() })

	ws := <-serverWS
	periodicFor := func(subuid int64) (float64, bool) { return 0.001, true }
	c := New("test-conn", ws, "4.1", nopHandler{}, periodicFor, nil)
	t.Cleanup(c.Close)

	return c, clientWS
}

func TestDeliverValueAllSendsImmediately(t *testing.T) {
	c, client := newTestConnPair(t)
	go c.writePump()

	c.DeliverValue(1, 1, true, 0, 1000, []byte("frame-1"), time.Now().UnixMicro())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "frame-1" {
		t.Fatalf("got %q, want frame-1", data)
	}
}

func TestDeliverValueCoalescesWithinPeriod(t *testing.T) {
	c, client := newTestConnPair(t)
	go c.writePump()

	now := time.Now().UnixMicro()
	c.DeliverValue(1, 1, false, 1000, 1000, []byte("first"), now)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if string(data) != "first" {
		t.Fatalf("got %q, want first", data)
	}

	// Immediately following sample, same huge period: must be stashed, not sent.
	c.DeliverValue(1, 1, false, 1000, 2000, []byte("second"), now+1)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected no frame to arrive before the period elapses")
	}
}

func TestSweepDueFlushesInAscendingTopicOrder(t *testing.T) {
	c, client := newTestConnPair(t)
	go c.writePump()

	now := time.Now().UnixMicro()
	// Prime both pairs so the first sample for each is "sent", then stash a
	// second sample that becomes due on the next sweep.
	c.DeliverValue(5, 1, false, 0.001, 1000, []byte("t5-a"), now)
	c.DeliverValue(2, 1, false, 0.001, 1000, []byte("t2-a"), now)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	client.ReadMessage()
	client.ReadMessage()

	c.DeliverValue(5, 1, false, 0.001, 2000, []byte("t5-b"), now+1)
	c.DeliverValue(2, 1, false, 0.001, 2000, []byte("t2-b"), now+1)

	c.sweepDue(now + 2_000_000)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read first sweep frame: %v", err)
	}
	_, second, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read second sweep frame: %v", err)
	}
	if string(first) != "t2-b" || string(second) != "t5-b" {
		t.Fatalf("got %q, %q; want ascending topic id order t2-b, t5-b", first, second)
	}
}
