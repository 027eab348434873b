package listener_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tenzoki/nt4broker/internal/broker"
	"github.com/tenzoki/nt4broker/internal/listener"
	"github.com/tenzoki/nt4broker/internal/value"
	"github.com/tenzoki/nt4broker/internal/wire"
	"github.com/tenzoki/nt4broker/public/ntclient"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	b := broker.New(nil)
	l := listener.New(b, nil, false)
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *ntclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := ntclient.Dial(ctx, url, false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForValue(t *testing.T, sub *ntclient.Subscription) ntclient.ValueUpdate {
	t.Helper()
	select {
	case u := <-sub.Values():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		return ntclient.ValueUpdate{}
	}
}

// TestPublishSubscribeHappyPath covers the core E1 scenario: a publisher's
// value reaches a subscriber on a matching exact topic name.
func TestPublishSubscribeHappyPath(t *testing.T) {
	url := newTestServer(t)

	pubConn := dial(t, url)
	subConn := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pub, err := pubConn.Publish(ctx, "/sensors/temp", "double", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := subConn.Subscribe([]string{"/sensors/temp"}, wire.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the broker a moment to fan out the announce before publishing a value.
	time.Sleep(100 * time.Millisecond)

	if err := pub.SetValue(value.Value{Kind: value.KindFloat64, Float64: 21.5}, time.Now().UnixMicro()); err != nil {
		t.Fatalf("setvalue: %v", err)
	}

	update := waitForValue(t, sub)
	if update.Name != "/sensors/temp" {
		t.Fatalf("got topic %q, want /sensors/temp", update.Name)
	}
	if update.Value.Float64 != 21.5 {
		t.Fatalf("got value %v, want 21.5", update.Value.Float64)
	}
}

// TestSubscribeReplaysRetainedValue covers E2: a subscriber that joins after
// a value has already been published receives the retained value on subscribe.
func TestSubscribeReplaysRetainedValue(t *testing.T) {
	url := newTestServer(t)

	pubConn := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pub, err := pubConn.Publish(ctx, "/sensors/temp", "double", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.SetValue(value.Value{Kind: value.KindFloat64, Float64: 99}, time.Now().UnixMicro()); err != nil {
		t.Fatalf("setvalue: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	subConn := dial(t, url)
	sub, err := subConn.Subscribe([]string{"/sensors/"}, wire.SubscribeOptions{Prefix: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	update := waitForValue(t, sub)
	if update.Name != "/sensors/temp" || update.Value.Float64 != 99 {
		t.Fatalf("got %+v, want retained /sensors/temp=99", update)
	}
}

// TestEchoSuppressedUnlessAll covers echo suppression: the publishing
// connection's own subscription on the same topic does not see its own
// value unless it asked for all=true.
func TestEchoSuppressedUnlessAll(t *testing.T) {
	url := newTestServer(t)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pub, err := c.Publish(ctx, "/echo", "double", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub, err := c.Subscribe([]string{"/echo"}, wire.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.SetValue(value.Value{Kind: value.KindFloat64, Float64: 1}, time.Now().UnixMicro()); err != nil {
		t.Fatalf("setvalue: %v", err)
	}

	select {
	case u := <-sub.Values():
		t.Fatalf("expected no echoed value, got %+v", u)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestUnpublishRemovesTopicWhenOrphaned covers E4: unpublishing the last
// publisher of a topic removes it (observed here indirectly: republishing
// the same name creates a fresh topic with a new id).
func TestUnpublishRemovesTopicWhenOrphaned(t *testing.T) {
	url := newTestServer(t)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pub, err := c.Publish(ctx, "/transient", "double", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Unpublish(); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	pub2, err := c.Publish(ctx, "/transient", "double", nil)
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if pub2.TopicID() == pub.TopicID() {
		t.Fatalf("expected a fresh topic id after unpublish and republish, got the same id %d", pub.TopicID())
	}
}

// TestTimeSyncRoundTrip covers E6: a client's time-sync request gets a
// stateless reply echoing its own fields plus a server timestamp.
func TestTimeSyncRoundTrip(t *testing.T) {
	url := newTestServer(t)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.TimeSync(ctx, 3, 7)
	if err != nil {
		t.Fatalf("timesync: %v", err)
	}
	if resp.ClientIndex != 3 || resp.Seq != 7 {
		t.Fatalf("got %+v, want echoed client_index=3 seq=7", resp)
	}
	if resp.ServerTimeUS <= 0 {
		t.Fatalf("expected a positive server timestamp, got %d", resp.ServerTimeUS)
	}
}
