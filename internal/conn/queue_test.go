package conn

import (
	"testing"
	"time"
)

func TestOutboundQueueFIFO(t *testing.T) {
	q := newOutboundQueue(4)

	for i := 0; i < 3; i++ {
		if ok := q.enqueue(queuedFrame{data: []byte{byte(i)}, coalescable: false}); !ok {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	for i := 0; i < 3; i++ {
		f, ok := q.dequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue closed unexpectedly", i)
		}
		if f.data[0] != byte(i) {
			t.Errorf("dequeue %d: got %d, want %d", i, f.data[0], i)
		}
	}
}

func TestOutboundQueueDropsOldestCoalescableOnOverflow(t *testing.T) {
	q := newOutboundQueue(2)

	if ok := q.enqueue(queuedFrame{data: []byte("old"), coalescable: true}); !ok {
		t.Fatal("enqueue old failed")
	}
	if ok := q.enqueue(queuedFrame{data: []byte("control"), coalescable: false}); !ok {
		t.Fatal("enqueue control failed")
	}
	// Queue is full; a new coalescable frame must evict "old".
	if ok := q.enqueue(queuedFrame{data: []byte("new"), coalescable: true}); !ok {
		t.Fatal("enqueue new failed")
	}

	f, ok := q.dequeue()
	if !ok || string(f.data) != "control" {
		t.Fatalf("got %q, want control (old should have been evicted)", f.data)
	}
	f, ok = q.dequeue()
	if !ok || string(f.data) != "new" {
		t.Fatalf("got %q, want new", f.data)
	}
}

func TestOutboundQueueMandatoryFrameFailsWhenFullOfMandatoryFrames(t *testing.T) {
	q := newOutboundQueue(1)

	if ok := q.enqueue(queuedFrame{data: []byte("control-1"), coalescable: false}); !ok {
		t.Fatal("enqueue control-1 failed")
	}
	if ok := q.enqueue(queuedFrame{data: []byte("control-2"), coalescable: false}); ok {
		t.Fatal("expected enqueue to fail: no coalescable frame to evict")
	}
}

func TestOutboundQueueDropsDroppableFrameWhenNothingToEvict(t *testing.T) {
	q := newOutboundQueue(1)
	q.enqueue(queuedFrame{data: []byte("control"), coalescable: false})

	ok := q.enqueue(queuedFrame{data: []byte("value"), coalescable: true})
	if !ok {
		t.Fatal("a droppable frame must never force the connection closed")
	}

	f, _ := q.dequeue()
	if string(f.data) != "control" {
		t.Fatalf("the pre-existing control frame should remain, got %q", f.data)
	}
}

func TestOutboundQueueCloseUnblocksDequeue(t *testing.T) {
	q := newOutboundQueue(4)

	done := make(chan struct{})
	go func() {
		_, ok := q.dequeue()
		if ok {
			t.Error("expected dequeue to report closed")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock after close")
	}
}
