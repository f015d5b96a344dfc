package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapserver/internal/models"
)

func snapshotAt(version int64) models.MapState {
	s := models.DefaultState()
	s.Version = version
	return s
}

func recvOne(t *testing.T, sub *Subscriber) models.MapState {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return models.MapState{}
	}
}

func TestSubscribeDeliversCurrentSnapshot(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	sub := h.Subscribe("s1", snapshotAt(3))
	defer sub.Close()

	got := recvOne(t, sub)
	assert.Equal(t, int64(3), got.Version)
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	sub := h.Subscribe("s1", snapshotAt(0))
	defer sub.Close()
	assert.Equal(t, int64(0), recvOne(t, sub).Version)

	h.Publish("s1", snapshotAt(1))
	h.Publish("s1", snapshotAt(2))
	h.Publish("s1", snapshotAt(3))

	assert.Equal(t, int64(1), recvOne(t, sub).Version)
	assert.Equal(t, int64(2), recvOne(t, sub).Version)
	assert.Equal(t, int64(3), recvOne(t, sub).Version)
}

func TestPublishReordersEarlyArrivals(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	sub := h.Subscribe("s1", snapshotAt(0))
	defer sub.Close()
	recvOne(t, sub)

	// commit 2 reaches the hub before commit 1
	h.Publish("s1", snapshotAt(2))
	h.Publish("s1", snapshotAt(1))

	assert.Equal(t, int64(1), recvOne(t, sub).Version)
	assert.Equal(t, int64(2), recvOne(t, sub).Version)
}

func TestPublishDropsDuplicates(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	sub := h.Subscribe("s1", snapshotAt(0))
	defer sub.Close()
	recvOne(t, sub)

	h.Publish("s1", snapshotAt(1))
	h.Publish("s1", snapshotAt(1))
	h.Publish("s1", snapshotAt(2))

	assert.Equal(t, int64(1), recvOne(t, sub).Version)
	assert.Equal(t, int64(2), recvOne(t, sub).Version)
	select {
	case s, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected extra snapshot v%d", s.Version)
		}
	default:
	}
}

func TestSlowSubscriberIsDisconnectedNotSkipped(t *testing.T) {
	h := NewHub(1, 0, zap.NewNop())
	defer h.Stop()

	slow := h.Subscribe("s1", snapshotAt(0))
	// never drained: initial snapshot fills the 1-slot queue

	h.Publish("s1", snapshotAt(1)) // overflows, slow gets dropped

	// the channel must be closed so the observer knows its stream broke
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.C():
			if !ok {
				assert.Equal(t, 0, h.Subscribers("s1"))
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel was never closed")
		}
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	h := NewHub(1, 0, zap.NewNop())
	defer h.Stop()

	slow := h.Subscribe("s1", snapshotAt(0))
	_ = slow // never drained
	fast := h.Subscribe("s1", snapshotAt(0))
	defer fast.Close()
	recvOne(t, fast)

	h.Publish("s1", snapshotAt(1))
	assert.Equal(t, int64(1), recvOne(t, fast).Version)
}

func TestSessionsAreIndependent(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	s1 := h.Subscribe("s1", snapshotAt(0))
	defer s1.Close()
	s2 := h.Subscribe("s2", snapshotAt(0))
	defer s2.Close()
	recvOne(t, s1)
	recvOne(t, s2)

	h.Publish("s1", snapshotAt(1))

	assert.Equal(t, int64(1), recvOne(t, s1).Version)
	select {
	case s := <-s2.C():
		t.Fatalf("session s2 received foreign snapshot v%d", s.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateJoinerGetsNewestKnownSnapshot(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	first := h.Subscribe("s1", snapshotAt(0))
	defer first.Close()
	recvOne(t, first)
	h.Publish("s1", snapshotAt(1))
	recvOne(t, first)

	// joiner read v0 from the store before the hub fanned out v1
	late := h.Subscribe("s1", snapshotAt(0))
	defer late.Close()
	assert.Equal(t, int64(1), recvOne(t, late).Version)
}

func TestJoinerAheadOfHubIsNotSentDuplicate(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	first := h.Subscribe("s1", snapshotAt(5))
	defer first.Close()
	assert.Equal(t, int64(5), recvOne(t, first).Version)

	// joiner read v6 from the store before the hub fanned out v6
	late := h.Subscribe("s1", snapshotAt(6))
	defer late.Close()
	assert.Equal(t, int64(6), recvOne(t, late).Version)

	h.Publish("s1", snapshotAt(6))
	assert.Equal(t, int64(6), recvOne(t, first).Version)

	select {
	case s, ok := <-late.C():
		if ok {
			t.Fatalf("joiner received v%d twice", s.Version)
		}
		t.Fatal("joiner channel closed unexpectedly")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()

	sub := h.Subscribe("s1", snapshotAt(0))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers("s1"))
}

func TestReapStaleSubscribers(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())
	defer h.Stop()
	h.staleAfter = 10 * time.Millisecond

	sub := h.Subscribe("s1", snapshotAt(0))
	sub.lastActive.Store(time.Now().Add(-time.Minute).UnixNano())

	h.reapStale()
	assert.Equal(t, 0, h.Subscribers("s1"))

	_, ok := <-sub.C()
	_, ok = <-sub.C() // drain initial snapshot, then observe close
	assert.False(t, ok)
}

func TestStopClosesAllSubscribers(t *testing.T) {
	h := NewHub(8, 0, zap.NewNop())

	sub := h.Subscribe("s1", snapshotAt(0))
	recvOne(t, sub)
	h.Stop()

	_, ok := <-sub.C()
	assert.False(t, ok)
}
