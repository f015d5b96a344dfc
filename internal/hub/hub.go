// Package hub fans committed snapshots out to the observers of each
// session. Every subscriber owns one bounded queue; a subscriber whose
// queue is full when a snapshot arrives is force-disconnected rather
// than silently skipped, so an observer never misses a snapshot without
// knowing its stream broke.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mapserver/internal/metrics"
	"mapserver/internal/models"
)

const (
	// DefaultQueueSize is the per-subscriber snapshot buffer.
	DefaultQueueSize = 64

	// maxPending bounds the reorder buffer. Commits publish
	// concurrently (and relayed commits from other replicas arrive on
	// their own schedule), so snapshots can reach the hub out of
	// version order; they are held until the gap closes. A gap that
	// never closes means a publish was lost, and once the buffer fills
	// delivery resumes from the lowest held version.
	maxPending = 16
)

// Subscriber is one observer's registration: a session id, a bounded
// snapshot queue and a liveness timestamp maintained by the transport.
type Subscriber struct {
	sessionID  string
	ch         chan models.MapState
	hub        *Hub
	lastActive atomic.Int64
	closed     bool  // guarded by hub.mu
	seenUpTo   int64 // guarded by hub.mu; versions at or below this were already queued
}

// C is the subscriber's snapshot queue. The hub closes it when the
// subscriber is dropped, at which point the observer's stream is over.
func (s *Subscriber) C() <-chan models.MapState { return s.ch }

func (s *Subscriber) SessionID() string { return s.sessionID }

// Touch records transport activity (a delivered event or heartbeat).
// Subscribers that are not touched within the hub's stale window are
// presumed dead and reaped.
func (s *Subscriber) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Subscriber) Close() { s.hub.Unsubscribe(s) }

type sessionSubs struct {
	subs        map[*Subscriber]struct{}
	seeded      bool
	lastVersion int64
	latest      models.MapState
	pending     map[int64]models.MapState
}

type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionSubs

	queueSize  int
	staleAfter time.Duration
	log        *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHub creates the hub and starts its reaper when staleAfter > 0.
func NewHub(queueSize int, staleAfter time.Duration, log *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{
		sessions:   make(map[string]*sessionSubs),
		queueSize:  queueSize,
		staleAfter: staleAfter,
		log:        log,
		stop:       make(chan struct{}),
	}
	if staleAfter > 0 {
		go h.reapLoop()
	}
	return h
}

func (h *Hub) session(sessionID string) *sessionSubs {
	ss, ok := h.sessions[sessionID]
	if !ok {
		ss = &sessionSubs{
			subs:    make(map[*Subscriber]struct{}),
			pending: make(map[int64]models.MapState),
		}
		h.sessions[sessionID] = ss
	}
	return ss
}

// Subscribe registers a new observer and immediately queues the current
// snapshot so a late joiner is not blind until the next mutation. When
// the hub has already fanned out a newer snapshot than the one the
// caller read, the newer one is queued instead.
func (h *Hub) Subscribe(sessionID string, current models.MapState) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan models.MapState, h.queueSize),
		hub:       h,
	}
	sub.Touch()

	h.mu.Lock()
	ss := h.session(sessionID)
	if !ss.seeded {
		ss.seeded = true
		ss.lastVersion = current.Version
		ss.latest = current
	}
	first := current
	if ss.lastVersion > current.Version && ss.latest.Version == ss.lastVersion {
		first = ss.latest
	}
	ss.subs[sub] = struct{}{}
	// The joiner may have read its snapshot from the store after a
	// commit that the hub has not fanned out yet. Recording the queued
	// version lets Publish skip re-delivering it to this subscriber.
	sub.seenUpTo = first.Version
	sub.ch <- first
	h.mu.Unlock()

	metrics.SubscriberJoined()
	return sub
}

// Unsubscribe removes the observer and closes its queue. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(sub *Subscriber) {
	ss, ok := h.sessions[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := ss.subs[sub]; !ok {
		return
	}
	delete(ss.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	metrics.SubscriberLeft()
}

// Publish fans a committed snapshot out to every subscriber of the
// session. Delivery is strictly version-ordered: an early-arriving
// later snapshot waits in the reorder buffer until its predecessors
// have gone out, so no subscriber ever observes commits out of order.
func (h *Hub) Publish(sessionID string, snap models.MapState) {
	h.mu.Lock()
	ss := h.session(sessionID)
	if !ss.seeded {
		ss.seeded = true
		ss.lastVersion = snap.Version - 1
	}
	if snap.Version <= ss.lastVersion {
		// duplicate or already superseded (e.g. replayed relay event)
		h.mu.Unlock()
		return
	}
	ss.pending[snap.Version] = snap

	var deliver []models.MapState
	for {
		if next, ok := ss.pending[ss.lastVersion+1]; ok {
			delete(ss.pending, ss.lastVersion+1)
			ss.lastVersion++
			deliver = append(deliver, next)
			continue
		}
		if len(ss.pending) >= maxPending {
			// a predecessor never arrived; resume from the lowest held
			// version rather than stalling the session forever
			low := int64(0)
			for v := range ss.pending {
				if low == 0 || v < low {
					low = v
				}
			}
			h.log.Warn("snapshot gap detected, resuming delivery",
				zap.String("session", sessionID),
				zap.Int64("expected", ss.lastVersion+1),
				zap.Int64("resuming_at", low))
			ss.lastVersion = low - 1
			continue
		}
		break
	}

	var dead []*Subscriber
	for _, s := range deliver {
		ss.latest = s
		for sub := range ss.subs {
			if sub.closed || s.Version <= sub.seenUpTo {
				continue
			}
			select {
			case sub.ch <- s:
			default:
				// queue saturated: drop the subscriber, never the snapshot
				dead = append(dead, sub)
				sub.closed = true
				close(sub.ch)
			}
		}
		for _, sub := range dead {
			delete(ss.subs, sub)
		}
		metrics.SnapshotPublished()
	}
	h.mu.Unlock()

	for range dead {
		metrics.SubscriberLeft()
		metrics.SubscriberOverflowed()
	}
	if len(dead) > 0 {
		h.log.Warn("dropped slow subscribers",
			zap.String("session", sessionID),
			zap.Int("count", len(dead)))
	}
}

// Subscribers reports how many observers a session currently has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ss, ok := h.sessions[sessionID]; ok {
		return len(ss.subs)
	}
	return 0
}

func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.staleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

// reapStale drops subscribers whose transport has gone silent and
// forgets sessions that no longer have observers.
func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-h.staleAfter).UnixNano()

	h.mu.Lock()
	reaped := 0
	for id, ss := range h.sessions {
		for sub := range ss.subs {
			if sub.lastActive.Load() < cutoff {
				delete(ss.subs, sub)
				if !sub.closed {
					sub.closed = true
					close(sub.ch)
				}
				reaped++
				metrics.SubscriberLeft()
			}
		}
		if len(ss.subs) == 0 {
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	if reaped > 0 {
		h.log.Info("reaped stale subscribers", zap.Int("count", reaped))
	}
}

// Stop shuts the hub down and closes every subscriber queue.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	for id, ss := range h.sessions {
		for sub := range ss.subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			metrics.SubscriberLeft()
		}
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}
