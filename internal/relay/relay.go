// Package relay propagates committed snapshots between replicas that
// share a Redis backing store. Each replica publishes its own commits
// on one pub/sub channel and feeds commits from other replicas into its
// local hub, so an observer attached to any replica sees every commit.
package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mapserver/internal/models"
)

const channel = "map:events"

type envelope struct {
	InstanceID string          `json:"instance_id"`
	SessionID  string          `json:"session_id"`
	State      models.MapState `json:"state"`
}

// LocalHub is what the relay forwards foreign commits into.
type LocalHub interface {
	Publish(sessionID string, snap models.MapState)
}

type Relay struct {
	rdb        *redis.Client
	hub        LocalHub
	instanceID string
	log        *zap.Logger
	cancel     context.CancelFunc
}

func New(rdb *redis.Client, hub LocalHub, log *zap.Logger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.New().String(),
		log:        log,
		cancel:     cancel,
	}
	go r.run(ctx)
	return r
}

// Publish fans a locally committed snapshot out: to this replica's hub
// directly and to the other replicas over pub/sub. A pub/sub failure
// only costs remote observers one event; their hubs resynchronize at
// the next commit through the version-ordered delivery path.
func (r *Relay) Publish(sessionID string, snap models.MapState) {
	r.hub.Publish(sessionID, snap)

	payload, err := json.Marshal(envelope{
		InstanceID: r.instanceID,
		SessionID:  sessionID,
		State:      snap,
	})
	if err != nil {
		r.log.Error("marshal relay event", zap.Error(err))
		return
	}
	if err := r.rdb.Publish(context.Background(), channel, payload).Err(); err != nil {
		r.log.Warn("publish relay event", zap.String("session", sessionID), zap.Error(err))
	}
}

func (r *Relay) run(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	r.log.Info("relay subscribed", zap.String("channel", channel), zap.String("instance", r.instanceID))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev envelope
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("bad relay event", zap.Error(err))
				continue
			}
			if ev.InstanceID == r.instanceID {
				continue
			}
			r.hub.Publish(ev.SessionID, ev.State)
		}
	}
}

func (r *Relay) Stop() { r.cancel() }

// InstanceID identifies this replica on the relay channel.
func (r *Relay) InstanceID() string { return r.instanceID }
