package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torchlight-app/table-sync-go/internal/model"
	redisclient "github.com/torchlight-app/table-sync-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

// Event types on a campaign's broadcast feed.
const (
	TypeStateChanged        = "state_changed"
	TypeDisplayPaired       = "display_paired"
	TypeDisplayDisconnected = "display_disconnected"
	TypePresenceChanged     = "presence_changed"
	TypeConnected           = "connected"
)

// Event is one entry on a campaign's broadcast feed. State changes carry
// the (character, field group) key, the committed value, and the sequence
// minted at commit time; events for the same key are published in commit
// order.
type Event struct {
	Type        string           `json:"type"`
	CharacterID string           `json:"characterId,omitempty"`
	FieldGroup  model.FieldGroup `json:"fieldGroup,omitempty"`
	Value       json.RawMessage  `json:"value,omitempty"`
	Sequence    int64            `json:"sequence,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
}

// Publisher is the write side of the broadcast channel. Services hold
// this instead of the full broker.
type Publisher interface {
	Publish(ctx context.Context, campaignID string, event Event) error
}

type Client struct {
	CampaignID string
	Events     chan Event
	Done       chan struct{}
}

// campaignSub is one campaign's live subscription: the local client set
// plus the context driving its redis pubsub goroutine. Cancelling the
// context is what stops the goroutine, so a campaign whose last client
// leaves releases its redis subscription instead of leaking it.
type campaignSub struct {
	clients map[*Client]bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Broker fans one campaign's events out to every subscribed viewer.
// Cross-process delivery rides on redis pub/sub: one redis subscription
// per campaign with local listeners, re-broadcast to each client channel.
type Broker struct {
	redis  *redisclient.Client
	subs   map[string]*campaignSub // campaignID -> subscription
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Publisher = (*Broker)(nil)

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		subs:   make(map[string]*campaignSub),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(campaignID string) *Client {
	client := &Client{
		CampaignID: campaignID,
		Events:     make(chan Event, 100),
		Done:       make(chan struct{}),
	}

	b.mu.Lock()
	sub, ok := b.subs[campaignID]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		sub = &campaignSub{
			clients: make(map[*Client]bool),
			ctx:     ctx,
			cancel:  cancel,
		}
		b.subs[campaignID] = sub
		go b.subscribeToRedis(ctx, campaignID)
	}
	sub.clients[client] = true
	clientCount := len(sub.clients)
	b.mu.Unlock()

	log.Info().
		Str("campaignId", campaignID).
		Int("clientCount", clientCount).
		Msg("broadcast client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[client.CampaignID]
	if !ok || !sub.clients[client] {
		return
	}
	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		sub.cancel()
		delete(b.subs, client.CampaignID)
	}

	log.Info().
		Str("campaignId", client.CampaignID).
		Int("clientCount", len(sub.clients)).
		Msg("broadcast client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, campaignID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.CampaignChannel(campaignID)
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, campaignID string) {
	channel := redisclient.CampaignChannel(campaignID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("campaignId", campaignID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(campaignID, event)
		}
	}
}

func (b *Broker) broadcast(campaignID string, event Event) {
	b.mu.RLock()
	var clients []*Client
	if sub, ok := b.subs[campaignID]; ok {
		for client := range sub.clients {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("campaignId", campaignID).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	// cancelling the root context cancels every campaign subscription
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		for client := range sub.clients {
			close(client.Done)
		}
	}
	b.subs = make(map[string]*campaignSub)
}

func (b *Broker) ClientCount(campaignID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[campaignID]; ok {
		return len(sub.clients)
	}
	return 0
}
