package stream

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "fieldtrack:"
	channelSuffix = ":broadcast"
	redisPattern  = channelPrefix + "*" + channelSuffix
)

// Hub fans map updates out to websocket clients by topic. With redis, every
// instance relays what the others publish.
type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	origin  string
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	Topic string
	Send  chan []byte
}

type relayFrame struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[client.Topic]; ok {
		if _, ok := topicClients[client]; !ok {
			return
		}
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, client.Topic)
		}
		close(client.Send)
	}
}

// Clients returns how many websocket clients follow topic on this instance.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.deliver(topic, payload)

	if h.redis != nil {
		frame, _ := json.Marshal(relayFrame{Origin: h.origin, Payload: payload})
		err := h.redis.Publish(context.Background(), redisChannel(topic), frame).Err()
		if err != nil {
			log.Printf("redis publish error: %v", err)
		}
	}
}

// deliver drops the payload for clients whose buffer is full.
func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) Close() {
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
}

func (h *Hub) subscribeRedis() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := h.redis.PSubscribe(ctx, redisPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("redis subscribe error: %v", err)
		_ = pubsub.Close()
		return
	}
	h.pubsub = pubsub
	go h.relay(pubsub.Channel())
}

func (h *Hub) relay(ch <-chan *redis.Message) {
	for msg := range ch {
		topic := topicFromChannel(msg.Channel)
		if topic == "" {
			continue
		}
		var frame relayFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			log.Printf("redis relay: bad frame on %s: %v", msg.Channel, err)
			continue
		}
		if frame.Origin == h.origin {
			continue
		}
		h.deliver(topic, frame.Payload)
	}
}

func redisChannel(topic string) string {
	return channelPrefix + topic + channelSuffix
}

func topicFromChannel(ch string) string {
	// fieldtrack:{topic}:broadcast
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
