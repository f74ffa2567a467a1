// Package ingest keeps the push-channel connection to the field-operations
// backend and hands every application event to a Handler.
package ingest

import (
	"context"
	"encoding/json"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
)

var allStates = []string{string(StateDisconnected), string(StateConnecting), string(StateSubscribed)}

// Message is the push-channel envelope. Data is either a JSON object or a
// JSON string holding one.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Conn interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

// Source opens authenticated push-channel connections.
type Source interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

type Handler interface {
	HandleMessage(channel, event string, payload []byte)
}

type HandlerFunc func(channel, event string, payload []byte)

func (f HandlerFunc) HandleMessage(channel, event string, payload []byte) {
	f(channel, event, payload)
}

const (
	eventSubscribe   = "pusher:subscribe"
	eventUnsubscribe = "pusher:unsubscribe"
	eventPing        = "pusher:ping"
	eventPong        = "pusher:pong"
	eventError       = "pusher:error"
)

func channelMessage(event, channel string) Message {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return Message{Event: event, Data: data}
}

// payloadOf returns the event body as raw JSON, unquoting string-encoded data.
func payloadOf(data json.RawMessage) []byte {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}
