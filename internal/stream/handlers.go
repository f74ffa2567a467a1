package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// PrimeFunc renders the current state of a topic for a freshly connected client.
type PrimeFunc func(topic string) ([]byte, bool)

func RegisterRoutes(r fiber.Router, hub *Hub, topics []string, prime PrimeFunc) {
	allowed := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		allowed[t] = struct{}{}
	}

	guard := func(c *fiber.Ctx) error {
		if _, ok := allowed[c.Params("topic")]; !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown topic")
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}

	r.Get("/ws/:topic", guard, websocket.New(func(c *websocket.Conn) {
		topic := c.Params("topic")
		client := hub.Register(topic)
		defer hub.Unregister(client)

		if prime != nil {
			if msg, ok := prime(topic); ok {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}

		quit := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case msg, ok := <-client.Send:
					if !ok {
						return
					}
					if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				case <-quit:
					return
				}
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		close(quit)
		<-done
	}))
}
