package router

import (
	"encoding/json"
	"sync"
	"time"
)

/*
Broker maintains a list of subscribers and fans JSON-encoded events out
to them. Slow subscribers drop frames rather than block the producer.
*/
type Broker struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	closed  bool
}

/*
NewBroker creates a new Broker.
*/
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan []byte]struct{})}
}

/*
Subscribe returns a channel of encoded events plus an unsubscribe
function.
*/
func (broker *Broker) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 8)

	broker.mu.Lock()
	if broker.closed {
		broker.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	broker.clients[ch] = struct{}{}
	broker.mu.Unlock()

	return ch, func() { broker.remove(ch) }
}

/*
Publish marshals v to JSON and sends it to all subscribers.
*/
func (broker *Broker) Publish(kind string, v any) error {
	msg, err := json.Marshal(map[string]any{
		"kind":      kind,
		"payload":   v,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	broker.mu.RLock()
	defer broker.mu.RUnlock()

	if broker.closed {
		return nil
	}

	for ch := range broker.clients {
		select {
		case ch <- msg:
		default:
			// slow client – drop message to avoid blocking.
		}
	}
	return nil
}

/*
Close disconnects all subscribers and prevents further subscriptions.
*/
func (broker *Broker) Close() {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	if broker.closed {
		return
	}
	broker.closed = true

	for ch := range broker.clients {
		close(ch)
	}
	broker.clients = map[chan []byte]struct{}{}
}

func (broker *Broker) remove(ch chan []byte) {
	broker.mu.Lock()

	if _, ok := broker.clients[ch]; ok {
		delete(broker.clients, ch)
		close(ch)
	}

	broker.mu.Unlock()
}
