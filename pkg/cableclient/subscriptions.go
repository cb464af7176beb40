package cableclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Handlers are the callbacks of one subscription. Any may be nil.
type Handlers struct {
	Connected    func()
	Disconnected func(willAttemptReconnect bool)
	Rejected     func()
	Received     func(message json.RawMessage)
}

type Subscription struct {
	consumer   *Consumer
	identifier string
	handlers   Handlers
}

func (s *Subscription) Identifier() string {
	return s.identifier
}

// Perform invokes action on the server-side channel with data.
func (s *Subscription) Perform(action string, data map[string]any) error {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["action"] = action
	return s.Send(payload)
}

// Send transmits data as the payload of a message command.
func (s *Subscription) Send(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.consumer.send(command{Command: "message", Identifier: s.identifier, Data: string(encoded)})
}

func (s *Subscription) Unsubscribe() error {
	return s.consumer.Subscriptions.remove(s)
}

// Subscriptions are the client side subscriptions of a Consumer.
type Subscriptions struct {
	consumer  *Consumer
	guarantor *SubscriptionGuarantor

	mu   sync.Mutex
	subs []*Subscription
}

func newSubscriptions(c *Consumer, interval time.Duration) *Subscriptions {
	ss := &Subscriptions{consumer: c}
	ss.guarantor = newSubscriptionGuarantor(ss, interval)
	return ss
}

// Create subscribes to the channel named by params["channel"]. The JSON
// encoding of params is the identifier.
func (ss *Subscriptions) Create(params map[string]any, handlers Handlers) (*Subscription, error) {
	if name, _ := params["channel"].(string); name == "" {
		return nil, errors.New("cableclient: params must name a channel")
	}
	identifier, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cableclient: encode identifier: %w", err)
	}

	sub := &Subscription{consumer: ss.consumer, identifier: string(identifier), handlers: handlers}

	ss.mu.Lock()
	ss.subs = append(ss.subs, sub)
	ss.mu.Unlock()

	ss.subscribe(sub)
	return sub, nil
}

func (ss *Subscriptions) All() []*Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]*Subscription(nil), ss.subs...)
}

func (ss *Subscriptions) findAll(identifier string) []*Subscription {
	var matches []*Subscription
	for _, sub := range ss.All() {
		if sub.identifier == identifier {
			matches = append(matches, sub)
		}
	}
	return matches
}

// subscribe sends the command and keeps resending it until confirmed. With
// no open connection it waits for the next welcome.
func (ss *Subscriptions) subscribe(sub *Subscription) {
	if ss.sendCommand(sub, "subscribe") == nil {
		ss.guarantor.guarantee(sub)
	}
}

func (ss *Subscriptions) sendCommand(sub *Subscription, cmd string) error {
	return ss.consumer.send(command{Command: cmd, Identifier: sub.identifier})
}

func (ss *Subscriptions) forget(sub *Subscription) {
	ss.guarantor.forget(sub)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	for i, s := range ss.subs {
		if s == sub {
			ss.subs = append(ss.subs[:i], ss.subs[i+1:]...)
			return
		}
	}
}

// remove unsubscribes once no other subscription shares the identifier.
func (ss *Subscriptions) remove(sub *Subscription) error {
	ss.forget(sub)
	if len(ss.findAll(sub.identifier)) > 0 {
		return nil
	}
	err := ss.sendCommand(sub, "unsubscribe")
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (ss *Subscriptions) reload() {
	for _, sub := range ss.All() {
		ss.subscribe(sub)
	}
}

func (ss *Subscriptions) confirm(identifier string) {
	for _, sub := range ss.findAll(identifier) {
		ss.guarantor.forget(sub)
		if sub.handlers.Connected != nil {
			sub.handlers.Connected()
		}
	}
}

func (ss *Subscriptions) reject(identifier string) {
	for _, sub := range ss.findAll(identifier) {
		ss.forget(sub)
		if sub.handlers.Rejected != nil {
			sub.handlers.Rejected()
		}
	}
}

func (ss *Subscriptions) received(identifier string, msg json.RawMessage) {
	for _, sub := range ss.findAll(identifier) {
		if sub.handlers.Received != nil {
			sub.handlers.Received(msg)
		}
	}
}

func (ss *Subscriptions) disconnected(willAttemptReconnect bool) {
	for _, sub := range ss.All() {
		if sub.handlers.Disconnected != nil {
			sub.handlers.Disconnected(willAttemptReconnect)
		}
	}
}
