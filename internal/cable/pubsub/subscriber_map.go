package pubsub

import (
	"sort"
	"sync"
)

// ChannelHooks let an adapter react to the first subscriber joining a channel
// and the last one leaving it.
type ChannelHooks struct {
	AddChannel    func(channel string, onSuccess func()) error
	RemoveChannel func(channel string) error
	Invoke        func(subscriber *Subscriber, message []byte)
}

// SubscriberMap tracks local subscribers per channel.
type SubscriberMap struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscriber
	hooks       ChannelHooks
}

func NewSubscriberMap(hooks ChannelHooks) *SubscriberMap {
	if hooks.AddChannel == nil {
		hooks.AddChannel = func(_ string, onSuccess func()) error {
			if onSuccess != nil {
				onSuccess()
			}
			return nil
		}
	}
	if hooks.RemoveChannel == nil {
		hooks.RemoveChannel = func(string) error { return nil }
	}
	if hooks.Invoke == nil {
		hooks.Invoke = func(s *Subscriber, message []byte) { s.Deliver(message) }
	}

	return &SubscriberMap{
		subscribers: make(map[string][]*Subscriber),
		hooks:       hooks,
	}
}

func (m *SubscriberMap) Add(channel string, subscriber *Subscriber, onSuccess func()) error {
	m.mu.Lock()
	subs, exists := m.subscribers[channel]
	m.subscribers[channel] = append(subs, subscriber)

	if !exists {
		err := m.hooks.AddChannel(channel, onSuccess)
		if err != nil {
			delete(m.subscribers, channel)
		}
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if onSuccess != nil {
		onSuccess()
	}
	return nil
}

func (m *SubscriberMap) Remove(channel string, subscriber *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[channel]
	if !ok {
		return nil
	}

	kept := subs[:0]
	for _, s := range subs {
		if s != subscriber {
			kept = append(kept, s)
		}
	}

	if len(kept) > 0 {
		m.subscribers[channel] = kept
		return nil
	}

	delete(m.subscribers, channel)
	return m.hooks.RemoveChannel(channel)
}

// Broadcast delivers message to every local subscriber of channel and
// returns how many there were.
func (m *SubscriberMap) Broadcast(channel string, message []byte) int {
	m.mu.Lock()
	subs := append([]*Subscriber(nil), m.subscribers[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		m.hooks.Invoke(s, message)
	}
	return len(subs)
}

func (m *SubscriberMap) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := make([]string, 0, len(m.subscribers))
	for channel := range m.subscribers {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func (m *SubscriberMap) Count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers[channel])
}

// Size is the total number of registrations across all channels.
func (m *SubscriberMap) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, subs := range m.subscribers {
		n += len(subs)
	}
	return n
}
