package cableclient

import (
	"sync"
	"time"
)

// SubscriptionGuarantor resends subscribe commands until the server confirms
// or rejects them.
type SubscriptionGuarantor struct {
	subscriptions *Subscriptions
	interval      time.Duration

	mu      sync.Mutex
	pending []*Subscription
	stop    chan struct{}
}

func newSubscriptionGuarantor(ss *Subscriptions, interval time.Duration) *SubscriptionGuarantor {
	return &SubscriptionGuarantor{subscriptions: ss, interval: interval}
}

func (g *SubscriptionGuarantor) guarantee(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.pending {
		if s == sub {
			return
		}
	}
	g.pending = append(g.pending, sub)

	if g.stop == nil {
		g.stop = make(chan struct{})
		go g.retry(g.stop)
	}
}

func (g *SubscriptionGuarantor) forget(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, s := range g.pending {
		if s == sub {
			g.pending = append(g.pending[:i], g.pending[i+1:]...)
			break
		}
	}
	if len(g.pending) == 0 && g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
}

// Pending lists the subscriptions still awaiting confirmation.
func (g *SubscriptionGuarantor) Pending() []*Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Subscription(nil), g.pending...)
}

func (g *SubscriptionGuarantor) retry(stop chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, sub := range g.Pending() {
				_ = g.subscriptions.sendCommand(sub, "subscribe")
			}
		}
	}
}
