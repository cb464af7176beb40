package cable

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Subscriptions routes client commands to the channels a connection is
// subscribed to. Commands are executed on the connection's executor, so
// callbacks for one connection never run concurrently.
type Subscriptions struct {
	conn *Connection

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
}

func newSubscriptions(conn *Connection) *Subscriptions {
	return &Subscriptions{
		conn:          conn,
		subscriptions: make(map[string]*Subscription),
	}
}

// Execute runs a decoded client command. Protocol and subscription errors
// are logged and swallowed; callback errors are returned to the worker pool.
func (s *Subscriptions) Execute(frame Frame) error {
	var err error
	switch frame.Command {
	case CommandSubscribe:
		err = s.Add(frame.Identifier)
	case CommandUnsubscribe:
		err = s.Remove(frame.Identifier)
	case CommandMessage:
		err = s.PerformAction(frame.Identifier, frame.Data)
	default:
		err = fmt.Errorf("%w: received unrecognized command %q", ErrProtocol, frame.Command)
	}

	if err == nil {
		return nil
	}

	var cbErr *CallbackError
	if errors.As(err, &cbErr) {
		return err
	}

	s.conn.Logger().Error("Could not execute command from client",
		"command", frame.Command, "identifier", frame.Identifier, "error", err)
	s.conn.server.hooks.error(s.conn.ID(), err, nil)
	return nil
}

// Add subscribes to the channel named in identifier. Subscribing twice with
// the same identifier is a no-op.
func (s *Subscriptions) Add(identifier string) error {
	params, err := DecodeIdentifier(identifier)
	if err != nil {
		return fmt.Errorf("%w: invalid identifier %q: %v", ErrSubscription, identifier, err)
	}

	s.mu.RLock()
	_, exists := s.subscriptions[identifier]
	s.mu.RUnlock()
	if exists {
		s.conn.Logger().Debug("Already subscribed", "identifier", identifier)
		return nil
	}

	name := params.String("channel")
	factory, ok := s.conn.server.channels.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: subscription class not found: %s", ErrSubscription, name)
	}

	sub := newSubscription(s.conn, identifier, params, factory())

	s.mu.Lock()
	s.subscriptions[identifier] = sub
	s.mu.Unlock()

	err = sub.subscribeToChannel()
	if sub.Rejected() {
		if rmErr := s.removeSubscription(sub); rmErr != nil {
			s.conn.Logger().Error("Failed to clean up rejected subscription", "identifier", identifier, "error", rmErr)
		}
		sub.transmitRejection()
	}
	return err
}

// Remove unsubscribes identifier. Unknown identifiers are ignored.
func (s *Subscriptions) Remove(identifier string) error {
	sub := s.Find(identifier)
	if sub == nil {
		s.conn.Logger().Debug("Unsubscribe for unknown identifier ignored", "identifier", identifier)
		return nil
	}

	s.conn.Logger().Info("Unsubscribing from channel", "identifier", identifier)
	return s.removeSubscription(sub)
}

func (s *Subscriptions) removeSubscription(sub *Subscription) error {
	err := sub.unsubscribeFromChannel()

	s.mu.Lock()
	if s.subscriptions[sub.identifier] == sub {
		delete(s.subscriptions, sub.identifier)
	}
	s.mu.Unlock()

	return err
}

// PerformAction decodes data and dispatches it to the subscription's channel.
func (s *Subscriptions) PerformAction(identifier, data string) error {
	sub := s.Find(identifier)
	if sub == nil {
		return fmt.Errorf("%w: unable to find subscription with identifier: %s", ErrSubscription, identifier)
	}

	var payload Data
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return fmt.Errorf("%w: invalid data for %s: %v", ErrProtocol, identifier, err)
	}
	if payload == nil {
		payload = Data{}
	}

	return sub.performAction(payload)
}

// UnsubscribeFromAll removes every subscription, leaving no stream
// registered with the pub/sub adapter.
func (s *Subscriptions) UnsubscribeFromAll() error {
	s.mu.RLock()
	subs := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := s.removeSubscription(sub); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Subscriptions) Find(identifier string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[identifier]
}

func (s *Subscriptions) Identifiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}
