package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cable-service/internal/cable/pubsub"

	"github.com/hashicorp/go-multierror"
)

// StreamCallback handles a broadcast received on a stream.
type StreamCallback func(sub *Subscription, message []byte) error

type streamOptions struct {
	callback StreamCallback
}

type StreamOption func(*streamOptions)

// WithCallback replaces the default handler, which transmits every broadcast
// to the client unchanged.
func WithCallback(cb StreamCallback) StreamOption {
	return func(o *streamOptions) { o.callback = cb }
}

// PeriodicFunc runs on the connection's executor at a fixed interval.
type PeriodicFunc func(sub *Subscription) error

type periodicTimer struct {
	every time.Duration
	fn    PeriodicFunc
}

// Subscription binds one Channel instance to one identifier on a connection.
type Subscription struct {
	identifier  string
	params      Params
	channelName string
	channel     Channel
	conn        *Connection
	logger      *slog.Logger

	mu           sync.Mutex
	streams      map[string][]*pubsub.Subscriber
	periodic     []periodicTimer
	stopTimers   chan struct{}
	deferred     int
	confirmed    bool
	rejected     bool
	unsubscribed bool
}

func newSubscription(conn *Connection, identifier string, params Params, channel Channel) *Subscription {
	name := params.String("channel")
	return &Subscription{
		identifier:  identifier,
		params:      params,
		channelName: name,
		channel:     channel,
		conn:        conn,
		logger:      conn.Logger().With("channel", name),
		streams:     make(map[string][]*pubsub.Subscriber),
		stopTimers:  make(chan struct{}),
		deferred:    1,
	}
}

func (s *Subscription) Identifier() string { return s.identifier }

// Params are the decoded identifier, including "channel".
func (s *Subscription) Params() Params { return s.params }

func (s *Subscription) Connection() *Connection { return s.conn }

// ChannelName is the registered name, e.g. "ChatChannel".
func (s *Subscription) ChannelName() string { return s.channelName }

func (s *Subscription) Logger() *slog.Logger { return s.logger }

// Transmit sends data to this subscription's client. It returns false when
// the connection can no longer send.
func (s *Subscription) Transmit(data any) bool {
	s.mu.Lock()
	gone := s.unsubscribed
	s.mu.Unlock()
	if gone {
		return false
	}

	s.conn.server.hooks.instrument(Event{
		Name:       EventTransmit,
		Channel:    s.channelName,
		Connection: s.conn.ID(),
	})
	return s.conn.Transmit(Message{Identifier: s.identifier, Message: data})
}

// Reject marks the subscription as rejected. It is removed and the client
// told once the Subscribed callback returns.
func (s *Subscription) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = true
}

func (s *Subscription) Rejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// DeferConfirmation holds back confirm_subscription until ConfirmDeferred is
// called.
func (s *Subscription) DeferConfirmation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred++
}

func (s *Subscription) ConfirmDeferred() {
	s.mu.Lock()
	if s.deferred > 0 {
		s.deferred--
	}
	s.mu.Unlock()
	s.ensureConfirmationSent()
}

func (s *Subscription) Confirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// StreamFrom starts delivering broadcasts on broadcasting to this
// subscription. Confirmation waits until the adapter has confirmed the stream.
func (s *Subscription) StreamFrom(broadcasting string, opts ...StreamOption) error {
	o := streamOptions{callback: defaultStreamCallback}
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.deferred++
	s.mu.Unlock()

	executor := s.conn.executor
	subscriber := pubsub.NewSubscriber(func(message []byte) {
		executor.Post(func() error {
			return s.deliver(broadcasting, o.callback, message)
		})
	})

	s.mu.Lock()
	s.streams[broadcasting] = append(s.streams[broadcasting], subscriber)
	s.mu.Unlock()

	s.logger.Info(s.channelName+" is streaming from "+broadcasting, "broadcasting", broadcasting)

	err := s.conn.server.adapter.Subscribe(s.conn.ctx, broadcasting, subscriber, func() {
		executor.Post(func() error {
			s.ConfirmDeferred()
			return nil
		})
	})
	if err != nil {
		s.mu.Lock()
		s.removeStream(broadcasting, subscriber)
		s.deferred--
		s.mu.Unlock()
		return fmt.Errorf("%w: subscribe %s: %w", ErrBus, broadcasting, err)
	}
	return nil
}

// StreamFor streams from the broadcasting of model within this channel.
func (s *Subscription) StreamFor(model any, opts ...StreamOption) error {
	return s.StreamFrom(BroadcastingFor(ChannelName(s.channelName), model), opts...)
}

func (s *Subscription) StopStreamFrom(broadcasting string) error {
	s.mu.Lock()
	subscribers := s.streams[broadcasting]
	delete(s.streams, broadcasting)
	s.mu.Unlock()

	var result *multierror.Error
	for _, subscriber := range subscribers {
		if err := s.conn.server.adapter.Unsubscribe(context.Background(), broadcasting, subscriber); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(subscribers) > 0 {
		s.logger.Info(s.channelName+" stopped streaming from "+broadcasting, "broadcasting", broadcasting)
	}
	return result.ErrorOrNil()
}

func (s *Subscription) StopAllStreams() error {
	s.mu.Lock()
	broadcastings := make([]string, 0, len(s.streams))
	for b := range s.streams {
		broadcastings = append(broadcastings, b)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, b := range broadcastings {
		if err := s.StopStreamFrom(b); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Streams lists the broadcastings this subscription listens to.
func (s *Subscription) Streams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := make([]string, 0, len(s.streams))
	for b := range s.streams {
		streams = append(streams, b)
	}
	return streams
}

// Periodically registers fn to run every interval once the subscription is
// established. Timers stop when the subscription is removed.
func (s *Subscription) Periodically(every time.Duration, fn PeriodicFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodic = append(s.periodic, periodicTimer{every: every, fn: fn})
}

func (s *Subscription) removeStream(broadcasting string, subscriber *pubsub.Subscriber) {
	subs := s.streams[broadcasting]
	for i, sub := range subs {
		if sub == subscriber {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.streams, broadcasting)
		return
	}
	s.streams[broadcasting] = subs
}

func (s *Subscription) deliver(broadcasting string, cb StreamCallback, message []byte) error {
	s.mu.Lock()
	gone := s.unsubscribed
	s.mu.Unlock()
	if gone {
		return nil
	}

	if err := cb(s, message); err != nil {
		return &CallbackError{Callback: CallbackStream, Channel: s.channelName, Action: broadcasting, Err: err}
	}
	return nil
}

func defaultStreamCallback(sub *Subscription, message []byte) error {
	if json.Valid(message) {
		sub.Transmit(json.RawMessage(message))
	} else {
		sub.Transmit(string(message))
	}
	return nil
}

func (s *Subscription) subscribeToChannel() error {
	err := s.channel.Subscribed(s)
	if err != nil {
		s.Reject()
	}

	if s.Rejected() {
		s.logger.Info(s.channelName + " is transmitting the subscription rejection")
		if err != nil {
			return &CallbackError{Callback: CallbackSubscribed, Channel: s.channelName, Err: err}
		}
		return nil
	}

	s.startPeriodicTimers()
	s.ConfirmDeferred()
	return nil
}

func (s *Subscription) ensureConfirmationSent() {
	s.mu.Lock()
	if s.deferred > 0 || s.confirmed || s.rejected || s.unsubscribed {
		s.mu.Unlock()
		return
	}
	s.confirmed = true
	s.mu.Unlock()

	s.logger.Info(s.channelName + " is transmitting the subscription confirmation")
	s.conn.server.hooks.instrument(Event{
		Name:       EventConfirmSubscription,
		Channel:    s.channelName,
		Connection: s.conn.ID(),
	})
	s.conn.Transmit(ConfirmationMessage(s.identifier))
}

func (s *Subscription) transmitRejection() {
	s.conn.server.hooks.instrument(Event{
		Name:       EventRejectSubscription,
		Channel:    s.channelName,
		Connection: s.conn.ID(),
	})
	s.conn.Transmit(RejectionMessage(s.identifier))
}

func (s *Subscription) startPeriodicTimers() {
	s.mu.Lock()
	timers := append([]periodicTimer(nil), s.periodic...)
	s.mu.Unlock()

	for _, t := range timers {
		go s.runTimer(t)
	}
}

func (s *Subscription) runTimer(t periodicTimer) {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.conn.executor.Post(func() error {
				s.mu.Lock()
				gone := s.unsubscribed
				s.mu.Unlock()
				if gone {
					return nil
				}
				if err := t.fn(s); err != nil {
					return &CallbackError{Callback: CallbackPeriodic, Channel: s.channelName, Err: err}
				}
				return nil
			})
		case <-s.stopTimers:
			return
		case <-s.conn.ctx.Done():
			return
		}
	}
}

func (s *Subscription) unsubscribeFromChannel() error {
	s.mu.Lock()
	if s.unsubscribed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var result *multierror.Error
	if err := s.channel.Unsubscribed(s); err != nil {
		result = multierror.Append(result, &CallbackError{Callback: CallbackUnsubscribed, Channel: s.channelName, Err: err})
	}

	s.mu.Lock()
	s.unsubscribed = true
	close(s.stopTimers)
	s.mu.Unlock()

	if err := s.StopAllStreams(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %w", ErrBus, err))
	}
	return result.ErrorOrNil()
}

func (s *Subscription) performAction(data Data) error {
	action := data.String("action")
	if action == "" {
		action = "receive"
	}

	start := time.Now()
	err := s.channel.Perform(s, action, data)
	s.conn.server.hooks.instrument(Event{
		Name:       EventPerformAction,
		Channel:    s.channelName,
		Action:     action,
		Connection: s.conn.ID(),
		Duration:   time.Since(start),
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownAction):
		s.logger.Error("Unable to process "+s.channelName+"#"+action, "action", action, "data", data)
		return nil
	default:
		return &CallbackError{Callback: CallbackPerform, Channel: s.channelName, Action: action, Err: err}
	}
}
