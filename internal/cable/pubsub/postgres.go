package pubsub

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	// Postgres rejects NOTIFY payloads of 8000 bytes or more.
	maxNotifyPayload = 8000
	// Longer channel names are silently truncated by Postgres.
	maxIdentifierLength = 63

	notificationPoll = time.Second
)

type listenCommand struct {
	listen    bool
	channel   string
	onSuccess func()
}

// Postgres broadcasts with pg_notify and listens on a dedicated connection.
type Postgres struct {
	db   *gorm.DB
	dsn  string
	opts Options

	subscribers *SubscriberMap

	mu       sync.Mutex
	commands []listenCommand
	channels map[string]string // pg identifier -> channel
	wake     chan struct{}

	started sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPostgres(db *gorm.DB, dsn string, opts Options) *Postgres {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Postgres{
		db:       db,
		dsn:      dsn,
		opts:     opts.withDefaults(),
		channels: make(map[string]string),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.subscribers = NewSubscriberMap(ChannelHooks{
		AddChannel: func(channel string, onSuccess func()) error {
			p.enqueue(listenCommand{listen: true, channel: channel, onSuccess: onSuccess})
			return nil
		},
		RemoveChannel: func(channel string) error {
			p.enqueue(listenCommand{channel: channel})
			return nil
		},
	})
	return p
}

func (p *Postgres) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if p.ctx.Err() != nil {
		return ErrShutdown
	}
	if len(payload) >= maxNotifyPayload {
		return ErrPayloadTooLarge
	}
	return p.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", p.identifier(channel), string(payload)).Error
}

func (p *Postgres) Subscribe(_ context.Context, channel string, subscriber *Subscriber, onSuccess func()) error {
	if p.ctx.Err() != nil {
		return ErrShutdown
	}
	p.started.Do(func() { go p.listen() })
	return p.subscribers.Add(channel, subscriber, onSuccess)
}

func (p *Postgres) Unsubscribe(_ context.Context, channel string, subscriber *Subscriber) error {
	return p.subscribers.Remove(channel, subscriber)
}

func (p *Postgres) Shutdown(ctx context.Context) error {
	p.cancel()

	started := true
	p.started.Do(func() { started = false })
	if !started {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Postgres) Subscribers() *SubscriberMap {
	return p.subscribers
}

func (p *Postgres) identifier(channel string) string {
	name := p.opts.ChannelPrefix + channel
	if len(name) > maxIdentifierLength {
		sum := sha1.Sum([]byte(name))
		return hex.EncodeToString(sum[:])
	}
	return name
}

func (p *Postgres) enqueue(cmd listenCommand) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Postgres) listen() {
	defer close(p.done)

	delay := p.opts.ReconnectDelay
	for p.ctx.Err() == nil {
		err := p.session()
		if p.ctx.Err() != nil {
			return
		}

		p.opts.Logger.Error("Postgres listener failed, reconnecting", "error", err, "retry_in", delay)
		p.opts.OnError("listen", err)
		if !sleep(p.ctx, delay) {
			return
		}
		delay = backoff(delay, p.opts.MaxReconnectDelay)
	}
}

// session holds one listening connection until it fails.
func (p *Postgres) session() error {
	conn, err := pgx.Connect(p.ctx, p.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	p.mu.Lock()
	existing := make([]string, 0, len(p.channels))
	for id := range p.channels {
		existing = append(existing, id)
	}
	p.mu.Unlock()

	for _, id := range existing {
		if _, err := conn.Exec(p.ctx, "LISTEN "+pgx.Identifier{id}.Sanitize()); err != nil {
			return err
		}
	}

	for {
		if err := p.applyCommands(conn); err != nil {
			return err
		}

		n, err := p.waitForNotification(conn)

		switch {
		case err == nil:
			p.deliver(n)
		case p.ctx.Err() != nil:
			return p.ctx.Err()
		case pgconn.Timeout(err), errors.Is(err, context.Canceled):
		default:
			return err
		}
	}
}

// waitForNotification blocks for at most notificationPoll, returning early
// when a LISTEN/UNLISTEN command is queued.
func (p *Postgres) waitForNotification(conn *pgx.Conn) (*pgconn.Notification, error) {
	waitCtx, cancel := context.WithTimeout(p.ctx, notificationPoll)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-p.wake:
			cancel()
		case <-stop:
		}
	}()

	return conn.WaitForNotification(waitCtx)
}

func (p *Postgres) applyCommands(conn *pgx.Conn) error {
	p.mu.Lock()
	commands := p.commands
	p.commands = nil
	p.mu.Unlock()

	for i, cmd := range commands {
		id := p.identifier(cmd.channel)

		sql := "UNLISTEN " + pgx.Identifier{id}.Sanitize()
		if cmd.listen {
			sql = "LISTEN " + pgx.Identifier{id}.Sanitize()
		}
		if _, err := conn.Exec(p.ctx, sql); err != nil {
			p.mu.Lock()
			p.commands = append(commands[i:], p.commands...)
			p.mu.Unlock()
			return err
		}

		p.mu.Lock()
		if cmd.listen {
			p.channels[id] = cmd.channel
		} else {
			delete(p.channels, id)
		}
		p.mu.Unlock()

		if cmd.onSuccess != nil {
			cmd.onSuccess()
		}
	}
	return nil
}

func (p *Postgres) deliver(n *pgconn.Notification) {
	p.mu.Lock()
	channel, ok := p.channels[n.Channel]
	p.mu.Unlock()

	if ok {
		p.subscribers.Broadcast(channel, []byte(n.Payload))
	}
}
