// Package channels holds the application channels served over the cable.
package channels

import (
	"context"
	"time"

	"cable-service/internal/cable"
)

// OnlineLister reports the users with an open connection.
type OnlineLister interface {
	GetOnlineUsers(ctx context.Context) ([]string, error)
}

type Options struct {
	// Presence enables AppearanceChannel.
	Presence OnlineLister

	// ClockInterval is how often ClockChannel ticks. Defaults to a second.
	ClockInterval time.Duration
}

// Register adds every application channel to r.
func Register(r *cable.ChannelRegistry, opts Options) {
	if opts.ClockInterval <= 0 {
		opts.ClockInterval = time.Second
	}

	r.Register("EchoChannel", func() cable.Channel { return &EchoChannel{} })
	r.Register("ChatChannel", func() cable.Channel { return &ChatChannel{} })
	r.Register("NotificationsChannel", func() cable.Channel { return &NotificationsChannel{} })
	r.Register("ClockChannel", func() cable.Channel { return &ClockChannel{interval: opts.ClockInterval} })
	if opts.Presence != nil {
		r.Register("AppearanceChannel", func() cable.Channel { return &AppearanceChannel{presence: opts.Presence} })
	}
}

// currentUser is the identifier set by the JWT connector.
func currentUser(sub *cable.Subscription) string {
	return sub.Connection().IdentifierValue("current_user")
}
