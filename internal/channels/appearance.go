package channels

import (
	"cable-service/internal/cable"
)

const appearanceStream = "appearance"

// AppearanceChannel announces users appearing and going away, and lists who
// is online on request.
type AppearanceChannel struct {
	cable.Base
	presence OnlineLister
}

func (ch *AppearanceChannel) Subscribed(sub *cable.Subscription) error {
	if currentUser(sub) == "" {
		sub.Reject()
		return nil
	}
	return sub.StreamFrom(appearanceStream)
}

func (ch *AppearanceChannel) Unsubscribed(sub *cable.Subscription) error {
	return ch.announce(sub, "offline")
}

func (ch *AppearanceChannel) Perform(sub *cable.Subscription, action string, data cable.Data) error {
	switch action {
	case "appear":
		return ch.announce(sub, "online")
	case "away":
		return ch.announce(sub, "away")
	case "online":
		users, err := ch.presence.GetOnlineUsers(sub.Connection().Context())
		if err != nil {
			return err
		}
		sub.Transmit(map[string]any{"online": users})
		return nil
	}
	return ch.Base.Perform(sub, action, data)
}

func (ch *AppearanceChannel) announce(sub *cable.Subscription, status string) error {
	server := sub.Connection().Server()
	return server.Broadcast(sub.Connection().Context(), appearanceStream, map[string]any{
		"user":   currentUser(sub),
		"status": status,
	})
}
