package channels

import "cable-service/internal/cable"

// UserStream names the per-user broadcasting of a channel.
type UserStream string

func (u UserStream) StreamName() string { return "user:" + string(u) }

// NotificationsFor is the broadcasting NotificationsChannel streams from for
// userID.
func NotificationsFor(userID string) string {
	return cable.BroadcastingFor(cable.ChannelName("NotificationsChannel"), UserStream(userID))
}

// NotificationsChannel streams notifications addressed to the connected user.
// Anonymous connections are rejected.
type NotificationsChannel struct {
	cable.Base
}

func (ch *NotificationsChannel) Subscribed(sub *cable.Subscription) error {
	user := currentUser(sub)
	if user == "" {
		sub.Reject()
		return nil
	}
	return sub.StreamFor(UserStream(user))
}
