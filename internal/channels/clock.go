package channels

import (
	"time"

	"cable-service/internal/cable"
)

// ClockChannel transmits the server time on an interval.
type ClockChannel struct {
	cable.Base
	interval time.Duration
}

func (ch *ClockChannel) Subscribed(sub *cable.Subscription) error {
	sub.Periodically(ch.interval, func(s *cable.Subscription) error {
		s.Transmit(map[string]any{"time": time.Now().Unix()})
		return nil
	})
	return nil
}
