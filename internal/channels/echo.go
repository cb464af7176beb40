package channels

import "cable-service/internal/cable"

// EchoChannel answers "ding" with "dong".
type EchoChannel struct {
	cable.Base
}

func (ch *EchoChannel) Perform(sub *cable.Subscription, action string, data cable.Data) error {
	if action != "ding" {
		return ch.Base.Perform(sub, action, data)
	}
	sub.Transmit(map[string]any{"dong": data["message"]})
	return nil
}
