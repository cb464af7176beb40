package cable

import (
	"context"
	"fmt"
)

// RemoteConnections addresses connections in any process by identifiers.
type RemoteConnections struct {
	server *Server
}

// Where selects the connections identified by identifiers. The set must name
// every identifier the connector assigns, since the internal channel is
// derived from the full set.
func (rc *RemoteConnections) Where(identifiers map[string]string) (*RemoteConnection, error) {
	if len(identifiers) == 0 {
		return nil, fmt.Errorf("%w: no identifiers given", ErrInvalidIdentifier)
	}
	for name, value := range identifiers {
		if name == "" || value == "" {
			return nil, fmt.Errorf("%w: empty identifier %q", ErrInvalidIdentifier, name)
		}
	}

	ids := make(map[string]string, len(identifiers))
	for k, v := range identifiers {
		ids[k] = v
	}
	return &RemoteConnection{server: rc.server, identifiers: ids}, nil
}

// RemoteConnection is a handle on every connection sharing one set of
// identifiers, wherever it is connected.
type RemoteConnection struct {
	server      *Server
	identifiers map[string]string
}

func (r *RemoteConnection) Identifiers() map[string]string {
	return r.identifiers
}

// Disconnect closes the matching connections in every process.
func (r *RemoteConnection) Disconnect(ctx context.Context, reconnect bool) error {
	msg := struct {
		Type      MessageType `json:"type"`
		Reconnect bool        `json:"reconnect"`
	}{TypeDisconnect, reconnect}

	return r.server.Broadcast(ctx, internalChannelFor(r.identifiers), msg)
}
