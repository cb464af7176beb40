package cable

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ProtocolV1          = "actioncable-v1-json"
	ProtocolUnsupported = "actioncable-unsupported"

	DefaultMountPath      = "/cable"
	DefaultBeatInterval   = 3 * time.Second
	DefaultWorkerPoolSize = 4
	DefaultWorkerBacklog  = 1024

	internalChannelPrefix = "cable_internal/"
)

// Protocols is the sub-protocol list advertised during the upgrade, in
// preference order.
var Protocols = []string{ProtocolV1, ProtocolUnsupported}

// MessageType is the "type" field of server to client frames.
type MessageType string

const (
	TypeWelcome      MessageType = "welcome"
	TypeDisconnect   MessageType = "disconnect"
	TypePing         MessageType = "ping"
	TypeConfirmation MessageType = "confirm_subscription"
	TypeRejection    MessageType = "reject_subscription"
)

func (t MessageType) IsValid() bool {
	switch t {
	case TypeWelcome, TypeDisconnect, TypePing, TypeConfirmation, TypeRejection:
		return true
	}
	return false
}

type DisconnectReason string

const (
	ReasonUnauthorized   DisconnectReason = "unauthorized"
	ReasonInvalidRequest DisconnectReason = "invalid_request"
	ReasonServerRestart  DisconnectReason = "server_restart"
	ReasonRemote         DisconnectReason = "remote"
)

// Command is the "command" field of client to server frames.
type Command string

const (
	CommandSubscribe   Command = "subscribe"
	CommandUnsubscribe Command = "unsubscribe"
	CommandMessage     Command = "message"
)

func (c Command) IsValid() bool {
	switch c {
	case CommandSubscribe, CommandUnsubscribe, CommandMessage:
		return true
	}
	return false
}

// Frame is a decoded client command. Identifier and Data are JSON documents
// encoded as strings.
type Frame struct {
	Command    Command `json:"command"`
	Identifier string  `json:"identifier"`
	Data       string  `json:"data,omitempty"`
}

// Message is a server to client frame.
type Message struct {
	Type       MessageType      `json:"type,omitempty"`
	Identifier string           `json:"identifier,omitempty"`
	Message    any              `json:"message,omitempty"`
	Reason     DisconnectReason `json:"reason,omitempty"`
	Reconnect  *bool            `json:"reconnect,omitempty"`
}

func WelcomeMessage() Message {
	return Message{Type: TypeWelcome}
}

func PingMessage(at time.Time) Message {
	return Message{Type: TypePing, Message: at.Unix()}
}

func DisconnectMessage(reason DisconnectReason, reconnect bool) Message {
	return Message{Type: TypeDisconnect, Reason: reason, Reconnect: &reconnect}
}

func ConfirmationMessage(identifier string) Message {
	return Message{Type: TypeConfirmation, Identifier: identifier}
}

func RejectionMessage(identifier string) Message {
	return Message{Type: TypeRejection, Identifier: identifier}
}

// Params are the decoded subscription identifier.
type Params map[string]any

// String returns the parameter as a string, formatting non-string values.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

// Data is the decoded payload of a "message" command.
type Data map[string]any

func (d Data) String(key string) string {
	return Params(d).String(key)
}

// DecodeIdentifier parses a subscription identifier into its params. The
// identifier must be a JSON object naming a channel.
func DecodeIdentifier(identifier string) (Params, error) {
	var params Params
	if err := json.Unmarshal([]byte(identifier), &params); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("identifier is not an object")
	}
	if _, ok := params["channel"].(string); !ok {
		return nil, fmt.Errorf("identifier has no channel")
	}
	return params, nil
}

// identifierFor joins identifier values ordered by name.
func identifierFor(identifiers map[string]string) string {
	if len(identifiers) == 0 {
		return ""
	}
	names := make([]string, 0, len(identifiers))
	for name := range identifiers {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, identifiers[name])
	}
	return strings.Join(values, ":")
}

func internalChannelFor(identifiers map[string]string) string {
	id := identifierFor(identifiers)
	if id == "" {
		return ""
	}
	return internalChannelPrefix + id
}
