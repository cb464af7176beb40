package cable

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Channel is the application handler bound to one subscription.
type Channel interface {
	// Subscribed runs once when the client subscribes. Returning an error
	// rejects the subscription.
	Subscribed(sub *Subscription) error

	// Unsubscribed runs once when the subscription is removed, including on
	// connection teardown.
	Unsubscribed(sub *Subscription) error

	// Perform handles a client action. Implementations return
	// ErrUnknownAction for actions they do not expose.
	Perform(sub *Subscription, action string, data Data) error
}

// ChannelFactory builds a fresh Channel for every subscription.
type ChannelFactory func() Channel

// Base provides no-op callbacks for embedding.
type Base struct{}

func (Base) Subscribed(*Subscription) error   { return nil }
func (Base) Unsubscribed(*Subscription) error { return nil }

func (Base) Perform(_ *Subscription, action string, _ Data) error {
	return fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// ChannelRegistry maps the channel name clients send in their identifier
// (e.g. "ChatChannel") to a factory.
type ChannelRegistry struct {
	mu        sync.RWMutex
	factories map[string]ChannelFactory
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{factories: make(map[string]ChannelFactory)}
}

func (r *ChannelRegistry) Register(name string, factory ChannelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *ChannelRegistry) Lookup(name string) (ChannelFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChannelName converts a registered channel name to its broadcasting form:
// "ChatChannel" becomes "chat" and "Admin::AppearanceChannel" becomes
// "admin:appearance".
func ChannelName(name string) string {
	name = strings.TrimSuffix(name, "Channel")
	parts := strings.Split(name, "::")
	for i, part := range parts {
		parts[i] = underscore(part)
	}
	return strings.Join(parts, ":")
}

func underscore(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Streamable is implemented by values that name their own broadcasting.
type Streamable interface {
	StreamName() string
}

// BroadcastingFor joins parts into a broadcasting name.
func BroadcastingFor(parts ...any) string {
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case Streamable:
			names = append(names, p.StreamName())
		case string:
			names = append(names, p)
		default:
			names = append(names, fmt.Sprint(p))
		}
	}
	return strings.Join(names, ":")
}
