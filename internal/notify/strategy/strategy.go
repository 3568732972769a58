// Package strategy defines the interface for notification delivery channels.
package strategy

import (
	"context"
	"sort"

	"alerting/internal/alert"
)

// Message is one rendered notification for one channel.
type Message struct {
	Record     *alert.Record
	Recipients []string
	Subject    string
	Body       string
	HTML       string
}

// Channel is the interface that all delivery channels must implement.
type Channel interface {
	// Send delivers the message. A returned error marks the channel attempt failed.
	Send(ctx context.Context, msg *Message) error

	// Method returns the notification method this channel handles.
	Method() alert.Method
}

// Registry maps notification methods to channels.
type Registry struct {
	channels map[alert.Method]Channel
}

// NewRegistry creates a new channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[alert.Method]Channel),
	}
}

// Register registers a channel, replacing any channel for the same method.
func (r *Registry) Register(ch Channel) {
	r.channels[ch.Method()] = ch
}

// Get retrieves the channel for a method.
func (r *Registry) Get(method alert.Method) (Channel, bool) {
	ch, ok := r.channels[method]
	return ch, ok
}

// List returns all registered methods in sorted order.
func (r *Registry) List() []alert.Method {
	methods := make([]alert.Method, 0, len(r.channels))
	for m := range r.channels {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
