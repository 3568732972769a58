package realtime

import (
	"context"
	"errors"

	"alerting/internal/alert"
	"alerting/internal/notify/strategy"
)

// Channel adapts a Hub to the WEBSOCKET notification method. Delivery is
// best effort: having no subscribers is not a failure.
type Channel struct {
	hub *Hub
}

// NewChannel creates the WEBSOCKET channel for hub.
func NewChannel(hub *Hub) *Channel {
	return &Channel{hub: hub}
}

// Method returns the notification method this channel handles.
func (c *Channel) Method() alert.Method {
	return alert.MethodWebSocket
}

// Send broadcasts the alert of msg to every subscriber.
func (c *Channel) Send(ctx context.Context, msg *strategy.Message) error {
	if c.hub.Closed() {
		return errors.New("realtime hub is closed")
	}
	if msg.Record == nil {
		return errors.New("websocket notification requires an alert record")
	}
	c.hub.BroadcastAlert(msg.Record)
	return nil
}
