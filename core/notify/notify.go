package notify

import "context"

// Notification is a push message delivered to a device.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Pusher delivers notifications best-effort. Implementations must treat an
// empty device token as a silent no-op, not an error.
type Pusher interface {
	Push(ctx context.Context, deviceToken string, n Notification) error
}

// NopPusher drops every notification.
type NopPusher struct{}

func (NopPusher) Push(context.Context, string, Notification) error { return nil }
