package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/dispatchd/core/notify"
)

// Pusher delivers offer notifications over MQTT. Each partner device
// subscribes to its own notify topic keyed by device token.
type Pusher struct {
	client *Client
}

// NewPusher creates a pusher over an established client.
func NewPusher(client *Client) *Pusher {
	return &Pusher{client: client}
}

// Push publishes the notification to the device's notify topic. An empty
// device token is a silent no-op.
func (p *Pusher) Push(_ context.Context, deviceToken string, n notify.Notification) error {
	if deviceToken == "" {
		return nil
	}
	msg := struct {
		MessageID string            `json:"message_id"`
		Title     string            `json:"title"`
		Body      string            `json:"body"`
		Data      map[string]string `json:"data,omitempty"`
		Timestamp int64             `json:"timestamp"`
	}{
		MessageID: uuid.NewString(),
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/device/%s/notify", p.client.cfg.TopicPrefix, deviceToken)
	return p.client.publish(topic, p.client.qosFor("notify"), payload)
}
