package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/courierhq/dispatchd/core/model"
	"github.com/courierhq/dispatchd/core/store"
	"github.com/courierhq/dispatchd/core/tracking"
)

// locationMessage is the ping payload published by partner devices.
type locationMessage struct {
	OrderID   string  `json:"order_id"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	Timestamp int64   `json:"timestamp"` // unix millis
	AccuracyM float64 `json:"accuracy_m"`
	SpeedKMH  float64 `json:"speed_kmh"`
	Bearing   float64 `json:"bearing"`
}

// LocationConsumer subscribes to partner location topics and feeds pings into
// the tracking ingestor. The partner id comes from the topic, never from the
// payload, so a device cannot report for another partner.
type LocationConsumer struct {
	client *Client
	ingest *tracking.Ingestor
}

// NewLocationConsumer creates a consumer over an established client.
func NewLocationConsumer(client *Client, ingest *tracking.Ingestor) *LocationConsumer {
	return &LocationConsumer{client: client, ingest: ingest}
}

// Start subscribes to <prefix>/partner/+/location. Messages are handled until
// the client disconnects.
func (c *LocationConsumer) Start(ctx context.Context) error {
	topic := fmt.Sprintf("%s/partner/+/location", c.client.cfg.TopicPrefix)
	token := c.client.cli.Subscribe(topic, c.client.qosFor("location"), func(_ paho.Client, msg paho.Message) {
		c.handle(ctx, msg)
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	c.client.logger.Infof("consuming location pings on %s", topic)
	return nil
}

func (c *LocationConsumer) handle(ctx context.Context, msg paho.Message) {
	partnerID, ok := partnerFromTopic(msg.Topic())
	if !ok {
		c.client.logger.Warnf("malformed location topic %s", msg.Topic())
		return
	}
	var m locationMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		c.client.logger.Errorf("decode location ping from %s: %v", partnerID, err)
		return
	}
	if m.OrderID == "" {
		c.client.logger.Debugf("location ping from %s without order, dropping", partnerID)
		return
	}
	ping := model.GeoPing{
		Coordinates: [2]float64{m.Lon, m.Lat},
		Timestamp:   time.UnixMilli(m.Timestamp),
		AccuracyM:   m.AccuracyM,
		SpeedKMH:    m.SpeedKMH,
		Bearing:     m.Bearing,
	}
	err := c.ingest.RecordLocation(ctx, m.OrderID, partnerID, ping)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidOrderState),
		errors.Is(err, store.ErrPartnerMismatch),
		errors.Is(err, store.ErrNotFound):
		c.client.logger.Debugf("ping for order %s from %s dropped: %v", m.OrderID, partnerID, err)
	default:
		c.client.logger.Errorf("ping for order %s from %s: %v", m.OrderID, partnerID, err)
	}
}

// partnerFromTopic extracts the partner id from <prefix>/partner/<id>/location.
func partnerFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "partner" && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}
