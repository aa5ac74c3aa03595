// Package alerts delivers threshold-violation alerts over the message bus.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/evalflow/pkg/models"
)

// TopicPrefix is prepended to the alert channel to build the topic name.
const TopicPrefix = "evalflow.alerts."

const (
	ChannelMetadataKey   = "channel"
	ExecutionMetadataKey = "execution_id"
)

var ErrEmptyChannel = errors.New("alert channel is empty")

// Topic returns the topic alerts for channel are published on.
func Topic(channel string) string {
	return TopicPrefix + channel
}

type WatermillPublisher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewWatermillPublisher(logger *slog.Logger, publisher message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		logger:    logger.With("module", "alerts"),
	}
}

func (p *WatermillPublisher) Publish(ctx context.Context, alert models.Alert) error {
	if alert.Channel == "" {
		return ErrEmptyChannel
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	id := alert.ID
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(ChannelMetadataKey, alert.Channel)
	msg.Metadata.Set(ExecutionMetadataKey, alert.ExecutionID)

	if err := p.publisher.Publish(Topic(alert.Channel), msg); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", alert.Channel, err)
	}

	p.logger.DebugContext(ctx, "Alert sent", "alert_id", id, "channel", alert.Channel, "execution_id", alert.ExecutionID)

	return nil
}

// Decode reads an alert back from a delivered message.
func Decode(msg *message.Message) (models.Alert, error) {
	var alert models.Alert

	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		return alert, fmt.Errorf("failed to decode alert %s: %w", msg.UUID, err)
	}

	return alert, nil
}
