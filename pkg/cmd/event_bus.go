package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/evalflow/pkg/alerts"
	"github.com/dukex/evalflow/pkg/channels/gochannel"
	"github.com/dukex/evalflow/pkg/channels/kafka"
	"github.com/dukex/evalflow/pkg/eventbus"
)

const serviceName = "evalflow"

var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// Messaging is the watermill transport shared by the event bus and the
// alert publisher.
type Messaging struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func NewMessaging(provider string, logger *slog.Logger) (*Messaging, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, kafka.Brokers(), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return &Messaging{Publisher: pub, Subscriber: sub}, nil
	case "gochannel", "":
		channel := gochannel.CreateChannel(adapter, false)

		return &Messaging{Publisher: channel, Subscriber: channel}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventBus, provider)
	}
}

func NewEventBus(m *Messaging, logger *slog.Logger) eventbus.EventBus {
	return eventbus.NewWatermillEventBus(logger, m.Publisher, m.Subscriber)
}

func NewAlertPublisher(m *Messaging, logger *slog.Logger) *alerts.WatermillPublisher {
	return alerts.NewWatermillPublisher(logger, m.Publisher)
}
