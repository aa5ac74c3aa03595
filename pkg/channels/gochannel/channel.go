// Package gochannel provides the in-memory pub/sub used for local runs and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// CreateChannel returns one GoChannel acting as both publisher and subscriber.
// blocking makes Publish wait for the subscriber ack, which keeps tests
// deterministic.
func CreateChannel(logger watermill.LoggerAdapter, blocking bool) *gochannel.GoChannel {
	buffer := int64(1000)
	if blocking {
		buffer = 10
	}

	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     blocking,
			BlockPublishUntilSubscriberAck: blocking,
		},
		logger,
	)
}
