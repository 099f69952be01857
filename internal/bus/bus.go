// Package bus carries prediction and auth events between the console,
// CLI invocations and the history recorder.
package bus

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrClosed        = errors.New("bus is closed")
	ErrTopicRequired = errors.New("topic is required")
)

// ReplyToKey is the message metadata key carrying the reply topic of a
// request.
const ReplyToKey = "reply_to"

// defaultRequestTimeout bounds Request when ctx has no deadline.
const defaultRequestTimeout = 30 * time.Second

// New returns a ChannelBus for "channel" and a NATSBus for "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage wraps payload in the envelope shared by both buses.
func newMessage(topic string, payload []byte, metadata map[string]string) *domain.Message {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}
