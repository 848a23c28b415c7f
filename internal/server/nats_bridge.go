package server

import (
	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/events"
	"github.com/agoralab/agora/internal/nats"
)

// subjectPrefix namespaces mirrored events on NATS
const subjectPrefix = "agora.events."

// NATSBridge mirrors bus events onto NATS subjects, one subject per
// topic, so external processes can follow orchestration activity
// without holding an HTTP stream open.
type NATSBridge struct {
	client *nats.Client
	bus    *events.Bus
	sub    *events.Subscription
	logger *zap.Logger
}

// NewNATSBridge starts mirroring immediately
func NewNATSBridge(bus *events.Bus, client *nats.Client, logger *zap.Logger) *NATSBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &NATSBridge{client: client, bus: bus, logger: logger}
	b.sub = bus.Subscribe(events.TopicAll, b.mirror)
	return b
}

// Close stops mirroring. The NATS client is owned by the caller.
func (b *NATSBridge) Close() {
	b.bus.Unsubscribe(b.sub)
}

func (b *NATSBridge) mirror(e events.Event) {
	topic := string(e.Topic)
	if topic == "" || topic == string(events.TopicAll) {
		topic = "misc"
	}
	if err := b.client.PublishJSON(subjectPrefix+topic, e); err != nil {
		b.logger.Debug("nats mirror publish failed",
			zap.String("event_id", e.ID),
			zap.Error(err))
	}
}
