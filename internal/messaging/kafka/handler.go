package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/eventbus"
)

// Publisher публикует событие во внутреннюю шину.
type Publisher interface {
	Publish(ctx context.Context, event eventbus.Event, payload eventbus.Payload) []eventbus.Outcome
}

// NewEventHandler переводит входящие сообщения о заказах в события шины.
// Сообщения с неизвестным event_type пропускаются; битые сообщения: постоянная ошибка.
func NewEventHandler(bus Publisher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-event-handler")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := ParseInboundEnvelope(message)
		if err != nil {
			return domain.Permanent(err)
		}

		entry := logger.WithFields(log.Fields{
			"event_type": envelope.EventType,
			"topic":      message.Topic,
			"partition":  message.Partition,
			"offset":     message.Offset,
		})
		if !eventbus.IsKnown(envelope.EventType) {
			entry.Warn("skip message with unknown event type")
			return nil
		}

		payload := eventbus.Payload{}
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
				return domain.Permanent(fmt.Errorf("failed to unmarshal %s payload: %w", envelope.EventType, err))
			}
		}
		if payload.String("message_id") == "" {
			payload["message_id"] = messageID(envelope, message)
		}

		entry.WithField("message_id", payload.String("message_id")).Debug("dispatching event to bus")
		return eventbus.Failed(bus.Publish(ctx, eventbus.Event(envelope.EventType), payload))
	}
}

func messageID(envelope *InboundEnvelope, message *sarama.ConsumerMessage) string {
	if envelope.MessageID != "" {
		return envelope.MessageID
	}
	return fmt.Sprintf("%s-%d-%d", message.Topic, message.Partition, message.Offset)
}
