package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "coordinator.order.events"
	TopicNotifications   = "coordinator.notifications"
	TopicAnalytics       = "coordinator.analytics"
	TopicDeadLetterQueue = "coordinator.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// InboundEnvelope — сообщение системы управления заказами о событии заказа.
// EventType совпадает с именем события шины (order_placed, order_returned, ...).
type InboundEnvelope struct {
	EventType  string          `json:"event_type"`
	MessageID  string          `json:"message_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// AnalyticsMessage — аналитическое событие для внешнего трекера.
type AnalyticsMessage struct {
	UserID     string         `json:"user_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NotificationMessage — запрос на отправку письма пользователю.
type NotificationMessage struct {
	UserID     string         `json:"user_id"`
	Email      string         `json:"email"`
	Properties map[string]any `json:"properties"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DeadLetterMessage — запись в TopicDeadLetterQueue о сообщении, которое консьюмер
// не смог обработать. OriginalValue хранит исходный InboundEnvelope как строку,
// чтобы повтор отправлял в топик ровно те же байты.
type DeadLetterMessage struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// ParseInboundEnvelope парсит InboundEnvelope из сообщения
func ParseInboundEnvelope(message *sarama.ConsumerMessage) (*InboundEnvelope, error) {
	var envelope InboundEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inbound envelope: %w", err)
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("inbound envelope has no event_type")
	}
	return &envelope, nil
}
