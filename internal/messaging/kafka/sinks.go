package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// EventPublisher публикует событие в topic.
type EventPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
}

// AnalyticsPublisher отправляет аналитические события в Kafka topic.
type AnalyticsPublisher struct {
	producer EventPublisher
	topic    string
}

// NewAnalyticsPublisher создаёт AnalyticsSink поверх Kafka.
func NewAnalyticsPublisher(producer EventPublisher, topic string) *AnalyticsPublisher {
	if topic == "" {
		topic = TopicAnalytics
	}
	return &AnalyticsPublisher{producer: producer, topic: topic}
}

func (p *AnalyticsPublisher) EmitAnalyticsEvent(_ context.Context, userID, eventName string, props map[string]any) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka analytics publisher is not initialized")
	}
	return p.producer.PublishEvent(p.topic, userID, AnalyticsMessage{
		UserID:     userID,
		Event:      eventName,
		Properties: props,
		Timestamp:  time.Now().UTC(),
	})
}

// NotificationPublisher отправляет запросы на письма в Kafka topic.
type NotificationPublisher struct {
	producer EventPublisher
	topic    string
}

// NewNotificationPublisher создаёт Notifier поверх Kafka.
func NewNotificationPublisher(producer EventPublisher, topic string) *NotificationPublisher {
	if topic == "" {
		topic = TopicNotifications
	}
	return &NotificationPublisher{producer: producer, topic: topic}
}

func (p *NotificationPublisher) SendNotification(_ context.Context, userID, email string, props map[string]any) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka notification publisher is not initialized")
	}
	return p.producer.PublishEvent(p.topic, userID, NotificationMessage{
		UserID:     userID,
		Email:      email,
		Properties: props,
		Timestamp:  time.Now().UTC(),
	})
}

var (
	_ domain.AnalyticsSink = (*AnalyticsPublisher)(nil)
	_ domain.Notifier      = (*NotificationPublisher)(nil)
	_ EventPublisher       = (*Producer)(nil)
)
