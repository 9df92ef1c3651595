package sink

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
)

// LogSink пишет уведомления и аналитические события в лог. Используется,
// когда Kafka не настроена (локальный запуск).
type LogSink struct {
	logger *log.Entry
}

// NewLogSink создаёт LogSink.
func NewLogSink(logger *log.Entry) *LogSink {
	if logger == nil {
		logger = log.WithField("component", "log-sink")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) SendNotification(_ context.Context, userID, email string, props map[string]any) error {
	s.logger.WithFields(log.Fields{
		"user_id": userID,
		"email":   email,
		"props":   props,
	}).Info("notification sent")
	return nil
}

func (s *LogSink) EmitAnalyticsEvent(_ context.Context, userID, eventName string, props map[string]any) error {
	s.logger.WithFields(log.Fields{
		"user_id": userID,
		"event":   eventName,
		"props":   props,
	}).Info("analytics event emitted")
	return nil
}

var (
	_ domain.Notifier      = (*LogSink)(nil)
	_ domain.AnalyticsSink = (*LogSink)(nil)
)
