package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/domain"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/commerce-coordinator/internal/service/sink"
)

// createSinks выбирает получателей уведомлений и аналитики: Kafka-топики,
// если producer доступен, иначе запись в лог.
func createSinks(producer *kafka.Producer, logger *log.Entry) (domain.Notifier, domain.AnalyticsSink) {
	if producer != nil {
		return kafka.NewNotificationPublisher(producer, kafka.TopicNotifications),
			kafka.NewAnalyticsPublisher(producer, kafka.TopicAnalytics)
	}

	logSink := sink.NewLogSink(logger.WithField("layer", "sink"))
	return logSink, logSink
}
