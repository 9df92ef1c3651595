package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-coordinator/internal/messaging/kafka"
)

func splitBrokers(brokers string) []string {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return list
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initKafkaConsumer подписывается на входящие события заказов. Сообщения,
// исчерпавшие повторы, уходят в DLQ через producer.
func initKafkaConsumer(cfg Config, handler kafka.MessageHandler, producer *kafka.Producer, recorder kafka.Recorder) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumerWithDLQ(
		splitBrokers(cfg.KafkaBrokers),
		cfg.KafkaGroupID,
		[]string{kafka.TopicOrderEvents},
		handler,
		producer,
		cfg.KafkaMaxRetries,
	)
	if err != nil {
		return nil, err
	}
	if recorder != nil {
		consumer.SetRecorder(recorder)
	}
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
