package events

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"docbatch/internal/config"
	"docbatch/internal/logger"
)

// NewFromConfig builds the publisher with every enabled backend. A backend
// that cannot be initialized is logged and left out.
func NewFromConfig(cfg config.EventsConfig, rc *redis.Client, log *zap.Logger) *Publisher {
	log = logger.OrNop(log)
	var backends []Backend

	if cfg.RedisStream.Enabled {
		if rc == nil {
			log.Error("redis_stream event backend enabled without a redis client, skipping")
		} else {
			backends = append(backends, NewRedisStreamBackend(rc, cfg.RedisStream.Stream, cfg.RedisStream.MaxLen, cfg.RedisStream.TTL))
		}
	}
	if cfg.Webhook.Enabled {
		backends = append(backends, NewWebhookBackend(cfg.Webhook.URLs, cfg.Webhook.Headers, cfg.Webhook.Timeout, cfg.Webhook.MaxAttempts))
	}
	if cfg.Kafka.Enabled {
		backends = append(backends, NewKafkaBackend(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.RabbitMQ.Enabled {
		b, err := NewRabbitMQBackend(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Error("failed to initialize rabbitmq event backend, skipping", zap.Error(err))
		} else {
			backends = append(backends, b)
		}
	}

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	log.Info("event publisher initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.Strings("backends", names),
		zap.Strings("types", cfg.Types),
	)

	return NewPublisher(Options{
		Enabled: cfg.Enabled,
		Types:   cfg.Types,
		Timeout: cfg.PublishTimeout,
	}, log, backends...)
}

// FactoryFromConfig returns the event factory for the configured source and prefix
func FactoryFromConfig(cfg config.EventsConfig) Factory {
	return Factory{Source: cfg.Source, TypePrefix: cfg.TypePrefix}
}
