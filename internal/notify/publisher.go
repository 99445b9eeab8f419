package notify

import (
	"fmt"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pitabwire/curator/internal/config"
)

// NewPublisher builds the message publisher named by cfg. It returns nil for
// the none publisher.
func NewPublisher(cfg config.NotificationsConfig, logger *zap.Logger) (message.Publisher, error) {
	wl := NewZapLogger(logger)
	switch cfg.Publisher {
	case "", config.PublisherNone:
		return nil, nil
	case config.PublisherGoChannel:
		return gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.BufferSize,
		}, wl), nil
	case config.PublisherKafka:
		brokers := kafkaBrokers(cfg)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("notify: kafka publisher needs brokers or %s", cfg.BrokersEnv)
		}
		sc := sarama.NewConfig()
		sc.Producer.Return.Successes = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: sc,
			OTELEnabled:           true,
		}, wl)
		if err != nil {
			return nil, fmt.Errorf("notify: kafka publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("notify: unknown publisher %q", cfg.Publisher)
	}
}

func kafkaBrokers(cfg config.NotificationsConfig) []string {
	if cfg.BrokersEnv != "" {
		if v := os.Getenv(cfg.BrokersEnv); v != "" {
			var out []string
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					out = append(out, b)
				}
			}
			return out
		}
	}
	return cfg.Brokers
}

// ZapLogger adapts a zap logger to watermill.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; nil logs nothing.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("watermill")}
}

func (l *ZapLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *ZapLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

// Trace logs at debug; zap has no trace level.
func (l *ZapLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *ZapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
