// Package kafka ships telemetry events to a Kafka topic.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/pkg/common"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// Config contains the settings for publishing telemetry to Kafka.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic receives every telemetry event.
	Topic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// SinkMetrics counts what happened to emitted events.
type SinkMetrics interface {
	IncEventsPublished(ctx context.Context)
	IncEventsDropped(ctx context.Context)
}

var _ events.Sink = (*Sink)(nil)

// Sink publishes telemetry events through an async producer. Emit never
// blocks: when the producer's input is full the event is dropped and counted.
type Sink struct {
	producer sarama.AsyncProducer
	topic    string

	wg     sync.WaitGroup
	logger *logger.Logger
	tracer trace.Tracer
	metric SinkMetrics
}

// NewProducerConfig returns the sarama settings used for telemetry.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	// Telemetry tolerates loss; only wait for the leader.
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	// Events for one address land on one partition, in order.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// NewSink creates a Sink on top of producer and starts draining its results.
func NewSink(producer sarama.AsyncProducer, topic string, logger *logger.Logger, tracer trace.Tracer, metric SinkMetrics) *Sink {
	s := &Sink{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_telemetry_sink", "topic", topic),
		tracer:   tracer,
		metric:   metric,
	}

	s.wg.Add(2)
	go s.drainSuccesses()
	go s.drainErrors()
	return s
}

// ConnectWithRetry creates the producer with exponential backoff and wraps it
// in a Sink. It gives up after maxElapsed.
func ConnectWithRetry(
	ctx context.Context,
	cfg Config,
	maxElapsed time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
	metric SinkMetrics,
) (*Sink, error) {
	producer, err := common.ConnectWithRetry(ctx, logger, "kafka", maxElapsed,
		func(context.Context) (sarama.AsyncProducer, error) {
			return sarama.NewAsyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		})
	if err != nil {
		return nil, err
	}
	return NewSink(producer, cfg.Topic, logger, tracer, metric), nil
}

// Emit encodes evt and queues it for publishing.
func (s *Sink) Emit(ctx context.Context, evt events.Event) {
	ctx, span := s.tracer.Start(ctx, "kafka.produce",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", s.topic),
			attribute.String("messaging.operation", "publish"),
			attribute.String("event.type", string(evt.Type)),
		),
	)
	defer span.End()

	data, err := EncodeEvent(evt)
	if err != nil {
		span.RecordError(err)
		s.logger.Error(ctx, "failed to encode telemetry event", "error", err, "event_type", evt.Type)
		s.metric.IncEventsDropped(ctx)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(evt.Type)},
			{Key: []byte("event_id"), Value: []byte(evt.ID.String())},
		},
		Metadata: evt.Type,
	}
	if evt.Key != "" {
		msg.Key = sarama.StringEncoder(evt.Key)
	}
	for k, v := range evt.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	injectTraceContext(ctx, msg)

	select {
	case s.producer.Input() <- msg:
	default:
		s.logger.Warn(ctx, "telemetry producer saturated, dropping event", "event_type", evt.Type)
		s.metric.IncEventsDropped(ctx)
	}
}

func (s *Sink) drainSuccesses() {
	defer s.wg.Done()
	for range s.producer.Successes() {
		s.metric.IncEventsPublished(context.Background())
	}
}

func (s *Sink) drainErrors() {
	defer s.wg.Done()
	for perr := range s.producer.Errors() {
		ctx := context.Background()
		s.logger.Warn(ctx, "failed to publish telemetry event", "error", perr.Err, "event_type", perr.Msg.Metadata)
		s.metric.IncEventsDropped(ctx)
	}
}

// Close flushes buffered events and shuts the producer down.
func (s *Sink) Close() error {
	err := s.producer.Close()
	s.wg.Wait()
	return err
}
