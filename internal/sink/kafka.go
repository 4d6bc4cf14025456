package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devblac/chainsync/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes events as JSON messages keyed by contract and campaign,
// so one campaign's events stay ordered within a partition.
type KafkaSender struct {
	writer messageWriter
	topic  string
}

type kafkaMessage struct {
	EventType   string          `json:"event_type"`
	Contract    string          `json:"contract"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	CampaignID  *uint64         `json:"campaign_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// NewKafkaSender builds a sink writing to topic on brokers.
func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSender{writer: writer, topic: topic}, nil
}

func (k *KafkaSender) Send(ctx context.Context, payload EventPayload) error {
	ctx, span := otel.Tracer("chainsync/sink").Start(ctx, "sink.kafka_publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", k.topic),
			attribute.String("event.type", payload.EventType),
			attribute.String("tx.hash", payload.TxHash),
		))
	defer span.End()

	data := json.RawMessage(payload.Data)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	value, err := json.Marshal(kafkaMessage{
		EventType:   payload.EventType,
		Contract:    payload.Contract,
		TxHash:      payload.TxHash,
		BlockNumber: payload.BlockNumber,
		LogIndex:    payload.LogIndex,
		CampaignID:  payload.CampaignID,
		Timestamp:   payload.Timestamp,
		Data:        data,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal kafka message: %w", err)
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(payload.EventType)}}
	telemetry.InjectKafkaHeaders(ctx, &headers)

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(messageKey(payload)),
		Value:   value,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka publish %s: %w", payload.TxHash, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

func messageKey(p EventPayload) string {
	if p.CampaignID == nil {
		return strings.ToLower(p.Contract)
	}
	return fmt.Sprintf("%s:%d", strings.ToLower(p.Contract), *p.CampaignID)
}
