// Package trigger starts downstream evaluation workflows.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Sink hands one evaluation request to the workflow executor. The executor is
// at-least-once; a returned error means the request was not accepted.
type Sink interface {
	StartTrigger(ctx context.Context, key string, req v1.EvaluationRequest) error
}

// LogSink only logs requests. Used when no executor is configured.
type LogSink struct{}

func (LogSink) StartTrigger(_ context.Context, key string, req v1.EvaluationRequest) error {
	slog.Info("[Trigger] Evaluation requested",
		"link_id", key,
		"account_id", req.AccountID,
		"destination_url", req.DestinationURL,
		"destination_country_code", req.DestinationCountryCode)
	return nil
}

// WorkflowStart is the message published for each evaluation.
type WorkflowStart struct {
	EvaluationID           string    `json:"evaluationId"`
	LinkID                 string    `json:"linkId"`
	AccountID              string    `json:"accountId"`
	DestinationURL         string    `json:"destinationUrl"`
	DestinationCountryCode string    `json:"destinationCountryCode,omitempty"`
	RequestedAt            time.Time `json:"requestedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes a WorkflowStart per evaluation, keyed by link id.
type KafkaSink struct {
	writer messageWriter
	topic  string
	newID  func() string
	now    func() time.Time
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaSink(w, topic)
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		newID:  func() string { return uuid.NewString() },
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *KafkaSink) StartTrigger(ctx context.Context, key string, req v1.EvaluationRequest) error {
	msg := WorkflowStart{
		EvaluationID:           s.newID(),
		LinkID:                 key,
		AccountID:              req.AccountID,
		DestinationURL:         req.DestinationURL,
		DestinationCountryCode: req.DestinationCountryCode,
		RequestedAt:            s.now(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode workflow start: %w", err)
	}

	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  msg.RequestedAt,
	}); err != nil {
		return fmt.Errorf("failed to publish workflow start to %s: %w", s.topic, err)
	}

	slog.Info("[Trigger] Published evaluation workflow",
		"link_id", key,
		"evaluation_id", msg.EvaluationID,
		"topic", s.topic)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
