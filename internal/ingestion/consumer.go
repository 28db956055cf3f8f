package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	v1 "github.com/aevon-lab/linkpulse/internal/api/v1"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

const defaultPollTimeout = 5 * time.Second

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer admits LINK_CLICK messages from a Kafka topic. An offset is
// committed only after its message is admitted or found malformed, so a
// crash replays at most the uncommitted tail.
type Consumer struct {
	reader  messageReader
	svc     *Service
	topic   string
	poll    time.Duration
	backoff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, svc *Service) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
	return newConsumer(reader, topic, svc)
}

func newConsumer(reader messageReader, topic string, svc *Service) *Consumer {
	return &Consumer{
		reader: reader,
		svc:    svc,
		topic:  topic,
		poll:   defaultPollTimeout,
		backoff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.MaxElapsedTime = 0 // keep the partition blocked until admitted
			eb.MaxInterval = 30 * time.Second
			return eb
		},
	}
}

// Run consumes until ctx is done or the reader is closed.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("[Kafka] Click consumer started", "topic", c.topic)
	defer slog.Info("[Kafka] Click consumer stopped", "topic", c.topic)

	fetchBackoff := c.backoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, kafka.ErrGroupClosed) {
				return nil
			}
			delay := fetchBackoff.NextBackOff()
			if delay == backoff.Stop {
				delay = c.poll
			}
			slog.Error("[Kafka] Fetch failed", "topic", c.topic, "retry_in", delay, "error", err)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		fetchBackoff.Reset()

		if err := c.handle(ctx, msg); err != nil {
			// Only returned when ctx is done; the message stays uncommitted.
			return nil
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil && ctx.Err() == nil {
			slog.Error("[Kafka] Commit failed", "topic", c.topic, "offset", msg.Offset, "error", err)
		}
		commitCancel()
	}
}

// handle admits one message, retrying admission failures until ctx is done.
// Malformed messages are logged and skipped.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var click v1.ClickMessage
	if err := json.Unmarshal(msg.Value, &click); err != nil {
		slog.Warn("[Kafka] Skipping undecodable message", "offset", msg.Offset, "error", err)
		return nil
	}
	if err := click.Validate(); err != nil {
		slog.Warn("[Kafka] Skipping invalid message", "offset", msg.Offset, "error", err)
		return nil
	}

	op := func() error {
		return c.svc.Ingest(ctx, &click, SourceKafka)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("[Kafka] Admission failed, retrying",
			"offset", msg.Offset,
			"link_id", click.Data.ID,
			"retry_in", next,
			"error", err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.backoff(), ctx), notify)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
