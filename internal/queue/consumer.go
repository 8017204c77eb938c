package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/bookpipe/bookpipe/internal/retry"
)

const consumerName = "bookpipe-stage-consumer"

// Handler executes one task attempt and reports the explicit outcome. The
// consumer decides acking and redelivery from the outcome value alone.
type Handler func(ctx context.Context, msg TaskMessage) retry.Outcome

// Consumer pulls stage tasks off the JetStream work queue and fans them out
// to a fixed-size worker pool.
type Consumer struct {
	js      nats.JetStreamContext
	subject string
	stream  string
	size    int
	handler Handler
}

// NewConsumer creates a consumer with size parallel workers.
func NewConsumer(js nats.JetStreamContext, stream, subject string, size int, handler Handler) *Consumer {
	return &Consumer{js: js, subject: subject, stream: stream, size: size, handler: handler}
}

// Run blocks until ctx is cancelled, then drains the subscription.
func (c *Consumer) Run(ctx context.Context) error {
	_, err := c.js.AddConsumer(c.stream, &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.subject,
		AckWait:       90 * time.Minute,
		MaxAckPending: c.size * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return err
	}

	sub, err := c.js.PullSubscribe(c.subject, consumerName)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for range c.size {
		g.Go(func() error {
			c.runWorker(ctx, sub)
			return nil
		})
	}

	slog.Info("task consumer running", "workers", c.size, "subject", c.subject)

	<-ctx.Done()
	err = g.Wait()

	if derr := sub.Drain(); derr != nil {
		slog.Warn("subscription drain", "error", derr)
	}
	slog.Info("task consumer stopped")
	return err
}

func (c *Consumer) runWorker(ctx context.Context, sub *nats.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
				continue
			}
			slog.Error("fetch task", "error", err)
			continue
		}

		for _, m := range msgs {
			c.dispatch(ctx, m)
		}
	}
}

// dispatch decodes one broker message, runs the handler and translates the
// tagged outcome into broker acking: retries are NAKed with the computed
// delay so JetStream redelivers the same invocation id later; everything
// else is acked and finished.
func (c *Consumer) dispatch(ctx context.Context, m *nats.Msg) {
	var task TaskMessage
	if err := json.Unmarshal(m.Data, &task); err != nil {
		slog.Error("malformed task message, dropping", "error", err)
		_ = m.Ack()
		return
	}

	outcome := c.handler(ctx, task)

	switch outcome.Kind {
	case retry.OutcomeRetry:
		slog.Info("task retry scheduled",
			"invocation_id", task.InvocationID,
			"kind", task.Kind,
			"delay", outcome.Delay,
			"error", outcome.Err,
		)
		if err := m.NakWithDelay(outcome.Delay); err != nil {
			slog.Warn("nak task", "invocation_id", task.InvocationID, "error", err)
		}
	case retry.OutcomeFatal:
		slog.Error("task failed",
			"invocation_id", task.InvocationID,
			"kind", task.Kind,
			"error", outcome.Err,
		)
		_ = m.Ack()
	default:
		_ = m.Ack()
	}
}
