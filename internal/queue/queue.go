// Package queue is the broker boundary: stage tasks travel through a NATS
// JetStream work queue, and the transient per-invocation state that backs the
// duplicate checks lives in Redis next to it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bookpipe/bookpipe/internal/cache"
	"github.com/bookpipe/bookpipe/internal/config"
	"github.com/bookpipe/bookpipe/pkg/models"
)

// taskStateTTL bounds how long a live-state key survives without a worker
// touching it. Generous next to the 1h hard task ceiling.
const taskStateTTL = 2 * time.Hour

// TaskMessage is the broker payload for one stage invocation. The invocation
// id rides with the message, so a JetStream redelivery carries the same id
// and lands on the same ledger row.
type TaskMessage struct {
	InvocationID string          `json:"invocation_id"`
	JobID        uuid.UUID       `json:"job_id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	Kind         models.TaskKind `json:"kind"`
	AutoPostEdit bool            `json:"auto_post_edit,omitempty"`
	Resume       bool            `json:"resume,omitempty"`
}

// Connect opens a NATS connection and ensures the work-queue stream exists.
func Connect(cfg config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("bookpipe"),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream add stream: %w", err)
	}

	return nc, js, nil
}

// Queue publishes stage tasks.
type Queue struct {
	js      nats.JetStreamContext
	subject string
	cache   cache.Cache
}

// NewQueue creates a Queue publishing on the given subject.
func NewQueue(js nats.JetStreamContext, subject string, c cache.Cache) *Queue {
	return &Queue{js: js, subject: subject, cache: c}
}

// Enqueue publishes a task message and records the invocation as PENDING in
// the live-state channel so the duplicate check sees it before a worker does.
func (q *Queue) Enqueue(ctx context.Context, msg TaskMessage) error {
	if msg.InvocationID == "" {
		return fmt.Errorf("enqueue: empty invocation id")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("enqueue task %s: marshal: %w", msg.InvocationID, err)
	}

	if err := q.cache.SetTaskState(ctx, msg.InvocationID, models.ExecStatusPending, taskStateTTL); err != nil {
		slog.Warn("set pending task state", "invocation_id", msg.InvocationID, "error", err)
	}

	ack, err := q.js.PublishMsg(&nats.Msg{Subject: q.subject, Data: data})
	if err != nil {
		return fmt.Errorf("enqueue task %s: publish failed: %w", msg.InvocationID, err)
	}

	slog.Debug("task enqueued",
		"invocation_id", msg.InvocationID,
		"job_id", msg.JobID,
		"kind", msg.Kind,
		"stream", ack.Stream,
		"seq", ack.Sequence,
	)
	return nil
}
