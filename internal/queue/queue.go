// Package queue carries pipeline messages over a Redis stream consumed by one consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maneesh/labrag/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labrag-queue")

const (
	payloadField = "payload"

	// DefaultBlock is how long a read waits for new entries
	DefaultBlock = 2 * time.Second
)

// Dispatcher publishes merge-completion events
type Dispatcher struct {
	client *redis.Client
	stream string
}

// NewDispatcher creates a dispatcher writing to stream
func NewDispatcher(client *redis.Client, stream string) *Dispatcher {
	return &Dispatcher{client: client, stream: stream}
}

// Publish appends msg to the stream and returns the entry id
func (d *Dispatcher) Publish(ctx context.Context, msg models.PipelineMessage) (string, error) {
	ctx, span := tracer.Start(ctx, "queue.publish",
		trace.WithAttributes(
			attribute.String("stream", d.stream),
			attribute.String("file_md5", msg.FileMD5),
		),
	)
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal pipeline message: %w", err)
	}

	id, err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{payloadField: string(data)},
	}).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish pipeline message: %w: %w", models.ErrTransient, err)
	}

	span.SetAttributes(attribute.String("entry_id", id))
	return id, nil
}

// Delivery is one stream entry handed to a consumer. Err is set when the
// entry could not be decoded; such entries should be acknowledged and dropped.
type Delivery struct {
	ID      string
	Message models.PipelineMessage
	Err     error
}

// Consumer reads entries as one member of a consumer group
type Consumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
	block  time.Duration

	pendingDrained bool
}

// NewConsumer creates a group member called name
func NewConsumer(client *redis.Client, stream, group, name string, block time.Duration) *Consumer {
	if block <= 0 {
		block = DefaultBlock
	}
	return &Consumer{
		client: client,
		stream: stream,
		group:  group,
		name:   name,
		block:  block,
	}
}

// Name returns the consumer name within the group
func (c *Consumer) Name() string { return c.name }

// EnsureGroup creates the stream and the group when missing
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Fetch returns up to count entries. Entries delivered to this consumer
// earlier but never acknowledged are returned first; once they are drained
// the call blocks for new entries. An empty slice means nothing arrived in time.
func (c *Consumer) Fetch(ctx context.Context, count int) ([]Delivery, error) {
	if !c.pendingDrained {
		deliveries, err := c.read(ctx, "0", count, -1)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		c.pendingDrained = true
	}
	return c.read(ctx, ">", count, c.block)
}

func (c *Consumer) read(ctx context.Context, id string, count int, block time.Duration) ([]Delivery, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w: %w", c.stream, models.ErrTransient, err)
	}

	var deliveries []Delivery
	for _, s := range streams {
		for _, entry := range s.Messages {
			deliveries = append(deliveries, decode(entry))
		}
	}
	return deliveries, nil
}

// Ack acknowledges an entry so it is never delivered again
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}

func decode(entry redis.XMessage) Delivery {
	d := Delivery{ID: entry.ID}
	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		d.Err = fmt.Errorf("%w: entry has no %s field", models.ErrInvalidMessage, payloadField)
		return d
	}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		d.Err = fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}
	return d
}
