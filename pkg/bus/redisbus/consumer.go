// Package redisbus is a Redis-list reference implementation of the bus
// consumer contract, for development and test deployments. Cloud queue
// drivers live outside this module.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"taskledger/pkg/bus"
)

const defaultLockTTL = 5 * time.Minute

// envelope is the wire shape of a queued message.
type envelope struct {
	MessageID     string            `json:"messageId"`
	Body          string            `json:"body"`
	EnqueuedTime  time.Time         `json:"enqueuedTime"`
	DeliveryCount int               `json:"deliveryCount"`
	Properties    map[string]string `json:"properties,omitempty"`
	Reason        string            `json:"reason,omitempty"` // dead-letter reason
}

// Consumer implements bus.Consumer on Redis lists. Ready messages live on the
// queue list, in-flight messages on the processing list with a per-receipt
// lock key whose expiry models the broker releasing the lock.
type Consumer struct {
	client  *redis.Client
	queue   string
	lockTTL time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLockTTL overrides the per-message lock duration.
func WithLockTTL(d time.Duration) Option {
	return func(c *Consumer) { c.lockTTL = d }
}

// New creates a consumer for the given queue key.
func New(client *redis.Client, queue string, opts ...Option) *Consumer {
	c := &Consumer{
		client:  client,
		queue:   queue,
		lockTTL: defaultLockTTL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Consumer) processingKey() string { return c.queue + ":processing" }
func (c *Consumer) receiptsKey() string   { return c.queue + ":receipts" }
func (c *Consumer) deadLetterKey() string { return c.queue + ":deadletter" }
func (c *Consumer) lockKey(receipt string) string {
	return fmt.Sprintf("%s:lock:%s", c.queue, receipt)
}

// Publish enqueues a message and returns its id. Used by producers and tests.
func (c *Consumer) Publish(ctx context.Context, body string, properties map[string]string) (string, error) {
	env := envelope{
		MessageID:    uuid.NewString(),
		Body:         body,
		EnqueuedTime: time.Now().UTC(),
		Properties:   properties,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	if err := c.client.LPush(ctx, c.queue, raw).Err(); err != nil {
		return "", err
	}
	return env.MessageID, nil
}

// ReceiveMessages returns up to maxMessages, waiting at most maxWait for the
// first. Expired in-flight messages are reclaimed to the ready list before
// polling.
func (c *Consumer) ReceiveMessages(ctx context.Context, maxMessages int, maxWait time.Duration) ([]*bus.Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	if err := c.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	var msgs []*bus.Message
	for len(msgs) < maxMessages {
		var raw string
		var err error
		if len(msgs) == 0 {
			raw, err = c.client.BRPopLPush(ctx, c.queue, c.processingKey(), maxWait).Result()
		} else {
			raw, err = c.client.RPopLPush(ctx, c.queue, c.processingKey()).Result()
		}
		if err == redis.Nil {
			break
		}
		if err != nil {
			return msgs, err
		}

		msg, err := c.lease(ctx, raw)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// lease records the receipt for a popped message and builds its delivery. The
// incremented delivery count is written back into the stored envelope so a
// reclaim after lock expiry redelivers it with the count preserved.
func (c *Consumer) lease(ctx context.Context, raw string) (*bus.Message, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}
	env.DeliveryCount++
	updated, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	receipt := uuid.NewString()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.lockKey(receipt), "1", c.lockTTL)
	pipe.HSet(ctx, c.receiptsKey(), receipt, updated)
	pipe.LRem(ctx, c.processingKey(), 1, raw)
	pipe.LPush(ctx, c.processingKey(), updated)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return &bus.Message{
		MessageID:     env.MessageID,
		Body:          env.Body,
		BodyBytes:     []byte(env.Body),
		EnqueuedTime:  env.EnqueuedTime,
		ReceiptHandle: receipt,
		DeliveryCount: env.DeliveryCount,
		Properties:    env.Properties,
	}, nil
}

// reclaimExpired moves in-flight messages whose lock expired back to the
// ready list so they are redelivered.
func (c *Consumer) reclaimExpired(ctx context.Context) error {
	receipts, err := c.client.HGetAll(ctx, c.receiptsKey()).Result()
	if err != nil {
		return err
	}
	for receipt, raw := range receipts {
		alive, err := c.client.Exists(ctx, c.lockKey(receipt)).Result()
		if err != nil {
			return err
		}
		if alive > 0 {
			continue
		}
		pipe := c.client.TxPipeline()
		pipe.HDel(ctx, c.receiptsKey(), receipt)
		pipe.LRem(ctx, c.processingKey(), 1, raw)
		pipe.LPush(ctx, c.queue, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// release drops the lease and removes the message from the processing list,
// returning the original raw payload. bus.ErrLockLost when the lease is gone.
func (c *Consumer) release(ctx context.Context, msg *bus.Message) (string, error) {
	raw, err := c.client.HGet(ctx, c.receiptsKey(), msg.ReceiptHandle).Result()
	if err == redis.Nil {
		return "", bus.ErrLockLost
	}
	if err != nil {
		return "", err
	}

	alive, err := c.client.Exists(ctx, c.lockKey(msg.ReceiptHandle)).Result()
	if err != nil {
		return "", err
	}
	if alive == 0 {
		// The broker already released the lock; the message belongs to the
		// ready list again and must be redelivered, not settled.
		pipe := c.client.TxPipeline()
		pipe.HDel(ctx, c.receiptsKey(), msg.ReceiptHandle)
		pipe.LRem(ctx, c.processingKey(), 1, raw)
		pipe.LPush(ctx, c.queue, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return "", err
		}
		return "", bus.ErrLockLost
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.lockKey(msg.ReceiptHandle))
	pipe.HDel(ctx, c.receiptsKey(), msg.ReceiptHandle)
	pipe.LRem(ctx, c.processingKey(), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return raw, nil
}

// Complete acknowledges the message and removes it permanently.
func (c *Consumer) Complete(ctx context.Context, msg *bus.Message) error {
	_, err := c.release(ctx, msg)
	return err
}

// Abandon returns the message to the ready list for redelivery.
func (c *Consumer) Abandon(ctx context.Context, msg *bus.Message) error {
	if _, err := c.release(ctx, msg); err != nil {
		return err
	}
	env := envelope{
		MessageID:     msg.MessageID,
		Body:          msg.Body,
		EnqueuedTime:  msg.EnqueuedTime,
		DeliveryCount: msg.DeliveryCount,
		Properties:    msg.Properties,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.client.LPush(ctx, c.queue, raw).Err()
}

// DeadLetter moves the message to the poison list with the given reason.
func (c *Consumer) DeadLetter(ctx context.Context, msg *bus.Message, reason string) error {
	if _, err := c.release(ctx, msg); err != nil {
		return err
	}
	env := envelope{
		MessageID:     msg.MessageID,
		Body:          msg.Body,
		EnqueuedTime:  msg.EnqueuedTime,
		DeliveryCount: msg.DeliveryCount,
		Properties:    msg.Properties,
		Reason:        reason,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.client.LPush(ctx, c.deadLetterKey(), raw).Err()
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	return c.client.Close()
}
