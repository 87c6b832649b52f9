/*
Copyright 2025 The Disagg Coordinator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

const payloadField = "payload"

// streamClient is the slice of the Redis command surface the queue uses.
// *redis.Client satisfies it; tests substitute a fake broker.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
}

// RedisQueueOptions tunes the Redis Streams implementation.
type RedisQueueOptions struct {
	// Stream is the durable stream name, derived from the namespace or the
	// served model name.
	Stream string
	// Consumer identifies this process within the consumer group.
	Consumer string
	// DequeueTimeout bounds one blocking pull.
	DequeueTimeout time.Duration
	// EnqueueRetries bounds attempts against a transiently failing broker.
	EnqueueRetries int
	// EnqueueBackoff is the initial retry delay; it doubles per attempt.
	EnqueueBackoff time.Duration
}

// RedisQueue is a PrefillQueue backed by a Redis stream with a single consumer
// group shared by the prefill pool. Entries are acknowledged and deleted only
// after a successful parse, so the stream length approximates pending depth.
type RedisQueue struct {
	client streamClient
	opts   RedisQueueOptions
	group  string

	initOnce sync.Once
	initErr  error
	closed   bool
	mu       sync.Mutex
}

var _ PrefillQueue = (*RedisQueue)(nil)

// NewRedisQueue wraps an already-connected Redis client. The connection is
// opened once per process by the caller and reused for the process lifetime.
func NewRedisQueue(client *redis.Client, opts RedisQueueOptions) *RedisQueue {
	return newRedisQueue(client, opts)
}

func newRedisQueue(client streamClient, opts RedisQueueOptions) *RedisQueue {
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 500 * time.Millisecond
	}
	if opts.EnqueueRetries <= 0 {
		opts.EnqueueRetries = 5
	}
	if opts.EnqueueBackoff <= 0 {
		opts.EnqueueBackoff = 100 * time.Millisecond
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-1"
	}
	return &RedisQueue{
		client: client,
		opts:   opts,
		group:  opts.Stream + "_workers",
	}
}

// ensureStream creates the stream and consumer group idempotently on first
// use. A pre-existing group is not an error.
func (q *RedisQueue) ensureStream(ctx context.Context) error {
	q.initOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.initErr = fmt.Errorf("failed to create stream %s: %w", q.opts.Stream, err)
			return
		}
		klog.Infof("Prefill queue stream %s ready (group %s)", q.opts.Stream, q.group)
	})
	return q.initErr
}

// Enqueue appends the request with bounded retries and exponential backoff.
func (q *RedisQueue) Enqueue(ctx context.Context, req *types.PrefillRequest) error {
	if err := q.ensureStream(ctx); err != nil {
		return err
	}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}

	backoff := q.opts.EnqueueBackoff
	var lastErr error
	for attempt := 1; attempt <= q.opts.EnqueueRetries; attempt++ {
		lastErr = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.opts.Stream,
			Values: map[string]interface{}{payloadField: payload},
		}).Err()
		if lastErr == nil {
			klog.V(4).Infof("Enqueued prefill request %s on %s", req.RequestID, q.opts.Stream)
			return nil
		}
		klog.Warningf("Enqueue attempt %d/%d for request %s failed: %v",
			attempt, q.opts.EnqueueRetries, req.RequestID, lastErr)
		if attempt == q.opts.EnqueueRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to enqueue prefill request %s after %d attempts: %w",
		req.RequestID, q.opts.EnqueueRetries, lastErr)
}

// Dequeue pulls the next pending request, blocking up to the configured
// timeout. Timeouts yield (nil, nil). Malformed payloads are acknowledged,
// deleted and dropped so one bad producer cannot wedge the pool.
func (q *RedisQueue) Dequeue(ctx context.Context) (*types.PrefillRequest, error) {
	if err := q.ensureStream(ctx); err != nil {
		return nil, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    q.opts.DequeueTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", q.opts.Stream, err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	msg := streams[0].Messages[0]
	req, parseErr := parsePayload(msg)
	// Acknowledge after parse: a payload we cannot decode will never become
	// decodable, so it is acked and discarded rather than redelivered.
	q.ack(ctx, msg.ID)
	if parseErr != nil {
		klog.Warningf("Dropping malformed prefill queue payload %s: %v", msg.ID, parseErr)
		return nil, nil
	}
	klog.V(4).Infof("Dequeued prefill request %s from %s", req.RequestID, q.opts.Stream)
	return req, nil
}

func parsePayload(msg redis.XMessage) (*types.PrefillRequest, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return nil, fmt.Errorf("message %s has no %s field", msg.ID, payloadField)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s has a non-string payload", msg.ID)
	}
	return types.UnmarshalPrefillRequest([]byte(text))
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.opts.Stream, q.group, id).Err(); err != nil {
		klog.Warningf("Failed to ack message %s: %v", id, err)
		return
	}
	// Deleting acknowledged entries keeps XLEN an approximation of pending
	// depth for the router's backpressure signal.
	if err := q.client.XDel(ctx, q.opts.Stream, id).Err(); err != nil {
		klog.Warningf("Failed to delete acked message %s: %v", id, err)
	}
}

// Size reports the approximate pending depth of the stream.
func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	if err := q.ensureStream(ctx); err != nil {
		return 0, err
	}
	n, err := q.client.XLen(ctx, q.opts.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Close marks the queue closed. The underlying Redis client is owned and
// closed by main.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
