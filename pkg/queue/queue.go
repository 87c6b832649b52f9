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

// Package queue provides the durable multi-producer/multi-consumer queue that
// carries pending remote-prefill requests from decode workers to the prefill
// pool. Delivery is at-least-once; consumers key out duplicates by request id.
package queue

import (
	"context"
	"errors"

	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("prefill queue is closed")

// PrefillQueue is the contract between decode workers (producers) and prefill
// workers (consumers).
type PrefillQueue interface {
	// Enqueue appends a request to the durable stream. Transient broker
	// errors are retried with backoff; exhausting the retries returns an
	// error, never a silent drop.
	Enqueue(ctx context.Context, req *types.PrefillRequest) error

	// Dequeue blocks up to the configured timeout for the next request.
	// It returns (nil, nil) on timeout so the caller can loop. Malformed
	// payloads are logged, acknowledged and discarded without terminating
	// the consumer; the call then also returns (nil, nil).
	Dequeue(ctx context.Context) (*types.PrefillRequest, error)

	// Size returns the approximate number of pending requests. Eventual
	// consistency is acceptable; this is a backpressure signal, not an
	// accounting primitive.
	Size(ctx context.Context) (int64, error)

	// Close releases the broker connection.
	Close() error
}
