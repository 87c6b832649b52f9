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
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// Memory is an in-process PrefillQueue used by tests and single-node runs.
// It carries the same wire encoding as the Redis implementation so the codec
// path is exercised end to end.
type Memory struct {
	mu      sync.Mutex
	closed  bool
	entries chan []byte
	timeout time.Duration
}

var _ PrefillQueue = (*Memory)(nil)

// NewMemory returns an in-process queue with the given capacity and blocking
// dequeue timeout.
func NewMemory(capacity int, dequeueTimeout time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = 500 * time.Millisecond
	}
	return &Memory{
		entries: make(chan []byte, capacity),
		timeout: dequeueTimeout,
	}
}

func (m *Memory) Enqueue(ctx context.Context, req *types.PrefillRequest) error {
	payload, err := req.Marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	select {
	case m.entries <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Dequeue(ctx context.Context) (*types.PrefillRequest, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-m.entries:
		if !ok {
			return nil, ErrClosed
		}
		req, err := types.UnmarshalPrefillRequest(payload)
		if err != nil {
			klog.Warningf("Dropping malformed prefill queue payload: %v", err)
			return nil, nil
		}
		return req, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Size(ctx context.Context) (int64, error) {
	return int64(len(m.entries)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.entries)
	}
	return nil
}

// EnqueueRaw injects an arbitrary payload, bypassing the typed producer path.
// Tests use it to simulate a misbehaving producer.
func (m *Memory) EnqueueRaw(payload []byte) {
	m.entries <- payload
}
