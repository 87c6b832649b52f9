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

package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnknownRegion is returned for operations on an unregistered buffer.
	ErrUnknownRegion = errors.New("unknown memory region")
	// ErrUnknownOperation is returned when a write handle does not resolve.
	ErrUnknownOperation = errors.New("unknown transfer operation")
)

// Transport is the RDMA-style backend the session drives. It is specified at
// the operation level only (register, expose for write, complete); the wire
// mechanics belong to the backend.
type Transport interface {
	// RegisterMemory pins a buffer with the backend and returns its region
	// id. Registration is expensive; callers amortize it across transfers.
	RegisterMemory(buf []byte, meta BufferMeta) (string, error)

	// UnregisterMemory releases a pinned region.
	UnregisterMemory(regionID string) error

	// OpenWrite exposes a registered region for exactly one remote write.
	// The returned channel yields the terminal error (nil on success) and
	// is closed when the write reaches a terminal state.
	OpenWrite(regionID string) (opID string, done <-chan error, err error)

	// CloseWrite releases the transport resources of an operation. It must
	// be safe to call on every path, including after failures.
	CloseWrite(opID string) error

	// Started reports whether the remote peer has begun writing.
	Started(opID string) bool

	// LookupWrite resolves an operation id on the receiving side of a
	// serialized handle.
	LookupWrite(opID string) (WriteTarget, error)
}

// WriteTarget is the remote peer's view of one writable operation.
type WriteTarget interface {
	// Write copies p into the target buffer. The payload must fit.
	Write(p []byte) error
	// Complete marks the operation successful and releases the waiter.
	Complete()
	// Fail marks the operation failed and releases the waiter.
	Fail(err error)
}

// Loopback is the in-process Transport used when both peers share a process
// (tests, single-node runs). Cross-process RDMA backends implement the same
// interface.
type Loopback struct {
	mu      sync.Mutex
	regions map[string]*loopRegion
	ops     map[string]*loopOp
}

type loopRegion struct {
	buf  []byte
	meta BufferMeta
}

type loopOp struct {
	region  *loopRegion
	done    chan error
	once    sync.Once
	mu      sync.Mutex
	started bool
}

var _ Transport = (*Loopback)(nil)

// NewLoopback returns an empty in-process transport.
func NewLoopback() *Loopback {
	return &Loopback{
		regions: make(map[string]*loopRegion),
		ops:     make(map[string]*loopOp),
	}
}

func (t *Loopback) RegisterMemory(buf []byte, meta BufferMeta) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	t.regions[id] = &loopRegion{buf: buf, meta: meta}
	return id, nil
}

func (t *Loopback) UnregisterMemory(regionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.regions[regionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	delete(t.regions, regionID)
	return nil
}

func (t *Loopback) OpenWrite(regionID string) (string, <-chan error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	region, ok := t.regions[regionID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownRegion, regionID)
	}
	op := &loopOp{region: region, done: make(chan error, 1)}
	id := uuid.NewString()
	t.ops[id] = op
	return id, op.done, nil
}

func (t *Loopback) CloseWrite(opID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, opID)
	return nil
}

func (t *Loopback) Started(opID string) bool {
	t.mu.Lock()
	op, ok := t.ops[opID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.started
}

func (t *Loopback) LookupWrite(opID string) (WriteTarget, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[opID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	return op, nil
}

func (op *loopOp) Write(p []byte) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if len(p) > len(op.region.buf) {
		return fmt.Errorf("write of %d bytes exceeds region of %d bytes", len(p), len(op.region.buf))
	}
	op.started = true
	copy(op.region.buf, p)
	return nil
}

func (op *loopOp) Complete() {
	op.once.Do(func() {
		op.done <- nil
		close(op.done)
	})
}

func (op *loopOp) Fail(err error) {
	op.once.Do(func() {
		op.done <- err
		close(op.done)
	})
}
