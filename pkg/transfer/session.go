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

// Package transfer moves remotely computed state into locally owned buffers
// without copies through an RDMA-style transport: register a buffer once,
// grant the remote peer a scoped write capability, wait for completion.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	msgpack "github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

var (
	// ErrNotInitialized is returned when the session is used before Initialize.
	ErrNotInitialized = errors.New("transfer session not initialized")
	// ErrDescriptorBusy is returned when a descriptor already has an
	// in-flight writable operation.
	ErrDescriptorBusy = errors.New("descriptor already has an in-flight operation")
)

// OperationState is the lifecycle of one write operation.
type OperationState int32

const (
	StateCreated OperationState = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s OperationState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// BufferMeta records the logical layout of a registered buffer.
type BufferMeta struct {
	Shape  []int64 `msgpack:"shape"`
	Dtype  string  `msgpack:"dtype"`
	Device string  `msgpack:"device"`
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Transport is the backend; defaults to the in-process loopback.
	Transport Transport
	// EagerRegister pins buffers at Register time instead of on the first
	// CreateWritable, trading startup cost for hot-path latency.
	EagerRegister bool
}

// Session is the per-process transfer context bound to a namespace. It must
// be initialized once before any registration.
type Session struct {
	namespace   string
	transport   Transport
	eager       bool
	initialized atomic.Bool
}

// NewSession builds a session; call Initialize before use.
func NewSession(namespace string, opts SessionOptions) *Session {
	transport := opts.Transport
	if transport == nil {
		transport = NewLoopback()
	}
	return &Session{
		namespace: namespace,
		transport: transport,
		eager:     opts.EagerRegister,
	}
}

// Initialize establishes the local transfer context. Required once.
func (s *Session) Initialize() error {
	if !s.initialized.CompareAndSwap(false, true) {
		return nil
	}
	klog.Infof("Transfer session initialized for namespace %s", s.namespace)
	return nil
}

// Transport exposes the backend so the remote side of a handle can resolve
// write targets against the same namespace.
func (s *Session) Transport() Transport {
	return s.transport
}

// Descriptor wraps a registered buffer. Descriptors are long-lived and reused
// sequentially across many transfers to amortize registration cost.
type Descriptor struct {
	session  *Session
	buf      []byte
	meta     BufferMeta
	regionID string
	regMu    sync.Mutex
	busy     atomic.Bool
}

// Register wraps buf in a descriptor. With EagerRegister the backend
// registration happens now; otherwise it is deferred to the first writable.
func (s *Session) Register(buf []byte, meta BufferMeta) (*Descriptor, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	d := &Descriptor{session: s, buf: buf, meta: meta}
	if s.eager {
		if err := d.ensureRegistered(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Descriptor) ensureRegistered() error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if d.regionID != "" {
		return nil
	}
	id, err := d.session.transport.RegisterMemory(d.buf, d.meta)
	if err != nil {
		return fmt.Errorf("failed to register buffer: %w", err)
	}
	d.regionID = id
	klog.V(4).Infof("Registered %d-byte buffer as region %s", len(d.buf), id)
	return nil
}

// Bytes returns the underlying buffer. After a completed write it holds the
// remotely written payload.
func (d *Descriptor) Bytes() []byte {
	return d.buf
}

// Close unregisters the buffer. The descriptor must have no in-flight
// operation.
func (d *Descriptor) Close() error {
	if d.busy.Load() {
		return ErrDescriptorBusy
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if d.regionID == "" {
		return nil
	}
	err := d.session.transport.UnregisterMemory(d.regionID)
	d.regionID = ""
	return err
}

// handle is the serialized form a remote peer uses to target the write.
type handle struct {
	Namespace string  `msgpack:"namespace"`
	OpID      string  `msgpack:"op_id"`
	NumBytes  int64   `msgpack:"num_bytes"`
	Shape     []int64 `msgpack:"shape"`
	Dtype     string  `msgpack:"dtype"`
	Device    string  `msgpack:"device"`
}

// WritableOperation grants the remote peer write access to a descriptor's
// buffer for the operation's lifetime. Exactly one waiter blocks on it.
type WritableOperation struct {
	id   string
	desc *Descriptor
	done <-chan error

	mu       sync.Mutex
	state    OperationState
	err      error
	released bool
}

// CreateWritable opens a write operation against the descriptor. At most one
// operation may be in flight per descriptor; callers must Release on every
// path, typically via defer.
func (s *Session) CreateWritable(d *Descriptor) (*WritableOperation, error) {
	if !s.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if !d.busy.CompareAndSwap(false, true) {
		return nil, ErrDescriptorBusy
	}
	if err := d.ensureRegistered(); err != nil {
		d.busy.Store(false)
		return nil, err
	}
	opID, done, err := s.transport.OpenWrite(d.regionID)
	if err != nil {
		d.busy.Store(false)
		return nil, fmt.Errorf("failed to open write operation: %w", err)
	}
	return &WritableOperation{id: opID, desc: d, done: done, state: StateCreated}, nil
}

// SerializedHandle returns the opaque bytes the remote peer uses to target
// this operation's buffer.
func (op *WritableOperation) SerializedHandle() ([]byte, error) {
	h := handle{
		Namespace: op.desc.session.namespace,
		OpID:      op.id,
		NumBytes:  int64(len(op.desc.buf)),
		Shape:     op.desc.meta.Shape,
		Dtype:     op.desc.meta.Dtype,
		Device:    op.desc.meta.Device,
	}
	data, err := msgpack.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transfer handle: %w", err)
	}
	return data, nil
}

// State reports the operation's current lifecycle state.
func (op *WritableOperation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == StateCompleted || op.state == StateFailed {
		return op.state
	}
	select {
	case err, ok := <-op.done:
		if ok || err != nil {
			op.finishLocked(err)
		} else {
			op.finishLocked(nil)
		}
		return op.state
	default:
	}
	if op.desc.session.transport.Started(op.id) {
		return StateInProgress
	}
	return StateCreated
}

func (op *WritableOperation) finishLocked(err error) {
	if err != nil {
		op.state = StateFailed
		op.err = err
		return
	}
	op.state = StateCompleted
}

// Wait suspends the caller until the write is observably complete. A call
// after completion is a fast no-op. The session never bounds the wait itself;
// the caller enforces its ceiling through ctx.
func (op *WritableOperation) Wait(ctx context.Context) error {
	op.mu.Lock()
	if op.state == StateCompleted {
		op.mu.Unlock()
		return nil
	}
	if op.state == StateFailed {
		defer op.mu.Unlock()
		return fmt.Errorf("transfer operation %s failed: %w", op.id, op.err)
	}
	op.mu.Unlock()

	select {
	case err := <-op.done:
		op.mu.Lock()
		op.finishLocked(err)
		state, opErr := op.state, op.err
		op.mu.Unlock()
		if state == StateFailed {
			return fmt.Errorf("transfer operation %s failed: %w", op.id, opErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transfer operation %s: %w", op.id, ctx.Err())
	}
}

// Release frees the transport resources of the operation and returns the
// descriptor to the reusable pool. It is idempotent and safe on error paths.
func (op *WritableOperation) Release() {
	op.mu.Lock()
	if op.released {
		op.mu.Unlock()
		return
	}
	op.released = true
	op.mu.Unlock()

	if err := op.desc.session.transport.CloseWrite(op.id); err != nil {
		klog.Warningf("Failed to close write operation %s: %v", op.id, err)
	}
	op.desc.busy.Store(false)
}

// RemoteWritable is the sending side of a serialized handle: the peer that
// fills the buffer and signals completion.
type RemoteWritable struct {
	target WriteTarget
	h      handle
}

// OpenRemoteWritable resolves a serialized handle against the transport
// shared by the namespace.
func OpenRemoteWritable(t Transport, serialized []byte) (*RemoteWritable, error) {
	var h handle
	if err := msgpack.Unmarshal(serialized, &h); err != nil {
		return nil, fmt.Errorf("failed to decode transfer handle: %w", err)
	}
	target, err := t.LookupWrite(h.OpID)
	if err != nil {
		return nil, err
	}
	return &RemoteWritable{target: target, h: h}, nil
}

// Write transfers p into the remote buffer.
func (w *RemoteWritable) Write(p []byte) error {
	return w.target.Write(p)
}

// Complete signals the waiter that the write is done.
func (w *RemoteWritable) Complete() {
	w.target.Complete()
}

// Fail signals the waiter that the write cannot be completed.
func (w *RemoteWritable) Fail(err error) {
	w.target.Fail(err)
}

// NumBytes returns the capacity of the remote buffer.
func (w *RemoteWritable) NumBytes() int64 {
	return w.h.NumBytes
}
