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

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/engine"
	"github.com/vllm-serving/disagg-coordinator/pkg/metadata"
	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
	"github.com/vllm-serving/disagg-coordinator/pkg/queue"
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// WorkerState is the prefill worker's lifecycle.
type WorkerState int32

const (
	StateCreated WorkerState = iota
	StateInitializing
	StateReady
	StateDraining
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// QuorumWaiter is the slice of the registry the worker needs for its startup
// peer health check.
type QuorumWaiter interface {
	WaitForInstances(ctx context.Context, namespace, component, endpoint string, min int) error
}

// PrefillWorkerOptions carries the optional collaborators.
type PrefillWorkerOptions struct {
	// Registry, when set together with cfg.MinPeerWorkers > 0, gates
	// readiness on a quorum of decode workers being registered.
	Registry QuorumWaiter
	// PeerComponent names the component whose quorum is checked.
	PeerComponent string
	// PeerEndpoint names the operation whose quorum is checked.
	PeerEndpoint string
	// StateListener observes state transitions (health wiring).
	StateListener func(WorkerState)
	// Fatal replaces the process-terminating handler for a failed
	// consumer task. Tests substitute it; production keeps klog.Fatalf.
	Fatal func(format string, args ...interface{})
}

// PrefillWorker consumes the shared queue, executes prefill against its local
// engine, pushes the computed state into the decode worker's buffer and
// signals completion.
type PrefillWorker struct {
	cfg       *config.Config
	engine    engine.InferenceEngine
	queue     queue.PrefillQueue
	store     metadata.Store
	loader    *metadata.CachedLoader
	session   *transfer.Session
	publisher *metrics.Publisher
	opts      PrefillWorkerOptions

	state atomic.Int32

	// executed keys out duplicate deliveries; the queue is at-least-once.
	// Confined to the consumer goroutine.
	executed map[string]struct{}
}

// NewPrefillWorker assembles a prefill worker in state Created.
func NewPrefillWorker(cfg *config.Config, eng engine.InferenceEngine, q queue.PrefillQueue,
	store metadata.Store, session *transfer.Session, publisher *metrics.Publisher,
	opts PrefillWorkerOptions) *PrefillWorker {
	if opts.Fatal == nil {
		opts.Fatal = klog.Fatalf
	}
	return &PrefillWorker{
		cfg:       cfg,
		engine:    eng,
		queue:     q,
		store:     store,
		loader:    metadata.NewCachedLoader(store, eng),
		session:   session,
		publisher: publisher,
		opts:      opts,
		executed:  make(map[string]struct{}),
	}
}

// State returns the current lifecycle state.
func (w *PrefillWorker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Ready reports liveness/readiness for the orchestrator.
func (w *PrefillWorker) Ready() bool {
	return w.State() == StateReady
}

func (w *PrefillWorker) setState(s WorkerState) {
	w.state.Store(int32(s))
	klog.Infof("Prefill worker state: %s", s)
	if w.opts.StateListener != nil {
		w.opts.StateListener(s)
	}
}

// Run drives the worker through its lifecycle until ctx is cancelled.
// Initialization errors are returned (fatal at startup); an error escaping
// the background consumer terminates the process.
func (w *PrefillWorker) Run(ctx context.Context) error {
	w.setState(StateInitializing)

	if err := w.initialize(ctx); err != nil {
		w.setState(StateStopped)
		return err
	}
	w.setState(StateReady)

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- w.consume(ctx)
	}()

	select {
	case err := <-consumerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			// A stalled-but-alive consumer is worse than a supervised
			// restart; surface the crash to the supervisor.
			w.opts.Fatal("Prefill queue consumer failed: %v", err)
			return err
		}
	case <-ctx.Done():
	}

	w.drain()
	return nil
}

func (w *PrefillWorker) initialize(ctx context.Context) error {
	if err := w.session.Initialize(); err != nil {
		return err
	}

	w.engine.SetMetricsPublisher(w.publisher)
	w.publisher.Publish(metrics.LoadSnapshot{})

	if w.opts.Registry != nil && w.cfg.MinPeerWorkers > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, w.cfg.PeerQuorumWait)
		defer cancel()
		if err := w.opts.Registry.WaitForInstances(waitCtx, w.cfg.Namespace,
			w.opts.PeerComponent, w.opts.PeerEndpoint, w.cfg.MinPeerWorkers); err != nil {
			return fmt.Errorf("peer worker quorum not met: %w", err)
		}
	}

	blob, err := w.engine.TransferMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read engine transfer metadata: %w", err)
	}
	if err := w.store.Put(ctx, w.engine.EngineID(), blob); err != nil {
		return err
	}
	return nil
}

// consume is the queue-consumption task. Infra errors from the broker are
// fatal; per-request errors are logged and drop only that request.
func (w *PrefillWorker) consume(ctx context.Context) error {
	klog.Info("Prefill queue consumer started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("dequeue failed: %w", err)
		}
		if req == nil {
			continue
		}
		if _, dup := w.executed[req.RequestID]; dup {
			klog.Warningf("Skipping duplicate delivery of prefill request %s", req.RequestID)
			continue
		}
		if err := w.handleRequest(ctx, req); err != nil {
			klog.ErrorS(err, "Prefill request failed", "request", req.RequestID)
			continue
		}
		w.executed[req.RequestID] = struct{}{}
	}
}

// handleRequest executes one prefill: load the origin engine's metadata on
// first encounter, run the engine against the reserved blocks, fill the
// decode worker's buffer and signal completion.
func (w *PrefillWorker) handleRequest(ctx context.Context, req *types.PrefillRequest) error {
	klog.Infof("Dequeued prefill request %s from engine %s (length %d)",
		req.RequestID, req.EngineID, len(req.TokenIDs))

	loadCtx, cancel := context.WithTimeout(ctx, w.cfg.MetadataTimeout)
	err := w.loader.EnsureLoaded(loadCtx, req.EngineID)
	cancel()
	if err != nil {
		return err
	}

	var target *transfer.RemoteWritable
	if len(req.TransferDescriptor) > 0 {
		target, err = transfer.OpenRemoteWritable(w.session.Transport(), req.TransferDescriptor)
		if err != nil {
			return fmt.Errorf("failed to open transfer target: %w", err)
		}
	}

	// Prefill computes the prompt and hands decode the first token; cap
	// generation accordingly.
	sampling := req.SamplingParams
	sampling.MaxTokens = 1
	sampling.MinTokens = 1

	results, err := w.engine.Generate(ctx, engine.GenerateRequest{
		RequestID:            req.RequestID,
		TokenIDs:             req.TokenIDs,
		SamplingParams:       sampling,
		MultimodalDataSource: req.MultimodalDataSource,
		RemotePrefill: &engine.RemotePrefillParams{
			IsRemoteDecode:         true,
			DecodeBlockIDs:         req.BlockIDs,
			DecodeComputedBlockIDs: req.ComputedBlockIDs,
			DecodeEngineID:         req.EngineID,
			TargetWritable:         target,
		},
	})
	if err != nil {
		if target != nil {
			target.Fail(err)
		}
		return err
	}
	for range results {
		// Drain; the prefill output itself is not streamed anywhere.
	}

	if target != nil {
		target.Complete()
	}
	klog.V(4).Infof("Completed prefill request %s", req.RequestID)
	return nil
}

// drain performs best-effort teardown: each step continues even if the
// previous one errored.
func (w *PrefillWorker) drain() {
	w.setState(StateDraining)
	if err := w.engine.Close(); err != nil {
		klog.ErrorS(err, "Failed to close engine client")
	}
	if err := w.queue.Close(); err != nil {
		klog.ErrorS(err, "Failed to close prefill queue")
	}
	w.setState(StateStopped)
}
