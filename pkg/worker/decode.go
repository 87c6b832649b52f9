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

// Package worker wires the coordinator's two roles: the decode worker that
// owns request intake and the routing decision, and the prefill worker that
// drains the shared queue.
package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/engine"
	"github.com/vllm-serving/disagg-coordinator/pkg/metadata"
	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
	"github.com/vllm-serving/disagg-coordinator/pkg/queue"
	"github.com/vllm-serving/disagg-coordinator/pkg/router"
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// kvBufferBytes sizes the long-lived staging buffer remote prefill writes
// into. Reused sequentially across requests.
const kvBufferBytes = 1 << 20

// GenerateRequest is one decode-side generation call.
type GenerateRequest struct {
	TokenIDs             []int
	SamplingParams       types.SamplingParams
	MultimodalDataSource *types.MultimodalDataSource
}

// EmitFunc receives response deltas in order. Returning an error aborts the
// stream.
type EmitFunc func(types.ResponseDelta) error

// DecodeWorker accepts generation requests, consults the router, and either
// prefills in process or hands the prompt off to the prefill pool.
type DecodeWorker struct {
	cfg       *config.Config
	engine    engine.InferenceEngine
	queue     queue.PrefillQueue
	router    *router.Router
	session   *transfer.Session
	store     metadata.Store
	publisher *metrics.Publisher

	kvBuffer *transfer.Descriptor
	started  bool
}

// NewDecodeWorker assembles a decode worker. router may be nil, in which case
// every eligible request is prefilled remotely (unconditional disaggregation).
func NewDecodeWorker(cfg *config.Config, eng engine.InferenceEngine, q queue.PrefillQueue,
	rt *router.Router, session *transfer.Session, store metadata.Store,
	publisher *metrics.Publisher) *DecodeWorker {
	return &DecodeWorker{
		cfg:       cfg,
		engine:    eng,
		queue:     q,
		router:    rt,
		session:   session,
		store:     store,
		publisher: publisher,
	}
}

// Start publishes the engine's transfer metadata, registers the staging
// buffer and seeds the load signal. Must run once before Generate.
func (w *DecodeWorker) Start(ctx context.Context) error {
	if w.started {
		return nil
	}
	if err := w.session.Initialize(); err != nil {
		return err
	}

	// Kick-start the load signal: the engine publishes nothing until its
	// first forward pass, and consumers must not see a void.
	w.engine.SetMetricsPublisher(w.publisher)
	w.publisher.Publish(metrics.LoadSnapshot{})

	if w.cfg.RemotePrefill {
		blob, err := w.engine.TransferMetadata(ctx)
		if err != nil {
			return fmt.Errorf("failed to read engine transfer metadata: %w", err)
		}
		if err := w.store.Put(ctx, w.engine.EngineID(), blob); err != nil {
			return err
		}
		desc, err := w.session.Register(make([]byte, kvBufferBytes), transfer.BufferMeta{
			Shape:  []int64{kvBufferBytes},
			Dtype:  "uint8",
			Device: "cuda",
		})
		if err != nil {
			return fmt.Errorf("failed to register KV staging buffer: %w", err)
		}
		w.kvBuffer = desc
	}
	w.started = true
	return nil
}

// Generate runs one request, streaming deltas to emit. User-visible failures
// arrive as a terminal delta with finish reason "error", never as a hang.
func (w *DecodeWorker) Generate(ctx context.Context, req GenerateRequest, emit EmitFunc) error {
	requestID := uuid.NewString()

	remote, err := w.decideRemote(ctx, len(req.TokenIDs))
	if err != nil {
		klog.ErrorS(err, "Failed to sample prefill queue depth", "request", requestID)
		return emit(errorDelta())
	}

	var params *engine.RemotePrefillParams
	if remote {
		var op *transfer.WritableOperation
		params, op, err = w.remoteParams(requestID, req)
		if err != nil {
			// The staging buffer is busy with a previous transfer;
			// fall back to local prefill rather than queueing on it.
			klog.V(4).Infof("Falling back to local prefill for request %s: %v", requestID, err)
			params = nil
		}
		if op != nil {
			defer op.Release()
		}
	}
	if params != nil {
		klog.Infof("Prefilling remotely for request %s with length %d", requestID, len(req.TokenIDs))
	} else {
		klog.Infof("Prefilling locally for request %s with length %d", requestID, len(req.TokenIDs))
	}

	results, err := w.engine.Generate(ctx, engine.GenerateRequest{
		RequestID:            requestID,
		TokenIDs:             req.TokenIDs,
		SamplingParams:       req.SamplingParams,
		MultimodalDataSource: req.MultimodalDataSource,
		RemotePrefill:        params,
	})
	if err != nil {
		klog.ErrorS(err, "Engine rejected generation request", "request", requestID)
		return emit(errorDelta())
	}

	return streamDeltas(ctx, results, emit)
}

// decideRemote samples the queue depth and asks the router. The prefix cache
// hit rate is not yet reported by the engine and is passed as zero.
func (w *DecodeWorker) decideRemote(ctx context.Context, promptLen int) (bool, error) {
	if !w.cfg.RemotePrefill {
		return false, nil
	}
	if w.router == nil {
		return true, nil
	}
	depth, err := w.queue.Size(ctx)
	if err != nil {
		return false, err
	}
	return w.router.Decide(promptLen, 0, int(depth)), nil
}

// remoteParams opens a writable on the staging buffer and builds the enqueue
// callback plus the bounded transfer wait.
func (w *DecodeWorker) remoteParams(requestID string, req GenerateRequest) (*engine.RemotePrefillParams, *transfer.WritableOperation, error) {
	if w.kvBuffer == nil {
		return nil, nil, fmt.Errorf("decode worker not started")
	}
	op, err := w.session.CreateWritable(w.kvBuffer)
	if err != nil {
		return nil, nil, err
	}
	handle, err := op.SerializedHandle()
	if err != nil {
		op.Release()
		return nil, nil, err
	}

	callback := func(ctx context.Context, offload engine.RemotePrefillRequest) error {
		return w.queue.Enqueue(ctx, &types.PrefillRequest{
			RequestID:            requestID,
			EngineID:             w.engine.EngineID(),
			TokenIDs:             offload.TokenIDs,
			BlockIDs:             offload.BlockIDs,
			ComputedBlockIDs:     offload.ComputedBlockIDs,
			SamplingParams:       offload.SamplingParams,
			MultimodalDataSource: req.MultimodalDataSource,
			TransferDescriptor:   handle,
		})
	}
	await := func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, w.cfg.TransferWaitCeiling)
		defer cancel()
		return op.Wait(waitCtx)
	}
	return &engine.RemotePrefillParams{
		IsRemotePrefill:        true,
		PrefillRequestCallback: callback,
		AwaitTransfer:          await,
	}, op, nil
}

// streamDeltas maps engine results onto response deltas. A finished result
// closes the stream with "stop"; a result with no outputs closes it with
// "error". Intermediate deltas never carry a finish reason of their own
// making; engine-reported reasons pass through.
func streamDeltas(ctx context.Context, results <-chan engine.Result, emit EmitFunc) error {
	for {
		select {
		case result, ok := <-results:
			if !ok {
				// The engine went away without a terminal result.
				return emit(errorDelta())
			}
			if result.Finished {
				return emit(types.ResponseDelta{TokenIDs: []int{}, FinishReason: types.FinishReasonStop})
			}
			if len(result.Outputs) == 0 {
				return emit(errorDelta())
			}
			out := result.Outputs[0]
			if err := emit(types.ResponseDelta{
				TokenIDs:     out.TokenIDs,
				FinishReason: out.FinishReason,
				StopReason:   out.StopReason,
			}); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func errorDelta() types.ResponseDelta {
	return types.ResponseDelta{TokenIDs: []int{}, FinishReason: types.FinishReasonError}
}
