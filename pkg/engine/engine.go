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

// Package engine defines the contract with the opaque inference engine: the
// collaborator that owns token sampling, batching and attention. The
// coordinator only injects remote-prefill hooks and consumes incremental
// outputs; everything else is the backend's business.
package engine

import (
	"context"

	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// CompletionOutput is one increment of engine output for a request.
type CompletionOutput struct {
	TokenIDs     []int
	FinishReason string
	StopReason   string
}

// Result is one step of a generation stream. A Finished result closes the
// stream; a result with no outputs is a terminal engine failure.
type Result struct {
	Finished bool
	Outputs  []CompletionOutput
}

// RemotePrefillRequest is what the engine hands to the injected callback when
// it decides to offload a prompt: the token ids plus the KV blocks it
// reserved for the transferred state.
type RemotePrefillRequest struct {
	TokenIDs         []int
	BlockIDs         []int
	ComputedBlockIDs []int
	SamplingParams   types.SamplingParams
}

// PrefillRequestCallback is the injection point a decode worker supplies; the
// engine invokes it once per offloaded request.
type PrefillRequestCallback func(ctx context.Context, req RemotePrefillRequest) error

// RemotePrefillParams modifies one generation call for disaggregated serving.
// On the decode side IsRemotePrefill is set together with the callback and
// the transfer wait; on the prefill side IsRemoteDecode is set together with
// the decode engine's identity, block reservation and write target.
type RemotePrefillParams struct {
	IsRemotePrefill bool
	IsRemoteDecode  bool

	DecodeBlockIDs         []int
	DecodeComputedBlockIDs []int
	DecodeEngineID         string

	// PrefillRequestCallback enqueues the engine-built offload request.
	PrefillRequestCallback PrefillRequestCallback

	// AwaitTransfer blocks until the remotely computed state has landed.
	// The decode worker binds its transfer-wait ceiling into this closure.
	AwaitTransfer func(ctx context.Context) error

	// TargetWritable is the decode worker's buffer, opened from the
	// request's transfer descriptor. The prefill engine fills it; the
	// worker signals completion after a successful run.
	TargetWritable *transfer.RemoteWritable
}

// GenerateRequest is one generation call.
type GenerateRequest struct {
	RequestID            string
	TokenIDs             []int
	SamplingParams       types.SamplingParams
	MultimodalDataSource *types.MultimodalDataSource
	RemotePrefill        *RemotePrefillParams
}

// InferenceEngine is the opaque engine collaborator.
type InferenceEngine interface {
	// EngineID is the unique identity of this engine process instance. A
	// restart yields a new id.
	EngineID() string

	// TransferMetadata returns the engine's transfer-capability blob,
	// published once per process lifetime through the metadata store.
	TransferMetadata(ctx context.Context) ([]byte, error)

	// ImportRemoteMetadata applies a peer engine's blob. The side effect
	// is costly and non-idempotent; callers gate it through the metadata
	// cached loader.
	ImportRemoteMetadata(ctx context.Context, engineID string, blob []byte) error

	// SetMetricsPublisher hands the engine the load publisher it feeds
	// during forward passes.
	SetMetricsPublisher(pub *metrics.Publisher)

	// Generate produces incremental outputs for the request. The returned
	// channel is closed when the stream ends.
	Generate(ctx context.Context, req GenerateRequest) (<-chan Result, error)

	// Close shuts the engine client down.
	Close() error
}
