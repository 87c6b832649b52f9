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

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	msgpack "github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
)

const (
	echoDefaultMaxTokens = 16
	echoBlockSize        = 16
	echoTotalSlots       = 1024
	echoTotalKVBlocks    = 1024
)

func init() {
	RegisterBackend("echo", func(cfg *config.Config) (InferenceEngine, error) {
		return NewEcho(cfg.Namespace), nil
	})
}

// Echo is a tokenizer-free backend that plays the prompt back as output. It
// exercises the full disaggregation surface (callback injection, transfer
// fill, metadata import) without a GPU, for development and end-to-end tests.
type Echo struct {
	engineID  string
	namespace string

	mu        sync.Mutex
	imported  map[string][]byte
	publisher *metrics.Publisher
	active    atomic.Int64
	closed    atomic.Bool
}

var _ InferenceEngine = (*Echo)(nil)

// NewEcho returns a fresh echo engine instance with a unique engine id.
func NewEcho(namespace string) *Echo {
	return &Echo{
		engineID:  uuid.NewString(),
		namespace: namespace,
		imported:  make(map[string][]byte),
	}
}

func (e *Echo) EngineID() string {
	return e.engineID
}

type echoMetadata struct {
	EngineID  string `msgpack:"engine_id"`
	Namespace string `msgpack:"namespace"`
	Backend   string `msgpack:"backend"`
}

func (e *Echo) TransferMetadata(ctx context.Context) ([]byte, error) {
	return msgpack.Marshal(&echoMetadata{
		EngineID:  e.engineID,
		Namespace: e.namespace,
		Backend:   "echo",
	})
}

func (e *Echo) ImportRemoteMetadata(ctx context.Context, engineID string, blob []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.imported[engineID] = blob
	klog.V(4).Infof("Echo engine %s imported metadata from %s", e.engineID, engineID)
	return nil
}

// ImportedEngines lists the peer engines whose metadata has been applied.
func (e *Echo) ImportedEngines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.imported))
	for id := range e.imported {
		ids = append(ids, id)
	}
	return ids
}

func (e *Echo) SetMetricsPublisher(pub *metrics.Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = pub
}

func (e *Echo) publishLoad(waiting int64) {
	e.mu.Lock()
	pub := e.publisher
	e.mu.Unlock()
	if pub == nil {
		return
	}
	active := e.active.Load()
	pub.Publish(metrics.LoadSnapshot{
		ActiveSlots:    active,
		TotalSlots:     echoTotalSlots,
		ActiveKVBlocks: active * echoBlockSize,
		TotalKVBlocks:  echoTotalKVBlocks,
		NumWaiting:     waiting,
	})
}

func (e *Echo) Generate(ctx context.Context, req GenerateRequest) (<-chan Result, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("echo engine %s is closed", e.engineID)
	}
	if len(req.TokenIDs) == 0 {
		return nil, fmt.Errorf("request %s has no prompt tokens", req.RequestID)
	}

	results := make(chan Result, 4)
	e.active.Add(1)
	e.publishLoad(0)
	go func() {
		defer func() {
			e.active.Add(-1)
			e.publishLoad(0)
			close(results)
		}()
		e.run(ctx, req, results)
	}()
	return results, nil
}

func (e *Echo) run(ctx context.Context, req GenerateRequest, results chan<- Result) {
	rp := req.RemotePrefill
	switch {
	case rp != nil && rp.IsRemoteDecode:
		// Prefill side of an offloaded request: compute the prompt state
		// and push it into the decode engine's reserved blocks.
		if rp.TargetWritable != nil {
			if err := rp.TargetWritable.Write(kvPayload(req.TokenIDs)); err != nil {
				klog.ErrorS(err, "Echo engine failed to fill transfer target", "request", req.RequestID)
				e.send(ctx, results, Result{})
				return
			}
		}
		// Prefill emits the first token only; decode continues remotely.
		if !e.send(ctx, results, Result{Outputs: []CompletionOutput{{TokenIDs: []int{firstToken(req.TokenIDs)}}}}) {
			return
		}
		e.send(ctx, results, Result{Finished: true})

	case rp != nil && rp.IsRemotePrefill && rp.PrefillRequestCallback != nil:
		offload := RemotePrefillRequest{
			TokenIDs:       req.TokenIDs,
			BlockIDs:       reserveBlocks(len(req.TokenIDs)),
			SamplingParams: req.SamplingParams,
		}
		if err := rp.PrefillRequestCallback(ctx, offload); err != nil {
			klog.ErrorS(err, "Remote prefill enqueue failed", "request", req.RequestID)
			e.send(ctx, results, Result{})
			return
		}
		if rp.AwaitTransfer != nil {
			if err := rp.AwaitTransfer(ctx); err != nil {
				klog.ErrorS(err, "Remote prefill transfer did not complete", "request", req.RequestID)
				e.send(ctx, results, Result{})
				return
			}
		}
		e.decode(ctx, req, results)

	default:
		e.decode(ctx, req, results)
	}
}

// decode plays the prompt back one token per step, then finishes.
func (e *Echo) decode(ctx context.Context, req GenerateRequest, results chan<- Result) {
	maxTokens := req.SamplingParams.MaxTokens
	if maxTokens <= 0 {
		maxTokens = echoDefaultMaxTokens
	}
	for i := 0; i < maxTokens; i++ {
		token := req.TokenIDs[i%len(req.TokenIDs)]
		out := CompletionOutput{TokenIDs: []int{token}}
		if !e.send(ctx, results, Result{Outputs: []CompletionOutput{out}}) {
			return
		}
	}
	e.send(ctx, results, Result{Finished: true})
}

func (e *Echo) send(ctx context.Context, results chan<- Result, r Result) bool {
	select {
	case results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Echo) Close() error {
	e.closed.Store(true)
	klog.Infof("Echo engine %s closed", e.engineID)
	return nil
}

// kvPayload is the deterministic stand-in for the prompt's computed KV state.
func kvPayload(tokenIDs []int) []byte {
	buf := make([]byte, 8*len(tokenIDs))
	for i, t := range tokenIDs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(t))
	}
	return buf
}

func firstToken(tokenIDs []int) int {
	return tokenIDs[0]
}

func reserveBlocks(promptLen int) []int {
	n := (promptLen + echoBlockSize - 1) / echoBlockSize
	blocks := make([]int, n)
	for i := range blocks {
		blocks[i] = i
	}
	return blocks
}
