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
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/engine"
	"github.com/vllm-serving/disagg-coordinator/pkg/metadata"
	"github.com/vllm-serving/disagg-coordinator/pkg/metrics"
	"github.com/vllm-serving/disagg-coordinator/pkg/queue"
	"github.com/vllm-serving/disagg-coordinator/pkg/router"
	"github.com/vllm-serving/disagg-coordinator/pkg/transfer"
	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

// mapStore is an in-memory metadata.Store for tests.
type mapStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{m: map[string][]byte{}}
}

func (s *mapStore) Put(ctx context.Context, engineID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[engineID] = blob
	return nil
}

func (s *mapStore) Get(ctx context.Context, engineID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.m[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: engine %s", metadata.ErrNotPublished, engineID)
	}
	return blob, nil
}

// scriptedEngine replays a fixed result sequence and records the request.
type scriptedEngine struct {
	id      string
	results []engine.Result
	genErr  error

	mu      sync.Mutex
	lastReq engine.GenerateRequest
}

func (s *scriptedEngine) EngineID() string { return s.id }

func (s *scriptedEngine) TransferMetadata(ctx context.Context) ([]byte, error) {
	return []byte("meta:" + s.id), nil
}

func (s *scriptedEngine) ImportRemoteMetadata(ctx context.Context, engineID string, blob []byte) error {
	return nil
}

func (s *scriptedEngine) SetMetricsPublisher(pub *metrics.Publisher) {}

func (s *scriptedEngine) Generate(ctx context.Context, req engine.GenerateRequest) (<-chan engine.Result, error) {
	s.mu.Lock()
	s.lastReq = req
	s.mu.Unlock()
	if s.genErr != nil {
		return nil, s.genErr
	}
	ch := make(chan engine.Result, len(s.results)+1)
	go func() {
		defer close(ch)
		if rp := req.RemotePrefill; rp != nil && rp.IsRemotePrefill && rp.PrefillRequestCallback != nil {
			if err := rp.PrefillRequestCallback(ctx, engine.RemotePrefillRequest{
				TokenIDs:       req.TokenIDs,
				BlockIDs:       []int{0, 1},
				SamplingParams: req.SamplingParams,
			}); err != nil {
				ch <- engine.Result{}
				return
			}
		}
		for _, r := range s.results {
			ch <- r
		}
	}()
	return ch, nil
}

func (s *scriptedEngine) Close() error { return nil }

func (s *scriptedEngine) remotePrefill() *engine.RemotePrefillParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq.RemotePrefill
}

// sizeErrQueue fails depth sampling.
type sizeErrQueue struct {
	queue.PrefillQueue
}

func (q sizeErrQueue) Size(ctx context.Context) (int64, error) {
	return 0, errors.New("broker unreachable")
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.RemotePrefill = true
	cfg.ConditionalDisagg = true
	cfg.MaxLocalPrefillLength = 50
	cfg.MaxPrefillQueueSize = 2
	cfg.TransferWaitCeiling = 2 * time.Second
	cfg.MetadataTimeout = time.Second
	cfg.DequeueTimeout = 20 * time.Millisecond
	return cfg
}

func newDecodeWorker(t *testing.T, cfg *config.Config, eng engine.InferenceEngine, q queue.PrefillQueue, rt *router.Router) *DecodeWorker {
	t.Helper()
	session := transfer.NewSession(cfg.Namespace, transfer.SessionOptions{})
	w := NewDecodeWorker(cfg, eng, q, rt, session, newMapStore(), metrics.NewPublisher(prometheus.NewRegistry()))
	require.NoError(t, w.Start(context.Background()))
	return w
}

func collectDeltas(t *testing.T, w *DecodeWorker, req GenerateRequest) []types.ResponseDelta {
	t.Helper()
	var deltas []types.ResponseDelta
	err := w.Generate(context.Background(), req, func(d types.ResponseDelta) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	return deltas
}

func TestGenerateLocalStreamMapping(t *testing.T) {
	cfg := testConfig()
	cfg.RemotePrefill = false
	eng := &scriptedEngine{
		id: "engine-d",
		results: []engine.Result{
			{Outputs: []engine.CompletionOutput{{TokenIDs: []int{11}}}},
			{Outputs: []engine.CompletionOutput{{TokenIDs: []int{12}, StopReason: "\\n"}}},
			{Finished: true},
		},
	}
	q := queue.NewMemory(4, 20*time.Millisecond)
	w := newDecodeWorker(t, cfg, eng, q, router.New(50, 2))

	deltas := collectDeltas(t, w, GenerateRequest{TokenIDs: []int{1, 2, 3}})

	require.Len(t, deltas, 3)
	assert.Equal(t, types.ResponseDelta{TokenIDs: []int{11}}, deltas[0])
	assert.Equal(t, types.ResponseDelta{TokenIDs: []int{12}, StopReason: "\\n"}, deltas[1])
	assert.Equal(t, types.ResponseDelta{TokenIDs: []int{}, FinishReason: types.FinishReasonStop}, deltas[2])
	for _, d := range deltas[:2] {
		assert.Empty(t, d.FinishReason, "intermediate deltas never carry a finish reason")
	}
	assert.Nil(t, eng.remotePrefill(), "local path must not carry remote prefill params")
}

func TestGenerateEmptyOutputsMapsToError(t *testing.T) {
	cfg := testConfig()
	cfg.RemotePrefill = false
	eng := &scriptedEngine{id: "engine-d", results: []engine.Result{{}}}
	w := newDecodeWorker(t, cfg, eng, queue.NewMemory(4, 20*time.Millisecond), nil)

	deltas := collectDeltas(t, w, GenerateRequest{TokenIDs: []int{1}})
	require.Len(t, deltas, 1)
	assert.Equal(t, types.ResponseDelta{TokenIDs: []int{}, FinishReason: types.FinishReasonError}, deltas[0])
}

func TestGenerateEngineVanishingMapsToError(t *testing.T) {
	cfg := testConfig()
	cfg.RemotePrefill = false
	eng := &scriptedEngine{id: "engine-d"} // closes the stream with no terminal result
	w := newDecodeWorker(t, cfg, eng, queue.NewMemory(4, 20*time.Millisecond), nil)

	deltas := collectDeltas(t, w, GenerateRequest{TokenIDs: []int{1}})
	require.Len(t, deltas, 1)
	assert.Equal(t, types.FinishReasonError, deltas[0].FinishReason)
}

func TestGenerateQueueDepthFailureSurfacesAsError(t *testing.T) {
	cfg := testConfig()
	eng := &scriptedEngine{id: "engine-d", results: []engine.Result{{Finished: true}}}
	q := sizeErrQueue{queue.NewMemory(4, 20*time.Millisecond)}
	w := newDecodeWorker(t, cfg, eng, q, router.New(50, 2))

	deltas := collectDeltas(t, w, GenerateRequest{TokenIDs: make([]int, 200)})
	require.Len(t, deltas, 1)
	assert.Equal(t, types.FinishReasonError, deltas[0].FinishReason)
}

func TestGenerateRemotePathEnqueuesPrefillRequest(t *testing.T) {
	cfg := testConfig()
	eng := &scriptedEngine{
		id: "engine-d",
		results: []engine.Result{
			{Outputs: []engine.CompletionOutput{{TokenIDs: []int{5}}}},
			{Finished: true},
		},
	}
	q := queue.NewMemory(4, 20*time.Millisecond)
	w := newDecodeWorker(t, cfg, eng, q, router.New(50, 2))

	deltas := collectDeltas(t, w, GenerateRequest{TokenIDs: make([]int, 200)})
	assert.Equal(t, types.FinishReasonStop, deltas[len(deltas)-1].FinishReason)

	rp := eng.remotePrefill()
	require.NotNil(t, rp)
	assert.True(t, rp.IsRemotePrefill)

	queued, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Len(t, queued.TokenIDs, 200)
	assert.Equal(t, "engine-d", queued.EngineID)
	assert.NotEmpty(t, queued.RequestID)
	assert.Equal(t, []int{0, 1}, queued.BlockIDs)
	assert.NotEmpty(t, queued.TransferDescriptor)
}

func TestGenerateBoundaryPromptStaysLocal(t *testing.T) {
	cfg := testConfig()
	eng := &scriptedEngine{id: "engine-d", results: []engine.Result{{Finished: true}}}
	q := queue.NewMemory(4, 20*time.Millisecond)
	w := newDecodeWorker(t, cfg, eng, q, router.New(50, 2))

	collectDeltas(t, w, GenerateRequest{TokenIDs: make([]int, 50)})
	assert.Nil(t, eng.remotePrefill())

	n, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGenerateBackpressureForcesLocal(t *testing.T) {
	cfg := testConfig()
	eng := &scriptedEngine{id: "engine-d", results: []engine.Result{{Finished: true}}}
	q := queue.NewMemory(16, 20*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < cfg.MaxPrefillQueueSize+1; i++ {
		require.NoError(t, q.Enqueue(ctx, &types.PrefillRequest{
			RequestID: fmt.Sprintf("backlog-%d", i), EngineID: "e", TokenIDs: []int{1},
		}))
	}
	w := newDecodeWorker(t, cfg, eng, q, router.New(50, 2))

	collectDeltas(t, w, GenerateRequest{TokenIDs: make([]int, 200)})
	assert.Nil(t, eng.remotePrefill(), "congestion must override the remote preference")
}
