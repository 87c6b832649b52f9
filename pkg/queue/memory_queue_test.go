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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

func samplingParams() types.SamplingParams {
	temp := 0.7
	topK := 40
	return types.SamplingParams{
		Temperature: &temp,
		TopK:        &topK,
		MaxTokens:   128,
		IgnoreEOS:   true,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	q := NewMemory(8, 100*time.Millisecond)
	defer func() { _ = q.Close() }()

	want := &types.PrefillRequest{
		RequestID:        "req-1",
		EngineID:         "engine-a",
		TokenIDs:         []int{1, 2, 3, 4},
		BlockIDs:         []int{10, 11},
		ComputedBlockIDs: []int{10},
		SamplingParams:   samplingParams(),
		MultimodalDataSource: &types.MultimodalDataSource{
			ImageURL: "http://example.com/cat.png",
		},
		TransferDescriptor: []byte{0xde, 0xad, 0xbe, 0xef},
	}

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, want))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, got)
}

func TestMemoryDequeueTimeout(t *testing.T) {
	q := NewMemory(1, 20*time.Millisecond)
	defer func() { _ = q.Close() }()

	got, err := q.Dequeue(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryMalformedPayloadDropped(t *testing.T) {
	q := NewMemory(8, 100*time.Millisecond)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	// Payload missing request_id fails boundary validation.
	missingID := &types.PrefillRequest{
		EngineID: "engine-a",
		TokenIDs: []int{1},
	}
	raw, err := missingID.Marshal()
	require.NoError(t, err)
	q.EnqueueRaw(raw)
	q.EnqueueRaw([]byte("not msgpack at all"))

	valid := &types.PrefillRequest{
		RequestID: "req-2",
		EngineID:  "engine-a",
		TokenIDs:  []int{5, 6},
	}
	require.NoError(t, q.Enqueue(ctx, valid))

	// Both bad payloads are dropped without error; the consumer keeps going.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "req-2", got.RequestID)
}

func TestMemorySize(t *testing.T) {
	q := NewMemory(8, 20*time.Millisecond)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, &types.PrefillRequest{
			RequestID: "req",
			EngineID:  "engine",
			TokenIDs:  []int{1},
		}))
	}
	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
