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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
	"github.com/vllm-serving/disagg-coordinator/pkg/types"
)

func collect(t *testing.T, results <-chan Result) []Result {
	t.Helper()
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}

func TestEchoLocalGenerate(t *testing.T) {
	e := NewEcho("disagg")
	ctx := context.Background()

	results, err := e.Generate(ctx, GenerateRequest{
		RequestID:      "req-1",
		TokenIDs:       []int{7, 8, 9},
		SamplingParams: types.SamplingParams{MaxTokens: 4},
	})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 5)
	for _, r := range all[:4] {
		assert.False(t, r.Finished)
		require.Len(t, r.Outputs, 1)
		assert.Empty(t, r.Outputs[0].FinishReason)
	}
	assert.True(t, all[4].Finished)
	assert.Equal(t, []int{7}, all[0].Outputs[0].TokenIDs)
	assert.Equal(t, []int{7}, all[3].Outputs[0].TokenIDs) // wraps around the prompt
}

func TestEchoRejectsEmptyPrompt(t *testing.T) {
	e := NewEcho("disagg")
	_, err := e.Generate(context.Background(), GenerateRequest{RequestID: "req-1"})
	assert.Error(t, err)
}

func TestEchoRemotePrefillInvokesCallbackOnce(t *testing.T) {
	e := NewEcho("disagg")
	ctx := context.Background()

	var calls int
	var got RemotePrefillRequest
	results, err := e.Generate(ctx, GenerateRequest{
		RequestID:      "req-1",
		TokenIDs:       make([]int, 200),
		SamplingParams: types.SamplingParams{MaxTokens: 2},
		RemotePrefill: &RemotePrefillParams{
			IsRemotePrefill: true,
			PrefillRequestCallback: func(ctx context.Context, req RemotePrefillRequest) error {
				calls++
				got = req
				return nil
			},
		},
	})
	require.NoError(t, err)
	all := collect(t, results)

	assert.Equal(t, 1, calls)
	assert.Len(t, got.TokenIDs, 200)
	assert.NotEmpty(t, got.BlockIDs)
	assert.True(t, all[len(all)-1].Finished)
}

func TestEchoCallbackFailureYieldsEmptyResult(t *testing.T) {
	e := NewEcho("disagg")
	results, err := e.Generate(context.Background(), GenerateRequest{
		RequestID: "req-1",
		TokenIDs:  []int{1, 2},
		RemotePrefill: &RemotePrefillParams{
			IsRemotePrefill: true,
			PrefillRequestCallback: func(ctx context.Context, req RemotePrefillRequest) error {
				return assert.AnError
			},
		},
	})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 1)
	assert.False(t, all[0].Finished)
	assert.Empty(t, all[0].Outputs)
}

func TestEchoTransferMetadataRoundTrip(t *testing.T) {
	e := NewEcho("disagg")
	blob, err := e.TransferMetadata(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	peer := NewEcho("disagg")
	require.NoError(t, peer.ImportRemoteMetadata(context.Background(), e.EngineID(), blob))
	assert.Equal(t, []string{e.EngineID()}, peer.ImportedEngines())
}

func TestBackendRegistry(t *testing.T) {
	cfg := config.New()
	cfg.EngineBackend = "echo"
	e, err := New(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, e.EngineID())
	require.NoError(t, e.Close())

	cfg.EngineBackend = "does-not-exist"
	_, err = New(cfg)
	assert.Error(t, err)
	assert.Contains(t, Backends(), "echo")
}
