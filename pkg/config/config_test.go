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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueStreamName(t *testing.T) {
	cfg := New()
	cfg.Namespace = "disagg"
	cfg.ServedModelName = "llama"
	assert.Equal(t, "disagg_prefill_queue", cfg.QueueStreamName())

	cfg.Namespace = ""
	assert.Equal(t, "llama_prefill_queue", cfg.QueueStreamName())

	cfg.ServedModelName = ""
	assert.Equal(t, "vllm_prefill_queue", cfg.QueueStreamName())
}

func TestNormalizeRemotePrefillConstraints(t *testing.T) {
	cfg := New()
	cfg.RemotePrefill = true
	cfg.EnableChunkedPrefill = true
	cfg.PreemptionMode = "recompute"
	cfg.PipelineParallelSize = 4
	cfg.Normalize()

	assert.False(t, cfg.EnableChunkedPrefill)
	assert.Equal(t, "swap", cfg.PreemptionMode)
	assert.Equal(t, 1, cfg.PipelineParallelSize)
}

func TestNormalizeLeavesLocalConfigAlone(t *testing.T) {
	cfg := New()
	cfg.EnableChunkedPrefill = true
	cfg.PipelineParallelSize = 4
	cfg.Normalize()

	assert.True(t, cfg.EnableChunkedPrefill)
	assert.Equal(t, 4, cfg.PipelineParallelSize)
}

func TestValidate(t *testing.T) {
	cfg := New()
	require.NoError(t, cfg.Validate())

	cfg.ConditionalDisagg = true
	require.Error(t, cfg.Validate(), "conditional disaggregation requires remote prefill")
	cfg.RemotePrefill = true
	require.NoError(t, cfg.Validate())

	cfg.RedisAddr = "not an address"
	require.Error(t, cfg.Validate())
}
