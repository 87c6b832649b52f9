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

package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	msgpack "github.com/vmihailenco/msgpack/v5"
)

// SamplingParams carries the subset of generation options that travels with a
// remote prefill request. Pointer fields distinguish "unset" from zero.
type SamplingParams struct {
	Temperature *float64 `msgpack:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `msgpack:"top_p,omitempty" json:"top_p,omitempty"`
	TopK        *int     `msgpack:"top_k,omitempty" json:"top_k,omitempty"`
	MaxTokens   int      `msgpack:"max_tokens" json:"max_tokens"`
	MinTokens   int      `msgpack:"min_tokens" json:"min_tokens"`
	IgnoreEOS   bool     `msgpack:"ignore_eos" json:"ignore_eos"`
}

// MultimodalDataSource points at auxiliary input (currently an image) that the
// prefill worker must resolve before computing the prompt.
type MultimodalDataSource struct {
	ImageURL string `msgpack:"image_url" json:"image_url"`
}

// PrefillRequest is the unit of work handed from a decode worker to the
// prefill pool. It is created once on a remote-prefill decision, consumed
// exactly once (duplicate deliveries are tolerated but keyed out by
// RequestID), and never mutated after creation.
type PrefillRequest struct {
	RequestID            string                `msgpack:"request_id" json:"request_id" validate:"required"`
	EngineID             string                `msgpack:"engine_id" json:"engine_id" validate:"required"`
	TokenIDs             []int                 `msgpack:"token_ids" json:"token_ids" validate:"required,min=1"`
	BlockIDs             []int                 `msgpack:"block_ids" json:"block_ids"`
	ComputedBlockIDs     []int                 `msgpack:"computed_block_ids" json:"computed_block_ids"`
	SamplingParams       SamplingParams        `msgpack:"sampling_params" json:"sampling_params"`
	MultimodalDataSource *MultimodalDataSource `msgpack:"multimodal_data_source,omitempty" json:"multimodal_data_source,omitempty"`
	TransferDescriptor   []byte                `msgpack:"transfer_descriptor" json:"transfer_descriptor"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the boundary invariants of a request decoded off the queue.
func (r *PrefillRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid prefill request: %w", err)
	}
	return nil
}

// Marshal encodes the request into its queue wire form.
func (r *PrefillRequest) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prefill request %s: %w", r.RequestID, err)
	}
	return data, nil
}

// UnmarshalPrefillRequest decodes and validates a queue payload. Payloads that
// decode but fail validation are protocol errors owned by the caller.
func UnmarshalPrefillRequest(data []byte) (*PrefillRequest, error) {
	var req PrefillRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prefill request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
