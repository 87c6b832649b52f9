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

// Finish reasons carried on a terminal response delta.
const (
	FinishReasonStop  = "stop"
	FinishReasonError = "error"
)

// ResponseDelta is one increment of a streamed generation. Intermediate deltas
// never carry a finish reason; a delta with one closes the stream.
type ResponseDelta struct {
	TokenIDs     []int  `json:"token_ids"`
	FinishReason string `json:"finish_reason,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
}

// Terminal reports whether this delta closes the stream.
func (d ResponseDelta) Terminal() bool {
	return d.FinishReason != ""
}
