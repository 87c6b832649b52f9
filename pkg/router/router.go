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

// Package router holds the disaggregation decision policy: does a request's
// prefill run co-located with decode, or is it offloaded to the prefill pool.
package router

import "k8s.io/klog/v2"

// Router decides between local and remote prefill. It is a pure policy with
// no side effects and is safe under unbounded concurrent calls.
type Router struct {
	maxLocalPrefillLength int
	maxPrefillQueueSize   int
}

// New returns a router with the given thresholds. maxLocalPrefillLength is
// the largest prompt (inclusive) still prefilled locally;
// maxPrefillQueueSize is the queue depth past which remote prefill is
// abandoned for backpressure.
func New(maxLocalPrefillLength, maxPrefillQueueSize int) *Router {
	return &Router{
		maxLocalPrefillLength: maxLocalPrefillLength,
		maxPrefillQueueSize:   maxPrefillQueueSize,
	}
}

// Decide returns true when the prompt should be prefilled remotely.
//
// prefixHitRate is accepted but currently advisory; it is reserved for a
// future refinement of the policy and carries no weight in the decision.
func (r *Router) Decide(promptLen int, prefixHitRate float64, queueDepth int) bool {
	_ = prefixHitRate

	if promptLen <= r.maxLocalPrefillLength {
		klog.V(4).Infof("Prompt length %d within local threshold %d, prefilling locally",
			promptLen, r.maxLocalPrefillLength)
		return false
	}
	// Congestion backpressure overrides the size-based preference for remote.
	if queueDepth > r.maxPrefillQueueSize {
		klog.V(4).Infof("Prefill queue depth %d exceeds %d, falling back to local prefill",
			queueDepth, r.maxPrefillQueueSize)
		return false
	}
	return true
}
