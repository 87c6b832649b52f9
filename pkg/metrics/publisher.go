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

// Package metrics publishes per-worker load snapshots consumed by external
// routing and orchestration, and serves them to Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// LoadSnapshot is the latest-value load signal of one worker: slot and KV
// block occupancy plus cache behavior.
type LoadSnapshot struct {
	ActiveSlots           int64
	TotalSlots            int64
	ActiveKVBlocks        int64
	TotalKVBlocks         int64
	NumWaiting            int64
	GPUCacheUsagePct      float64
	GPUPrefixCacheHitRate float64
}

// Publisher keeps the process-wide latest snapshot and mirrors it into
// Prometheus gauges. Publish never blocks the generation path; a superseded
// update is simply overwritten (latest-value-wins, no queue).
//
// Workers must publish a zero-valued snapshot once at startup: the engine
// does not emit stats until its first forward pass, and consumers must see a
// signal before that.
type Publisher struct {
	latest atomic.Pointer[LoadSnapshot]

	activeSlots        prometheus.Gauge
	totalSlots         prometheus.Gauge
	activeKVBlocks     prometheus.Gauge
	totalKVBlocks      prometheus.Gauge
	numWaiting         prometheus.Gauge
	gpuCacheUsage      prometheus.Gauge
	gpuPrefixCacheHits prometheus.Gauge
}

// NewPublisher registers the load gauges with reg (the default registerer
// when nil) and returns a publisher with no snapshot yet.
func NewPublisher(reg prometheus.Registerer) *Publisher {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Publisher{
		activeSlots:        newGauge("disagg_request_active_slots", "Generation slots currently occupied."),
		totalSlots:         newGauge("disagg_request_total_slots", "Total generation slots."),
		activeKVBlocks:     newGauge("disagg_kv_active_blocks", "KV cache blocks currently in use."),
		totalKVBlocks:      newGauge("disagg_kv_total_blocks", "Total KV cache blocks."),
		numWaiting:         newGauge("disagg_requests_waiting", "Requests waiting to be scheduled."),
		gpuCacheUsage:      newGauge("disagg_gpu_cache_usage_perc", "GPU KV cache usage percentage."),
		gpuPrefixCacheHits: newGauge("disagg_gpu_prefix_cache_hit_rate", "GPU prefix cache hit rate."),
	}
	reg.MustRegister(p.activeSlots, p.totalSlots, p.activeKVBlocks, p.totalKVBlocks,
		p.numWaiting, p.gpuCacheUsage, p.gpuPrefixCacheHits)
	return p
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// Publish replaces the current snapshot.
func (p *Publisher) Publish(s LoadSnapshot) {
	p.latest.Store(&s)
	p.activeSlots.Set(float64(s.ActiveSlots))
	p.totalSlots.Set(float64(s.TotalSlots))
	p.activeKVBlocks.Set(float64(s.ActiveKVBlocks))
	p.totalKVBlocks.Set(float64(s.TotalKVBlocks))
	p.numWaiting.Set(float64(s.NumWaiting))
	p.gpuCacheUsage.Set(s.GPUCacheUsagePct)
	p.gpuPrefixCacheHits.Set(s.GPUPrefixCacheHitRate)
}

// Latest returns the most recent snapshot, or the zero snapshot when none
// was published yet.
func (p *Publisher) Latest() LoadSnapshot {
	if s := p.latest.Load(); s != nil {
		return *s
	}
	return LoadSnapshot{}
}

// Published reports whether any snapshot has been published.
func (p *Publisher) Published() bool {
	return p.latest.Load() != nil
}
