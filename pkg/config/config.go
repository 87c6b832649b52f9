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

// Package config builds the single explicit configuration value shared by all
// components. The value is constructed once in main and passed by reference
// into every constructor; nothing in this repository reads configuration from
// package-level state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/klog/v2"

	"github.com/vllm-serving/disagg-coordinator/pkg/constants"
	"github.com/vllm-serving/disagg-coordinator/pkg/utils"
)

// Config is the full configuration of one worker process.
type Config struct {
	// Identity and addressing.
	Namespace       string `validate:"required"`
	ServedModelName string
	RedisAddr       string `validate:"required,hostname_port"`
	RedisPassword   string
	RedisDB         int
	EtcdEndpoints   []string `validate:"required,min=1"`

	// Engine.
	EngineBackend        string `validate:"required"`
	RemotePrefill        bool
	ConditionalDisagg    bool
	EnableChunkedPrefill bool
	PipelineParallelSize int `validate:"gte=1"`
	PreemptionMode       string

	// Router thresholds.
	MaxLocalPrefillLength int `validate:"gte=0"`
	MaxPrefillQueueSize   int `validate:"gte=0"`

	// Prefill worker.
	MinPeerWorkers  int           `validate:"gte=0"`
	PeerQuorumWait  time.Duration `validate:"gt=0"`
	DequeueTimeout  time.Duration `validate:"gt=0"`
	EnqueueRetries  int           `validate:"gte=1"`
	EnqueueBackoff  time.Duration `validate:"gt=0"`
	MetadataTimeout time.Duration `validate:"gt=0"`

	// Transfer.
	TransferWaitCeiling time.Duration `validate:"gt=0"`
	EagerRegisterMemory bool

	// Observability.
	MetricsAddr string
	HealthAddr  string
}

// New returns a Config populated from environment defaults. Flag values are
// layered on top by the caller before Normalize/Validate.
func New() *Config {
	return &Config{
		Namespace:             utils.LoadEnv(constants.EnvNamespace, constants.DefaultNamespace),
		ServedModelName:       utils.LoadEnv(constants.EnvServedModelName, ""),
		RedisAddr:             utils.LoadEnv(constants.EnvRedisAddr, constants.DefaultRedisAddr),
		RedisPassword:         utils.LoadEnv(constants.EnvRedisPassword, ""),
		RedisDB:               utils.LoadEnvInt(constants.EnvRedisDB, 0),
		EtcdEndpoints:         strings.Split(utils.LoadEnv(constants.EnvEtcdEndpoints, constants.DefaultEtcdEndpoints), ","),
		EngineBackend:         utils.LoadEnv(constants.EnvEngineBackend, constants.DefaultEngineBackend),
		PipelineParallelSize:  1,
		PreemptionMode:        "swap",
		MaxLocalPrefillLength: 1000,
		MaxPrefillQueueSize:   2,
		MinPeerWorkers:        1,
		PeerQuorumWait:        5 * time.Minute,
		DequeueTimeout:        500 * time.Millisecond,
		EnqueueRetries:        5,
		EnqueueBackoff:        100 * time.Millisecond,
		MetadataTimeout:       30 * time.Second,
		TransferWaitCeiling:   60 * time.Second,
		MetricsAddr:           ":8080",
		HealthAddr:            ":50052",
	}
}

// QueueStreamName derives the durable stream name the prefill queue uses.
// The namespace wins; the served model name is the fallback.
func (c *Config) QueueStreamName() string {
	if c.Namespace != "" {
		return fmt.Sprintf("%s_prefill_queue", c.Namespace)
	}
	if c.ServedModelName != "" {
		return fmt.Sprintf("%s_prefill_queue", c.ServedModelName)
	}
	return "vllm_prefill_queue"
}

// Normalize rewrites engine argument combinations that remote prefill cannot
// support yet, logging each adjustment. Mirrors the constraints the engine
// backends impose.
func (c *Config) Normalize() {
	if !c.RemotePrefill {
		return
	}
	if c.EnableChunkedPrefill {
		klog.Info("Chunked prefill is not supported with remote prefill yet, disabling")
		c.EnableChunkedPrefill = false
	}
	if c.PreemptionMode != "swap" {
		klog.Infof("Preemption mode %q is not supported with remote prefill yet, using swap", c.PreemptionMode)
		c.PreemptionMode = "swap"
	}
	if c.PipelineParallelSize != 1 {
		klog.Infof("Pipeline parallel size %d is not supported with remote prefill yet, using 1", c.PipelineParallelSize)
		c.PipelineParallelSize = 1
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports configuration errors that must be fatal at startup.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ConditionalDisagg && !c.RemotePrefill {
		return fmt.Errorf("invalid configuration: conditional disaggregation requires remote prefill to be enabled")
	}
	if c.Namespace == "" && c.ServedModelName == "" {
		return fmt.Errorf("invalid configuration: one of namespace or served model name is required")
	}
	return nil
}
