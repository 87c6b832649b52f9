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
	"fmt"
	"sort"
	"sync"

	"github.com/vllm-serving/disagg-coordinator/pkg/config"
)

// Builder constructs a backend from the process configuration. Adapter shims
// translate the generic configuration into engine-specific arguments behind
// this signature.
type Builder func(cfg *config.Config) (InferenceEngine, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]Builder{}
)

// RegisterBackend makes a backend available under name. Adapters register
// themselves from an init function; duplicate names panic at startup.
func RegisterBackend(name string, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, dup := builders[name]; dup {
		panic(fmt.Sprintf("engine backend %q registered twice", name))
	}
	builders[name] = b
}

// New builds the backend selected by cfg.EngineBackend.
func New(cfg *config.Config) (InferenceEngine, error) {
	buildersMu.RLock()
	b, ok := builders[cfg.EngineBackend]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine backend %q (available: %v)", cfg.EngineBackend, Backends())
	}
	return b(cfg)
}

// Backends lists the registered backend names.
func Backends() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
