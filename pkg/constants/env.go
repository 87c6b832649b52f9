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

package constants

// Environment variable names shared by the decode and prefill worker binaries.
// Flag values take precedence; these are the deployment-level defaults.
const (
	// EnvNamespace is the logical namespace a worker group belongs to.
	// It prefixes the prefill queue stream name and all metadata keys.
	// Example: "dynamo"
	EnvNamespace = "DISAGG_NAMESPACE"

	// EnvRedisAddr is the address of the Redis broker backing the
	// prefill queue. Format: "host:port".
	EnvRedisAddr = "DISAGG_REDIS_ADDR"

	// EnvRedisPassword is the optional Redis AUTH password.
	EnvRedisPassword = "DISAGG_REDIS_PASSWORD"

	// EnvRedisDB selects the Redis logical database.
	EnvRedisDB = "DISAGG_REDIS_DB"

	// EnvEtcdEndpoints is a comma-separated list of etcd endpoints used
	// for transfer-metadata exchange and component registration.
	EnvEtcdEndpoints = "DISAGG_ETCD_ENDPOINTS"

	// EnvServedModelName is the public model name served by this worker
	// group. Used as the queue stream name fallback when no namespace
	// is configured.
	EnvServedModelName = "DISAGG_SERVED_MODEL_NAME"

	// EnvEngineBackend selects the inference engine adapter.
	EnvEngineBackend = "DISAGG_ENGINE_BACKEND"
)

// Defaults applied when neither flag nor environment provides a value.
const (
	DefaultNamespace     = "disagg"
	DefaultRedisAddr     = "localhost:6379"
	DefaultEtcdEndpoints = "localhost:2379"
	DefaultEngineBackend = "echo"
)
