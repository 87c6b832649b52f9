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

package utils

import (
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

// LoadEnv returns the value of the environment variable identified by key,
// or defaultValue if the variable is unset or empty.
func LoadEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// LoadEnvInt returns the integer value of the environment variable identified
// by key, or defaultValue if the variable is unset or not a valid integer.
func LoadEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		klog.Warningf("Invalid integer in %s=%q, using default %d: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return parsed
}

// LoadEnvBool returns the boolean value of the environment variable identified
// by key, or defaultValue if the variable is unset or not a valid boolean.
func LoadEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		klog.Warningf("Invalid boolean in %s=%q, using default %t: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return parsed
}

// LoadEnvDuration returns the duration value of the environment variable
// identified by key, or defaultValue if unset or unparsable.
func LoadEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		klog.Warningf("Invalid duration in %s=%q, using default %s: %v", key, value, defaultValue, err)
		return defaultValue
	}
	return parsed
}
