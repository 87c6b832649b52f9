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
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"
)

const (
	redisPingRetries = 5
	redisPingDelay   = 2 * time.Second
)

// NewRedisClient opens a Redis client and verifies connectivity with a bounded
// number of pings. The client is opened once per process and reused; callers
// own the Close.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	var lastErr error
	for i := 0; i < redisPingRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), redisPingDelay)
		lastErr = client.Ping(ctx).Err()
		cancel()
		if lastErr == nil {
			klog.Infof("Connected to Redis at %s", addr)
			return client, nil
		}
		klog.Warningf("Redis ping %d/%d to %s failed: %v", i+1, redisPingRetries, addr, lastErr)
		time.Sleep(redisPingDelay)
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to Redis at %s after %d attempts: %w", addr, redisPingRetries, lastErr)
}
