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

// Package metadata exchanges per-engine transfer-capability blobs between
// decode and prefill workers. An engine publishes its blob once per process
// lifetime; peers block until it appears and import it exactly once.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

// ErrNotPublished is returned when a peer's metadata did not appear within
// the caller's deadline.
var ErrNotPublished = errors.New("transfer metadata not published")

// Store is the key/value exchange of engine transfer metadata. Values are
// opaque and must round-trip unchanged.
type Store interface {
	// Put upserts the blob for engineID. Engine ids are unique per engine
	// process lifetime, so this is semantically insert-once.
	Put(ctx context.Context, engineID string, blob []byte) error

	// Get blocks, polling with backoff, until the peer identified by
	// engineID has published, bounded by the ctx deadline.
	Get(ctx context.Context, engineID string) ([]byte, error)
}

// kvClient is the slice of the etcd client surface the store uses.
// *clientv3.Client satisfies it.
type kvClient interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdStore keeps transfer metadata under {namespace}/transfer-metadata/ in
// etcd. No transactional guarantees beyond read-your-writes per key.
type EtcdStore struct {
	client       kvClient
	namespace    string
	pollInterval time.Duration
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore wraps an already-connected etcd client.
func NewEtcdStore(client *clientv3.Client, namespace string) *EtcdStore {
	return newEtcdStore(client, namespace)
}

func newEtcdStore(client kvClient, namespace string) *EtcdStore {
	return &EtcdStore{
		client:       client,
		namespace:    namespace,
		pollInterval: 50 * time.Millisecond,
	}
}

func (s *EtcdStore) key(engineID string) string {
	return fmt.Sprintf("%s/transfer-metadata/%s", s.namespace, engineID)
}

func (s *EtcdStore) Put(ctx context.Context, engineID string, blob []byte) error {
	if _, err := s.client.Put(ctx, s.key(engineID), string(blob)); err != nil {
		return fmt.Errorf("failed to publish transfer metadata for engine %s: %w", engineID, err)
	}
	klog.Infof("Published transfer metadata for engine %s (%d bytes)", engineID, len(blob))
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, engineID string) ([]byte, error) {
	interval := s.pollInterval
	for {
		resp, err := s.client.Get(ctx, s.key(engineID))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transfer metadata for engine %s: %w", engineID, err)
		}
		if len(resp.Kvs) > 0 {
			return resp.Kvs[0].Value, nil
		}

		klog.V(4).Infof("Transfer metadata for engine %s not published yet, retrying in %s", engineID, interval)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: engine %s: %v", ErrNotPublished, engineID, ctx.Err())
		case <-time.After(interval):
		}
		if interval < 2*time.Second {
			interval *= 2
		}
	}
}
