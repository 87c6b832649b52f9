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

// Package registry implements explicit component registration: a worker
// advertises a named operation under a namespace/component address, and
// dependents resolve typed handles at startup instead of relying on implicit
// global lookup. Registrations are etcd leases, so a dead worker disappears
// from resolution once its lease expires.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

const defaultLeaseTTL = 10 // seconds

// Instance is one registered provider of a component operation.
type Instance struct {
	Namespace  string `json:"namespace"`
	Component  string `json:"component"`
	Endpoint   string `json:"endpoint"`
	InstanceID string `json:"instance_id"`
	Address    string `json:"address"`
}

func (i Instance) key() string {
	return fmt.Sprintf("%s/components/%s/endpoints/%s/%s",
		i.Namespace, i.Component, i.Endpoint, i.InstanceID)
}

func prefix(namespace, component, endpoint string) string {
	return fmt.Sprintf("%s/components/%s/endpoints/%s/", namespace, component, endpoint)
}

// etcdClient is the slice of the etcd surface the registry uses.
// *clientv3.Client satisfies it.
type etcdClient interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

// Registry resolves and registers component instances against etcd.
type Registry struct {
	client       etcdClient
	leaseTTL     int64
	pollInterval time.Duration
}

// New wraps an already-connected etcd client.
func New(client *clientv3.Client) *Registry {
	return newRegistry(client)
}

func newRegistry(client etcdClient) *Registry {
	return &Registry{
		client:       client,
		leaseTTL:     defaultLeaseTTL,
		pollInterval: 250 * time.Millisecond,
	}
}

// Registration is a live lease-backed advertisement; Close deregisters.
type Registration struct {
	registry *Registry
	leaseID  clientv3.LeaseID
	cancel   context.CancelFunc
}

// Register advertises the instance and keeps its lease alive until Close.
func (r *Registry) Register(ctx context.Context, inst Instance) (*Registration, error) {
	lease, err := r.client.Grant(ctx, r.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to grant registration lease: %w", err)
	}
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance: %w", err)
	}
	if _, err := r.client.Put(ctx, inst.key(), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("failed to register %s/%s: %w", inst.Component, inst.Endpoint, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepalives, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to keep registration lease alive: %w", err)
	}
	go func() {
		for range keepalives {
		}
		klog.V(4).Infof("Keepalive channel closed for %s/%s/%s", inst.Namespace, inst.Component, inst.Endpoint)
	}()

	klog.Infof("Registered %s/%s endpoint %s as instance %s",
		inst.Namespace, inst.Component, inst.Endpoint, inst.InstanceID)
	return &Registration{registry: r, leaseID: lease.ID, cancel: cancel}, nil
}

// Close revokes the lease, removing the advertisement.
func (g *Registration) Close() error {
	g.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.registry.client.Revoke(ctx, g.leaseID); err != nil {
		return fmt.Errorf("failed to revoke registration lease: %w", err)
	}
	return nil
}

// Resolve returns the live instances serving the given operation.
func (r *Registry) Resolve(ctx context.Context, namespace, component, endpoint string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, prefix(namespace, component, endpoint), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s/%s/%s: %w", namespace, component, endpoint, err)
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			klog.Warningf("Skipping unparsable registration at %s: %v", string(kv.Key), err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// WaitForInstances blocks until at least min instances serve the operation,
// bounded by the ctx deadline. Used as the startup quorum check.
func (r *Registry) WaitForInstances(ctx context.Context, namespace, component, endpoint string, min int) error {
	if min <= 0 {
		return nil
	}
	for {
		instances, err := r.Resolve(ctx, namespace, component, endpoint)
		if err == nil && len(instances) >= min {
			klog.Infof("Quorum met: %d/%d instances of %s/%s/%s",
				len(instances), min, namespace, component, endpoint)
			return nil
		}
		if err != nil {
			klog.Warningf("Quorum check for %s/%s/%s failed: %v", namespace, component, endpoint, err)
		} else {
			klog.V(4).Infof("Waiting for quorum of %s/%s/%s: %d/%d",
				namespace, component, endpoint, len(instances), min)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("quorum of %d instances of %s/%s/%s not met: %w",
				min, namespace, component, endpoint, ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}
