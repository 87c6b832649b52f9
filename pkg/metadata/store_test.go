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

package metadata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV is an in-memory etcd KV good enough for the store's Put/Get usage.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}}
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = []byte(val)
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	resp := &clientv3.GetResponse{}
	if val, ok := f.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: val}}
		resp.Count = 1
	}
	return resp, nil
}

func TestEtcdStoreRoundTrip(t *testing.T) {
	kv := newFakeKV()
	store := newEtcdStore(kv, "disagg")
	ctx := context.Background()

	blob := []byte{0x01, 0x02, 0xff, 0x00, 0x7f}
	require.NoError(t, store.Put(ctx, "engine-a", blob))

	got, err := store.Get(ctx, "engine-a")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestEtcdStoreGetBlocksUntilPublished(t *testing.T) {
	kv := newFakeKV()
	store := newEtcdStore(kv, "disagg")
	store.pollInterval = 5 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Put(context.Background(), "engine-late", []byte("blob"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := store.Get(ctx, "engine-late")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
	assert.Greater(t, kv.gets, 1, "expected at least one retry before publication")
}

func TestEtcdStoreGetBoundedByDeadline(t *testing.T) {
	store := newEtcdStore(newFakeKV(), "disagg")
	store.pollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := store.Get(ctx, "engine-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPublished)
}

type countingImporter struct {
	calls map[string]int
}

func (c *countingImporter) ImportRemoteMetadata(ctx context.Context, engineID string, blob []byte) error {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[engineID]++
	return nil
}

func TestCachedLoaderImportsOnce(t *testing.T) {
	kv := newFakeKV()
	store := newEtcdStore(kv, "disagg")
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "engine-a", []byte("caps")))
	require.NoError(t, store.Put(ctx, "engine-b", []byte("caps")))

	importer := &countingImporter{}
	loader := NewCachedLoader(store, importer)

	require.NoError(t, loader.EnsureLoaded(ctx, "engine-a"))
	require.NoError(t, loader.EnsureLoaded(ctx, "engine-a"))
	require.NoError(t, loader.EnsureLoaded(ctx, "engine-b"))
	require.NoError(t, loader.EnsureLoaded(ctx, "engine-a"))

	assert.Equal(t, 1, importer.calls["engine-a"], "import side effect must not rerun")
	assert.Equal(t, 1, importer.calls["engine-b"])

	// The second EnsureLoaded for a cached id must not even re-fetch.
	getsBefore := kv.gets
	require.NoError(t, loader.EnsureLoaded(ctx, "engine-a"))
	assert.Equal(t, getsBefore, kv.gets)
}

func TestCachedLoaderDoesNotCacheFailures(t *testing.T) {
	kv := newFakeKV()
	store := newEtcdStore(kv, "disagg")
	store.pollInterval = 5 * time.Millisecond
	importer := &countingImporter{}
	loader := NewCachedLoader(store, importer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := loader.EnsureLoaded(ctx, "engine-a")
	cancel()
	require.Error(t, err)

	// Publication after the failed attempt must still be importable.
	require.NoError(t, store.Put(context.Background(), "engine-a", []byte("caps")))
	require.NoError(t, loader.EnsureLoaded(context.Background(), "engine-a"))
	assert.Equal(t, 1, importer.calls["engine-a"])
}
