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

	"k8s.io/klog/v2"
)

// Importer applies a remote engine's transfer metadata to the local engine.
// The side effect is assumed non-idempotent and costly; it must run at most
// once per engine id.
type Importer interface {
	ImportRemoteMetadata(ctx context.Context, engineID string, blob []byte) error
}

// CachedLoader fetches and imports remote metadata on first encounter of an
// engine id only. The loaded set is confined to the owning worker's goroutine;
// no locking is required.
type CachedLoader struct {
	store    Store
	importer Importer
	loaded   map[string]struct{}
}

// NewCachedLoader wires a Store to the engine's import operation.
func NewCachedLoader(store Store, importer Importer) *CachedLoader {
	return &CachedLoader{
		store:    store,
		importer: importer,
		loaded:   make(map[string]struct{}),
	}
}

// EnsureLoaded makes the remote engine's metadata available locally. Ids that
// were already loaded are a fast no-op; the import side effect never reruns.
func (l *CachedLoader) EnsureLoaded(ctx context.Context, engineID string) error {
	if _, ok := l.loaded[engineID]; ok {
		return nil
	}
	blob, err := l.store.Get(ctx, engineID)
	if err != nil {
		return err
	}
	if err := l.importer.ImportRemoteMetadata(ctx, engineID, blob); err != nil {
		return err
	}
	l.loaded[engineID] = struct{}{}
	klog.Infof("Loaded transfer metadata from engine %s", engineID)
	return nil
}
