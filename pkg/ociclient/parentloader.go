package ociclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/resolver"
	"github.com/floe-dev/floe/internal/schema"
)

// keyedMutex guards the parent-manifest cache with one lock per key
// rather than a single global lock, so concurrent loads of distinct
// parents never contend with each other (spec §5 concurrency model).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*sync.Mutex{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// parentCache memoizes loaded parent manifests keyed by the parent
// reference string exactly as written; a tag reference and a digest
// reference to the same manifest are cached as separate entries.
type parentCache struct {
	mu      sync.RWMutex
	entries map[string]*resolver.LoadedManifest
}

func newParentCache() *parentCache {
	return &parentCache{entries: map[string]*resolver.LoadedManifest{}}
}

func (c *parentCache) get(key string) (*resolver.LoadedManifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[key]
	return m, ok
}

func (c *parentCache) put(key string, m *resolver.LoadedManifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = m
}

// ParentLoader returns a resolver.ParentLoader backed by this registry
// client: parent manifests are stored as OCI artifacts the same shape
// as CompiledArtifacts (one YAML layer, pulled and parsed directly,
// never through the compiler's wire contract). Results are memoized
// per reference string for the lifetime of the returned loader, so a
// reference seen again is not fetched again; each call to ParentLoader
// starts with an empty cache.
func (c *Client) ParentLoader(ctx context.Context) resolver.ParentLoader {
	cache := newParentCache()
	locks := newKeyedMutex()

	return func(ref string) (*resolver.LoadedManifest, error) {
		unlock := locks.lock(ref)
		defer unlock()

		if cached, ok := cache.get(ref); ok {
			return cached, nil
		}

		parsed, err := name.ParseReference(ref)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.KindRegistry, "invalid parent reference")
		}

		var desc *remote.Descriptor
		err = c.withRetry(ctx, func() error {
			var rerr error
			desc, rerr = remote.Get(parsed, c.remoteOpts(ctx)...)
			return rerr
		})
		if err != nil {
			return nil, ferrors.NewRegistryError(ref, err)
		}

		img, err := desc.Image()
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to read parent image")
		}

		layers, err := c.fetchLayersParallel(ctx, img)
		if err != nil {
			return nil, err
		}
		if len(layers) == 0 {
			return nil, ferrors.NewRegistryError(ref, fmt.Errorf("parent artifact has no layers"))
		}

		doc, err := schema.Parse(layers[0])
		if err != nil {
			return nil, err
		}
		if doc.Manifest == nil {
			return nil, ferrors.New(ferrors.KindInheritance, "parent reference does not resolve to a Manifest document").WithRemediation(ref)
		}

		loaded := &resolver.LoadedManifest{Manifest: *doc.Manifest, Raw: layers[0]}
		cache.put(ref, loaded)
		return loaded, nil
	}
}
