// Package ociclient implements the OCI artifact lifecycle engine:
// push/pull/list/delete of CompiledArtifacts documents, with parallel
// tag enumeration, digest-keyed layer fetches, and annotation-level
// signature reads (spec §4.7, C7). It is built directly on
// google/go-containerregistry, the same way the rest of the OCI
// ecosystem consumes that library.
package ociclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/google/uuid"
	godigest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/floe-dev/floe/internal/compiler"
	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
)

const (
	configMediaType = types.MediaType("application/vnd.floe.compiled-artifacts.config.v1+json")
	layerMediaType  = types.MediaType("application/vnd.floe.compiled-artifacts.layer.v1+json")

	defaultConcurrency = 8
	maxRetries          = 3
	defaultRequestTimeout = 30 * time.Second
)

// Descriptor is the subset of an OCI descriptor the rest of the system
// needs: digest, ref, and the carried annotations.
type Descriptor struct {
	Ref         string
	Digest      string
	Annotations map[string]string
	Size        int64
}

// Option configures a Client.
type Option func(*Client)

// WithConcurrency overrides the bounded worker pool size (default 8,
// spec §5).
func WithConcurrency(n int) Option {
	return func(c *Client) { c.concurrency = n }
}

// WithAuth installs static registry credentials.
func WithAuth(username, password string) Option {
	return func(c *Client) {
		c.auth = &authn.Basic{Username: username, Password: password}
	}
}

// WithRemoteOptions appends extra go-containerregistry remote.Options,
// e.g. a custom *http.Client or insecure transport for test registries.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Client) { c.extraRemoteOpts = append(c.extraRemoteOpts, opts...) }
}

// Client is the OCI artifact lifecycle engine. It owns the
// network/TCP connection lifetime (spec §3 Ownership); the signing
// engine's certificate material never flows through it.
type Client struct {
	concurrency     int
	auth            authn.Authenticator
	extraRemoteOpts []remote.Option
	breaker         *gobreaker.CircuitBreaker
}

// New constructs a Client with sane defaults.
func New(opts ...Option) *Client {
	c := &Client{concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oci-registry",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

func (c *Client) remoteOpts(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if c.auth != nil {
		opts = append(opts, remote.WithAuth(c.auth))
	}
	opts = append(opts, c.extraRemoteOpts...)
	return opts
}

// Push serializes a CompiledArtifacts document, uploads it as an OCI
// artifact (config + one layer), and returns its immutable digest
// (spec §4.7 "Push").
func (c *Client) Push(ctx context.Context, ref string, artifact *schema.CompiledArtifacts, annotations map[string]string) (*Descriptor, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "invalid reference").WithRemediation(ref)
	}

	canonical, err := compiler.Serialize(artifact)
	if err != nil {
		return nil, err
	}

	annotations = withPushID(annotations)
	layer := static.NewLayer(canonical, layerMediaType)

	img, err := mutate.ConfigFile(empty.Image, &v1.ConfigFile{
		Config: v1.Config{},
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to set config")
	}
	img, err = mutate.Append(img, mutate.Addendum{
		Layer:       layer,
		Annotations: annotations,
		MediaType:   layerMediaType,
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to append layer")
	}
	img = mutate.MediaType(img, types.MediaType(imagespec.MediaTypeImageManifest))
	img = mutate.ConfigMediaType(img, configMediaType)

	if tagged, ok := taggable(img, annotations); ok {
		img = tagged
	}

	err = c.withRetry(ctx, func() error {
		return remote.Write(parsed, img, c.remoteOpts(ctx)...)
	})
	if err != nil {
		return nil, ferrors.NewRegistryError(ref, err)
	}

	hash, err := img.Digest()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to compute digest")
	}
	dgst, err := normalizeDigest(hash.String())
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "registry returned a malformed digest").WithRemediation(ref)
	}
	size, _ := img.Size()
	return &Descriptor{Ref: ref, Digest: dgst.String(), Annotations: annotations, Size: size}, nil
}

// normalizeDigest validates a go-containerregistry hash string as a
// well-formed OCI digest before it is trusted anywhere else in the
// system (spec §4.7: every Descriptor.Digest is a verified digest, not
// an opaque string).
func normalizeDigest(s string) (godigest.Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// withPushID stamps a unique dev.floe.push-id annotation onto every
// push so registry-side logs can correlate retries of the same
// logical push without floe needing its own request-tracing backend.
// A caller-supplied push-id is left untouched.
func withPushID(annotations map[string]string) map[string]string {
	if annotations == nil {
		annotations = map[string]string{}
	}
	if _, ok := annotations["dev.floe.push-id"]; !ok {
		annotations["dev.floe.push-id"] = uuid.NewString()
	}
	return annotations
}

func taggable(img v1.Image, annotations map[string]string) (v1.Image, bool) {
	if len(annotations) == 0 {
		return img, false
	}
	annotated, err := mutate.Annotations(img, annotations)
	if err != nil {
		return img, false
	}
	out, ok := annotated.(v1.Image)
	return out, ok
}

// VerifyFunc is supplied by Pull's caller so this package never imports
// pkg/signing directly (keeps C7/C8 decoupled per spec §3 Ownership).
type VerifyFunc func(ctx context.Context, digest string, annotations map[string]string) (VerificationOutcome, error)

// VerificationOutcome is the minimal result ociclient needs from the
// signing engine to decide whether to return artifact bytes.
type VerificationOutcome struct {
	Status        string // VALID | INVALID | UNSIGNED | UNKNOWN
	Enforce       bool
	EnforceFailed bool
}

// Pull fetches a CompiledArtifacts document, deserializes it, and
// returns it alongside the VerificationOutcome of the caller-supplied
// verify function (spec §4.7 "Pull").
func (c *Client) Pull(ctx context.Context, ref string, verify VerifyFunc) (*schema.CompiledArtifacts, VerificationOutcome, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.Wrap(err, ferrors.KindRegistry, "invalid reference")
	}

	var desc *remote.Descriptor
	err = c.withRetry(ctx, func() error {
		var rerr error
		desc, rerr = remote.Get(parsed, c.remoteOpts(ctx)...)
		return rerr
	})
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.NewRegistryError(ref, err)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.Wrap(err, ferrors.KindRegistry, "failed to read image")
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.Wrap(err, ferrors.KindRegistry, "failed to read manifest")
	}

	hash, err := img.Digest()
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.Wrap(err, ferrors.KindRegistry, "failed to compute digest")
	}
	dgst, err := normalizeDigest(hash.String())
	if err != nil {
		return nil, VerificationOutcome{}, ferrors.Wrap(err, ferrors.KindRegistry, "registry returned a malformed digest").WithRemediation(ref)
	}

	var outcome VerificationOutcome
	if verify != nil {
		outcome, err = verify(ctx, dgst.String(), manifest.Annotations)
		if err != nil {
			return nil, outcome, err
		}
		if outcome.EnforceFailed {
			// I7 + spec §4.7: no artifact bytes are ever returned when
			// enforcement fails.
			return nil, outcome, ferrors.NewSignatureVerificationError(ref, "signature verification failed under enforce policy")
		}
	}

	layers, err := c.fetchLayersParallel(ctx, img)
	if err != nil {
		return nil, outcome, err
	}
	if len(layers) == 0 {
		return nil, outcome, ferrors.NewRegistryError(ref, fmt.Errorf("artifact has no layers"))
	}

	artifact, err := compiler.Deserialize(layers[0])
	if err != nil {
		return nil, outcome, err
	}
	return artifact, outcome, nil
}

// fetchLayersParallel fetches every layer concurrently, bounded by the
// client's concurrency limit, and joins before returning (spec §5
// "Parallel layer fetches within a Pull are joined before
// deserialization begins").
func (c *Client) fetchLayersParallel(ctx context.Context, img v1.Image) ([][]byte, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to enumerate layers")
	}

	out := make([][]byte, len(layers))
	sem := semaphore.NewWeighted(int64(c.boundedConcurrency()))
	g, ctx := errgroup.WithContext(ctx)
	for i, l := range layers {
		i, l := i, l
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			rc, err := l.Uncompressed()
			if err != nil {
				return err
			}
			defer rc.Close()
			buf := make([]byte, 0)
			chunk := make([]byte, 32*1024)
			for {
				n, rerr := rc.Read(chunk)
				if n > 0 {
					buf = append(buf, chunk[:n]...)
				}
				if rerr != nil {
					break
				}
			}
			out[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to fetch layers")
	}
	return out, nil
}

// List enumerates repository tags with a bounded worker pool, never
// fetching tags sequentially (spec §4.7 "List", performance contract
// in spec §4.7 and §8).
func (c *Client) List(ctx context.Context, repo string, limit int) ([]Descriptor, error) {
	parsedRepo, err := name.NewRepository(repo)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "invalid repository")
	}

	var tags []string
	err = c.withRetry(ctx, func() error {
		var lerr error
		tags, lerr = remote.List(parsedRepo, c.remoteOpts(ctx)...)
		return lerr
	})
	if err != nil {
		return nil, ferrors.NewRegistryError(repo, err)
	}
	if limit > 0 && len(tags) > limit {
		tags = tags[:limit]
	}

	descs := make([]Descriptor, len(tags))
	sem := semaphore.NewWeighted(int64(c.boundedConcurrency()))
	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			tagRef := parsedRepo.Tag(tag)
			desc, err := remote.Head(tagRef, c.remoteOpts(gctx)...)
			if err != nil {
				return err
			}
			dgst, err := normalizeDigest(desc.Digest.String())
			if err != nil {
				return err
			}
			descs[i] = Descriptor{Ref: tagRef.String(), Digest: dgst.String(), Size: desc.Size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to enumerate tags")
	}

	sortDescriptors(descs)
	return descs, nil
}

// Delete best-effort removes an artifact, surfacing registry errors
// verbatim (spec §4.7 "Delete").
func (c *Client) Delete(ctx context.Context, ref string) error {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return ferrors.Wrap(err, ferrors.KindRegistry, "invalid reference")
	}
	if err := remote.Delete(parsed, c.remoteOpts(ctx)...); err != nil {
		return ferrors.NewRegistryError(ref, err)
	}
	return nil
}

// GetSignatureMetadata parses dev.floe.signature.* annotations from the
// manifest; absence means unsigned (spec §4.7 "GetSignatureMetadata").
func (c *Client) GetSignatureMetadata(ctx context.Context, ref string) (*schema.SignatureMetadata, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "invalid reference")
	}
	desc, err := remote.Get(parsed, c.remoteOpts(ctx)...)
	if err != nil {
		return nil, ferrors.NewRegistryError(ref, err)
	}
	img, err := desc.Image()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to read image")
	}
	manifest, err := img.Manifest()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindRegistry, "failed to read manifest")
	}
	return SignatureMetadataFromAnnotations(manifest.Annotations)
}

// SignatureMetadataFromAnnotations decodes the dev.floe.signature.*
// annotation set into a SignatureMetadata, or nil if absent.
func SignatureMetadataFromAnnotations(annotations map[string]string) (*schema.SignatureMetadata, error) {
	bundle, ok := annotations["dev.floe.signature.bundle"]
	if !ok {
		return nil, nil
	}
	meta := &schema.SignatureMetadata{
		Bundle:                 bundle,
		Mode:                   annotations["dev.floe.signature.mode"],
		Issuer:                 annotations["dev.floe.signature.issuer"],
		Subject:                annotations["dev.floe.signature.subject"],
		SignedAt:               annotations["dev.floe.signature.signed_at"],
		CertificateFingerprint: annotations["dev.floe.signature.certificate_fingerprint"],
		CertificateNotAfter:    annotations["dev.floe.signature.certificate_not_after"],
	}
	if raw, ok := annotations["dev.floe.signature.rekor_log_index"]; ok {
		var idx int64
		if err := json.Unmarshal([]byte(raw), &idx); err == nil {
			meta.RekorLogIndex = &idx
		}
	}
	return meta, nil
}

// sortDescriptors orders List results by (ref) so callers see a
// deterministic ordering regardless of how many workers raced to fill
// them in (spec §5 "Ordering guarantees").
func sortDescriptors(descs []Descriptor) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Ref < descs[j].Ref })
}

func (c *Client) boundedConcurrency() int {
	if c.concurrency <= 0 {
		return defaultConcurrency
	}
	return c.concurrency
}

// withRetry retries network-idempotent operations with exponential
// backoff bounded at 3 attempts, guarded by a circuit breaker so
// repeated 5xx failures fail fast (spec §4.7 "Failure semantics").
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		backoff := 200 * time.Millisecond
		for attempt := 0; attempt < maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}
			lastErr = op()
			if lastErr == nil {
				return nil, nil
			}
			if !isRetryable(lastErr) {
				return nil, lastErr
			}
		}
		return nil, lastErr
	})
	return err
}

// isRetryable treats 4xx registry errors as non-retryable and
// everything else (network errors, 5xx) as retryable, per spec §4.7.
func isRetryable(err error) bool {
	var transportErr *transportStatusError
	if ok := asTransportError(err, &transportErr); ok {
		return transportErr.StatusCode >= 500
	}
	return true
}

type transportStatusError struct {
	StatusCode int
}

// asTransportError is a narrow extraction point kept separate so the
// retry policy doesn't need to import go-containerregistry's transport
// error type directly in more than one place.
func asTransportError(err error, target **transportStatusError) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		*target = &transportStatusError{StatusCode: terr.StatusCode}
		return true
	}
	type statusCoder interface{ StatusCode() int }
	if sc, ok := err.(statusCoder); ok {
		*target = &transportStatusError{StatusCode: sc.StatusCode()}
		return true
	}
	return false
}
