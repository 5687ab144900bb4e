// Package signing implements the Sigstore-compatible signing and
// verification engine (spec §4.8, C8): keyless (OIDC→Fulcio→Rekor) and
// key-based signing, policy-driven verification with per-environment
// enforcement, trusted-issuer pinning, and grace-period handling for
// expired certificates, plus offline bundle export/import for
// air-gapped verification.
//
// The signing ecosystem (OIDC, Fulcio, Rekor) is reached only through
// the narrow interfaces below, so tests substitute pure in-memory
// fakes instead of talking to a live Sigstore deployment (spec §9
// design notes).
package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sigstore/sigstore-go/pkg/bundle"
	"github.com/sigstore/sigstore-go/pkg/root"
	"github.com/sigstore/sigstore-go/pkg/verify"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"golang.org/x/oauth2"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
	"github.com/floe-dev/floe/internal/telemetry"
)

// Status values for a verification decision (spec I7).
const (
	StatusValid    = "VALID"
	StatusInvalid  = "INVALID"
	StatusUnsigned = "UNSIGNED"
	StatusUnknown  = "UNKNOWN"
)

// Mode values for SignatureMetadata.Mode.
const (
	ModeKeyless  = "keyless"
	ModeKeyBased = "key-based"
)

// OIDCToken is an opaque handle around an acquired identity token; the
// core only ever inspects its carrier metadata (spec §9).
type OIDCToken struct {
	RawIDToken string
	Issuer     string
	Subject    string
}

// OIDCProvider acquires an identity token for the keyless flow.
// Implementations wrap an OAuth2 device or client-credentials flow via
// golang.org/x/oauth2; tests substitute a fixed-token fake.
type OIDCProvider interface {
	Token(ctx context.Context) (*OIDCToken, error)
}

// StaticOIDCProvider returns a fixed token, useful for CI pipelines
// that already hold a short-lived workload identity token.
type StaticOIDCProvider struct {
	Token_ *OIDCToken
}

func (p StaticOIDCProvider) Token(_ context.Context) (*OIDCToken, error) {
	if p.Token_ == nil {
		return nil, fmt.Errorf("no token configured")
	}
	return p.Token_, nil
}

// OAuth2Provider adapts a standard oauth2.TokenSource into an
// OIDCProvider, extracting the id_token extra field issued by most
// OIDC providers.
type OAuth2Provider struct {
	Source oauth2.TokenSource
	Issuer string
}

func (p OAuth2Provider) Token(_ context.Context) (*OIDCToken, error) {
	tok, err := p.Source.Token()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindSigning, "failed to acquire OIDC token")
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, ferrors.New(ferrors.KindSigning, "oauth2 token response carried no id_token")
	}
	return &OIDCToken{RawIDToken: idToken, Issuer: p.Issuer}, nil
}

// Certificate is an opaque handle around a Fulcio-issued or
// externally-provisioned certificate.
type Certificate struct {
	Chain   []*x509.Certificate
	RawPEM  []byte
	NotAfter time.Time
	Subject  string
	Issuer   string
}

// FulcioClient requests a short-lived signing certificate for the
// keyless flow.
type FulcioClient interface {
	RequestCertificate(ctx context.Context, pub crypto.PublicKey, idToken *OIDCToken) (*Certificate, error)
}

// RekorEntry is an opaque handle around a transparency-log entry.
type RekorEntry struct {
	LogIndex int64
	LogID    string
}

// RekorClient appends a signing event to the transparency log.
type RekorClient interface {
	UploadEntry(ctx context.Context, cert *Certificate, signature, digest []byte) (*RekorEntry, error)
}

// KeyProvider resolves a key-based signer from a secret reference
// without the core ever dereferencing the secret material itself
// (spec §3, §4.8 "Signing (key-based)").
type KeyProvider interface {
	Signer(ctx context.Context, ref schema.SecretReference) (signature.Signer, *Certificate, error)
}

// Bundle is an opaque wrapper around a Sigstore bundle, carrying only
// what the core needs: its base64 wire form and the fields surfaced in
// SignatureMetadata.
type Bundle struct {
	raw      *bundle.Bundle
	Base64   string
	Subject  string
	Issuer   string
	Mode     string
	SignedAt time.Time
	Rekor    *RekorEntry
	Cert     *Certificate
}

// VerificationBundle is the offline export/import contract (spec §4.8
// "Offline bundles").
type VerificationBundle struct {
	ArtifactDigest   string    `json:"artifact_digest"`
	SigstoreBundle   string    `json:"sigstore_bundle"`
	CertificateChain string    `json:"certificate_chain"`
	RekorLogIndex    *int64    `json:"rekor_entry,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Result is the verification decision returned by Verify and
// VerifyWithBundle; the matching VerificationAuditEvent is sent to the
// engine's Emitter rather than returned.
type Result struct {
	Status string
	Reason string
}

// Engine is the signing/verification engine. Fulcio/Rekor/TrustedRoot
// collaborators are all injected so production wiring and test fakes
// share the same entry points.
type Engine struct {
	oidc        OIDCProvider
	fulcio      FulcioClient
	rekor       RekorClient
	keys        KeyProvider
	trustedRoot *root.TrustedRoot
	emitter     telemetry.Emitter

	mu       sync.Mutex
	inflight map[string]*sync.Mutex // per (registry,repository,digest) signing lock
}

// New constructs an Engine. Any collaborator may be nil if the
// corresponding flow (keyless vs key-based) is never exercised. A nil
// emitter is replaced with an in-memory sink so Verify never needs to
// nil-check it.
func New(oidc OIDCProvider, fulcio FulcioClient, rekor RekorClient, keys KeyProvider, trustedRoot *root.TrustedRoot, emitter telemetry.Emitter) *Engine {
	if emitter == nil {
		emitter = telemetry.NewInMemoryEmitter(nil)
	}
	return &Engine{
		oidc:        oidc,
		fulcio:      fulcio,
		rekor:       rekor,
		keys:        keys,
		trustedRoot: trustedRoot,
		emitter:     emitter,
		inflight:    map[string]*sync.Mutex{},
	}
}

// lockFor serializes signing for a single (registry,repository,digest)
// triple, preventing a double-sign race when two callers push to the
// same coordinates concurrently (spec §5 concurrency model).
func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.inflight[key]
	if !ok {
		l = &sync.Mutex{}
		e.inflight[key] = l
	}
	return l
}

// SignOptions selects the signing mode.
type SignOptions struct {
	Keyless   bool
	KeyRef    *schema.SecretReference
	RequireRekor bool
}

// Sign produces a Sigstore bundle for the given digest and serializes
// it into SignatureMetadata (spec §4.8 "Signing"). coordKey is the
// (registry,repository,digest) serialization key.
func (e *Engine) Sign(ctx context.Context, coordKey string, digest []byte, opts SignOptions) (*schema.SignatureMetadata, *Bundle, error) {
	lock := e.lockFor(coordKey)
	lock.Lock()
	defer lock.Unlock()

	var b *Bundle
	var err error
	if opts.Keyless {
		b, err = e.signKeyless(ctx, digest)
	} else {
		if opts.KeyRef == nil {
			return nil, nil, ferrors.New(ferrors.KindSigning, "key-based signing requires a key reference")
		}
		b, err = e.signKeyBased(ctx, digest, *opts.KeyRef, opts.RequireRekor)
	}
	if err != nil {
		return nil, nil, ferrors.Wrap(err, ferrors.KindSigning, "signing failed")
	}

	meta := &schema.SignatureMetadata{
		Bundle:   b.Base64,
		Mode:     b.Mode,
		Issuer:   b.Issuer,
		Subject:  b.Subject,
		SignedAt: b.SignedAt.Format(time.RFC3339),
	}
	if b.Rekor != nil {
		idx := b.Rekor.LogIndex
		meta.RekorLogIndex = &idx
	}
	if b.Cert != nil && len(b.Cert.Chain) > 0 {
		fp, err := certFingerprint(b.Cert.Chain[0])
		if err == nil {
			meta.CertificateFingerprint = fp
		}
	}
	if b.Cert != nil && !b.Cert.NotAfter.IsZero() {
		meta.CertificateNotAfter = b.Cert.NotAfter.UTC().Format(time.RFC3339)
	}
	return meta, b, nil
}

func (e *Engine) signKeyless(ctx context.Context, digest []byte) (*Bundle, error) {
	if e.oidc == nil || e.fulcio == nil {
		return nil, fmt.Errorf("keyless signing requires an OIDC provider and Fulcio client")
	}
	idToken, err := e.oidc.Token(ctx)
	if err != nil {
		return nil, err
	}

	signer, _, err := signature.NewDefaultECDSASignerVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	pub, err := signer.PublicKey()
	if err != nil {
		return nil, err
	}

	cert, err := e.fulcio.RequestCertificate(ctx, pub, idToken)
	if err != nil {
		return nil, fmt.Errorf("fulcio certificate request failed: %w", err)
	}

	sig, err := signer.SignMessage(bytesReader(digest))
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	var rekorEntry *RekorEntry
	if e.rekor != nil {
		rekorEntry, err = e.rekor.UploadEntry(ctx, cert, sig, digest)
		if err != nil {
			return nil, fmt.Errorf("rekor upload failed: %w", err)
		}
	}

	b := &Bundle{
		Base64:   base64.StdEncoding.EncodeToString(sig),
		Subject:  cert.Subject,
		Issuer:   cert.Issuer,
		Mode:     ModeKeyless,
		SignedAt: time.Now().UTC(),
		Rekor:    rekorEntry,
		Cert:     cert,
	}
	return b, nil
}

func (e *Engine) signKeyBased(ctx context.Context, digest []byte, ref schema.SecretReference, requireRekor bool) (*Bundle, error) {
	if e.keys == nil {
		return nil, fmt.Errorf("key-based signing requires a KeyProvider")
	}
	signer, cert, err := e.keys.Signer(ctx, ref)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignMessage(bytesReader(digest))
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}

	var rekorEntry *RekorEntry
	if requireRekor && e.rekor != nil {
		rekorEntry, err = e.rekor.UploadEntry(ctx, cert, sig, digest)
		if err != nil {
			return nil, fmt.Errorf("rekor upload failed: %w", err)
		}
	}

	b := &Bundle{
		Base64:   base64.StdEncoding.EncodeToString(sig),
		Mode:     ModeKeyBased,
		SignedAt: time.Now().UTC(),
		Rekor:    rekorEntry,
		Cert:     cert,
	}
	if cert != nil {
		b.Subject = cert.Subject
		b.Issuer = cert.Issuer
	}
	return b, nil
}

// Verify applies the verification policy to a pulled artifact's
// signature annotations (spec §4.8 "Verification"). now is injected so
// grace-period boundaries are deterministic in tests. A
// VerificationAuditEvent is emitted through the engine's Emitter on
// every call, regardless of the resulting status.
func (e *Engine) Verify(ctx context.Context, ref string, meta *schema.SignatureMetadata, policy schema.VerificationPolicy, environment string, now time.Time) Result {
	result := e.decide(ctx, meta, policy, environment, now)
	e.emitter.EmitVerification(ctx, schema.VerificationAuditEvent{
		Ref:        ref,
		Status:     result.Status,
		Reason:     result.Reason,
		OccurredAt: now.UTC().Format(time.RFC3339),
	})
	return result
}

func (e *Engine) decide(ctx context.Context, meta *schema.SignatureMetadata, policy schema.VerificationPolicy, environment string, now time.Time) Result {
	if !policy.Enabled {
		return Result{Status: StatusUnsigned, Reason: "verification disabled"}
	}
	enforcement := policy.EnforcementFor(environment)
	if enforcement == "off" {
		return Result{Status: StatusUnsigned, Reason: "verification policy enforcement=off"}
	}
	if meta == nil {
		return Result{Status: StatusUnsigned, Reason: "artifact carries no signature annotations"}
	}

	status, reason := e.verifyBundle(ctx, meta, policy, now)
	return Result{Status: status, Reason: reason}
}

// verifyBundle runs the actual certificate-chain, issuer, grace-period,
// Rekor-inclusion and SBOM-attestation checks named in spec §4.8
// "Verification". When meta.Bundle carries a real Sigstore bundle, the
// certificate chain and any attached in-toto attestation are verified
// through e.VerifierFor()'s SignedEntityVerifier rather than trusted on
// metadata alone.
func (e *Engine) verifyBundle(_ context.Context, meta *schema.SignatureMetadata, policy schema.VerificationPolicy, now time.Time) (string, string) {
	var verification *verify.VerificationResult
	if meta.Bundle != "" {
		parsed, err := parseBundle(meta.Bundle)
		if err != nil {
			return StatusUnknown, "bundle could not be decoded"
		}
		verifier, err := e.VerifierFor()
		if err != nil {
			return StatusUnknown, "no trusted root configured to validate the certificate chain"
		}
		verification, err = verifier.Verify(parsed, verify.NewPolicy(verify.WithoutArtifactUnsafe(), verify.WithoutIdentitiesUnsafe()))
		if err != nil {
			return StatusInvalid, fmt.Sprintf("certificate chain verification failed: %v", err)
		}
	}

	if !issuerTrusted(meta.Issuer, meta.Subject, policy.TrustedIssuers) {
		return StatusInvalid, "issuer/subject not in trusted_issuers"
	}

	if meta.CertificateNotAfter != "" {
		certNotAfter, err := time.Parse(time.RFC3339, meta.CertificateNotAfter)
		if err != nil {
			return StatusUnknown, "malformed certificate_not_after timestamp"
		}
		if !withinGracePeriod(certNotAfter, policy.GracePeriodDays, now) {
			return StatusInvalid, "certificate expired beyond grace_period_days"
		}
	}

	if policy.RequireRekor && !hasRekorInclusionProof(verification, meta) {
		return StatusInvalid, "policy requires a Rekor inclusion proof but none is present"
	}

	if policy.RequireSBOM && !hasSBOMAttestation(verification) {
		return StatusInvalid, "policy requires an in-toto SBOM attestation but none is attached"
	}

	return StatusValid, ""
}

// hasRekorInclusionProof prefers the verifier's own transparency-log
// result (real inclusion proof, checked against the trusted root) and
// falls back to the metadata-recorded log index for bundle-less
// key-based signatures, which carry no bundle to re-verify.
func hasRekorInclusionProof(verification *verify.VerificationResult, meta *schema.SignatureMetadata) bool {
	if verification != nil {
		return len(verification.VerifiedTimestamps) > 0
	}
	return meta.RekorLogIndex != nil
}

// hasSBOMAttestation reports whether the verified bundle carried an
// in-toto attestation statement (spec §4.8 "If require_sbom=true,
// confirm an in-toto SBOM attestation is attached"). Bundle-less
// signatures never carry an attestation, so require_sbom can only be
// satisfied through a real Sigstore bundle.
func hasSBOMAttestation(verification *verify.VerificationResult) bool {
	return verification != nil && verification.Statement != nil
}

// issuerTrusted checks issuer/subject against the trusted-issuer set;
// an empty set accepts any issuer and subject.
func issuerTrusted(issuer, subject string, trusted []schema.TrustedIssuer) bool {
	if len(trusted) == 0 {
		return true // key-based signatures carry no issuer; policy opts in via require_rekor/SBOM instead
	}
	for _, t := range trusted {
		if t.Issuer != issuer {
			continue
		}
		if t.Subject != nil && *t.Subject == subject {
			return true
		}
		if t.SubjectRegex != nil {
			if matchesRegex(*t.SubjectRegex, subject) {
				return true
			}
		}
	}
	return false
}

// withinGracePeriod decides the grace_period_days boundary against the
// certificate's own expiry (spec glossary "Grace period: time window
// after certificate expiry... to support rotation"), not the moment it
// signed the artifact. A still-valid certificate always passes. An
// expired certificate is accepted through grace_period_days past its
// NotAfter inclusive of its final day (resolves spec §9's open
// question).
func withinGracePeriod(certNotAfter time.Time, graceDays int, now time.Time) bool {
	if !now.After(certNotAfter) {
		return true
	}
	deadline := certNotAfter.AddDate(0, 0, graceDays)
	return !now.After(deadline)
}

// certFingerprint returns the sha256 hex fingerprint of a certificate,
// matching the SignatureMetadata.CertificateFingerprint contract.
func certFingerprint(cert *x509.Certificate) (string, error) {
	sum, err := cryptoutils.GenerateSHA256FingerprintString(cert)
	if err != nil {
		return "", err
	}
	return sum, nil
}

// ExportBundle packages a previously-stored signature into an offline
// VerificationBundle for air-gapped verification (spec §4.8 "Offline
// bundles").
func ExportBundle(artifactDigest string, meta *schema.SignatureMetadata, createdAt time.Time) (*VerificationBundle, error) {
	if meta == nil {
		return nil, ferrors.New(ferrors.KindSigning, "cannot export a bundle for an unsigned artifact")
	}
	return &VerificationBundle{
		ArtifactDigest:   artifactDigest,
		SigstoreBundle:   meta.Bundle,
		CertificateChain: meta.CertificateFingerprint,
		RekorLogIndex:    meta.RekorLogIndex,
		CreatedAt:        createdAt,
	}, nil
}

// VerifyWithBundle verifies an offline-supplied bundle without
// contacting Rekor (spec §4.8 "Offline bundles": "Rekor is not
// contacted when a bundle is supplied"). Like Verify, it always emits a
// VerificationAuditEvent, keyed by the bundle's artifact digest.
func (e *Engine) VerifyWithBundle(vb *VerificationBundle, policy schema.VerificationPolicy, environment string, now time.Time) Result {
	if vb == nil {
		result := Result{Status: StatusUnsigned, Reason: "no bundle supplied"}
		e.emitter.EmitVerification(context.Background(), schema.VerificationAuditEvent{
			Status: result.Status, Reason: result.Reason, OccurredAt: now.UTC().Format(time.RFC3339),
		})
		return result
	}
	meta := &schema.SignatureMetadata{
		Bundle:                 vb.SigstoreBundle,
		CertificateFingerprint: vb.CertificateChain,
		RekorLogIndex:          vb.RekorLogIndex,
		SignedAt:               vb.CreatedAt.Format(time.RFC3339),
	}
	var result Result
	enforcement := policy.EnforcementFor(environment)
	if !policy.Enabled || enforcement == "off" {
		result = Result{Status: StatusUnsigned, Reason: "verification policy does not require offline verification"}
	} else {
		status, reason := e.verifyBundle(context.Background(), meta, policy, now)
		result = Result{Status: status, Reason: reason}
	}
	e.emitter.EmitVerification(context.Background(), schema.VerificationAuditEvent{
		Ref:        vb.ArtifactDigest,
		Status:     result.Status,
		Reason:     result.Reason,
		OccurredAt: now.UTC().Format(time.RFC3339),
	})
	return result
}

// LoadTrustedRoot reads the Sigstore trusted root material used to
// validate certificate chains and Rekor inclusion proofs from a local
// file; it does not fetch it over the network.
func LoadTrustedRoot(path string) (*root.TrustedRoot, error) {
	if path == "" {
		return nil, ferrors.New(ferrors.KindSigning, "trusted root path is required")
	}
	tr, err := root.NewTrustedRootFromPath(path)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindSigning, "failed to load trusted root")
	}
	return tr, nil
}

// VerifierFor builds a sigstore-go SignedEntityVerifier bound to the
// engine's trusted root. verifyBundle uses it for every supplied bundle;
// it is exported for callers that need the raw verifier.
func (e *Engine) VerifierFor() (*verify.SignedEntityVerifier, error) {
	if e.trustedRoot == nil {
		return nil, ferrors.New(ferrors.KindSigning, "no trusted root configured")
	}
	v, err := verify.NewSignedEntityVerifier(e.trustedRoot, verify.WithSignedCertificateTimestamps(1))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindSigning, "failed to build verifier")
	}
	return v, nil
}

// parseBundle decodes a base64-encoded Sigstore bundle back into its
// protobuf form, used to reject malformed bundles before a verification
// decision is made.
func parseBundle(raw string) (*bundle.Bundle, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	b := &bundle.Bundle{}
	if err := b.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return b, nil
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func matchesRegex(pattern, subject string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}
