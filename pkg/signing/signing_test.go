package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floe-dev/floe/internal/schema"
	"github.com/floe-dev/floe/internal/telemetry"
)

type fakeOIDC struct{ token *OIDCToken }

func (f fakeOIDC) Token(_ context.Context) (*OIDCToken, error) { return f.token, nil }

type fakeFulcio struct{ cert *Certificate }

func (f fakeFulcio) RequestCertificate(_ context.Context, _ crypto.PublicKey, _ *OIDCToken) (*Certificate, error) {
	return f.cert, nil
}

type fakeRekor struct{ index int64 }

func (f fakeRekor) UploadEntry(_ context.Context, _ *Certificate, _, _ []byte) (*RekorEntry, error) {
	return &RekorEntry{LogIndex: f.index, LogID: "fake-log"}, nil
}

func selfSignedCert(subject string, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).NotTo(HaveOccurred())
	return cert, key
}

var _ = Describe("Engine", func() {
	var engine *Engine

	BeforeEach(func() {
		engine = New(nil, nil, nil, nil, nil, nil)
	})

	Describe("Sign (keyless)", func() {
		It("produces SignatureMetadata with issuer/subject/bundle populated", func() {
			cert, _ := selfSignedCert("spiffe://floe/ci", time.Now().Add(24*time.Hour))
			e := New(
				fakeOIDC{token: &OIDCToken{RawIDToken: "tok", Issuer: "https://accounts.example.com"}},
				fakeFulcio{cert: &Certificate{Chain: []*x509.Certificate{cert}, Subject: "spiffe://floe/ci", Issuer: "https://accounts.example.com", NotAfter: cert.NotAfter}},
				fakeRekor{index: 42},
				nil,
				nil,
				nil,
			)
			meta, bundle, err := e.Sign(context.Background(), "registry/repo@sha256:abc", []byte("digest-bytes"), SignOptions{Keyless: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(meta.Mode).To(Equal(ModeKeyless))
			Expect(meta.Subject).To(Equal("spiffe://floe/ci"))
			Expect(meta.Issuer).To(Equal("https://accounts.example.com"))
			Expect(meta.RekorLogIndex).NotTo(BeNil())
			Expect(*meta.RekorLogIndex).To(Equal(int64(42)))
			Expect(bundle.Base64).NotTo(BeEmpty())
		})

		It("fails when no OIDC provider or Fulcio client is configured", func() {
			_, _, err := engine.Sign(context.Background(), "ref", []byte("d"), SignOptions{Keyless: true})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Verify", func() {
		It("returns UNSIGNED when the policy is disabled", func() {
			policy := schema.VerificationPolicy{Enabled: false}
			result := engine.Verify(context.Background(), "ref", nil, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusUnsigned))
		})

		It("returns UNSIGNED when enforcement resolves to off", func() {
			policy := schema.VerificationPolicy{Enabled: true, Enforcement: "off"}
			result := engine.Verify(context.Background(), "ref", nil, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusUnsigned))
		})

		It("returns UNSIGNED when the artifact carries no signature metadata", func() {
			policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce"}
			result := engine.Verify(context.Background(), "ref", nil, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusUnsigned))
		})

		It("returns VALID when issuer/subject are trusted", func() {
			now := time.Now()
			meta := &schema.SignatureMetadata{
				Issuer:   "https://issuer.example.com",
				Subject:  "ci@example.com",
				SignedAt: now.Format(time.RFC3339),
			}
			subj := "ci@example.com"
			policy := schema.VerificationPolicy{
				Enabled:     true,
				Enforcement: "enforce",
				TrustedIssuers: []schema.TrustedIssuer{
					{Issuer: "https://issuer.example.com", Subject: &subj},
				},
			}
			result := engine.Verify(context.Background(), "ref", meta, policy, "production", now)
			Expect(result.Status).To(Equal(StatusValid))
		})

		It("returns INVALID when the issuer is not in trusted_issuers", func() {
			meta := &schema.SignatureMetadata{Issuer: "https://untrusted.example.com", Subject: "x", SignedAt: time.Now().Format(time.RFC3339)}
			subj := "ci@example.com"
			policy := schema.VerificationPolicy{
				Enabled: true, Enforcement: "enforce",
				TrustedIssuers: []schema.TrustedIssuer{{Issuer: "https://issuer.example.com", Subject: &subj}},
			}
			result := engine.Verify(context.Background(), "ref", meta, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusInvalid))
		})

		It("accepts an environment-specific enforcement override", func() {
			meta := &schema.SignatureMetadata{Issuer: "i", Subject: "s", SignedAt: time.Now().Format(time.RFC3339)}
			policy := schema.VerificationPolicy{
				Enabled:     true,
				Enforcement: "enforce",
				Environments: map[string]schema.EnvironmentPolicy{
					"staging": {Enforcement: "off"},
				},
			}
			result := engine.Verify(context.Background(), "ref", meta, policy, "staging", time.Now())
			Expect(result.Status).To(Equal(StatusUnsigned))
		})

		It("requires a Rekor inclusion proof when require_rekor is set", func() {
			meta := &schema.SignatureMetadata{Issuer: "i", Subject: "s", SignedAt: time.Now().Format(time.RFC3339)}
			policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce", RequireRekor: true}
			result := engine.Verify(context.Background(), "ref", meta, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusInvalid))
			Expect(result.Reason).To(ContainSubstring("Rekor"))
		})

		Describe("audit events", func() {
			It("emits a VerificationAuditEvent for every call, including UNSIGNED outcomes", func() {
				audit := telemetry.NewInMemoryEmitter(nil)
				e := New(nil, nil, nil, nil, nil, audit)
				e.Verify(context.Background(), "registry/repo@sha256:abc", nil, schema.VerificationPolicy{Enabled: false}, "production", time.Now())
				events := audit.Events()
				Expect(events).To(HaveLen(1))
				Expect(events[0].Ref).To(Equal("registry/repo@sha256:abc"))
				Expect(events[0].Status).To(Equal(StatusUnsigned))
			})
		})

		Context("grace period boundary (spec open question)", func() {
			It("accepts a certificate still within grace_period_days of its expiry", func() {
				notAfter := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				now := notAfter.AddDate(0, 0, 7)
				meta := &schema.SignatureMetadata{Issuer: "i", Subject: "s", SignedAt: notAfter.Format(time.RFC3339), CertificateNotAfter: notAfter.Format(time.RFC3339)}
				policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce", GracePeriodDays: 7}
				result := engine.Verify(context.Background(), "ref", meta, policy, "production", now)
				Expect(result.Status).To(Equal(StatusValid))
			})

			It("rejects a certificate expired by grace_period_days+1", func() {
				notAfter := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				now := notAfter.AddDate(0, 0, 8)
				meta := &schema.SignatureMetadata{Issuer: "i", Subject: "s", SignedAt: notAfter.Format(time.RFC3339), CertificateNotAfter: notAfter.Format(time.RFC3339)}
				policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce", GracePeriodDays: 7}
				result := engine.Verify(context.Background(), "ref", meta, policy, "production", now)
				Expect(result.Status).To(Equal(StatusInvalid))
			})

			It("accepts a long-lived certificate that has not expired, regardless of when it signed", func() {
				notAfter := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)
				signedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
				now := signedAt.AddDate(0, 0, 400)
				meta := &schema.SignatureMetadata{Issuer: "i", Subject: "s", SignedAt: signedAt.Format(time.RFC3339), CertificateNotAfter: notAfter.Format(time.RFC3339)}
				policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce", GracePeriodDays: 7}
				result := engine.Verify(context.Background(), "ref", meta, policy, "production", now)
				Expect(result.Status).To(Equal(StatusValid))
			})
		})
	})

	Describe("ExportBundle / VerifyWithBundle", func() {
		It("round-trips an offline bundle and verifies it without contacting Rekor", func() {
			meta := &schema.SignatureMetadata{
				Bundle:                 "",
				CertificateFingerprint: "deadbeef",
				SignedAt:               time.Now().Format(time.RFC3339),
			}
			vb, err := ExportBundle("sha256:abc", meta, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(vb.CertificateChain).To(Equal("deadbeef"))

			policy := schema.VerificationPolicy{Enabled: true, Enforcement: "enforce"}
			result := engine.VerifyWithBundle(vb, policy, "production", time.Now())
			Expect(result.Status).To(Equal(StatusValid))
		})

		It("refuses to export a bundle for an unsigned artifact", func() {
			_, err := ExportBundle("sha256:abc", nil, time.Now())
			Expect(err).To(HaveOccurred())
		})
	})
})
