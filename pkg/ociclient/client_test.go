package ociclient

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type statusError struct{ code int }

func (e statusError) Error() string  { return "status error" }
func (e statusError) StatusCode() int { return e.code }

var _ = Describe("SignatureMetadataFromAnnotations", func() {
	It("returns nil when no signature annotations are present", func() {
		meta, err := SignatureMetadataFromAnnotations(map[string]string{"other": "value"})
		Expect(err).NotTo(HaveOccurred())
		Expect(meta).To(BeNil())
	})

	It("decodes the dev.floe.signature.* annotation set", func() {
		annotations := map[string]string{
			"dev.floe.signature.bundle":                  "b64bundle",
			"dev.floe.signature.mode":                    "keyless",
			"dev.floe.signature.issuer":                  "https://issuer.example.com",
			"dev.floe.signature.subject":                 "ci@example.com",
			"dev.floe.signature.signed_at":               "2026-07-31T12:00:00Z",
			"dev.floe.signature.certificate_fingerprint": "deadbeef",
			"dev.floe.signature.rekor_log_index":         "42",
		}
		meta, err := SignatureMetadataFromAnnotations(annotations)
		Expect(err).NotTo(HaveOccurred())
		Expect(meta.Bundle).To(Equal("b64bundle"))
		Expect(meta.Mode).To(Equal("keyless"))
		Expect(meta.RekorLogIndex).NotTo(BeNil())
		Expect(*meta.RekorLogIndex).To(Equal(int64(42)))
	})
})

var _ = Describe("sortDescriptors", func() {
	It("orders by ref", func() {
		descs := []Descriptor{{Ref: "repo:v2"}, {Ref: "repo:v1"}, {Ref: "repo:v10"}}
		sortDescriptors(descs)
		Expect(descs[0].Ref).To(Equal("repo:v1"))
		Expect(descs[1].Ref).To(Equal("repo:v10"))
		Expect(descs[2].Ref).To(Equal("repo:v2"))
	})
})

var _ = Describe("isRetryable", func() {
	It("does not retry 4xx registry errors", func() {
		Expect(isRetryable(statusError{code: 404})).To(BeFalse())
	})

	It("retries 5xx registry errors", func() {
		Expect(isRetryable(statusError{code: 503})).To(BeTrue())
	})

	It("retries plain network errors", func() {
		Expect(isRetryable(errors.New("connection reset"))).To(BeTrue())
	})
})

var _ = Describe("withPushID", func() {
	It("stamps a fresh push-id when none is supplied", func() {
		annotations := withPushID(nil)
		Expect(annotations).To(HaveKey("dev.floe.push-id"))
		Expect(annotations["dev.floe.push-id"]).NotTo(BeEmpty())
	})

	It("leaves a caller-supplied push-id untouched", func() {
		annotations := withPushID(map[string]string{"dev.floe.push-id": "caller-id"})
		Expect(annotations["dev.floe.push-id"]).To(Equal("caller-id"))
	})
})

var _ = Describe("normalizeDigest", func() {
	It("accepts a well-formed sha256 digest", func() {
		d, err := normalizeDigest("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
		Expect(err).NotTo(HaveOccurred())
		Expect(d.String()).To(Equal("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"))
	})

	It("rejects a malformed digest", func() {
		_, err := normalizeDigest("not-a-digest")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Client defaults", func() {
	It("falls back to the default concurrency when unset", func() {
		c := New()
		Expect(c.boundedConcurrency()).To(Equal(defaultConcurrency))
	})

	It("honors WithConcurrency", func() {
		c := New(WithConcurrency(3))
		Expect(c.boundedConcurrency()).To(Equal(3))
	})
})
