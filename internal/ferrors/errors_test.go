package ferrors

import (
	stderrors "errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("should create an error with correct properties", func() {
			err := New(KindSchema, "test message")

			Expect(err.Kind).To(Equal(KindSchema))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.ExitCode()).To(Equal(1))
			Expect(err.Cause).To(BeNil())
		})

		It("should implement the error interface", func() {
			err := New(KindSchema, "test message")
			Expect(err.Error()).To(Equal("schema: test message"))
		})

		It("should include details when present", func() {
			err := New(KindSchema, "test message").WithDetails("extra info")
			Expect(err.Error()).To(ContainSubstring("extra info"))
		})

		It("should include path when present", func() {
			err := NewSchemaError("spec.plugins.compute", "missing type")
			Expect(err.Error()).To(ContainSubstring("path: spec.plugins.compute"))
		})
	})

	Context("error wrapping", func() {
		It("should wrap an underlying error", func() {
			cause := stderrors.New("connection refused")
			wrapped := Wrap(cause, KindRegistry, "push failed")

			Expect(wrapped.Cause).To(Equal(cause))
			Expect(wrapped.Unwrap()).To(Equal(cause))
		})

		It("should format wrapped errors with arguments", func() {
			cause := stderrors.New("timeout")
			wrapped := Wrapf(cause, KindRegistry, "failed to reach %s", "registry.local")
			Expect(wrapped.Message).To(Equal("failed to reach registry.local"))
		})
	})

	Context("exit code mapping", func() {
		It("maps every kind to the spec's exit code table", func() {
			cases := map[Kind]int{
				KindSchema:                1,
				KindInheritance:           2,
				KindSecurityPolicy:        2,
				KindPluginNotApproved:     2,
				KindCompilation:           3,
				KindRegistry:              4,
				KindNetworkValidation:     5,
				KindSignatureVerification: 6,
				KindSigning:               7,
			}
			for kind, code := range cases {
				Expect(New(kind, "x").ExitCode()).To(Equal(code))
			}
		})
	})

	Context("predefined constructors", func() {
		It("creates a security policy violation with field path", func() {
			err := NewSecurityPolicyViolationError("governance.policy_enforcement_level", "strict", "warn")
			Expect(err.Kind).To(Equal(KindSecurityPolicy))
			Expect(err.Path).To(Equal("governance.policy_enforcement_level"))
		})

		It("creates a plugin-not-approved error with the candidate list", func() {
			err := NewPluginNotApprovedError("compute", "flink", []string{"duckdb", "spark"})
			Expect(err.Message).To(ContainSubstring("compute:flink"))
			Expect(err.Remediation).To(ContainSubstring("duckdb"))
		})
	})

	Describe("IsKind", func() {
		It("identifies the kind of an AppError", func() {
			err := NewCompilationError("missing default compute")
			Expect(IsKind(err, KindCompilation)).To(BeTrue())
			Expect(IsKind(err, KindSchema)).To(BeFalse())
		})

		It("returns false for non-AppError values", func() {
			Expect(IsKind(stderrors.New("plain"), KindSchema)).To(BeFalse())
		})
	})
})
