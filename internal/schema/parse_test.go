package schema

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floe-dev/floe/internal/ferrors"
)

const validEnterpriseManifest = `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: acme-enterprise
  version: 1.0.0
  owner: platform-team
scope: enterprise
plugins:
  compute:
    type: duckdb
governance:
  pii_encryption: required
  audit_logging: enabled
  policy_enforcement_level: strict
security:
  pod_security: restricted
  namespace_isolation: strict
  network_policies:
    enabled: true
    default_deny: true
approved_plugins:
  compute:
    - duckdb
    - spark
`

const validDataProduct = `
apiVersion: floe.dev/v1
kind: DataProduct
metadata:
  name: orders-product
  version: 0.1.0
  owner: data-team
plugins:
  compute:
    type: duckdb
transforms:
  - name: clean_orders
    sql_path: sql/clean_orders.sql
schedule:
  cron: "0 * * * *"
`

var _ = Describe("Parse", func() {
	Context("with a valid enterprise manifest", func() {
		It("parses successfully", func() {
			doc, err := Parse([]byte(validEnterpriseManifest))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Manifest).NotTo(BeNil())
			Expect(doc.Manifest.Metadata.Name).To(Equal("acme-enterprise"))
			Expect(doc.Manifest.ApprovedPlugins["compute"]).To(ContainElement("spark"))
		})
	})

	Context("with a valid data product", func() {
		It("parses successfully", func() {
			doc, err := Parse([]byte(validDataProduct))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.DataProduct).NotTo(BeNil())
			Expect(doc.DataProduct.Transforms).To(HaveLen(1))
		})
	})

	Context("invariant I1", func() {
		It("rejects scope=enterprise with a parent set", func() {
			bad := validEnterpriseManifest + "\nparent: \"oci://registry/acme:1.0.0\"\n"
			_, err := Parse([]byte(bad))
			Expect(err).To(HaveOccurred())
		})

		It("rejects scope=domain without a parent", func() {
			doc := `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: acme-domain
  version: 1.0.0
  owner: data-team
scope: domain
`
			_, err := Parse([]byte(doc))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("unknown field policy", func() {
		It("rejects unknown fields inside security.*", func() {
			bad := `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: acme-enterprise
  version: 1.0.0
  owner: platform-team
scope: enterprise
security:
  unknown_knob: true
`
			_, err := Parse([]byte(bad))
			Expect(err).To(HaveOccurred())
			Expect(ferrors.IsKind(err, ferrors.KindSchema)).To(BeTrue())
		})

		It("warns, but does not fail, on unknown top-level fields", func() {
			withExtra := validEnterpriseManifest + "\nexperimental_flag: true\n"
			doc, err := Parse([]byte(withExtra))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Manifest.Warnings).To(ContainElement(ContainSubstring("experimental_flag")))
		})
	})

	Context("identifier patterns", func() {
		It("rejects names that are too short", func() {
			bad := `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: a
  version: 1.0.0
  owner: platform-team
`
			_, err := Parse([]byte(bad))
			Expect(err).To(HaveOccurred())
		})

		It("rejects a non-semver version", func() {
			bad := `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: acme-enterprise
  version: not-a-version
  owner: platform-team
`
			_, err := Parse([]byte(bad))
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("NormalizeAndHash", func() {
	It("produces identical hashes for semantically identical documents", func() {
		reordered := `
kind: Manifest
apiVersion: floe.dev/v1
metadata:
  owner: platform-team
  version: 1.0.0
  name: acme-enterprise
`
		original := `
apiVersion: floe.dev/v1
kind: Manifest
metadata:
  name: acme-enterprise
  version: 1.0.0
  owner: platform-team
`
		_, h1, err := NormalizeAndHash([]byte(original))
		Expect(err).NotTo(HaveOccurred())
		_, h2, err := NormalizeAndHash([]byte(reordered))
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).To(Equal(h2))
	})

	It("produces different hashes for different content", func() {
		_, h1, _ := NormalizeAndHash([]byte(validEnterpriseManifest))
		_, h2, _ := NormalizeAndHash([]byte(validDataProduct))
		Expect(h1).NotTo(Equal(h2))
	})
})
