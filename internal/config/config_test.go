package config

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Load", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "floe-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Context("when no config file is given", func() {
		It("returns defaults", func() {
			cfg, err := Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Environment).To(Equal("production"))
			Expect(cfg.Concurrency).To(Equal(8))
		})
	})

	Context("when a config file is present", func() {
		BeforeEach(func() {
			content := `
environment: staging
concurrency: 4
registry:
  address: registry.internal:5000
logging:
  level: debug
  debug: true
`
			Expect(os.WriteFile(configFile, []byte(content), 0644)).To(Succeed())
		})

		It("loads its values", func() {
			cfg, err := Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Environment).To(Equal("staging"))
			Expect(cfg.Concurrency).To(Equal(4))
			Expect(cfg.Registry.Address).To(Equal("registry.internal:5000"))
			Expect(cfg.Logging.Debug).To(BeTrue())
		})
	})

	Context("environment variable overrides", func() {
		It("FLOE_ENV overrides the default environment", func() {
			os.Setenv("FLOE_ENV", "production-canary")
			defer os.Unsetenv("FLOE_ENV")

			cfg, err := Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Environment).To(Equal("production-canary"))
		})

		It("OCI_REGISTRY_ADDRESS overrides the registry address", func() {
			os.Setenv("OCI_REGISTRY_ADDRESS", "oci.example.com")
			defer os.Unsetenv("OCI_REGISTRY_ADDRESS")

			cfg, err := Load("")
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Registry.Address).To(Equal("oci.example.com"))
		})
	})
})
