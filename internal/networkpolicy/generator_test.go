package networkpolicy

import (
	corev1 "k8s.io/api/core/v1"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floe-dev/floe/internal/schema"
)

var _ = Describe("Generate", func() {
	minimal := schema.SecurityConfig{
		NetworkPolicies: schema.NetworkPoliciesConfig{Enabled: true, DefaultDeny: true},
	}

	Context("DNS egress invariant (I6, scenario 6)", func() {
		It("includes a UDP/53 rule to kube-system in every default-deny policy", func() {
			result, err := Generate(minimal, []NamespaceSpec{
				{Name: "floe-platform", Kind: NamespacePlatform},
				{Name: "floe-jobs-acme", Kind: NamespaceJobs, Domain: "acme"},
			}, "sha256:deadbeef")
			Expect(err).NotTo(HaveOccurred())

			for _, bundle := range result.Namespaces {
				Expect(bundle.DefaultDeny).NotTo(BeNil())
				found := false
				for _, rule := range bundle.DefaultDeny.Spec.Egress {
					for _, to := range rule.To {
						if to.NamespaceSelector != nil && to.NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"] == "kube-system" {
							for _, port := range rule.Ports {
								if port.Port != nil && port.Port.IntVal == 53 && *port.Protocol == corev1.ProtocolUDP {
									found = true
								}
							}
						}
					}
				}
				Expect(found).To(BeTrue())
			}
		})
	})

	Context("labels", func() {
		It("carries managed-by on every namespace and floe.dev/domain on domain namespaces", func() {
			result, err := Generate(minimal, []NamespaceSpec{
				{Name: "floe-jobs-acme", Kind: NamespaceJobs, Domain: "acme"},
			}, "sha256:deadbeef")
			Expect(err).NotTo(HaveOccurred())
			bundle := result.Namespaces["floe-jobs-acme"]
			Expect(bundle.Namespace.Labels["app.kubernetes.io/managed-by"]).To(Equal("floe"))
			Expect(bundle.Namespace.Labels["floe.dev/domain"]).To(Equal("acme"))
		})
	})

	Context("jobs hardened securityContext", func() {
		It("sets runAsNonRoot, drops all capabilities, and forbids escalation", func() {
			sec := minimal
			sec.WritablePaths = []string{"/tmp/work"}
			result, err := Generate(sec, []NamespaceSpec{
				{Name: "floe-jobs-acme", Kind: NamespaceJobs, Domain: "acme"},
			}, "sha256:deadbeef")
			Expect(err).NotTo(HaveOccurred())
			bundle := result.Namespaces["floe-jobs-acme"]
			Expect(*bundle.PodSecurityContext.RunAsNonRoot).To(BeTrue())
			Expect(*bundle.ContainerSecurityContext.AllowPrivilegeEscalation).To(BeFalse())
			Expect(*bundle.ContainerSecurityContext.ReadOnlyRootFilesystem).To(BeTrue())
			Expect(bundle.ContainerSecurityContext.Capabilities.Drop).To(ContainElement(corev1.Capability("ALL")))
			Expect(bundle.WritablePathVolumes).To(HaveLen(1))
			Expect(bundle.WritablePathMounts).To(HaveLen(1))
			Expect(bundle.WritablePathMounts[0].MountPath).To(Equal("/tmp/work"))
		})
	})

	Context("egress rule coalescing", func() {
		It("merges overlapping rules to the same target/protocol into one rule with a port list", func() {
			sec := minimal
			sec.NetworkPolicies.JobsEgressAllow = []schema.EgressAllowRule{
				{Name: "custom-a", ToNamespace: "floe-platform", Port: 9200, Protocol: "TCP"},
			}
			result, err := Generate(sec, []NamespaceSpec{
				{Name: "floe-jobs-acme", Kind: NamespaceJobs, Domain: "acme"},
			}, "sha256:deadbeef")
			Expect(err).NotTo(HaveOccurred())
			bundle := result.Namespaces["floe-jobs-acme"]

			var platformTCPRules int
			for _, r := range bundle.EgressAllow.Spec.Egress {
				for _, to := range r.To {
					if to.NamespaceSelector != nil && to.NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"] == "floe-platform" {
						if len(r.Ports) > 0 && r.Ports[0].Protocol != nil && *r.Ports[0].Protocol == corev1.ProtocolTCP {
							platformTCPRules++
							Expect(len(r.Ports)).To(BeNumerically(">=", 4)) // polaris, otel x2, object-store, custom
						}
					}
				}
			}
			Expect(platformTCPRules).To(Equal(1))
		})
	})

	Context("disabled network policies", func() {
		It("emits only the namespace manifest", func() {
			sec := schema.SecurityConfig{}
			result, err := Generate(sec, []NamespaceSpec{{Name: "floe-platform", Kind: NamespacePlatform}}, "sha256:x")
			Expect(err).NotTo(HaveOccurred())
			bundle := result.Namespaces["floe-platform"]
			Expect(bundle.Namespace).NotTo(BeNil())
			Expect(bundle.DefaultDeny).To(BeNil())
		})
	})
})
