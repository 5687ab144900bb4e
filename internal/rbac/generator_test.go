package rbac

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/floe-dev/floe/internal/schema"
)

var _ = Describe("Generate", func() {
	BeforeEach(func() {
		InvalidateCache()
	})

	It("produces a ServiceAccount, Role, and RoleBinding per spec entry", func() {
		cfg := schema.RBACConfig{
			ServiceAccounts: []schema.ServiceAccountSpec{
				{
					Name:      "orders-runner",
					Namespace: "floe-jobs-acme",
					Rules: []schema.PolicyRule{
						{APIGroups: []string{""}, Resources: []string{"configmaps"}, Verbs: []string{"get", "list"}},
					},
				},
			},
		}
		bundles := Generate(cfg)
		Expect(bundles).To(HaveLen(1))
		b := bundles[0]
		Expect(b.ServiceAccount.Name).To(Equal("orders-runner"))
		Expect(b.Role.Rules).To(HaveLen(1))
		Expect(b.RoleBinding.RoleRef.Name).To(Equal(b.Role.Name))
		Expect(b.RoleBinding.Subjects[0].Name).To(Equal("orders-runner"))
		Expect(b.ServiceAccount.Labels["app.kubernetes.io/managed-by"]).To(Equal("floe"))
	})

	It("is idempotent: calling Generate twice yields the same rule closure", func() {
		cfg := schema.RBACConfig{
			ServiceAccounts: []schema.ServiceAccountSpec{
				{Name: "a", Namespace: "ns", Rules: []schema.PolicyRule{{Resources: []string{"pods"}, Verbs: []string{"get"}}}},
			},
		}
		first := Generate(cfg)
		second := Generate(cfg)
		Expect(first[0].Role.Rules).To(Equal(second[0].Role.Rules))
	})
})
