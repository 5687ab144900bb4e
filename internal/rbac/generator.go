// Package rbac derives ServiceAccounts, Roles, and RoleBindings from a
// resolved RBACConfig (spec §4.6, C6). The generator is idempotent and
// side-effect-free: calling Generate twice with the same input yields
// byte-identical objects.
package rbac

import (
	"fmt"
	"sync"

	rbacv1 "k8s.io/api/rbac/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/floe-dev/floe/internal/schema"
)

// Bundle is everything generated for one service account.
type Bundle struct {
	ServiceAccount *corev1.ServiceAccount
	Role           *rbacv1.Role
	RoleBinding    *rbacv1.RoleBinding
}

const managedByLabel = "app.kubernetes.io/managed-by"
const managedByValue = "floe"

// closureCache memoizes the aggregated PolicyRule closure per RBACConfig
// fingerprint, invalidated whenever the resolved configuration changes
// (spec §4.6 "Aggregation may cache permission closures").
type closureCache struct {
	mu    sync.Mutex
	byKey map[string][]rbacv1.PolicyRule
}

var cache = &closureCache{byKey: map[string][]rbacv1.PolicyRule{}}

// Generate derives a Bundle per configured ServiceAccount.
func Generate(cfg schema.RBACConfig) []Bundle {
	bundles := make([]Bundle, 0, len(cfg.ServiceAccounts))
	for _, sa := range cfg.ServiceAccounts {
		bundles = append(bundles, generateOne(sa, cfg.ClusterRolesAggregate))
	}
	return bundles
}

func generateOne(sa schema.ServiceAccountSpec, aggregate bool) Bundle {
	labels := map[string]string{managedByLabel: managedByValue}

	saObj := &corev1.ServiceAccount{
		TypeMeta:   metav1.TypeMeta{Kind: "ServiceAccount", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{Name: sa.Name, Namespace: sa.Namespace, Labels: labels},
	}

	rules := closureFor(sa)

	role := &rbacv1.Role{
		TypeMeta:   metav1.TypeMeta{Kind: "Role", APIVersion: "rbac.authorization.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: roleName(sa), Namespace: sa.Namespace, Labels: labels},
		Rules:      rules,
	}
	if aggregate {
		role.ObjectMeta.Labels = mergeLabels(labels, map[string]string{"rbac.authorization.k8s.io/aggregate-to-floe": "true"})
	}

	binding := &rbacv1.RoleBinding{
		TypeMeta:   metav1.TypeMeta{Kind: "RoleBinding", APIVersion: "rbac.authorization.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: roleName(sa) + "-binding", Namespace: sa.Namespace, Labels: labels},
		RoleRef: rbacv1.RoleRef{
			APIGroup: "rbac.authorization.k8s.io",
			Kind:     "Role",
			Name:     roleName(sa),
		},
		Subjects: []rbacv1.Subject{
			{Kind: "ServiceAccount", Name: sa.Name, Namespace: sa.Namespace},
		},
	}

	return Bundle{ServiceAccount: saObj, Role: role, RoleBinding: binding}
}

func roleName(sa schema.ServiceAccountSpec) string {
	return fmt.Sprintf("%s-role", sa.Name)
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// closureFor computes the aggregated rule closure for one service
// account, caching by a deterministic key built from its rule set.
func closureFor(sa schema.ServiceAccountSpec) []rbacv1.PolicyRule {
	key := fingerprint(sa)
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if rules, ok := cache.byKey[key]; ok {
		return rules
	}
	rules := convertRules(sa.Rules)
	cache.byKey[key] = rules
	return rules
}

func fingerprint(sa schema.ServiceAccountSpec) string {
	key := sa.Namespace + "/" + sa.Name
	for _, r := range sa.Rules {
		key += fmt.Sprintf("|%v/%v/%v", r.APIGroups, r.Resources, r.Verbs)
	}
	return key
}

func convertRules(rules []schema.PolicyRule) []rbacv1.PolicyRule {
	out := make([]rbacv1.PolicyRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, rbacv1.PolicyRule{
			APIGroups: r.APIGroups,
			Resources: r.Resources,
			Verbs:     r.Verbs,
		})
	}
	return out
}

// InvalidateCache clears the permission-closure cache. Callers invoke
// this when the resolved configuration a Generate call depends on has
// changed, so a stale closure is never reused across compilations.
func InvalidateCache() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.byKey = map[string][]rbacv1.PolicyRule{}
}
