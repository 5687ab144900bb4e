// Package resolver implements the 2-tier/3-tier manifest inheritance
// algorithm: chain construction, cycle detection, per-field merge, and
// security-policy monotonicity enforcement (spec §4.3, C3).
package resolver

import (
	"fmt"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
)

const maxChainDepth = 5

// LoadedManifest pairs a parsed Manifest with the raw bytes it was
// parsed from, so the compiler can later hash the exact chain inputs.
type LoadedManifest struct {
	Manifest schema.Manifest
	Raw      []byte
}

// ParentLoader resolves a parent OCI URI to its manifest. Production
// callers back this with pkg/ociclient and a memoizing cache (spec
// §4.3); tests supply an in-memory map.
type ParentLoader func(ref string) (*LoadedManifest, error)

// Resolved is the output of Resolve: a fully-merged configuration plus
// its provenance.
type Resolved struct {
	Governance   schema.GovernanceConfig
	Security     schema.SecurityConfig
	Plugins      map[string]schema.PluginSelection
	Chain        []schema.ManifestRef
	RawChain     [][]byte // enterprise..domain..product order, for hashing
	Mode         schema.Mode
	FieldSources map[string]string // leaf path -> contributing chain level name
}

// strength tables for monotone governance fields (spec §4.3 step 4).
var piiStrength = map[string]int{"optional": 0, "required": 1}
var auditStrength = map[string]int{"disabled": 0, "enabled": 1}
var policyStrength = map[string]int{"off": 0, "warn": 1, "strict": 2}

// Resolve walks the parent chain for product, merges every field per
// the strategy table, and enforces I3, I4 and the domain's
// approved_products list (I1/I2 are checked by schema.Parse).
func Resolve(productRaw []byte, product *schema.DataProduct, loader ParentLoader) (*Resolved, error) {
	chain, err := buildChain(product.Parent, loader)
	if err != nil {
		return nil, err
	}

	merged := &Resolved{
		Plugins:      map[string]schema.PluginSelection{},
		FieldSources: map[string]string{},
	}
	var rawChain [][]byte
	var chainRefs []schema.ManifestRef
	var enterprise, domain *schema.Manifest

	prevGovernance := schema.GovernanceConfig{}
	for _, lm := range chain {
		name := lm.Manifest.Metadata.Name
		if err := mergeGovernance(merged, lm.Manifest.Governance, prevGovernance, name); err != nil {
			return nil, err
		}
		mergeSecurity(merged, lm.Manifest.Security, name)
		mergePlugins(merged, lm.Manifest.Plugins, name)
		prevGovernance = merged.Governance

		ref := schema.ManifestRef{
			Name:    lm.Manifest.Metadata.Name,
			Version: lm.Manifest.Metadata.Version,
			Scope:   lm.Manifest.Scope,
			Ref:     lm.Manifest.Parent,
		}
		chainRefs = append(chainRefs, ref)
		rawChain = append(rawChain, lm.Raw)

		switch lm.Manifest.Scope {
		case schema.ScopeEnterprise:
			m := lm.Manifest
			enterprise = &m
		case schema.ScopeDomain:
			m := lm.Manifest
			domain = &m
		}
	}

	// Layer the product's own fields on top (source = product name).
	productName := product.Metadata.Name
	if err := mergeGovernance(merged, product.Governance, prevGovernance, productName); err != nil {
		return nil, err
	}
	mergeSecurity(merged, product.Security, productName)
	mergePlugins(merged, product.Plugins, productName)

	// I3: whitelist enforcement in 3-tier mode.
	if enterprise != nil && domain != nil {
		if err := enforceWhitelist(enterprise, domain); err != nil {
			return nil, err
		}
	}

	// approved_products (FORBID strategy, domain-scoped): if the
	// immediate domain restricts product names, the product must be
	// named in that list.
	if domain != nil && domain.ApprovedProducts != nil {
		if !containsString(domain.ApprovedProducts, productName) {
			return nil, ferrors.Newf(ferrors.KindPluginNotApproved, "product %q is not in domain %q's approved_products", productName, domain.Metadata.Name)
		}
	}

	merged.Chain = chainRefs
	merged.RawChain = append(rawChain, productRaw)
	merged.Mode = deriveMode(len(chain))
	return merged, nil
}

func buildChain(parentRef string, loader ParentLoader) ([]LoadedManifest, error) {
	visited := map[string]bool{}
	var ascending []LoadedManifest // leaf-to-root as walked
	ref := parentRef
	depth := 0
	for ref != "" {
		depth++
		if depth > maxChainDepth {
			return nil, ferrors.NewMaxDepthExceededError(depth, maxChainDepth)
		}
		lm, err := loader(ref)
		if err != nil {
			return nil, err
		}
		key := lm.Manifest.Metadata.Name + "@" + lm.Manifest.Metadata.Version
		if visited[key] {
			return nil, ferrors.NewCircularInheritanceError(lm.Manifest.Metadata.Name, lm.Manifest.Metadata.Version)
		}
		visited[key] = true
		ascending = append(ascending, *lm)
		ref = lm.Manifest.Parent
	}
	// reverse to root-first (enterprise, then domain, ...)
	for i, j := 0, len(ascending)-1; i < j; i, j = i+1, j-1 {
		ascending[i], ascending[j] = ascending[j], ascending[i]
	}
	return ascending, nil
}

func deriveMode(chainLen int) schema.Mode {
	switch {
	case chainLen == 0:
		return schema.ModeSimple
	case chainLen == 1:
		return schema.ModeCentralized
	default:
		return schema.ModeMesh
	}
}

func mergeGovernance(merged *Resolved, layer, parent schema.GovernanceConfig, source string) error {
	if layer.PIIEncryption != "" {
		if err := checkMonotone("governance.pii_encryption", piiStrength, parent.PIIEncryption, layer.PIIEncryption); err != nil {
			return err
		}
		merged.Governance.PIIEncryption = layer.PIIEncryption
		merged.FieldSources["governance.pii_encryption"] = source
	} else if merged.Governance.PIIEncryption == "" {
		merged.Governance.PIIEncryption = parent.PIIEncryption
	}

	if layer.AuditLogging != "" {
		if err := checkMonotone("governance.audit_logging", auditStrength, parent.AuditLogging, layer.AuditLogging); err != nil {
			return err
		}
		merged.Governance.AuditLogging = layer.AuditLogging
		merged.FieldSources["governance.audit_logging"] = source
	} else if merged.Governance.AuditLogging == "" {
		merged.Governance.AuditLogging = parent.AuditLogging
	}

	if layer.PolicyEnforcementLevel != "" {
		if err := checkMonotone("governance.policy_enforcement_level", policyStrength, parent.PolicyEnforcementLevel, layer.PolicyEnforcementLevel); err != nil {
			return err
		}
		merged.Governance.PolicyEnforcementLevel = layer.PolicyEnforcementLevel
		merged.FieldSources["governance.policy_enforcement_level"] = source
	} else if merged.Governance.PolicyEnforcementLevel == "" {
		merged.Governance.PolicyEnforcementLevel = parent.PolicyEnforcementLevel
	}

	// MAX(parent, child) strategy.
	if layer.DataRetentionDays > merged.Governance.DataRetentionDays {
		merged.Governance.DataRetentionDays = layer.DataRetentionDays
		merged.FieldSources["governance.data_retention_days"] = source
	}
	return nil
}

func checkMonotone(field string, strength map[string]int, parentVal, childVal string) error {
	if parentVal == "" {
		return nil
	}
	if strength[childVal] < strength[parentVal] {
		return ferrors.NewSecurityPolicyViolationError(field, parentVal, childVal)
	}
	return nil
}

// mergeSecurity applies OVERRIDE to scalar/map fields and EXTEND
// (dedupe by rule name) to the egress allow-lists.
func mergeSecurity(merged *Resolved, layer schema.SecurityConfig, source string) {
	if len(layer.RBAC.ServiceAccounts) > 0 {
		merged.Security.RBAC.ServiceAccounts = extendServiceAccounts(merged.Security.RBAC.ServiceAccounts, layer.RBAC.ServiceAccounts)
		merged.FieldSources["security.rbac.service_accounts"] = source
	}
	// scalar override: a zero-value bool can't be distinguished from
	// "unset" in YAML, so a bool is overridden whenever the layer sets
	// anything in its enclosing section (rbac, network_policies); string
	// scalars and writable_paths override only when non-empty.
	if len(layer.RBAC.ServiceAccounts) > 0 || layer.RBAC.ClusterRolesAggregate {
		merged.Security.RBAC.ClusterRolesAggregate = layer.RBAC.ClusterRolesAggregate
		merged.FieldSources["security.rbac.cluster_roles_aggregate"] = source
	}
	if len(layer.WritablePaths) > 0 {
		merged.Security.WritablePaths = layer.WritablePaths
		merged.FieldSources["security.writable_paths"] = source
	}
	if layer.PodSecurity != "" {
		merged.Security.PodSecurity = layer.PodSecurity
		merged.FieldSources["security.pod_security"] = source
	}
	if layer.NamespaceIsolation != "" {
		merged.Security.NamespaceIsolation = layer.NamespaceIsolation
		merged.FieldSources["security.namespace_isolation"] = source
	}

	np := layer.NetworkPolicies
	zero := schema.NetworkPoliciesConfig{}
	if np != zero {
		merged.Security.NetworkPolicies.Enabled = np.Enabled
		merged.Security.NetworkPolicies.DefaultDeny = np.DefaultDeny
		merged.Security.NetworkPolicies.AllowExternalHTTPS = np.AllowExternalHTTPS
		if np.IngressControllerNamespace != "" {
			merged.Security.NetworkPolicies.IngressControllerNamespace = np.IngressControllerNamespace
		}
		merged.Security.NetworkPolicies.JobsEgressAllow = extendEgressRules(merged.Security.NetworkPolicies.JobsEgressAllow, np.JobsEgressAllow)
		merged.Security.NetworkPolicies.PlatformEgressAllow = extendEgressRules(merged.Security.NetworkPolicies.PlatformEgressAllow, np.PlatformEgressAllow)
		merged.FieldSources["security.network_policies"] = source
	}
}

func extendEgressRules(existing, incoming []schema.EgressAllowRule) []schema.EgressAllowRule {
	seen := map[string]bool{}
	out := make([]schema.EgressAllowRule, 0, len(existing)+len(incoming))
	for _, r := range existing {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r)
		}
	}
	for _, r := range incoming {
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, r)
		}
	}
	return out
}

func extendServiceAccounts(existing, incoming []schema.ServiceAccountSpec) []schema.ServiceAccountSpec {
	seen := map[string]bool{}
	out := make([]schema.ServiceAccountSpec, 0, len(existing)+len(incoming))
	for _, sa := range existing {
		key := sa.Namespace + "/" + sa.Name
		if !seen[key] {
			seen[key] = true
			out = append(out, sa)
		}
	}
	for _, sa := range incoming {
		key := sa.Namespace + "/" + sa.Name
		if !seen[key] {
			seen[key] = true
			out = append(out, sa)
		}
	}
	return out
}

// mergePlugins applies OVERRIDE per category: a child that selects a
// plugin for a category replaces that category's parent selection
// whole; categories the child does not mention keep inheriting.
func mergePlugins(merged *Resolved, layer map[string]schema.PluginSelection, source string) {
	for category, sel := range layer {
		merged.Plugins[category] = sel
		merged.FieldSources[fmt.Sprintf("plugins.%s", category)] = source
	}
}

func enforceWhitelist(enterprise, domain *schema.Manifest) error {
	for category, sel := range domain.Plugins {
		approved := enterprise.ApprovedPlugins[category]
		if approved == nil {
			continue // category not governed by the enterprise whitelist
		}
		if !containsString(approved, sel.Type) {
			return ferrors.NewPluginNotApprovedError(category, sel.Type, approved)
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
