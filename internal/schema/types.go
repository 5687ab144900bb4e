// Package schema holds the typed models for every manifest document the
// compiler consumes, plus the frozen CompiledArtifacts contract it
// produces. See spec §3 for the authoritative field list.
package schema

// Scope distinguishes where in the inheritance chain a Manifest sits.
type Scope string

const (
	ScopeEnterprise Scope = "enterprise"
	ScopeDomain     Scope = "domain"
	ScopeNone       Scope = "" // implicit 2-tier mode
)

// Kind is the document discriminator shared by Manifest and DataProduct.
type Kind string

const (
	KindManifest    Kind = "Manifest"
	KindDataProduct Kind = "DataProduct"
)

const APIVersion = "floe.dev/v1"

// Metadata is the common identity block carried by every document.
type Metadata struct {
	Name        string `yaml:"name" json:"name" validate:"required,manifest_name"`
	Version     string `yaml:"version" json:"version" validate:"required,semver"`
	Owner       string `yaml:"owner" json:"owner" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// SecretReference points at a secret without ever dereferencing it at
// compile time (spec §3).
type SecretReference struct {
	Source string `yaml:"source" json:"source" validate:"required,oneof=env kubernetes vault external-secrets"`
	Name   string `yaml:"name" json:"name" validate:"required,secret_name"`
	Key    string `yaml:"key,omitempty" json:"key,omitempty"`
}

// PluginSelection configures one plugin within a category.
type PluginSelection struct {
	Type                string                 `yaml:"type" json:"type" validate:"required"`
	Config              map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
	ConnectionSecretRef *SecretReference       `yaml:"connection_secret_ref,omitempty" json:"connection_secret_ref,omitempty"`
}

// PluginCategories enumerates the 11 categories recognized by the registry.
var PluginCategories = []string{
	"compute", "orchestrator", "catalog", "storage", "semantic_layer",
	"ingestion", "secrets", "observability", "identity", "dbt", "quality",
}

// GovernanceConfig carries the monotone governance fields (spec §4.3).
type GovernanceConfig struct {
	PIIEncryption          string `yaml:"pii_encryption,omitempty" json:"pii_encryption,omitempty" validate:"omitempty,oneof=required optional"`
	AuditLogging           string `yaml:"audit_logging,omitempty" json:"audit_logging,omitempty" validate:"omitempty,oneof=enabled disabled"`
	PolicyEnforcementLevel string `yaml:"policy_enforcement_level,omitempty" json:"policy_enforcement_level,omitempty" validate:"omitempty,oneof=off warn strict"`
	DataRetentionDays      int    `yaml:"data_retention_days,omitempty" json:"data_retention_days,omitempty" validate:"omitempty,min=0"`
}

// EgressAllowRule is a single user-supplied egress exception.
type EgressAllowRule struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	ToNamespace string `yaml:"to_namespace,omitempty" json:"to_namespace,omitempty"`
	ToCIDR      string `yaml:"to_cidr,omitempty" json:"to_cidr,omitempty"`
	Port        int    `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	Protocol    string `yaml:"protocol" json:"protocol" validate:"required,oneof=TCP UDP"`
}

// HasExactlyOneTarget enforces the "exactly one of" constraint from §3.
func (r EgressAllowRule) HasExactlyOneTarget() bool {
	return (r.ToNamespace != "") != (r.ToCIDR != "")
}

// NetworkPoliciesConfig is the user-authored network policy section.
type NetworkPoliciesConfig struct {
	Enabled                    bool              `yaml:"enabled" json:"enabled"`
	DefaultDeny                bool              `yaml:"default_deny" json:"default_deny"`
	AllowExternalHTTPS         bool              `yaml:"allow_external_https" json:"allow_external_https"`
	IngressControllerNamespace string            `yaml:"ingress_controller_namespace,omitempty" json:"ingress_controller_namespace,omitempty"`
	JobsEgressAllow            []EgressAllowRule `yaml:"jobs_egress_allow,omitempty" json:"jobs_egress_allow,omitempty"`
	PlatformEgressAllow        []EgressAllowRule `yaml:"platform_egress_allow,omitempty" json:"platform_egress_allow,omitempty"`
}

// PolicyRule mirrors rbac.authorization.k8s.io/v1.PolicyRule closely
// enough for resolution purposes; the RBAC generator converts it to the
// real k8s type at emission time.
type PolicyRule struct {
	APIGroups []string `yaml:"api_groups" json:"api_groups"`
	Resources []string `yaml:"resources" json:"resources"`
	Verbs     []string `yaml:"verbs" json:"verbs" validate:"required"`
}

// ServiceAccountSpec describes one service account to mint, plus the
// rules bound to it (§3 RBACConfig expansion).
type ServiceAccountSpec struct {
	Name      string       `yaml:"name" json:"name" validate:"required"`
	Namespace string       `yaml:"namespace" json:"namespace" validate:"required"`
	Rules     []PolicyRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// RBACConfig is the resolved RBAC section consumed by the RBAC generator.
type RBACConfig struct {
	ServiceAccounts        []ServiceAccountSpec `yaml:"service_accounts,omitempty" json:"service_accounts,omitempty"`
	ClusterRolesAggregate  bool                 `yaml:"cluster_roles_aggregate,omitempty" json:"cluster_roles_aggregate,omitempty"`
}

// SecurityConfig is the resolved security section.
type SecurityConfig struct {
	RBAC               RBACConfig            `yaml:"rbac,omitempty" json:"rbac,omitempty"`
	PodSecurity        string                `yaml:"pod_security,omitempty" json:"pod_security,omitempty" validate:"omitempty,oneof=privileged baseline restricted"`
	NamespaceIsolation string                `yaml:"namespace_isolation,omitempty" json:"namespace_isolation,omitempty" validate:"omitempty,oneof=strict permissive"`
	NetworkPolicies    NetworkPoliciesConfig `yaml:"network_policies,omitempty" json:"network_policies,omitempty"`
	// WritablePaths lists absolute paths jobs need writable, each
	// backed by its own emptyDir volume under the hardened read-only
	// root filesystem (spec §4.5).
	WritablePaths []string `yaml:"writable_paths,omitempty" json:"writable_paths,omitempty" validate:"omitempty,dive,required"`
}

// Manifest is a platform-level configuration document (spec §3).
type Manifest struct {
	APIVersion string                     `yaml:"apiVersion" json:"apiVersion" validate:"required,eq=floe.dev/v1"`
	Kind       Kind                       `yaml:"kind" json:"kind" validate:"required,eq=Manifest"`
	Metadata   Metadata                   `yaml:"metadata" json:"metadata" validate:"required"`
	Scope      Scope                      `yaml:"scope,omitempty" json:"scope,omitempty" validate:"omitempty,oneof=enterprise domain"`
	Parent     string                     `yaml:"parent,omitempty" json:"parent,omitempty"`
	Plugins    map[string]PluginSelection `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Governance GovernanceConfig           `yaml:"governance,omitempty" json:"governance,omitempty"`
	Security   SecurityConfig             `yaml:"security,omitempty" json:"security,omitempty"`

	// scope-conditional (I2)
	ApprovedPlugins  map[string][]string `yaml:"approved_plugins,omitempty" json:"approved_plugins,omitempty"`
	ApprovedProducts []string            `yaml:"approved_products,omitempty" json:"approved_products,omitempty"`

	// Warnings accumulated for unknown fields outside security-sensitive
	// sections (not fatal, see §4.1).
	Warnings []string `yaml:"-" json:"-"`
}

// Transform describes one data-product transform.
type Transform struct {
	Name            string  `yaml:"name" json:"name" validate:"required"`
	Compute         *string `yaml:"compute,omitempty" json:"compute,omitempty"`
	SQLPath         string  `yaml:"sql_path" json:"sql_path" validate:"required"`
	Materialization string  `yaml:"materialization,omitempty" json:"materialization,omitempty" validate:"omitempty,oneof=view table incremental"`
}

// Schedule describes the cron schedule for a data product.
type Schedule struct {
	Cron     string `yaml:"cron,omitempty" json:"cron,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Port describes a data-contract port (mesh mode only).
type Port struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	ContractRef string `yaml:"contract_ref,omitempty" json:"contract_ref,omitempty"`
	Format     string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=parquet iceberg delta"`
}

// DataContract binds a port to a schema with an SLA (mesh mode only).
type DataContract struct {
	Port     string `yaml:"port" json:"port" validate:"required"`
	SchemaRef string `yaml:"schema_ref,omitempty" json:"schema_ref,omitempty"`
	SLA      string `yaml:"sla,omitempty" json:"sla,omitempty" validate:"omitempty,oneof=none daily hourly"`
}

// DataProduct is a deployable unit configuration (spec §3).
type DataProduct struct {
	APIVersion string           `yaml:"apiVersion" json:"apiVersion" validate:"required,eq=floe.dev/v1"`
	Kind       Kind             `yaml:"kind" json:"kind" validate:"required,eq=DataProduct"`
	Metadata   Metadata         `yaml:"metadata" json:"metadata" validate:"required"`
	Parent     string           `yaml:"parent,omitempty" json:"parent,omitempty"`
	Plugins    map[string]PluginSelection `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Governance GovernanceConfig `yaml:"governance,omitempty" json:"governance,omitempty"`
	Security   SecurityConfig   `yaml:"security,omitempty" json:"security,omitempty"`

	Transforms  []Transform `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Schedule    Schedule    `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	OutputPorts []Port      `yaml:"output_ports,omitempty" json:"output_ports,omitempty"`
	InputPorts  []Port      `yaml:"input_ports,omitempty" json:"input_ports,omitempty"`

	Warnings []string `yaml:"-" json:"-"`
}

// ManifestRef identifies one link of the inheritance chain.
type ManifestRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Scope   Scope  `json:"scope"`
	Ref     string `json:"ref"`
}

// Mode is the derived deployment kind (spec §3, §4.3 step 6).
type Mode string

const (
	ModeSimple      Mode = "simple"
	ModeCentralized Mode = "centralized"
	ModeMesh        Mode = "mesh"
)

// ComputeConfig is one entry of plugins.compute_registry.configs.
type ComputeConfig struct {
	Engine    string                 `json:"engine"`
	Resources ResourceRequirements   `json:"resources,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// ResourceRequirements is a minimal cpu/memory pair carried by compute
// configs.
type ResourceRequirements struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// ComputeRegistry is the resolved plugins.compute_registry block.
type ComputeRegistry struct {
	Configs map[string]ComputeConfig `json:"configs"`
	Default string                   `json:"default"`
}

// ResolvedPlugins is the compiled plugins block.
type ResolvedPlugins struct {
	ComputeRegistry ComputeRegistry            `json:"compute_registry"`
	Selections      map[string]PluginSelection `json:"selections"`
}

// ObservabilityConfig is derived during compilation (spec §4.4 step 4).
type ObservabilityConfig struct {
	Namespace string `json:"namespace"`
}

// ArtifactMetadata is the metadata block of a CompiledArtifacts document.
type ArtifactMetadata struct {
	CompiledAt     string `json:"compiled_at"`
	ToolVersion    string `json:"tool_version"`
	SourceHash     string `json:"source_hash"`
	ProductName    string `json:"product_name"`
	ProductVersion string `json:"product_version"`
}

// Identity identifies the compiled product.
type Identity struct {
	ProductID string `json:"product_id"` // domain.product
}

// CompiledArtifacts is the frozen, content-addressed compiler output
// (spec §3). The schema version below is the contract's own version,
// independent of tool_version.
const CompiledArtifactsVersion = "1.0"

type CompiledArtifacts struct {
	Version          string              `json:"version"`
	Metadata         ArtifactMetadata    `json:"metadata"`
	Identity         Identity            `json:"identity"`
	Mode             Mode                `json:"mode"`
	InheritanceChain []ManifestRef       `json:"inheritance_chain"`
	Plugins          ResolvedPlugins     `json:"plugins"`
	Transforms       []Transform         `json:"transforms"`
	Schedule         Schedule            `json:"schedule"`
	DBT              map[string]interface{} `json:"dbt,omitempty"`
	Governance       GovernanceConfig    `json:"governance"`
	Observability    ObservabilityConfig `json:"observability"`

	// mesh-mode only
	OutputPorts   []Port         `json:"output_ports,omitempty"`
	InputPorts    []Port         `json:"input_ports,omitempty"`
	DataContracts []DataContract `json:"data_contracts,omitempty"`

	// carried for generators; not part of the wire contract's
	// historical shape but required to drive C5/C6 deterministically.
	Security SecurityConfig `json:"security"`
}

// TrustedIssuer pins one accepted OIDC issuer/subject pair for keyless
// verification (spec §4.8).
type TrustedIssuer struct {
	Issuer       string  `yaml:"issuer" json:"issuer" validate:"required"`
	Subject      *string `yaml:"subject,omitempty" json:"subject,omitempty"`
	SubjectRegex *string `yaml:"subject_regex,omitempty" json:"subject_regex,omitempty"`
}

// EnvironmentPolicy overrides enforcement for one named environment
// (spec §4.8, FLOE_ENV-selected).
type EnvironmentPolicy struct {
	Enforcement string `yaml:"enforcement" json:"enforcement" validate:"required,oneof=enforce warn off"`
}

// VerificationPolicy governs whether Pull accepts an artifact's
// signature state (spec §4.8).
type VerificationPolicy struct {
	Enabled         bool                          `yaml:"enabled" json:"enabled"`
	Enforcement     string                        `yaml:"enforcement" json:"enforcement" validate:"required,oneof=enforce warn off"`
	Environments    map[string]EnvironmentPolicy  `yaml:"environments,omitempty" json:"environments,omitempty"`
	TrustedIssuers  []TrustedIssuer               `yaml:"trusted_issuers,omitempty" json:"trusted_issuers,omitempty"`
	GracePeriodDays int                           `yaml:"grace_period_days,omitempty" json:"grace_period_days,omitempty" validate:"omitempty,min=0"`
	RequireRekor    bool                          `yaml:"require_rekor,omitempty" json:"require_rekor,omitempty"`
	RequireSBOM     bool                          `yaml:"require_sbom,omitempty" json:"require_sbom,omitempty"`
}

// EnforcementFor resolves the effective enforcement level for the
// given FLOE_ENV selector, falling back to the policy's default when no
// environment-specific override exists (spec §4.8).
func (p VerificationPolicy) EnforcementFor(environment string) string {
	if p.Environments != nil {
		if env, ok := p.Environments[environment]; ok {
			return env.Enforcement
		}
	}
	return p.Enforcement
}

// VerificationAuditEvent records one verification decision, emitted in
// occurrence order (spec §5 "Ordering guarantees").
type VerificationAuditEvent struct {
	Ref        string `json:"ref"`
	Status     string `json:"status"` // VALID | INVALID | UNSIGNED | UNKNOWN
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"` // RFC3339
}

// SignatureMetadata is stored under dev.floe.signature.* OCI annotations.
type SignatureMetadata struct {
	Bundle                string `json:"bundle"`
	Mode                  string `json:"mode"` // keyless | key-based
	Issuer                string `json:"issuer,omitempty"`
	Subject               string `json:"subject"`
	SignedAt              string `json:"signed_at"` // RFC3339
	RekorLogIndex         *int64 `json:"rekor_log_index,omitempty"`
	CertificateFingerprint string `json:"certificate_fingerprint"`
	// CertificateNotAfter is the signing certificate's expiry (RFC3339),
	// carried forward from Certificate.NotAfter so grace_period_days can
	// be evaluated against the certificate's own lifetime rather than
	// the moment it was used to sign (spec §4.8, glossary "Grace
	// period"). Empty for certificates whose expiry was never recorded.
	CertificateNotAfter string `json:"certificate_not_after,omitempty"`
}
