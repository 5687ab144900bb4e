package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/floe-dev/floe/internal/ferrors"
)

// securitySensitivePaths are the top-level sections where an unknown
// field is a hard error rather than a warning (spec §4.1).
var securitySensitivePaths = map[string]bool{
	"security":         true,
	"governance":       true,
	"approved_plugins": true,
}

// The *KnownFields sets enumerate the struct-tag-derived field set for the
// top-level Manifest/DataProduct documents and their sensitive
// sub-sections, used to drive the unknown-field walk below.
var manifestKnownFields = map[string]bool{
	"apiVersion": true, "kind": true, "metadata": true, "scope": true,
	"parent": true, "plugins": true, "governance": true, "security": true,
	"approved_plugins": true, "approved_products": true,
}

var dataProductKnownFields = map[string]bool{
	"apiVersion": true, "kind": true, "metadata": true, "parent": true,
	"plugins": true, "governance": true, "security": true,
	"transforms": true, "schedule": true, "output_ports": true, "input_ports": true,
}

var governanceKnownFields = map[string]bool{
	"pii_encryption": true, "audit_logging": true,
	"policy_enforcement_level": true, "data_retention_days": true,
}

var securityKnownFields = map[string]bool{
	"rbac": true, "pod_security": true, "namespace_isolation": true,
	"network_policies": true, "writable_paths": true,
}

// ParsedDoc is the discriminated union returned by Parse.
type ParsedDoc struct {
	Manifest    *Manifest
	DataProduct *DataProduct
}

// Parse decodes raw YAML bytes into a Manifest or DataProduct, applying
// the unknown-field policy and struct-tag validation (spec §4.1).
func Parse(raw []byte) (*ParsedDoc, error) {
	var probe struct {
		Kind Kind `yaml:"kind"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, ferrors.NewSchemaError("", fmt.Sprintf("invalid YAML: %v", err))
	}

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, ferrors.NewSchemaError("", fmt.Sprintf("invalid YAML: %v", err))
	}

	switch probe.Kind {
	case KindManifest:
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, ferrors.NewSchemaError("", fmt.Sprintf("invalid manifest: %v", err))
		}
		warnings, err := checkUnknownFields(&root, manifestKnownFields, "")
		if err != nil {
			return nil, err
		}
		m.Warnings = warnings
		if err := Validator().Struct(&m); err != nil {
			return nil, translateValidationError(err)
		}
		if err := validateManifestInvariants(&m); err != nil {
			return nil, err
		}
		return &ParsedDoc{Manifest: &m}, nil
	case KindDataProduct:
		var dp DataProduct
		if err := yaml.Unmarshal(raw, &dp); err != nil {
			return nil, ferrors.NewSchemaError("", fmt.Sprintf("invalid data product: %v", err))
		}
		warnings, err := checkUnknownFields(&root, dataProductKnownFields, "")
		if err != nil {
			return nil, err
		}
		dp.Warnings = warnings
		if err := Validator().Struct(&dp); err != nil {
			return nil, translateValidationError(err)
		}
		for _, rule := range append(append([]EgressAllowRule{}, dp.Security.NetworkPolicies.JobsEgressAllow...), dp.Security.NetworkPolicies.PlatformEgressAllow...) {
			if !ValidateEgressRule(rule) {
				return nil, ferrors.NewSchemaError("security.network_policies", fmt.Sprintf("rule %q must set exactly one of to_namespace/to_cidr", rule.Name))
			}
		}
		return &ParsedDoc{DataProduct: &dp}, nil
	default:
		return nil, ferrors.NewSchemaError("kind", fmt.Sprintf("unknown kind %q", probe.Kind))
	}
}

func translateValidationError(err error) error {
	return ferrors.NewSchemaError("", err.Error())
}

// validateManifestInvariants enforces I1 and I2.
func validateManifestInvariants(m *Manifest) error {
	switch m.Scope {
	case ScopeEnterprise:
		if m.Parent != "" {
			return ferrors.NewSchemaError("parent", "scope=enterprise must not set parent")
		}
		if m.ApprovedProducts != nil {
			return ferrors.NewSchemaError("approved_products", "approved_products only valid at scope=domain")
		}
	case ScopeDomain:
		if m.Parent == "" {
			return ferrors.NewSchemaError("parent", "scope=domain requires parent")
		}
		if m.ApprovedPlugins != nil {
			return ferrors.NewSchemaError("approved_plugins", "approved_plugins only valid at scope=enterprise")
		}
	case ScopeNone:
		if m.Parent != "" {
			return ferrors.NewSchemaError("parent", "implicit scope must not set parent")
		}
		if m.ApprovedPlugins != nil || m.ApprovedProducts != nil {
			return ferrors.NewSchemaError("approved_plugins", "approved lists require an explicit scope")
		}
	}
	for _, rule := range append(append([]EgressAllowRule{}, m.Security.NetworkPolicies.JobsEgressAllow...), m.Security.NetworkPolicies.PlatformEgressAllow...) {
		if !ValidateEgressRule(rule) {
			return ferrors.NewSchemaError("security.network_policies", fmt.Sprintf("rule %q must set exactly one of to_namespace/to_cidr", rule.Name))
		}
	}
	return nil
}

// checkUnknownFields walks a yaml.v3 mapping node and reports fields not
// present in known. Fields inside a security-sensitive path are fatal
// errors; everything else is collected as a warning string.
func checkUnknownFields(root *yaml.Node, known map[string]bool, pathPrefix string) ([]string, error) {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, nil
	}
	var warnings []string
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		val := doc.Content[i+1]
		if !known[key] {
			p := joinPath(pathPrefix, key)
			if securitySensitivePaths[key] {
				return nil, ferrors.NewUnknownFieldError(p, key)
			}
			warnings = append(warnings, fmt.Sprintf("unknown field %q at %s", key, p))
			continue
		}
		// Recurse into security-sensitive sub-sections so nested
		// unknown fields are also fatal (spec §4.1).
		switch key {
		case "governance":
			if err := checkSensitiveSubsection(val, governanceKnownFields, joinPath(pathPrefix, key)); err != nil {
				return nil, err
			}
		case "security":
			if err := checkSensitiveSubsection(val, securityKnownFields, joinPath(pathPrefix, key)); err != nil {
				return nil, err
			}
		}
	}
	return warnings, nil
}

func checkSensitiveSubsection(node *yaml.Node, known map[string]bool, pathPrefix string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !known[key] {
			return ferrors.NewUnknownFieldError(joinPath(pathPrefix, key), key)
		}
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// NormalizeAndHash canonicalizes a document's bytes (stable key
// ordering via JSON round-trip, LF endings, no trailing whitespace) and
// returns the normalized bytes alongside their SHA-256 digest (I5).
func NormalizeAndHash(raw []byte) ([]byte, string, error) {
	normalized, err := Canonicalize(raw)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(normalized)
	return normalized, hex.EncodeToString(sum[:]), nil
}

// Canonicalize converts arbitrary YAML into canonically-key-ordered JSON
// bytes with LF line endings and no trailing whitespace. sigs.k8s.io/yaml
// round-trips through encoding/json, which sorts map keys, giving us
// deterministic ordering for free.
func Canonicalize(raw []byte) ([]byte, error) {
	jsonBytes, err := k8syaml.YAMLToJSON(raw)
	if err != nil {
		return nil, ferrors.NewSchemaError("", fmt.Sprintf("canonicalization failed: %v", err))
	}
	lines := strings.Split(string(jsonBytes), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t\r")
	}
	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n") + "\n"
	return []byte(out), nil
}

// HashChain computes the I5 source_hash over the normalized
// concatenation of every manifest in the inheritance chain, in chain
// order (enterprise first, product last), matching spec §4.4 step 1.
func HashChain(rawDocs [][]byte) (string, error) {
	h := sha256.New()
	for _, raw := range rawDocs {
		normalized, err := Canonicalize(raw)
		if err != nil {
			return "", err
		}
		h.Write(normalized)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
