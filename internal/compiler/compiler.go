// Package compiler drives the schema→resolve→derive pipeline and
// produces the frozen CompiledArtifacts document (spec §4.4, C4).
package compiler

import (
	"fmt"
	"time"

	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/resolver"
	"github.com/floe-dev/floe/internal/schema"
)

// ToolVersion is stamped into every compiled artifact's metadata.
var ToolVersion = "dev"

// Clock abstracts "now" so compilation stays pure/testable despite the
// metadata.compiled_at timestamp (spec §8 purity law for Generate
// extends here too: only compiled_at varies run-to-run).
type Clock func() time.Time

// PluginValidator reports whether a selected plugin implementation is
// known to the process-local discovery index (spec §4.2, C2). A nil
// validator skips the check entirely.
type PluginValidator interface {
	Validate(category, pluginName string) error
}

// Compile assembles a CompiledArtifacts from a Resolved configuration,
// the originating DataProduct, and the chain's raw bytes for hashing.
// All failures are fatal; no partial artifact is ever returned (spec
// §4.4 "Failure semantics").
func Compile(resolved *resolver.Resolved, product *schema.DataProduct, now Clock, validator PluginValidator) (*schema.CompiledArtifacts, error) {
	if now == nil {
		now = time.Now
	}

	if validator != nil {
		if err := validatePlugins(resolved.Plugins, validator); err != nil {
			return nil, err
		}
	}

	sourceHash, err := schema.HashChain(resolved.RawChain)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.KindCompilation, "failed to compute source hash")
	}

	registry, err := buildComputeRegistry(resolved.Plugins)
	if err != nil {
		return nil, err
	}

	transforms, err := bindTransforms(product.Transforms, registry)
	if err != nil {
		return nil, err
	}

	productID := identity(resolved, product)
	observability := schema.ObservabilityConfig{Namespace: observabilityNamespace(resolved.Mode, resolved.Chain, product.Metadata.Name)}

	artifact := &schema.CompiledArtifacts{
		Version: schema.CompiledArtifactsVersion,
		Metadata: schema.ArtifactMetadata{
			CompiledAt:     now().UTC().Format(time.RFC3339),
			ToolVersion:    ToolVersion,
			SourceHash:     "sha256:" + sourceHash,
			ProductName:    product.Metadata.Name,
			ProductVersion: product.Metadata.Version,
		},
		Identity:         schema.Identity{ProductID: productID},
		Mode:             resolved.Mode,
		InheritanceChain: resolved.Chain,
		Plugins: schema.ResolvedPlugins{
			ComputeRegistry: registry,
			Selections:      resolved.Plugins,
		},
		Transforms:    transforms,
		Schedule:      product.Schedule,
		Governance:    resolved.Governance,
		Observability: observability,
		Security:      resolved.Security,
	}

	if resolved.Mode == schema.ModeMesh {
		artifact.OutputPorts = product.OutputPorts
		artifact.InputPorts = product.InputPorts
	}

	return artifact, nil
}

// validatePlugins rejects any selection whose category/type pair isn't
// registered in the discovery index, before compilation touches it
// further (spec §4.4 step 1).
func validatePlugins(selections map[string]schema.PluginSelection, validator PluginValidator) error {
	for category, sel := range selections {
		if err := validator.Validate(category, sel.Type); err != nil {
			return err
		}
	}
	return nil
}

// buildComputeRegistry assembles plugins.compute_registry: {name →
// ComputeConfig} plus a default, failing if default is absent from
// configs (spec §4.4 step 2).
func buildComputeRegistry(selections map[string]schema.PluginSelection) (schema.ComputeRegistry, error) {
	sel, ok := selections["compute"]
	if !ok {
		return schema.ComputeRegistry{}, ferrors.NewCompilationError("no compute plugin selected")
	}

	cfg := schema.ComputeConfig{Engine: sel.Type, Extra: sel.Config}
	registry := schema.ComputeRegistry{
		Configs: map[string]schema.ComputeConfig{sel.Type: cfg},
		Default: sel.Type,
	}

	if _, ok := registry.Configs[registry.Default]; !ok {
		return schema.ComputeRegistry{}, ferrors.NewCompilationError(fmt.Sprintf("compute default %q is not present in configs", registry.Default))
	}
	return registry, nil
}

// bindTransforms resolves each transform's compute binding: a nil
// transform-level compute means "use default", failing if the default
// is absent (spec §4.4 step 3).
func bindTransforms(transforms []schema.Transform, registry schema.ComputeRegistry) ([]schema.Transform, error) {
	bound := make([]schema.Transform, len(transforms))
	for i, t := range transforms {
		if t.Compute == nil {
			if registry.Default == "" {
				return nil, ferrors.NewCompilationError(fmt.Sprintf("transform %q has no compute binding and no default is set", t.Name))
			}
			d := registry.Default
			t.Compute = &d
		} else if _, ok := registry.Configs[*t.Compute]; !ok {
			return nil, ferrors.Newf(ferrors.KindCompilation, "transform %q references unknown compute %q", t.Name, *t.Compute)
		}
		bound[i] = t
	}
	return bound, nil
}

// identity derives product_id = domain.product, or just product when
// there is no domain level (spec §3 Identity).
func identity(resolved *resolver.Resolved, product *schema.DataProduct) string {
	for _, ref := range resolved.Chain {
		if ref.Scope == schema.ScopeDomain {
			return fmt.Sprintf("%s.%s", ref.Name, product.Metadata.Name)
		}
	}
	return product.Metadata.Name
}

// observabilityNamespace derives observability.namespace: domain.product
// in mesh mode, product_name otherwise (spec §4.4 step 4).
func observabilityNamespace(mode schema.Mode, chain []schema.ManifestRef, productName string) string {
	if mode == schema.ModeMesh {
		for _, ref := range chain {
			if ref.Scope == schema.ScopeDomain {
				return fmt.Sprintf("%s.%s", ref.Name, productName)
			}
		}
	}
	return productName
}
