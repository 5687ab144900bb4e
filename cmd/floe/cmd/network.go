package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	k8syaml "sigs.k8s.io/yaml"

	"github.com/floe-dev/floe/internal/compiler"
	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/networkpolicy"
	"github.com/floe-dev/floe/internal/rbac"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Generate and validate NetworkPolicy/RBAC manifests from a compiled artifact",
}

var (
	networkArtifactPath string
	networkOutputDir    string
)

var networkGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render NetworkPolicy, RBAC, and namespace manifests for a compiled artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(networkArtifactPath)
		if err != nil {
			return ferrors.Wrap(err, ferrors.KindSchema, "failed to read compiled artifact")
		}
		artifact, err := compiler.Deserialize(raw)
		if err != nil {
			return err
		}

		namespaces := []networkpolicy.NamespaceSpec{
			{Name: "floe-platform", Kind: networkpolicy.NamespacePlatform},
			{Name: "floe-jobs-" + artifact.Identity.ProductID, Kind: networkpolicy.NamespaceJobs, Domain: artifact.Identity.ProductID},
		}

		result, err := networkpolicy.Generate(artifact.Security, namespaces, artifact.Metadata.SourceHash)
		if err != nil {
			return err
		}

		rbacBundles := rbac.Generate(artifact.Security.RBAC)

		if err := os.MkdirAll(networkOutputDir, 0755); err != nil {
			return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to create output directory")
		}

		for name, bundle := range result.Namespaces {
			objects := bundle.Objects()
			for i, obj := range objects {
				out, err := k8syaml.Marshal(obj)
				if err != nil {
					return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to marshal object")
				}
				path := filepath.Join(networkOutputDir, fmt.Sprintf("%s-%02d.yaml", name, i))
				if err := os.WriteFile(path, out, 0644); err != nil {
					return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to write manifest")
				}
			}
		}

		for i, b := range rbacBundles {
			for _, obj := range []interface{}{b.ServiceAccount, b.Role, b.RoleBinding} {
				out, err := k8syaml.Marshal(obj)
				if err != nil {
					return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to marshal RBAC object")
				}
				path := filepath.Join(networkOutputDir, fmt.Sprintf("rbac-%02d-%s.yaml", i, b.ServiceAccount.Name))
				if err := os.WriteFile(path, out, 0644); err != nil {
					return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to write RBAC manifest")
				}
			}
		}

		summaryPath := filepath.Join(networkOutputDir, "SUMMARY.md")
		if err := os.WriteFile(summaryPath, []byte(result.Summary), 0644); err != nil {
			return ferrors.Wrap(err, ferrors.KindNetworkValidation, "failed to write summary")
		}

		cmd.Printf("wrote %d namespace bundles and %d RBAC bundles to %s\n", len(result.Namespaces), len(rbacBundles), networkOutputDir)
		return nil
	},
}

var networkValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate that I6 (DNS egress) and I7-adjacent invariants hold for a compiled artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(networkArtifactPath)
		if err != nil {
			return ferrors.Wrap(err, ferrors.KindSchema, "failed to read compiled artifact")
		}
		artifact, err := compiler.Deserialize(raw)
		if err != nil {
			return err
		}

		namespaces := []networkpolicy.NamespaceSpec{
			{Name: "floe-platform", Kind: networkpolicy.NamespacePlatform},
			{Name: "floe-jobs-" + artifact.Identity.ProductID, Kind: networkpolicy.NamespaceJobs, Domain: artifact.Identity.ProductID},
		}
		result, err := networkpolicy.Generate(artifact.Security, namespaces, artifact.Metadata.SourceHash)
		if err != nil {
			return err
		}

		var objects []runtime.Object
		for _, b := range result.Namespaces {
			objects = append(objects, b.Objects()...)
		}
		for _, b := range rbac.Generate(artifact.Security.RBAC) {
			objects = append(objects, b.ServiceAccount, b.Role, b.RoleBinding)
		}
		if err := networkpolicy.ValidateDryRun(cmd.Context(), objects); err != nil {
			return err
		}
		cmd.Println("ok: generated manifests passed dry-run validation")

		bundle := result.Namespaces["floe-platform"]
		if bundle.DefaultDeny == nil {
			return nil
		}
		for _, rule := range bundle.DefaultDeny.Spec.Egress {
			for _, port := range rule.Ports {
				if port.Port != nil && port.Port.IntValue() == 53 {
					cmd.Println("ok: DNS egress (I6) present")
					return nil
				}
			}
		}
		return ferrors.NewNetworkValidationError("DNS egress rule (I6) missing from default-deny policy")
	},
}

func init() {
	networkCmd.PersistentFlags().StringVar(&networkArtifactPath, "artifact", "", "path to a compiled CompiledArtifacts JSON document")
	networkCmd.MarkPersistentFlagRequired("artifact")
	networkGenerateCmd.Flags().StringVar(&networkOutputDir, "output-dir", "./floe-manifests", "directory to write rendered manifests into")

	networkCmd.AddCommand(networkGenerateCmd, networkValidateCmd)
}
