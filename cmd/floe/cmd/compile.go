package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/floe-dev/floe/internal/compiler"
	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/pluginregistry"
	"github.com/floe-dev/floe/internal/resolver"
	"github.com/floe-dev/floe/internal/schema"
	"github.com/floe-dev/floe/pkg/ociclient"
)

func timeNowClock() time.Time { return time.Now() }

var (
	compileProductPath string
	compileOutputPath  string
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Resolve a DataProduct's inheritance chain and compile it into CompiledArtifacts",
	RunE:  runCompile,
}

func init() {
	compileCmd.Flags().StringVar(&compileProductPath, "product", "", "path to a DataProduct YAML document")
	compileCmd.Flags().StringVar(&compileOutputPath, "output", "", "path to write the compiled CompiledArtifacts JSON document")
	compileCmd.MarkFlagRequired("product")
	compileCmd.MarkFlagRequired("output")
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	raw, err := os.ReadFile(compileProductPath)
	if err != nil {
		return ferrors.Wrap(err, ferrors.KindSchema, "failed to read product document")
	}

	doc, err := schema.Parse(raw)
	if err != nil {
		return err
	}
	if doc.DataProduct == nil {
		return ferrors.NewSchemaError(compileProductPath, "document is not a DataProduct")
	}

	client := ociclient.New(ociclient.WithAuth(cfg.Registry.Username, cfg.Registry.Password), ociclient.WithConcurrency(cfg.Concurrency))
	loader := productLoader(ctx, client)

	resolved, err := resolver.Resolve(raw, doc.DataProduct, loader)
	if err != nil {
		return err
	}

	artifact, err := compiler.Compile(resolved, doc.DataProduct, timeNowClock, pluginregistry.DefaultRegistry)
	if err != nil {
		return err
	}

	out, err := compiler.Serialize(artifact)
	if err != nil {
		return err
	}
	if err := os.WriteFile(compileOutputPath, out, 0644); err != nil {
		return ferrors.Wrap(err, ferrors.KindCompilation, "failed to write compiled artifact")
	}

	cmd.Printf("compiled %s@%s -> %s (mode=%s)\n", doc.DataProduct.Metadata.Name, doc.DataProduct.Metadata.Version, compileOutputPath, resolved.Mode)
	return nil
}

// productLoader adapts pkg/ociclient's ParentLoader to resolver's
// ParentLoader signature for CLI use.
func productLoader(ctx context.Context, client *ociclient.Client) resolver.ParentLoader {
	return client.ParentLoader(ctx)
}
