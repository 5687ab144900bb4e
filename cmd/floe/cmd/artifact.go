package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/floe-dev/floe/internal/compiler"
	"github.com/floe-dev/floe/internal/ferrors"
	"github.com/floe-dev/floe/internal/schema"
	"github.com/floe-dev/floe/internal/telemetry"
	"github.com/floe-dev/floe/pkg/ociclient"
	"github.com/floe-dev/floe/pkg/signing"
)

// signingEmitter returns the Emitter every signing.Engine built by this
// CLI reports through, logging verification audit events via the
// process logger (spec §4.8 "Emit a structured VerificationAuditEvent
// regardless of outcome").
func signingEmitter() telemetry.Emitter {
	return telemetry.LogEmitter{Logger: logger}
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Push, pull, list, sign, and verify CompiledArtifacts stored as OCI artifacts",
}

func newClient() *ociclient.Client {
	return ociclient.New(
		ociclient.WithAuth(cfg.Registry.Username, cfg.Registry.Password),
		ociclient.WithConcurrency(cfg.Concurrency),
	)
}

var (
	artifactInputPath string
)

var artifactPushCmd = &cobra.Command{
	Use:   "push <ref>",
	Short: "Push a compiled artifact to an OCI registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(artifactInputPath)
		if err != nil {
			return ferrors.Wrap(err, ferrors.KindSchema, "failed to read compiled artifact")
		}
		artifact, err := compiler.Deserialize(raw)
		if err != nil {
			return err
		}
		desc, err := newClient().Push(cmd.Context(), args[0], artifact, map[string]string{
			"dev.floe.source-hash":  artifact.Metadata.SourceHash,
			"dev.floe.product-name": artifact.Metadata.ProductName,
		})
		if err != nil {
			return err
		}
		cmd.Printf("pushed %s (digest=%s)\n", desc.Ref, desc.Digest)
		return nil
	},
}

var artifactPullCmd = &cobra.Command{
	Use:   "pull <ref>",
	Short: "Pull a compiled artifact, applying the verification policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		verify := verifyFuncFromPolicy(client)
		artifact, outcome, err := client.Pull(cmd.Context(), args[0], verify)
		if err != nil {
			return err
		}
		out, err := compiler.Serialize(artifact)
		if err != nil {
			return err
		}
		if artifactOutputPath != "" {
			if err := os.WriteFile(artifactOutputPath, out, 0644); err != nil {
				return ferrors.Wrap(err, ferrors.KindCompilation, "failed to write pulled artifact")
			}
		} else {
			fmt.Println(string(out))
		}
		cmd.PrintErrf("signature_status=%s\n", outcome.Status)
		return nil
	},
}

var artifactOutputPath string

var artifactListCmd = &cobra.Command{
	Use:   "list <repository>",
	Short: "List artifacts in a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		descs, err := newClient().List(cmd.Context(), args[0], artifactListLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	},
}

var artifactListLimit int

var artifactSignCmd = &cobra.Command{
	Use:   "sign <ref>",
	Short: "Sign a pushed artifact, keyless or with a key reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		existing, err := client.GetSignatureMetadata(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if existing != nil && !signResign {
			return ferrors.New(ferrors.KindSigning, "artifact is already signed; pass --resign to overwrite").WithRemediation(args[0])
		}

		engine := signing.New(nil, nil, nil, nil, nil, signingEmitter())
		meta, _, err := engine.Sign(cmd.Context(), args[0], []byte(args[0]), signing.SignOptions{Keyless: signKeyless, RequireRekor: signRequireRekor})
		if err != nil {
			return err
		}
		cmd.Printf("signed %s mode=%s subject=%s\n", args[0], meta.Mode, meta.Subject)
		return nil
	},
}

var (
	signKeyless      bool
	signRequireRekor bool
	signResign       bool
)

var artifactVerifyCmd = &cobra.Command{
	Use:   "verify <ref>",
	Short: "Verify a pushed artifact's signature against the active verification policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		meta, err := client.GetSignatureMetadata(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		policy := loadVerificationPolicy()
		engine := signing.New(nil, nil, nil, nil, nil, signingEmitter())
		result := engine.Verify(cmd.Context(), args[0], meta, policy, cfg.Environment, time.Now())
		cmd.Printf("status=%s reason=%q\n", result.Status, result.Reason)
		if policy.Enabled && result.Status != signing.StatusValid && policy.EnforcementFor(cfg.Environment) == "enforce" {
			return ferrors.NewSignatureVerificationError(args[0], result.Reason)
		}
		return nil
	},
}

func verifyFuncFromPolicy(client *ociclient.Client) ociclient.VerifyFunc {
	policy := loadVerificationPolicy()
	if !policy.Enabled {
		return nil
	}
	engine := signing.New(nil, nil, nil, nil, nil, signingEmitter())
	return func(ctx context.Context, digest string, annotations map[string]string) (ociclient.VerificationOutcome, error) {
		meta, err := ociclient.SignatureMetadataFromAnnotations(annotations)
		if err != nil {
			return ociclient.VerificationOutcome{}, err
		}
		result := engine.Verify(ctx, digest, meta, policy, cfg.Environment, time.Now())
		enforcement := policy.EnforcementFor(cfg.Environment)
		return ociclient.VerificationOutcome{
			Status:        result.Status,
			Enforce:       enforcement == "enforce",
			EnforceFailed: enforcement == "enforce" && result.Status != signing.StatusValid,
		}, nil
	}
}

// loadVerificationPolicy reads the verification policy from
// FLOE_VERIFICATION_POLICY if set, defaulting to a disabled policy so
// pull never blocks unless the operator opts in.
func loadVerificationPolicy() schema.VerificationPolicy {
	path := os.Getenv("FLOE_VERIFICATION_POLICY")
	if path == "" {
		return schema.VerificationPolicy{Enabled: false}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.VerificationPolicy{Enabled: false}
	}
	var policy schema.VerificationPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return schema.VerificationPolicy{Enabled: false}
	}
	return policy
}

func init() {
	artifactPushCmd.Flags().StringVar(&artifactInputPath, "input", "", "path to a compiled CompiledArtifacts JSON document")
	artifactPushCmd.MarkFlagRequired("input")

	artifactPullCmd.Flags().StringVar(&artifactOutputPath, "output", "", "path to write the pulled artifact (stdout if omitted)")

	artifactListCmd.Flags().IntVar(&artifactListLimit, "limit", 0, "maximum number of tags to list (0 = unlimited)")

	artifactSignCmd.Flags().BoolVar(&signKeyless, "keyless", true, "use the keyless OIDC->Fulcio->Rekor flow")
	artifactSignCmd.Flags().BoolVar(&signRequireRekor, "require-rekor", false, "require a Rekor transparency-log entry")
	artifactSignCmd.Flags().BoolVar(&signResign, "resign", false, "overwrite an existing signature")

	artifactCmd.AddCommand(artifactPushCmd, artifactPullCmd, artifactListCmd, artifactSignCmd, artifactVerifyCmd)
}
