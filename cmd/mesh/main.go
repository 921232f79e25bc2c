// Command mesh is the operator CLI: key generation, DID derivation,
// policy linting, and offline audit log verification and export.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/audit"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
	"github.com/agentmesh/agentmesh/internal/policy"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "AgentMesh operator CLI",
	Long: `mesh is the command-line companion to meshd.

It generates agent keypairs, derives DIDs, lints policy documents, and
verifies or exports file-backed audit logs without a running daemon.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(didCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)

	policyCmd.AddCommand(policyLintCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditExportCmd.Flags().Uint64Var(&exportSince, "since", 0, "first sequence number to export")
}

// ── keygen ───────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 keypair and its DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := meshcrypto.GenerateKeypair()
		if err != nil {
			return err
		}
		did, err := meshcrypto.DeriveDID(pub)
		if err != nil {
			return err
		}
		out := map[string]string{
			"did":         did,
			"public_key":  meshcrypto.EncodeKey(pub),
			"private_key": base64.StdEncoding.EncodeToString(priv),
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	},
}

// ── did ──────────────────────────────────────────────────────────────────

var didCmd = &cobra.Command{
	Use:   "did <base64-public-key>",
	Short: "Derive the DID for a public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, err := meshcrypto.DecodeKey(args[0])
		if err != nil {
			return err
		}
		did, err := meshcrypto.DeriveDID(pub)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), did)
		return nil
	},
}

// ── policy lint ──────────────────────────────────────────────────────────

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy document tooling",
}

var policyLintCmd = &cobra.Command{
	Use:   "lint <file> [<file> ...]",
	Short: "Parse and validate policy documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			doc, err := policy.ParseDocument(data)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d rules)\n", path, doc.Name, len(doc.Rules))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents invalid", failed, len(args))
		}
		return nil
	},
}

// ── audit ────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Offline audit log tooling",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <audit-log-file>",
	Short: "Re-verify the hash chain of a file-backed audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openFileLog(args[0])
		if err != nil {
			return err
		}
		defer log.Close() //nolint:errcheck

		// Opening already replays and validates the chain; verify again
		// explicitly so tampering reports the offending entry.
		if err := log.VerifyChain(context.Background(), 0, log.Len()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries, root %s\n", log.Len(), log.Root())
		return nil
	},
}

var exportSince uint64

var auditExportCmd = &cobra.Command{
	Use:   "export <audit-log-file>",
	Short: "Export a file-backed audit log as CloudEvents NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openFileLog(args[0])
		if err != nil {
			return err
		}
		defer log.Close() //nolint:errcheck

		enc := json.NewEncoder(cmd.OutOrStdout())
		return log.Export(context.Background(), exportSince, func(env *audit.Envelope) error {
			return enc.Encode(env)
		})
	},
}

func openFileLog(path string) (*audit.Log, error) {
	storage, err := audit.OpenFileStorage(path, zap.NewNop())
	if err != nil {
		return nil, err
	}
	return audit.NewLog(context.Background(), storage, audit.Options{}, zap.NewNop())
}

// ── version ──────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "mesh "+version)
	},
}
