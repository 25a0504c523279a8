package main

import (
	"crypto"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/dkim"
)

var (
	dkimDomain    string
	dkimSelector  string
	dkimAlgorithm string
	dkimOutDir    string
	dkimKeyFile   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new DKIM key and print its DNS record",
	RunE:  runDKIMKeygen,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the DNS record of an existing DKIM key",
	RunE:  runDKIMShow,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mail", "DKIM selector")
	dkimKeygenCmd.Flags().StringVar(&dkimAlgorithm, "algorithm", dkim.AlgorithmRSA, "Key algorithm (rsa or ed25519)")
	dkimKeygenCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimKeygenCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mail", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimKeygenCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	key, err := dkim.GenerateKey(dkimAlgorithm)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.%s.key", dkimSelector, dkimDomain))
	if err := dkim.WriteKey(keyPath, key); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "DKIM key generated successfully\n\nPrivate key saved to: %s\n\n", keyPath)
	return printDKIMRecord(cmd, key)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadKey(dkimKeyFile)
	if err != nil {
		return err
	}
	return printDKIMRecord(cmd, key)
}

func printDKIMRecord(cmd *cobra.Command, key crypto.Signer) error {
	record, err := dkim.TXTRecord(key)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DNS Record:\n")
	fmt.Fprintf(out, "  Name: %s\n", dkim.RecordName(dkimSelector, dkimDomain))
	fmt.Fprintf(out, "  Type: TXT\n")
	fmt.Fprintf(out, "  Value: %s\n", record)
	return nil
}
