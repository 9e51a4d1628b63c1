package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailhop/mailhop/internal/provider"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a DKIM key pair and print the DNS record",
	RunE:  runDKIMKeygen,
}

func init() {
	dkimKeygenCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimKeygenCmd.Flags().StringVar(&dkimSelector, "selector", "mailhop", "DKIM selector")
	dkimKeygenCmd.Flags().StringVar(&dkimKeyFile, "out", "", "Path to write the private key (required)")

	dkimCmd.AddCommand(dkimKeygenCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	if dkimDomain == "" {
		return fmt.Errorf("--domain is required")
	}
	if dkimKeyFile == "" {
		return fmt.Errorf("--out is required")
	}

	kp, err := provider.GenerateKeyPair(dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	if err := kp.SavePrivateKey(dkimKeyFile); err != nil {
		return err
	}

	fmt.Printf("Private key written to %s\n\n", dkimKeyFile)
	fmt.Println("Publish this DNS TXT record:")
	fmt.Printf("  %s\n", kp.DNSName())
	fmt.Printf("  %s\n", kp.DNSRecord())
	return nil
}
