package app

import (
	"context"
	"fmt"

	"github.com/3scale/ovpn-access-manager/pkg/operations"
	"github.com/spf13/cobra"
)

var getCRLCmd = &cobra.Command{
	Use:   "get-crl",
	Short: "Prints the current certificate revocation list",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		crl, err := m.CRL(ctx)
		if err != nil {
			return err
		}
		fmt.Print(string(crl))
		return nil
	}),
}

var updateCRLCmd = &cobra.Command{
	Use:   "update-crl",
	Short: "Regenerates the certificate revocation list and publishes it",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		crl, err := m.RefreshCRL(ctx)
		if err != nil {
			return err
		}
		fmt.Print(string(crl))
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(getCRLCmd)
	rootCmd.AddCommand(updateCRLCmd)
}
