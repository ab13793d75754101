package app

import (
	"fmt"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/authority"
	"github.com/spf13/cobra"
)

// initCAOptions is the options for the init-ca command
type initCAOptions struct {
	commonName string
	days       int
}

var initCAOpts initCAOptions

var initCACmd = &cobra.Command{
	Use:     "init-ca",
	Short:   "Creates the local certificate authority and its first CRL",
	Example: "ovpn-access-manager init-ca --ca-passphrase-file /root/ca.pass --common-name 'VPN CA'",
	Args:    cobra.NoArgs,
	RunE:    runInitCA,
}

func init() {
	rootCmd.AddCommand(initCACmd)

	initCACmd.Flags().StringVar(&initCAOpts.commonName, "common-name", authority.DefaultCACommonName, "Common name of the CA certificate")
	initCACmd.Flags().IntVar(&initCAOpts.days, "days", 3650, "Validity of the CA certificate in days")
}

func runInitCA(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	ca, err := newLocalCA()
	if err != nil {
		return err
	}
	crt, err := ca.Init(cmd.Context(), initCAOpts.commonName, time.Duration(initCAOpts.days)*24*time.Hour)
	if err != nil {
		return err
	}
	logger.Info("certificate authority created", "cn", crt.Subject.CommonName, "not_after", crt.NotAfter)

	crl, err := ca.CRL(cmd.Context())
	if err != nil {
		return err
	}
	publisher := &authority.FilePublisher{Path: crlPath()}
	if err := publisher.Publish(cmd.Context(), crl); err != nil {
		return err
	}

	fmt.Printf("CA certificate written to %s\nCRL written to %s\n", ca.CertPath(), crlPath())
	return nil
}
