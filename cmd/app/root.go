package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:           "ovpn-access-manager",
		Short:         "OpenVPN client certificate lifecycle management",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfgFile string
)

// Execute runs the app
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Configuration file (yaml)")

	flags.String("base-dir", "", "OpenVPN server directory, the default location of every other file")
	viper.BindPFlag("base-dir", flags.Lookup("base-dir"))
	viper.SetDefault("base-dir", "/etc/openvpn/server")

	flags.String("pki-dir", "", "easy-rsa PKI directory of the local CA (default <base-dir>/easy-rsa/pki)")
	viper.BindPFlag("pki-dir", flags.Lookup("pki-dir"))

	flags.String("index-path", "", "Database recording the issued certificates (default <base-dir>/index.db)")
	viper.BindPFlag("index-path", flags.Lookup("index-path"))

	flags.String("output-dir", "", "Directory receiving the client profiles (default <base-dir>/clients)")
	viper.BindPFlag("output-dir", flags.Lookup("output-dir"))

	flags.String("client-template", "", "Client profile template (default <base-dir>/client-common.txt)")
	viper.BindPFlag("client-template", flags.Lookup("client-template"))

	flags.String("tls-key", "", "tls-crypt or tls-auth static key (default <base-dir>/tc.key)")
	viper.BindPFlag("tls-key", flags.Lookup("tls-key"))

	flags.String("blocklist-path", "", "Suspended clients file (default <base-dir>/blocked_clients.txt)")
	viper.BindPFlag("blocklist-path", flags.Lookup("blocklist-path"))

	flags.String("crl-path", "", "CRL file read by the OpenVPN server (default <base-dir>/crl.pem)")
	viper.BindPFlag("crl-path", flags.Lookup("crl-path"))

	flags.String("authority", "", "Certificate authority backend: local or vault")
	viper.BindPFlag("authority", flags.Lookup("authority"))
	viper.SetDefault("authority", authorityLocal)

	flags.String("ca-passphrase-file", "", "File holding the passphrase of the local CA key")
	viper.BindPFlag("ca-passphrase-file", flags.Lookup("ca-passphrase-file"))

	flags.Int("client-cert-days", 0, "Validity of client certificates issued by the local CA")
	viper.BindPFlag("client-cert-days", flags.Lookup("client-cert-days"))
	viper.SetDefault("client-cert-days", 825)

	flags.Int("crl-days", 0, "Validity of the CRL generated by the local CA")
	viper.BindPFlag("crl-days", flags.Lookup("crl-days"))
	viper.SetDefault("crl-days", 180)

	flags.Bool("allow-reissue", false, "Allow generating a new certificate for a revoked client")
	viper.BindPFlag("allow-reissue", flags.Lookup("allow-reissue"))
	viper.SetDefault("allow-reissue", false)

	flags.Duration("sign-timeout", 0, "Timeout of every certificate authority call")
	viper.BindPFlag("sign-timeout", flags.Lookup("sign-timeout"))
	viper.SetDefault("sign-timeout", 30*time.Second)

	flags.Duration("lock-timeout", 0, "Timeout waiting for another process holding a store lock")
	viper.BindPFlag("lock-timeout", flags.Lookup("lock-timeout"))
	viper.SetDefault("lock-timeout", 5*time.Second)

	flags.String("reload-pidfile", "", "Pid file of the OpenVPN server to signal after a revocation")
	viper.BindPFlag("reload-pidfile", flags.Lookup("reload-pidfile"))

	flags.String("reload-signal", "", "Signal sent to the OpenVPN server after a revocation")
	viper.BindPFlag("reload-signal", flags.Lookup("reload-signal"))
	viper.SetDefault("reload-signal", "SIGUSR1")

	flags.String("client-vpn-endpoint-id", "", "AWS Client VPN endpoint the CRL is also imported into")
	viper.BindPFlag("client-vpn-endpoint-id", flags.Lookup("client-vpn-endpoint-id"))

	// Vault related options
	flags.String("vault-addr", "", "Full URL of the vault server")
	viper.BindPFlag("vault-addr", flags.Lookup("vault-addr"))
	viper.SetDefault("vault-addr", "http://127.0.0.1:8200")

	flags.StringSlice("vault-pki-paths", []string{}, "The paths where the root CA and any intermediate CAs live in Vault. Must be sorted, the rootCA PKI path has to be last one")
	viper.BindPFlag("vault-pki-paths", flags.Lookup("vault-pki-paths"))
	viper.SetDefault("vault-pki-paths", []string{"cvpn-pki", "root-pki"})

	flags.String("vault-client-certificate-role", "", "The Vault role used to issue VPN client certificates")
	viper.BindPFlag("vault-client-certificate-role", flags.Lookup("vault-client-certificate-role"))
	viper.SetDefault("vault-client-certificate-role", "client")

	flags.String("vault-auth-token", "", "The token to authenticate to the vault server")
	viper.BindPFlag("vault-auth-token", flags.Lookup("vault-auth-token"))

	flags.String("vault-auth-approle-role-id", "", "The role id in Vault's approle backend to authenticate with")
	viper.BindPFlag("vault-auth-approle-role-id", flags.Lookup("vault-auth-approle-role-id"))

	flags.String("vault-auth-approle-secret-id", "", "The secret id in Vault's approle backend to authenticate with")
	viper.BindPFlag("vault-auth-approle-secret-id", flags.Lookup("vault-auth-approle-secret-id"))

	flags.String("vault-auth-approle-backend-path", "", "The path where the approle auth backend is located")
	viper.BindPFlag("vault-auth-approle-backend-path", flags.Lookup("vault-auth-approle-backend-path"))
	viper.SetDefault("vault-auth-approle-backend-path", "approle")

	// Logging
	flags.String("log-level", "", "Log level: trace, debug, info, warn or error")
	viper.BindPFlag("log-level", flags.Lookup("log-level"))
	viper.SetDefault("log-level", "info")

	flags.String("log-file", "", "Append logs to this file instead of stderr")
	viper.BindPFlag("log-file", flags.Lookup("log-file"))

	viper.SetEnvPrefix("OVPNAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// configErr is set by initConfig and reported by the commands, cobra's
// initializers cannot return errors
var configErr error

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		configErr = errors.Wrapf(err, "reading config file %s", cfgFile)
	}
}

// newLogger builds the logger from log-level and log-file. The DEBUG
// environment variable forces the debug level.
func newLogger() (hclog.Logger, error) {
	if configErr != nil {
		return nil, configErr
	}

	level := hclog.LevelFromString(viper.GetString("log-level"))
	if level == hclog.NoLevel {
		return nil, errors.Errorf("invalid log level %q", viper.GetString("log-level"))
	}
	if os.Getenv("DEBUG") != "" && level > hclog.Debug {
		level = hclog.Debug
	}

	var out io.Writer = os.Stderr
	if path := viper.GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		out = f
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "ovpn-access-manager",
		Level:  level,
		Output: out,
	}), nil
}
