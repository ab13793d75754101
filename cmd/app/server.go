package app

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/certwatch"
	"github.com/3scale/ovpn-access-manager/pkg/operations"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// serverCmd runs a server that exposes an API to manage the clients
var serverCmd = &cobra.Command{
	Use:     "server",
	Short:   "Starts a server that will listen for http requests",
	Example: "ovpn-access-manager server --port 8000 --api-key XXXXXXXX --crl-refresh-schedule @daily",
	Args:    cobra.NoArgs,
	RunE:    runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	flags := serverCmd.Flags()

	flags.String("host", "", "Address to listen at")
	viper.BindPFlag("host", flags.Lookup("host"))
	viper.SetDefault("host", "127.0.0.1")

	flags.String("port", "", "Port to listen at")
	viper.BindPFlag("port", flags.Lookup("port"))
	viper.SetDefault("port", "8000")

	flags.String("api-key", "", "Key clients must send in the X-API-Key header")
	viper.BindPFlag("api-key", flags.Lookup("api-key"))

	flags.String("tls-cert", "", "Certificate served by the API, reloaded when it changes")
	viper.BindPFlag("tls-cert", flags.Lookup("tls-cert"))

	flags.String("tls-key-file", "", "Private key of the API certificate")
	viper.BindPFlag("tls-key-file", flags.Lookup("tls-key-file"))

	flags.String("crl-refresh-schedule", "", "Cron schedule regenerating the CRL, empty disables it")
	viper.BindPFlag("crl-refresh-schedule", flags.Lookup("crl-refresh-schedule"))
	viper.SetDefault("crl-refresh-schedule", "@daily")

	// GitHub auth related options
	flags.String("auth-github-org", "", "The GitHub organization the user belongs to")
	viper.BindPFlag("auth-github-org", flags.Lookup("auth-github-org"))

	flags.StringSlice("auth-github-teams", []string{}, "The GitHub teams allowed to access the server")
	viper.BindPFlag("auth-github-teams", flags.Lookup("auth-github-teams"))

	flags.StringSlice("auth-github-users", []string{}, "The GitHub users allowed to access the server")
	viper.BindPFlag("auth-github-users", flags.Lookup("auth-github-users"))
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	m, err := newManager(logger)
	if err != nil {
		return err
	}

	opts := apiOptions{
		Manager: m,
		Logger:  logger.Named("api"),
		APIKey:  viper.GetString("api-key"),
	}
	if org := viper.GetString("auth-github-org"); org != "" {
		opts.Github = &GithubAuthOpts{
			Organization: org,
			AllowedUsers: viper.GetStringSlice("auth-github-users"),
			AllowedTeams: viper.GetStringSlice("auth-github-teams"),
		}
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(viper.GetString("host"), viper.GetString("port")),
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, newRouter(opts)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	var watcher *certwatch.Watcher
	if cert := viper.GetString("tls-cert"); cert != "" {
		watcher, err = certwatch.New(cert, viper.GetString("tls-key-file"), logger.Named("certwatch"))
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: watcher.GetCertificate,
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if schedule := viper.GetString("crl-refresh-schedule"); schedule != "" {
		c := cron.New()
		if err := c.AddFunc(schedule, refreshCRLJob(ctx, m, logger.Named("cron"))); err != nil {
			return errors.Wrapf(err, "invalid crl-refresh-schedule %q", schedule)
		}
		c.Start()
		defer c.Stop()
	}

	g.Go(func() error {
		logger.Info("started server", "addr", srv.Addr, "tls", watcher != nil)
		var err error
		if watcher != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// refreshCRLJob regenerates and publishes the CRL before it expires
func refreshCRLJob(ctx context.Context, m *operations.Manager, logger hclog.Logger) func() {
	return func() {
		if _, err := m.RefreshCRL(ctx); err != nil {
			logger.Error("scheduled CRL refresh failed", "error", err)
			return
		}
		logger.Info("CRL refreshed")
	}
}
