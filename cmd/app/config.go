package app

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/3scale/ovpn-access-manager/pkg/authority"
	"github.com/3scale/ovpn-access-manager/pkg/blocklist"
	"github.com/3scale/ovpn-access-manager/pkg/fileutil"
	"github.com/3scale/ovpn-access-manager/pkg/operations"
	"github.com/3scale/ovpn-access-manager/pkg/profile"
	"github.com/3scale/ovpn-access-manager/pkg/reload"
	"github.com/3scale/ovpn-access-manager/pkg/vault"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	authorityLocal = "local"
	authorityVault = "vault"
)

// pathOption returns the configured value of key, or rel under base-dir
// when it is not set
func pathOption(key, rel string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return filepath.Join(viper.GetString("base-dir"), rel)
}

func pkiDir() string        { return pathOption("pki-dir", filepath.Join("easy-rsa", "pki")) }
func indexPath() string     { return pathOption("index-path", "index.db") }
func outputDir() string     { return pathOption("output-dir", "clients") }
func templatePath() string  { return pathOption("client-template", "client-common.txt") }
func tlsKeyPath() string    { return pathOption("tls-key", "tc.key") }
func blocklistPath() string { return pathOption("blocklist-path", "blocked_clients.txt") }
func crlPath() string       { return pathOption("crl-path", "crl.pem") }

func readPassphraseFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading passphrase file")
	}
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.Errorf("passphrase file %s is empty", path)
	}
	return data, nil
}

func newLocalCA() (*authority.LocalCA, error) {
	opts := []authority.LocalOption{
		authority.WithCertificateDays(viper.GetInt("client-cert-days")),
		authority.WithCRLDays(viper.GetInt("crl-days")),
		authority.WithLedgerTimeout(viper.GetDuration("lock-timeout")),
	}
	if path := viper.GetString("ca-passphrase-file"); path != "" {
		pass, err := readPassphraseFile(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, authority.WithCAPassphrase(pass))
	}
	return authority.NewLocalCA(pkiDir(), opts...), nil
}

func newSigner(logger hclog.Logger) (authority.Signer, error) {
	switch backend := viper.GetString("authority"); backend {
	case authorityLocal:
		ca, err := newLocalCA()
		if err != nil {
			return nil, err
		}
		return ca, nil
	case authorityVault:
		vc, err := vault.NewAuthenticatedClient(vault.Config{
			Address:            viper.GetString("vault-addr"),
			Token:              viper.GetString("vault-auth-token"),
			ApproleRoleID:      viper.GetString("vault-auth-approle-role-id"),
			ApproleSecretID:    viper.GetString("vault-auth-approle-secret-id"),
			ApproleBackendPath: viper.GetString("vault-auth-approle-backend-path"),
			Logger:             logger.Named("vault"),
		})
		if err != nil {
			return nil, err
		}
		paths := viper.GetStringSlice("vault-pki-paths")
		if len(paths) == 0 {
			return nil, errors.New("vault-pki-paths is empty")
		}
		return &authority.VaultSigner{
			Client:   vc,
			PKIPaths: paths,
			Role:     viper.GetString("vault-client-certificate-role"),
		}, nil
	default:
		return nil, errors.Errorf("unknown authority %q, must be %s or %s", backend, authorityLocal, authorityVault)
	}
}

func newPublishers() ([]authority.Publisher, error) {
	publishers := []authority.Publisher{&authority.FilePublisher{Path: crlPath()}}
	if id := viper.GetString("client-vpn-endpoint-id"); id != "" {
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.Wrap(err, "creating AWS session")
		}
		publishers = append(publishers, &authority.ClientVPNPublisher{Client: ec2.New(sess), EndpointID: id})
	}
	return publishers, nil
}

// newRenderer uses the template and the static key when they exist
func newRenderer(logger hclog.Logger) (*profile.Renderer, error) {
	r := &profile.Renderer{}
	for _, f := range []struct {
		path string
		dst  *string
	}{
		{templatePath(), &r.TemplatePath},
		{tlsKeyPath(), &r.TLSKeyPath},
	} {
		ok, err := fileutil.Exists(f.path)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Warn("file not found, profiles will not include it", "path", f.path)
			continue
		}
		*f.dst = f.path
	}
	return r, nil
}

func newBlocklist(logger hclog.Logger) *blocklist.Store {
	return blocklist.New(blocklistPath(),
		blocklist.WithLockTimeout(viper.GetDuration("lock-timeout")),
		blocklist.WithLogger(logger.Named("blocklist")),
	)
}

func newStore(logger hclog.Logger) (*authority.Store, error) {
	signer, err := newSigner(logger)
	if err != nil {
		return nil, err
	}
	publishers, err := newPublishers()
	if err != nil {
		return nil, err
	}
	renderer, err := newRenderer(logger)
	if err != nil {
		return nil, err
	}
	reloader, err := reload.New(viper.GetString("reload-pidfile"), viper.GetString("reload-signal"))
	if err != nil {
		return nil, err
	}
	return authority.NewStore(authority.StoreConfig{
		IndexPath:   indexPath(),
		OutputDir:   outputDir(),
		Signer:      signer,
		Renderer:    renderer,
		Publishers:  publishers,
		Reloader:    reloader,
		SignTimeout: viper.GetDuration("sign-timeout"),
		LockTimeout: viper.GetDuration("lock-timeout"),
		Logger:      logger.Named("authority"),
	})
}

func newManager(logger hclog.Logger) (*operations.Manager, error) {
	store, err := newStore(logger)
	if err != nil {
		return nil, err
	}
	return operations.NewManager(operations.Config{
		Authority:    store,
		Blocklist:    newBlocklist(logger),
		AllowReissue: viper.GetBool("allow-reissue"),
		Logger:       logger.Named("lifecycle"),
	}), nil
}
