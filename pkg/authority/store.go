package authority

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/fileutil"
	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/3scale/ovpn-access-manager/pkg/profile"
	"github.com/3scale/ovpn-access-manager/pkg/reload"
	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Default timeouts of the Store
const (
	DefaultSignTimeout = 30 * time.Second
	DefaultLockTimeout = 5 * time.Second
)

var (
	bucketClients      = []byte("clients")
	bucketCertificates = []byte("certificates")
)

// StoreConfig is the structure containing
// the required data to build a Store
type StoreConfig struct {
	// IndexPath is the bbolt database recording the issued certificates
	IndexPath string
	// OutputDir receives the "<name>.ovpn" connection profiles
	OutputDir  string
	Signer     Signer
	Renderer   *profile.Renderer
	Publishers []Publisher
	Reloader   reload.Reloader

	SignTimeout time.Duration
	LockTimeout time.Duration
	Logger      hclog.Logger
	Clock       clockwork.Clock
}

// Store is the authority index: the latest certificate of every client,
// the signer behind it and the artifacts derived from it.
//
// The index is opened for every read and every commit, never while the
// signer is called. bbolt holds an exclusive flock on it while open, which
// serializes the CLI and the API server; goroutines of one process are
// serialized by a mutex.
type Store struct {
	cfg    StoreConfig
	logger hclog.Logger
	clock  clockwork.Clock
	mu     sync.Mutex
}

// IssueOptions is the structure containing
// the required data to issue a client certificate
type IssueOptions struct {
	Name string
	// Passphrase encrypts the private key embedded in the profile. It is
	// wiped once used and never stored.
	Passphrase []byte
	// AllowReissue permits issuing for a client whose certificate was
	// revoked
	AllowReissue bool
}

// IssueResult describes a newly issued client certificate
type IssueResult struct {
	Certificate lifecycle.Certificate
	ProfilePath string
}

// NewStore returns a Store. Signer and Renderer are required.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Signer == nil {
		return nil, errors.New("authority store needs a signer")
	}
	if cfg.IndexPath == "" || cfg.OutputDir == "" {
		return nil, errors.New("authority store needs an index path and an output directory")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = &profile.Renderer{}
	}
	if cfg.Reloader == nil {
		cfg.Reloader = reload.Noop{}
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = DefaultSignTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	s := &Store{cfg: cfg, logger: cfg.Logger, clock: cfg.Clock}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	return s, nil
}

// withDB runs fn with the index open and exclusively locked
func (s *Store) withDB(fn func(db *bbolt.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := openDB(s.cfg.IndexPath, s.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func (s *Store) sign(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return callSigner(ctx, s.cfg.SignTimeout, op, fn)
}

// Issue signs a certificate for opts.Name, writes its connection profile
// and records it in the index. The index is only locked to check the state
// of the client and to commit: signing runs unlocked so that lookups of
// other clients are not held up by the authority. The index is committed
// last, when any step fails the client is left in its previous state.
func (s *Store) Issue(ctx context.Context, opts IssueOptions) (*IssueResult, error) {
	defer memguard.WipeBytes(opts.Passphrase)

	err := s.withDB(func(db *bbolt.DB) error {
		return checkIssuable(db, opts)
	})
	if err != nil {
		return nil, err
	}

	var issued *Issued
	err = s.sign(ctx, "issuing certificate", func(ctx context.Context) error {
		var err error
		issued, err = s.cfg.Signer.Issue(ctx, IssueRequest{CommonName: opts.Name})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("issued certificate", "client", opts.Name, "serial", issued.SerialNumber)

	config, err := s.render(ctx, opts, issued)
	if err != nil {
		s.discard(ctx, opts.Name, issued)
		return nil, err
	}

	crt := lifecycle.Certificate{
		SerialNumber:   issued.SerialNumber,
		IssuerCN:       issued.IssuerCN,
		SubjectCN:      opts.Name,
		NotBefore:      issued.NotBefore,
		NotAfter:       issued.NotAfter,
		IssuedAt:       s.clock.Now().UTC(),
		CertificatePEM: issued.CertificatePEM,
	}
	path := s.ProfilePath(opts.Name)
	err = s.withDB(func(db *bbolt.DB) error {
		// another process may have issued for the same client meanwhile
		if err := checkIssuable(db, opts); err != nil {
			return err
		}
		if err := fileutil.WriteAtomic(path, config, 0600); err != nil {
			return errors.Wrapf(lifecycle.ErrStorage, "writing profile: %v", err)
		}
		if err := commit(db, crt); err != nil {
			os.Remove(path)
			return err
		}
		return nil
	})
	if err != nil {
		s.discard(ctx, opts.Name, issued)
		return nil, err
	}
	return &IssueResult{Certificate: crt, ProfilePath: path}, nil
}

func checkIssuable(db *bbolt.DB, opts IssueOptions) error {
	current, err := lookup(db, opts.Name)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !current.Revoked {
		return errors.Wrapf(lifecycle.ErrAlreadyExists, "client %s has certificate %s", opts.Name, current.SerialNumber)
	}
	if !opts.AllowReissue {
		return lifecycle.StateError("generate", opts.Name, lifecycle.Revoked)
	}
	return nil
}

// render fetches the CA chain and builds the connection profile
func (s *Store) render(ctx context.Context, opts IssueOptions, issued *Issued) ([]byte, error) {
	var chain []string
	err := s.sign(ctx, "fetching CA chain", func(ctx context.Context) error {
		var err error
		chain, err = s.cfg.Signer.CAChain(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	config, err := s.cfg.Renderer.Render(profile.Bundle{
		Name:           opts.Name,
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
		CAChain:        chain,
		Passphrase:     opts.Passphrase,
	})
	if err != nil {
		return nil, errors.Wrapf(lifecycle.ErrStorage, "rendering profile: %v", err)
	}
	return config, nil
}

// discard revokes a certificate that was signed but never recorded
func (s *Store) discard(ctx context.Context, name string, issued *Issued) {
	err := s.sign(ctx, "revoking unused certificate", func(ctx context.Context) error {
		return s.cfg.Signer.Revoke(ctx, issued.SerialNumber)
	})
	if err != nil {
		s.logger.Warn("could not revoke unused certificate", "client", name, "serial", issued.SerialNumber, "error", err)
		return
	}
	s.logger.Info("revoked unused certificate", "client", name, "serial", issued.SerialNumber)
}

// Revoke revokes the latest certificate of name, publishes the new CRL and
// removes the client's profile. The certificate is only marked revoked in
// the index once the published CRL lists its serial. As in Issue, the
// index is not locked while the authority is called.
func (s *Store) Revoke(ctx context.Context, name string) (*lifecycle.Certificate, error) {
	var crt *lifecycle.Certificate
	err := s.withDB(func(db *bbolt.DB) error {
		var err error
		crt, err = lookupRevocable(db, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.sign(ctx, "revoking certificate", func(ctx context.Context) error {
		return s.cfg.Signer.Revoke(ctx, crt.SerialNumber)
	})
	if err != nil {
		return nil, err
	}

	var crl []byte
	err = s.sign(ctx, "fetching CRL", func(ctx context.Context) error {
		var err error
		crl, err = s.cfg.Signer.CRL(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	listed, err := isRevoked(crt.SerialNumber, crl)
	if err != nil {
		return nil, errors.Wrapf(lifecycle.ErrAuthority, "checking CRL: %v", err)
	}
	if !listed {
		return nil, errors.Wrapf(lifecycle.ErrAuthority, "CRL does not list revoked serial %s", crt.SerialNumber)
	}
	if err := s.publish(ctx, crl); err != nil {
		return nil, err
	}

	err = s.withDB(func(db *bbolt.DB) error {
		current, err := lookupRevocable(db, name)
		if err != nil {
			return err
		}
		if current.SerialNumber != crt.SerialNumber {
			return errors.Wrapf(lifecycle.ErrInvalidState, "client %s was reissued during revocation", name)
		}
		now := s.clock.Now().UTC()
		crt.Revoked = true
		crt.RevokedAt = &now
		if err := commit(db, *crt); err != nil {
			return err
		}
		// removed while locked so that a reissued profile is never deleted
		if err := os.Remove(s.ProfilePath(name)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("could not remove client profile", "client", name, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("revoked certificate", "client", name, "serial", crt.SerialNumber)

	if err := s.cfg.Reloader.Reload(ctx); err != nil {
		s.logger.Warn("could not reload the tunnel server", "error", err)
	}
	return crt, nil
}

func lookupRevocable(db *bbolt.DB, name string) (*lifecycle.Certificate, error) {
	crt, err := lookup(db, name)
	if err != nil {
		return nil, err
	}
	if crt.Revoked {
		return nil, errors.Wrapf(lifecycle.ErrAlreadyRevoked, "client %s", name)
	}
	return crt, nil
}

// CRL returns the current revocation list
func (s *Store) CRL(ctx context.Context) ([]byte, error) {
	var crl []byte
	err := s.sign(ctx, "fetching CRL", func(ctx context.Context) error {
		var err error
		crl, err = s.cfg.Signer.CRL(ctx)
		return err
	})
	return crl, err
}

// RefreshCRL rebuilds the revocation list with a fresh validity window and
// publishes it
func (s *Store) RefreshCRL(ctx context.Context) ([]byte, error) {
	var crl []byte
	err := s.sign(ctx, "rotating CRL", func(ctx context.Context) error {
		var err error
		crl, err = s.cfg.Signer.RotateCRL(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, crl); err != nil {
		return nil, err
	}
	s.logger.Info("refreshed CRL")
	if err := s.cfg.Reloader.Reload(ctx); err != nil {
		s.logger.Warn("could not reload the tunnel server", "error", err)
	}
	return crl, nil
}

func (s *Store) publish(ctx context.Context, crl []byte) error {
	for _, p := range s.cfg.Publishers {
		if err := p.Publish(ctx, crl); err != nil {
			return errors.WithMessagef(err, "publishing to %s", p)
		}
		s.logger.Debug("published CRL", "target", p.String())
	}
	return nil
}

// Lookup returns the latest certificate issued for name
func (s *Store) Lookup(ctx context.Context, name string) (*lifecycle.Certificate, error) {
	var crt *lifecycle.Certificate
	err := s.withDB(func(db *bbolt.DB) error {
		var err error
		crt, err = lookup(db, name)
		return err
	})
	return crt, err
}

// Exists reports whether a certificate was ever issued for name
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Lookup(ctx, name)
	if errors.Is(err, lifecycle.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// IsRevoked reports whether the latest certificate of name is revoked
func (s *Store) IsRevoked(ctx context.Context, name string) (bool, error) {
	crt, err := s.Lookup(ctx, name)
	if err != nil {
		return false, err
	}
	return crt.Revoked, nil
}

// List returns the latest certificate of every client, sorted by name
func (s *Store) List(ctx context.Context) ([]lifecycle.Certificate, error) {
	crts := []lifecycle.Certificate{}
	err := s.withDB(func(db *bbolt.DB) error {
		return db.View(func(tx *bbolt.Tx) error {
			clients := tx.Bucket(bucketClients)
			certs := tx.Bucket(bucketCertificates)
			if clients == nil || certs == nil {
				return nil
			}
			return clients.ForEach(func(name, serial []byte) error {
				crt, err := decodeCertificate(certs.Get(serial))
				if err != nil {
					return errors.Wrapf(err, "client %s", name)
				}
				crts = append(crts, *crt)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return crts, nil
}

// ProfilePath is where the connection profile of name is written
func (s *Store) ProfilePath(name string) string {
	return filepath.Join(s.cfg.OutputDir, name+".ovpn")
}

// Profile returns the connection profile of name
func (s *Store) Profile(name string) ([]byte, error) {
	data, err := os.ReadFile(s.ProfilePath(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(lifecycle.ErrNotFound, "no profile for client %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(lifecycle.ErrStorage, "reading profile: %v", err)
	}
	return data, nil
}

func lookup(db *bbolt.DB, name string) (*lifecycle.Certificate, error) {
	var crt *lifecycle.Certificate
	err := db.View(func(tx *bbolt.Tx) error {
		clients := tx.Bucket(bucketClients)
		certs := tx.Bucket(bucketCertificates)
		if clients == nil || certs == nil {
			return nil
		}
		serial := clients.Get([]byte(name))
		if serial == nil {
			return nil
		}
		var err error
		crt, err = decodeCertificate(certs.Get(serial))
		return err
	})
	if err != nil {
		return nil, err
	}
	if crt == nil {
		return nil, errors.Wrapf(lifecycle.ErrNotFound, "client %s", name)
	}
	return crt, nil
}

func commit(db *bbolt.DB, crt lifecycle.Certificate) error {
	data, err := json.Marshal(crt)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		clients, err := tx.CreateBucketIfNotExists(bucketClients)
		if err != nil {
			return err
		}
		certs, err := tx.CreateBucketIfNotExists(bucketCertificates)
		if err != nil {
			return err
		}
		if err := certs.Put([]byte(crt.SerialNumber), data); err != nil {
			return err
		}
		return clients.Put([]byte(crt.SubjectCN), []byte(crt.SerialNumber))
	})
	if err != nil {
		return errors.Wrapf(lifecycle.ErrStorage, "updating index: %v", err)
	}
	return nil
}

func decodeCertificate(data []byte) (*lifecycle.Certificate, error) {
	if data == nil {
		return nil, errors.Wrap(lifecycle.ErrStorage, "index references a missing certificate")
	}
	var crt lifecycle.Certificate
	if err := json.Unmarshal(data, &crt); err != nil {
		return nil, errors.Wrapf(lifecycle.ErrStorage, "decoding certificate: %v", err)
	}
	return &crt, nil
}
