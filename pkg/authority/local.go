package authority

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/fileutil"
	"github.com/3scale/ovpn-access-manager/pkg/keyutil"
	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Defaults of the local certificate authority
const (
	DefaultCertificateDays = 825
	DefaultCRLDays         = 180
	DefaultCACommonName    = "ovpn-access-manager CA"
)

var (
	// ErrCAExists is returned by Init when the PKI directory already holds a CA
	ErrCAExists = errors.New("certificate authority already initialised")
	// ErrNoCA is returned when the PKI directory holds no CA certificate
	ErrNoCA = errors.New("certificate authority not initialised")
)

var (
	bucketIssued  = []byte("issued")
	bucketRevoked = []byte("revoked")
	bucketMeta    = []byte("meta")
	keyCRL        = []byte("crl")
	keyCRLNumber  = []byte("crl-number")
)

type issuedEntry struct {
	CommonName string    `json:"cn"`
	IssuedAt   time.Time `json:"issuedAt"`
	NotAfter   time.Time `json:"notAfter"`
}

type revokedEntry struct {
	RevokedAt time.Time `json:"revokedAt"`
}

// LocalCA is a certificate authority kept in an easy-rsa style PKI
// directory: "ca.crt", "private/ca.key" and a "ca.db" ledger recording the
// issued serials, the revoked serials and the last generated CRL.
type LocalCA struct {
	dir         string
	passphrase  []byte
	certDays    int
	crlDays     int
	lockTimeout time.Duration
	clock       clockwork.Clock
	mu          sync.Mutex
}

// LocalOption configures a LocalCA
type LocalOption func(*LocalCA)

// WithCAPassphrase sets the passphrase protecting the CA private key
func WithCAPassphrase(p []byte) LocalOption {
	return func(ca *LocalCA) { ca.passphrase = p }
}

// WithCertificateDays sets the validity of issued client certificates
func WithCertificateDays(days int) LocalOption {
	return func(ca *LocalCA) {
		if days > 0 {
			ca.certDays = days
		}
	}
}

// WithCRLDays sets how long a generated CRL stays valid
func WithCRLDays(days int) LocalOption {
	return func(ca *LocalCA) {
		if days > 0 {
			ca.crlDays = days
		}
	}
}

// WithLedgerTimeout bounds the wait for the ledger lock held by another
// process
func WithLedgerTimeout(d time.Duration) LocalOption {
	return func(ca *LocalCA) {
		if d > 0 {
			ca.lockTimeout = d
		}
	}
}

// WithClock replaces the wall clock, used by tests
func WithClock(c clockwork.Clock) LocalOption {
	return func(ca *LocalCA) { ca.clock = c }
}

// NewLocalCA returns the authority stored in dir. The directory is only
// read when the CA is used.
func NewLocalCA(dir string, opts ...LocalOption) *LocalCA {
	ca := &LocalCA{
		dir:         dir,
		certDays:    DefaultCertificateDays,
		crlDays:     DefaultCRLDays,
		lockTimeout: 5 * time.Second,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(ca)
	}
	return ca
}

var _ Signer = (*LocalCA)(nil)

// CertPath is the CA certificate
func (ca *LocalCA) CertPath() string { return filepath.Join(ca.dir, "ca.crt") }

// KeyPath is the CA private key
func (ca *LocalCA) KeyPath() string { return filepath.Join(ca.dir, "private", "ca.key") }

func (ca *LocalCA) ledgerPath() string { return filepath.Join(ca.dir, "ca.db") }

// Init creates a self signed CA valid for validity and an initial empty CRL.
// The key is encrypted when the CA has a passphrase.
func (ca *LocalCA) Init(ctx context.Context, commonName string, validity time.Duration) (*x509.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	exists, err := fileutil.Exists(ca.CertPath())
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Wrap(ErrCAExists, ca.CertPath())
	}
	if commonName == "" {
		commonName = DefaultCACommonName
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating CA key")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := ca.clock.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, errors.Wrap(err, "creating CA certificate")
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	keyPEM, err := keyutil.EncodeECKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if len(ca.passphrase) > 0 {
		// EncryptPrivateKeyPEM wipes the passphrase it is given
		pass := append([]byte(nil), ca.passphrase...)
		if keyPEM, err = keyutil.EncryptPrivateKeyPEM(keyPEM, pass); err != nil {
			return nil, err
		}
	}

	if err := fileutil.WriteAtomic(ca.KeyPath(), []byte(keyPEM), 0600); err != nil {
		return nil, err
	}
	if err := fileutil.WriteAtomic(ca.CertPath(), []byte(keyutil.EncodeCertPEM(der)), 0644); err != nil {
		return nil, err
	}

	err = ca.update(func(tx *bbolt.Tx) error {
		_, err := ca.generateCRL(tx, crt, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return crt, nil
}

// Issue signs a new ECDSA P-256 client certificate with a random 128 bit
// serial number
func (ca *LocalCA) Issue(ctx context.Context, r IssueRequest) (*Issued, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	caCrt, caKey, err := ca.load()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating client key")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	ttl := r.TTL
	if ttl <= 0 {
		ttl = time.Duration(ca.certDays) * 24 * time.Hour
	}
	now := ca.clock.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: r.CommonName},
		NotBefore:             now,
		NotAfter:              now.Add(ttl),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCrt, key.Public(), caKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing client certificate")
	}
	keyPEM, err := keyutil.EncodeECKeyPEM(key)
	if err != nil {
		return nil, err
	}

	issued := &Issued{
		CertificatePEM: keyutil.EncodeCertPEM(der),
		PrivateKeyPEM:  keyPEM,
		SerialNumber:   FormatSerial(serial),
		IssuerCN:       caCrt.Subject.CommonName,
		NotBefore:      template.NotBefore,
		NotAfter:       template.NotAfter,
	}

	entry, err := json.Marshal(issuedEntry{CommonName: r.CommonName, IssuedAt: now, NotAfter: template.NotAfter})
	if err != nil {
		return nil, err
	}
	err = ca.update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketIssued)
		if err != nil {
			return err
		}
		return b.Put([]byte(issued.SerialNumber), entry)
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Revoke adds serial to the revocation ledger and regenerates the CRL.
// Revoking a serial twice keeps the first revocation time.
func (ca *LocalCA) Revoke(ctx context.Context, serial string) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	n, err := ParseSerial(serial)
	if err != nil {
		return err
	}
	key := []byte(FormatSerial(n))

	caCrt, caKey, err := ca.load()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return ca.update(func(tx *bbolt.Tx) error {
		issued := tx.Bucket(bucketIssued)
		if issued == nil || issued.Get(key) == nil {
			return errors.Errorf("serial %s was not issued by this CA", key)
		}
		revoked, err := tx.CreateBucketIfNotExists(bucketRevoked)
		if err != nil {
			return err
		}
		if revoked.Get(key) != nil {
			return nil
		}
		entry, err := json.Marshal(revokedEntry{RevokedAt: ca.clock.Now().UTC()})
		if err != nil {
			return err
		}
		if err := revoked.Put(key, entry); err != nil {
			return err
		}
		_, err = ca.generateCRL(tx, caCrt, caKey)
		return err
	})
}

// CRL returns the last generated revocation list, generating one when the
// ledger has none
func (ca *LocalCA) CRL(ctx context.Context) ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	var crl []byte
	err := ca.view(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketMeta); b != nil {
			if v := b.Get(keyCRL); v != nil {
				crl = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil || crl != nil {
		return crl, err
	}
	return ca.rotate(ctx)
}

// RotateCRL regenerates the revocation list with a new CRL number and a
// validity window starting now
func (ca *LocalCA) RotateCRL(ctx context.Context) ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.rotate(ctx)
}

func (ca *LocalCA) rotate(ctx context.Context) ([]byte, error) {
	caCrt, caKey, err := ca.load()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var crl []byte
	err = ca.update(func(tx *bbolt.Tx) error {
		crl, err = ca.generateCRL(tx, caCrt, caKey)
		return err
	})
	return crl, err
}

// CAChain returns the CA certificate
func (ca *LocalCA) CAChain(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(ca.CertPath())
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNoCA, ca.dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading CA certificate")
	}
	return []string{string(data)}, nil
}

func (ca *LocalCA) generateCRL(tx *bbolt.Tx, caCrt *x509.Certificate, caKey crypto.Signer) ([]byte, error) {
	meta, err := tx.CreateBucketIfNotExists(bucketMeta)
	if err != nil {
		return nil, err
	}

	var entries []x509.RevocationListEntry
	if b := tx.Bucket(bucketRevoked); b != nil {
		err := b.ForEach(func(k, v []byte) error {
			serial, err := ParseSerial(string(k))
			if err != nil {
				return err
			}
			var e revokedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   serial,
				RevocationTime: e.RevokedAt,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var number uint64 = 1
	if v := meta.Get(keyCRLNumber); len(v) == 8 {
		number = binary.BigEndian.Uint64(v) + 1
	}

	now := ca.clock.Now().UTC()
	template := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(ca.crlDays) * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, caCrt, caKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating CRL")
	}
	crl := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, number)
	if err := meta.Put(keyCRLNumber, buf); err != nil {
		return nil, err
	}
	if err := meta.Put(keyCRL, crl); err != nil {
		return nil, err
	}
	return crl, nil
}

func (ca *LocalCA) load() (*x509.Certificate, crypto.Signer, error) {
	crtPEM, err := os.ReadFile(ca.CertPath())
	if os.IsNotExist(err) {
		return nil, nil, errors.Wrap(ErrNoCA, ca.dir)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading CA certificate")
	}
	crt, err := keyutil.ParseCertificatePEM(crtPEM)
	if err != nil {
		return nil, nil, errors.Wrap(err, ca.CertPath())
	}
	keyPEM, err := os.ReadFile(ca.KeyPath())
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading CA private key")
	}
	key, err := keyutil.ParsePrivateKeyPEM(keyPEM, ca.passphrase)
	if err != nil {
		return nil, nil, errors.Wrap(err, ca.KeyPath())
	}
	return crt, key, nil
}

func (ca *LocalCA) update(fn func(tx *bbolt.Tx) error) error {
	db, err := openDB(ca.ledgerPath(), ca.lockTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (ca *LocalCA) view(fn func(tx *bbolt.Tx) error) error {
	db, err := openDB(ca.ledgerPath(), ca.lockTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

// openDB opens a bbolt database, waiting at most timeout for the exclusive
// lock another process may hold on it
func openDB(path string, timeout time.Duration) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(lifecycle.ErrStorage, err.Error())
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, errors.Wrapf(lifecycle.ErrAuthorityTimeout, "waiting for lock on %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(lifecycle.ErrStorage, "opening %s: %v", path, err)
	}
	return db, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, errors.Wrap(err, "generating serial number")
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
