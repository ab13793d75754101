package authority

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/3scale/ovpn-access-manager/pkg/profile"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type fakeSigner struct {
	Signer
	issue func(ctx context.Context, r IssueRequest) (*Issued, error)
	crl   func(ctx context.Context) ([]byte, error)
}

func (f *fakeSigner) Issue(ctx context.Context, r IssueRequest) (*Issued, error) {
	if f.issue != nil {
		return f.issue(ctx, r)
	}
	return f.Signer.Issue(ctx, r)
}

func (f *fakeSigner) CRL(ctx context.Context) ([]byte, error) {
	if f.crl != nil {
		return f.crl(ctx)
	}
	return f.Signer.CRL(ctx)
}

type countingReloader struct {
	calls int32
	err   error
}

func (r *countingReloader) Reload(context.Context) error {
	atomic.AddInt32(&r.calls, 1)
	return r.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, []byte) error {
	return errors.Wrap(lifecycle.ErrStorage, "disk full")
}

func (failingPublisher) String() string { return "failing" }

type testStore struct {
	*Store
	dir      string
	crlPath  string
	reloader *countingReloader
}

func newTestStore(t *testing.T, mutate func(cfg *StoreConfig)) *testStore {
	t.Helper()
	dir := t.TempDir()
	ca := NewLocalCA(filepath.Join(dir, "pki"))
	_, err := ca.Init(context.Background(), "test CA", 24*time.Hour)
	require.NoError(t, err)

	tlsKey := filepath.Join(dir, "tc.key")
	require.NoError(t, os.WriteFile(tlsKey, []byte("static-key"), 0600))
	tpl := filepath.Join(dir, "client-common.txt")
	require.NoError(t, os.WriteFile(tpl, []byte("client\nremote vpn.example.com 1194\n"), 0644))

	crlPath := filepath.Join(dir, "crl.pem")
	reloader := &countingReloader{}
	cfg := StoreConfig{
		IndexPath:   filepath.Join(dir, "index.db"),
		OutputDir:   filepath.Join(dir, "clients"),
		Signer:      ca,
		Renderer:    &profile.Renderer{TemplatePath: tpl, TLSKeyPath: tlsKey},
		Publishers:  []Publisher{&FilePublisher{Path: crlPath}},
		Reloader:    reloader,
		LockTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return &testStore{Store: s, dir: dir, crlPath: crlPath, reloader: reloader}
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(StoreConfig{IndexPath: "index.db", OutputDir: "clients"})
	assert.Error(t, err)
	_, err = NewStore(StoreConfig{Signer: NewLocalCA(t.TempDir())})
	assert.Error(t, err)
}

func TestStoreIssue(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	res, err := s.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.dir, "clients", "alice.ovpn"), res.ProfilePath)
	assert.Equal(t, "alice", res.Certificate.SubjectCN)
	assert.Equal(t, "test CA", res.Certificate.IssuerCN)

	info, err := os.Stat(res.ProfilePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := s.Profile("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(cfg), "client\nremote vpn.example.com 1194\n<ca>\n"))
	assert.Contains(t, string(cfg), "<tls-crypt>\nstatic-key\n</tls-crypt>")

	crt, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	if diff := cmp.Diff(res.Certificate, *crt); diff != "" {
		t.Errorf("index record mismatch (-issued +stored):\n%s", diff)
	}

	_, err = s.Issue(ctx, IssueOptions{Name: "alice"})
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyExists)
}

func TestStoreRevoke(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	res, err := s.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)

	crt, err := s.Revoke(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, crt.Revoked)
	require.NotNil(t, crt.RevokedAt)

	revoked, err := s.IsRevoked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, revoked)

	published, err := os.ReadFile(s.crlPath)
	require.NoError(t, err)
	listed, err := isRevoked(res.Certificate.SerialNumber, published)
	require.NoError(t, err)
	assert.True(t, listed)
	info, err := os.Stat(s.crlPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	_, err = os.Stat(res.ProfilePath)
	assert.True(t, os.IsNotExist(err))
	_, err = s.Profile("alice")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	assert.EqualValues(t, 1, atomic.LoadInt32(&s.reloader.calls))

	_, err = s.Revoke(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyRevoked)

	_, err = s.Issue(ctx, IssueOptions{Name: "alice"})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)

	again, err := s.Issue(ctx, IssueOptions{Name: "alice", AllowReissue: true})
	require.NoError(t, err)
	assert.NotEqual(t, res.Certificate.SerialNumber, again.Certificate.SerialNumber)

	// the old serial stays revoked
	crl, err := s.CRL(ctx)
	require.NoError(t, err)
	listed, err = isRevoked(res.Certificate.SerialNumber, crl)
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestStoreRevokeUnknown(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.Revoke(context.Background(), "nobody")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestStoreRevokeReloadFailureIsNotFatal(t *testing.T) {
	s := newTestStore(t, nil)
	s.reloader.err = errors.New("no such process")
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)
	_, err = s.Revoke(ctx, "alice")
	assert.NoError(t, err)
}

func TestStoreRevokeStaleCRL(t *testing.T) {
	var stale []byte
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.Signer = &fakeSigner{
			Signer: cfg.Signer,
			crl:    func(context.Context) ([]byte, error) { return stale, nil },
		}
	})
	ctx := context.Background()

	var err error
	stale, err = s.cfg.Signer.(*fakeSigner).Signer.CRL(ctx)
	require.NoError(t, err)

	_, err = s.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)
	_, err = s.Revoke(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrAuthority)

	revoked, err := s.IsRevoked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, revoked)
	_, err = s.Profile("alice")
	assert.NoError(t, err)
}

func TestStoreRevokePublishFailure(t *testing.T) {
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.Publishers = append(cfg.Publishers, failingPublisher{})
	})
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)
	_, err = s.Revoke(ctx, "alice")
	assert.ErrorIs(t, err, lifecycle.ErrStorage)

	revoked, err := s.IsRevoked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, revoked)

	// the signer side is idempotent so the revocation can be retried
	s.cfg.Publishers = s.cfg.Publishers[:1]
	_, err = s.Revoke(ctx, "alice")
	assert.NoError(t, err)
}

func TestStoreIssueTimeout(t *testing.T) {
	s := newTestStore(t, func(cfg *StoreConfig) {
		cfg.SignTimeout = 20 * time.Millisecond
		cfg.Signer = &fakeSigner{
			Signer: cfg.Signer,
			issue: func(ctx context.Context, r IssueRequest) (*Issued, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	})
	ctx := context.Background()

	_, err := s.Issue(ctx, IssueOptions{Name: "alice"})
	assert.ErrorIs(t, err, lifecycle.ErrAuthorityTimeout)

	exists, err := s.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = os.Stat(s.ProfilePath("alice"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreIndexLockTimeout(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.cfg.IndexPath), 0700))

	db, err := bbolt.Open(s.cfg.IndexPath, 0600, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = s.Lookup(context.Background(), "alice")
	assert.ErrorIs(t, err, lifecycle.ErrAuthorityTimeout)
}

func TestStoreList(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	crts, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, crts)

	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := s.Issue(ctx, IssueOptions{Name: name})
		require.NoError(t, err)
	}
	_, err = s.Revoke(ctx, "bob")
	require.NoError(t, err)

	crts, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, crts, 3)
	var names []string
	for _, c := range crts {
		names = append(names, c.SubjectCN)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	assert.True(t, crts[1].Revoked)
}

func TestStoreRefreshCRL(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	crl, err := s.RefreshCRL(ctx)
	require.NoError(t, err)
	published, err := os.ReadFile(s.crlPath)
	require.NoError(t, err)
	assert.Equal(t, crl, published)
	assert.EqualValues(t, 1, atomic.LoadInt32(&s.reloader.calls))
}

func TestStoreIssueWipesPassphrase(t *testing.T) {
	s := newTestStore(t, nil)
	pass := []byte("hunter22")

	_, err := s.Issue(context.Background(), IssueOptions{Name: "alice", Passphrase: pass})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(pass)), pass)

	cfg, err := s.Profile("alice")
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "ENCRYPTED PRIVATE KEY")
}

// blockingIssue returns an issue func that waits for release before signing
func blockingIssue(inner Signer, started chan<- struct{}, release <-chan struct{}, serial *string) func(context.Context, IssueRequest) (*Issued, error) {
	return func(ctx context.Context, r IssueRequest) (*Issued, error) {
		close(started)
		<-release
		issued, err := inner.Issue(ctx, r)
		if err == nil {
			*serial = issued.SerialNumber
		}
		return issued, err
	}
}

func TestIssueDoesNotHoldIndexWhileSigning(t *testing.T) {
	ctx := context.Background()
	started, release := make(chan struct{}), make(chan struct{})
	var inner Signer
	var serial string
	s := newTestStore(t, func(cfg *StoreConfig) {
		inner = cfg.Signer
		cfg.Signer = &fakeSigner{Signer: inner, issue: blockingIssue(inner, started, release, &serial)}
	})
	other, err := NewStore(StoreConfig{
		IndexPath:   s.cfg.IndexPath,
		OutputDir:   s.cfg.OutputDir,
		Signer:      inner,
		Renderer:    &profile.Renderer{},
		LockTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	alice, err := other.Issue(ctx, IssueOptions{Name: "alice"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Issue(ctx, IssueOptions{Name: "bob"})
		done <- err
	}()
	<-started

	// both from the same process and from another one
	crt, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Certificate.SerialNumber, crt.SerialNumber)
	crt, err = other.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Certificate.SerialNumber, crt.SerialNumber)

	close(release)
	require.NoError(t, <-done)
	crt, err = s.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, serial, crt.SerialNumber)
}

func TestIssueRaceRevokesLoser(t *testing.T) {
	ctx := context.Background()
	started, release := make(chan struct{}), make(chan struct{})
	var inner Signer
	var serial string
	s := newTestStore(t, func(cfg *StoreConfig) {
		inner = cfg.Signer
		cfg.Signer = &fakeSigner{Signer: inner, issue: blockingIssue(inner, started, release, &serial)}
	})
	other, err := NewStore(StoreConfig{
		IndexPath: s.cfg.IndexPath,
		OutputDir: s.cfg.OutputDir,
		Signer:    inner,
		Renderer:  &profile.Renderer{},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Issue(ctx, IssueOptions{Name: "bob"})
		done <- err
	}()
	<-started

	winner, err := other.Issue(ctx, IssueOptions{Name: "bob"})
	require.NoError(t, err)
	close(release)
	assert.ErrorIs(t, <-done, lifecycle.ErrAlreadyExists)

	crt, err := s.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, winner.Certificate.SerialNumber, crt.SerialNumber)
	assert.FileExists(t, winner.ProfilePath)

	require.NotEmpty(t, serial)
	crl, err := inner.CRL(ctx)
	require.NoError(t, err)
	serials, err := RevokedSerials(crl)
	require.NoError(t, err)
	assert.Contains(t, serials, serial)
	assert.NotContains(t, serials, winner.Certificate.SerialNumber)
}
