// Package operations implements the client lifecycle: generate, suspend,
// unsuspend and revoke. It validates every transition against the state
// derived from the authority index and the blocklist before touching
// either of them.
package operations

import (
	"context"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/authority"
	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/awnumar/memguard"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Authority is the part of authority.Store the manager relies on
type Authority interface {
	Issue(ctx context.Context, opts authority.IssueOptions) (*authority.IssueResult, error)
	Revoke(ctx context.Context, name string) (*lifecycle.Certificate, error)
	Lookup(ctx context.Context, name string) (*lifecycle.Certificate, error)
	List(ctx context.Context) ([]lifecycle.Certificate, error)
	CRL(ctx context.Context) ([]byte, error)
	RefreshCRL(ctx context.Context) ([]byte, error)
	Profile(name string) ([]byte, error)
}

// Blocklist is the part of blocklist.Store the manager relies on
type Blocklist interface {
	Add(name string) error
	Remove(name string) error
	Contains(name string) (bool, error)
	List() ([]string, error)
}

// Config is the structure containing
// the required data to build a Manager
type Config struct {
	Authority Authority
	Blocklist Blocklist
	// AllowReissue lets generate issue a new certificate for a client whose
	// certificate was revoked
	AllowReissue bool
	Logger       hclog.Logger
}

// Manager runs lifecycle operations. Operations on the same client are
// serialized, operations on different clients run concurrently.
type Manager struct {
	authority    Authority
	blocklist    Blocklist
	allowReissue bool
	logger       hclog.Logger
	locks        *keyedMutex
}

// NewManager returns a Manager
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		authority:    cfg.Authority,
		blocklist:    cfg.Blocklist,
		allowReissue: cfg.AllowReissue,
		logger:       logger,
		locks:        newKeyedMutex(),
	}
}

// GenerateRequest is the structure containing
// the required data to generate a client
type GenerateRequest struct {
	Name string
	// Passphrase optionally encrypts the private key in the profile. The
	// slice is wiped when Generate returns.
	Passphrase []byte
}

// GenerateResult describes a generated client
type GenerateResult struct {
	Name        string    `json:"name"`
	Serial      string    `json:"serial"`
	ProfilePath string    `json:"config_path"`
	NotAfter    time.Time `json:"not_after"`
}

// ClientStatus is the derived state of a client and its latest certificate
type ClientStatus struct {
	Name      string          `json:"name"`
	State     lifecycle.State `json:"state"`
	Serial    string          `json:"serial,omitempty"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
	NotAfter  *time.Time      `json:"not_after,omitempty"`
	RevokedAt *time.Time      `json:"revoked_at,omitempty"`
}

func newClientStatus(name string, crt *lifecycle.Certificate, blocked bool) ClientStatus {
	st := ClientStatus{Name: name, State: lifecycle.Derive(crt, blocked)}
	if crt != nil {
		notBefore, notAfter := crt.NotBefore, crt.NotAfter
		st.Serial = crt.SerialNumber
		st.NotBefore = &notBefore
		st.NotAfter = &notAfter
		st.RevokedAt = crt.RevokedAt
	}
	return st
}

// state reads both stores and derives the state of name
func (m *Manager) state(ctx context.Context, name string) (*lifecycle.Certificate, bool, lifecycle.State, error) {
	crt, err := m.authority.Lookup(ctx, name)
	if errors.Is(err, lifecycle.ErrNotFound) {
		crt, err = nil, nil
	}
	if err != nil {
		return nil, false, "", err
	}
	blocked, err := m.blocklist.Contains(name)
	if err != nil {
		return nil, false, "", err
	}
	return crt, blocked, lifecycle.Derive(crt, blocked), nil
}

// Generate issues the first certificate of a client, or a new one after a
// revocation when reissuing is allowed. A blocklist entry left over from a
// previous certificate is removed first so the new client starts active.
func (m *Manager) Generate(ctx context.Context, r GenerateRequest) (res *GenerateResult, err error) {
	defer memguard.WipeBytes(r.Passphrase)
	defer func(start time.Time) { recordOperation("generate", start, err) }(time.Now())

	if err := lifecycle.ValidateName(r.Name); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(r.Name)
	defer unlock()

	_, blocked, state, err := m.state(ctx, r.Name)
	if err != nil {
		return nil, err
	}
	switch state {
	case lifecycle.Active, lifecycle.Suspended:
		return nil, errors.Wrapf(lifecycle.ErrAlreadyExists, "client %s is %s", r.Name, state)
	case lifecycle.Revoked:
		if !m.allowReissue {
			return nil, lifecycle.StateError("generate", r.Name, state)
		}
	}

	if blocked {
		if err := m.blocklist.Remove(r.Name); err != nil {
			return nil, err
		}
		m.logger.Info("removed stale blocklist entry", "client", r.Name)
	}

	issued, err := m.authority.Issue(ctx, authority.IssueOptions{
		Name:         r.Name,
		Passphrase:   r.Passphrase,
		AllowReissue: m.allowReissue,
	})
	if err != nil {
		m.logger.Error("could not generate client", "client", r.Name, "error", err)
		return nil, err
	}
	m.logger.Info("generated client", "client", r.Name, "serial", issued.Certificate.SerialNumber, "reissue", state == lifecycle.Revoked)

	return &GenerateResult{
		Name:        r.Name,
		Serial:      issued.Certificate.SerialNumber,
		ProfilePath: issued.ProfilePath,
		NotAfter:    issued.Certificate.NotAfter,
	}, nil
}

// Suspend blocks an active client from connecting. Suspending a suspended
// client succeeds without changes.
func (m *Manager) Suspend(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { recordOperation("suspend", start, err) }(time.Now())

	if err := lifecycle.ValidateName(name); err != nil {
		return err
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	_, _, state, err := m.state(ctx, name)
	if err != nil {
		return err
	}
	switch state {
	case lifecycle.Suspended:
		m.logger.Debug("client already suspended", "client", name)
		return nil
	case lifecycle.Active:
	default:
		return lifecycle.StateError("suspend", name, state)
	}

	if err := m.blocklist.Add(name); err != nil {
		return err
	}
	m.logger.Info("suspended client", "client", name)
	m.refreshBlocked()
	return nil
}

// Unsuspend lets a suspended client connect again
func (m *Manager) Unsuspend(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { recordOperation("unsuspend", start, err) }(time.Now())

	if err := lifecycle.ValidateName(name); err != nil {
		return err
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	_, _, state, err := m.state(ctx, name)
	if err != nil {
		return err
	}
	if state != lifecycle.Suspended {
		return lifecycle.StateError("unsuspend", name, state)
	}

	if err := m.blocklist.Remove(name); err != nil {
		return err
	}
	m.logger.Info("unsuspended client", "client", name)
	m.refreshBlocked()
	return nil
}

// Revoke permanently revokes the certificate of an active or suspended
// client. A blocklist entry is left in place.
func (m *Manager) Revoke(ctx context.Context, name string) (crt *lifecycle.Certificate, err error) {
	defer func(start time.Time) { recordOperation("revoke", start, err) }(time.Now())

	if err := lifecycle.ValidateName(name); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	// the blocklist is not read, an unreadable one must not prevent revoking
	crt, err = m.authority.Lookup(ctx, name)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return nil, lifecycle.StateError("revoke", name, lifecycle.Absent)
	case err != nil:
		return nil, err
	case crt.Revoked:
		return nil, lifecycle.StateError("revoke", name, lifecycle.Revoked)
	}

	crt, err = m.authority.Revoke(ctx, name)
	if err != nil {
		m.logger.Error("could not revoke client", "client", name, "error", err)
		return nil, err
	}
	m.logger.Info("revoked client", "client", name, "serial", crt.SerialNumber)
	return crt, nil
}

// ListBlocked returns the suspended clients in blocklist order
func (m *Manager) ListBlocked(ctx context.Context) (names []string, err error) {
	defer func(start time.Time) { recordOperation("list_blocked", start, err) }(time.Now())

	names, err = m.blocklist.List()
	if err != nil {
		return nil, err
	}
	recordBlocked(len(names))
	return names, nil
}

// Status returns the state of a client. Clients that were never generated
// are reported as ErrNotFound.
func (m *Manager) Status(ctx context.Context, name string) (*ClientStatus, error) {
	if err := lifecycle.ValidateName(name); err != nil {
		return nil, err
	}
	crt, blocked, state, err := m.state(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == lifecycle.Absent {
		return nil, errors.Wrapf(lifecycle.ErrNotFound, "client %s", name)
	}
	st := newClientStatus(name, crt, blocked)
	return &st, nil
}

// ListClients returns the state of every client with a certificate, sorted
// by name
func (m *Manager) ListClients(ctx context.Context) ([]ClientStatus, error) {
	crts, err := m.authority.List(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := m.blocklist.List()
	if err != nil {
		return nil, err
	}
	recordBlocked(len(blocked))

	set := make(map[string]bool, len(blocked))
	for _, name := range blocked {
		set[name] = true
	}
	statuses := make([]ClientStatus, 0, len(crts))
	for i := range crts {
		statuses = append(statuses, newClientStatus(crts[i].SubjectCN, &crts[i], set[crts[i].SubjectCN]))
	}
	return statuses, nil
}

// CRL returns the current revocation list
func (m *Manager) CRL(ctx context.Context) ([]byte, error) {
	return m.authority.CRL(ctx)
}

// RefreshCRL regenerates and republishes the revocation list
func (m *Manager) RefreshCRL(ctx context.Context) (crl []byte, err error) {
	defer func(start time.Time) { recordOperation("refresh_crl", start, err) }(time.Now())
	return m.authority.RefreshCRL(ctx)
}

// Profile returns the connection profile of an active or suspended client
func (m *Manager) Profile(ctx context.Context, name string) ([]byte, error) {
	if err := lifecycle.ValidateName(name); err != nil {
		return nil, err
	}
	return m.authority.Profile(name)
}

func (m *Manager) refreshBlocked() {
	names, err := m.blocklist.List()
	if err != nil {
		m.logger.Warn("could not count blocked clients", "error", err)
		return
	}
	recordBlocked(len(names))
}
