// Package authority owns the client certificates: the signer that issues
// and revokes them, the index recording the latest certificate of every
// client, the revocation list and the connection profiles handed out.
package authority

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/pkg/errors"
)

// IssueRequest is the structure containing
// the required data to sign a new client certificate
type IssueRequest struct {
	CommonName string
	// TTL overrides the signer's default certificate validity when set
	TTL time.Duration
}

// Issued is a freshly signed certificate and its private key
type Issued struct {
	CertificatePEM string
	PrivateKeyPEM  string
	SerialNumber   string
	IssuerCN       string
	NotBefore      time.Time
	NotAfter       time.Time
}

// Signer is the certificate authority. Implementations must make Revoke
// idempotent: revoking an already revoked serial succeeds.
type Signer interface {
	Issue(ctx context.Context, r IssueRequest) (*Issued, error)
	Revoke(ctx context.Context, serial string) error
	// CRL returns the current revocation list PEM
	CRL(ctx context.Context) ([]byte, error)
	// RotateCRL rebuilds the revocation list with a fresh validity window
	RotateCRL(ctx context.Context) ([]byte, error)
	// CAChain returns the PEM chain, issuing CA first
	CAChain(ctx context.Context) ([]string, error)
}

// FormatSerial renders a serial number as colon separated lowercase hex,
// the format used by the index, the CLI and Vault.
func FormatSerial(n *big.Int) string {
	return strings.TrimSpace(getHexFormatted(n.Bytes(), ":"))
}

// ParseSerial is the inverse of FormatSerial. Dashes are accepted as
// separators too.
func ParseSerial(s string) (*big.Int, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || clean == "" {
		return nil, errors.Errorf("invalid serial number %q", s)
	}
	return n, nil
}

func getHexFormatted(buf []byte, sep string) string {
	var ret bytes.Buffer
	for _, cur := range buf {
		if ret.Len() > 0 {
			fmt.Fprint(&ret, sep)
		}
		fmt.Fprintf(&ret, "%02x", cur)
	}
	return ret.String()
}

func isServerCertificate(cert *x509.Certificate) bool {
	for _, use := range cert.ExtKeyUsage {
		if use == x509.ExtKeyUsageServerAuth {
			return true
		}
	}
	return false
}

// callSigner runs fn bounded by timeout. Signer failures are reported as
// ErrAuthority and an expired deadline as ErrAuthorityTimeout. fn keeps
// running in the background when it ignores ctx, its result is discarded.
func callSigner(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrAuthorityTimeout), errors.Is(err, lifecycle.ErrAuthority):
		return errors.WithMessage(err, op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Wrapf(lifecycle.ErrAuthorityTimeout, "%s: %v", op, err)
	default:
		return errors.Wrapf(lifecycle.ErrAuthority, "%s: %v", op, err)
	}
}
