// Package lifecycle holds the data model shared by the stores, the lifecycle
// manager and the access surface: client certificates, derived access
// states and the error kinds every layer reports.
package lifecycle

import (
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// State is the access state of a client identity. It is always derived from
// the authority index and the blocklist, never stored.
type State string

const (
	// Absent means no certificate was ever issued for the identity
	Absent State = "absent"
	// Active means a non revoked certificate exists and the identity is not blocklisted
	Active State = "active"
	// Suspended means a non revoked certificate exists and the identity is blocklisted
	Suspended State = "suspended"
	// Revoked is terminal, blocklist membership is irrelevant
	Revoked State = "revoked"
)

// Derive computes the state of an identity from the two independent facts
// the stores hold about it. A nil certificate means the identity is absent.
func Derive(crt *Certificate, blocked bool) State {
	switch {
	case crt == nil:
		return Absent
	case crt.Revoked:
		return Revoked
	case blocked:
		return Suspended
	default:
		return Active
	}
}

// Certificate represents a client certificate recorded
// in the authority index
type Certificate struct {
	SerialNumber   string     `json:"serial"`
	IssuerCN       string     `json:"issuer-cn"`
	SubjectCN      string     `json:"subject-cn"`
	NotBefore      time.Time  `json:"notBefore"`
	NotAfter       time.Time  `json:"notAfter"`
	IssuedAt       time.Time  `json:"issuedAt"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	CertificatePEM string     `json:"certificate-pem"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,63}$`)

// names taken by the API routes under /clients
var reservedNames = map[string]bool{"blocked": true}

// ValidateName checks that name can be used as a certificate Common Name,
// a blocklist line, a file name and an API path segment.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	if reservedNames[name] {
		return errors.Wrapf(ErrInvalidName, "%q is reserved", name)
	}
	return nil
}
