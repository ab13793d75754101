// Package verify decides whether the tunnel server may complete a TLS
// handshake. It is invoked through OpenVPN's tls-verify for every
// certificate of the peer chain and only reads the blocklist file: no
// locks, no network.
//
// A missing blocklist means nobody is suspended and the handshake is
// accepted. Any other failure to read it, or content that cannot be
// trusted, rejects the handshake.
package verify

import (
	"strings"

	"github.com/3scale/ovpn-access-manager/pkg/blocklist"
	"github.com/pkg/errors"
)

// Decision is the outcome of a verification
type Decision int

const (
	// Reject denies the handshake
	Reject Decision = iota
	// Accept lets the handshake continue
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Hook checks peer certificates against the blocklist
type Hook struct {
	BlocklistPath string
}

// Verify returns the decision for the certificate at depth in the peer
// chain. Only the leaf (depth 0) is checked, CA certificates are accepted.
// The returned error explains a rejection and is nil on accept.
func (h *Hook) Verify(depth int, subject string) (Decision, error) {
	if depth > 0 {
		return Accept, nil
	}
	if depth < 0 {
		return Reject, errors.Errorf("invalid certificate depth %d", depth)
	}

	cn, ok := CommonName(subject)
	if !ok {
		return Reject, errors.Errorf("no common name in subject %q", subject)
	}

	names, exists, err := blocklist.Read(h.BlocklistPath)
	if err != nil {
		return Reject, errors.Wrap(err, "cannot read blocklist")
	}
	if !exists {
		return Accept, nil
	}
	for _, name := range names {
		if name == cn {
			return Reject, errors.Errorf("client %s is suspended", cn)
		}
	}
	return Accept, nil
}

// CommonName extracts the CN from an X.509 subject as OpenVPN passes it to
// tls-verify: "C=US, O=Example, CN=alice" (2.4 and later) or the legacy
// "/C=US/O=Example/CN=alice". The last CN wins when several are present.
func CommonName(subject string) (string, bool) {
	subject = strings.TrimSpace(subject)
	var parts []string
	if strings.HasPrefix(subject, "/") {
		parts = strings.Split(subject[1:], "/")
	} else {
		parts = strings.Split(subject, ",")
	}

	cn, found := "", false
	for _, part := range parts {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "CN") {
			continue
		}
		cn, found = strings.TrimSpace(value), true
	}
	return cn, found && cn != ""
}
