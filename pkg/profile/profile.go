// Package profile renders the inline OpenVPN connection profile (.ovpn)
// handed to a client: the client-common template followed by the CA chain,
// the client certificate and key and the shared TLS static key.
package profile

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/3scale/ovpn-access-manager/pkg/keyutil"
	"github.com/pkg/errors"
)

//go:embed inline.tpl
var inlineTemplate string

var inline = template.Must(template.New("inline").Parse(inlineTemplate))

// Bundle is the key material of one client
type Bundle struct {
	Name           string
	CertificatePEM string
	PrivateKeyPEM  string
	CAChain        []string
	// Passphrase, when set, encrypts the embedded private key. It is wiped
	// once the profile is rendered.
	Passphrase []byte
}

// Renderer builds profiles from the server side template and static key
type Renderer struct {
	// TemplatePath is the client-common file. It is parsed as a text/template
	// so it can refer to {{ .Name }}; plain files render unchanged.
	TemplatePath string
	// TLSKeyPath is the tls-crypt or tls-auth static key. Files named "tc*"
	// are embedded as tls-crypt, anything else as tls-auth with
	// "key-direction 1". Empty disables the block.
	TLSKeyPath string
}

// Render returns the complete profile for b
func (r *Renderer) Render(b Bundle) ([]byte, error) {
	data := struct {
		Name         string
		CA           string
		Certificate  string
		PrivateKey   string
		TLSTag       string
		TLSKey       string
		KeyDirection bool
	}{
		Name:        b.Name,
		CA:          joinPEM(b.CAChain),
		Certificate: strings.TrimSpace(b.CertificatePEM),
		PrivateKey:  strings.TrimSpace(b.PrivateKeyPEM),
	}

	if len(b.Passphrase) > 0 {
		key, err := keyutil.EncryptPrivateKeyPEM(b.PrivateKeyPEM, b.Passphrase)
		if err != nil {
			return nil, err
		}
		data.PrivateKey = strings.TrimSpace(key)
	}

	if r.TLSKeyPath != "" {
		raw, err := os.ReadFile(r.TLSKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "reading TLS static key")
		}
		data.TLSKey = strings.TrimSpace(string(raw))
		data.TLSTag = TLSTag(r.TLSKeyPath)
		data.KeyDirection = data.TLSTag == "tls-auth"
	}

	var out bytes.Buffer
	if r.TemplatePath != "" {
		tpl, err := template.New(filepath.Base(r.TemplatePath)).Option("missingkey=error").ParseFiles(r.TemplatePath)
		if err != nil {
			return nil, errors.Wrap(err, "parsing client template")
		}
		var common bytes.Buffer
		if err := tpl.Execute(&common, data); err != nil {
			return nil, errors.Wrap(err, "rendering client template")
		}
		out.WriteString(strings.TrimRight(common.String(), "\n"))
		out.WriteByte('\n')
	}

	if err := inline.Execute(&out, data); err != nil {
		return nil, errors.Wrap(err, "rendering inline material")
	}
	return out.Bytes(), nil
}

// TLSTag returns the OpenVPN directive matching the static key file name
func TLSTag(keyPath string) string {
	if strings.HasPrefix(filepath.Base(keyPath), "tc") {
		return "tls-crypt"
	}
	return "tls-auth"
}

func joinPEM(chain []string) string {
	parts := make([]string, 0, len(chain))
	for _, c := range chain {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "\n")
}
