// Package keyutil encodes and decodes the PEM key material handled by the
// certificate authority and embedded in client profiles.
package keyutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/youmark/pkcs8"
)

const (
	blockCertificate  = "CERTIFICATE"
	blockEncryptedKey = "ENCRYPTED PRIVATE KEY"
)

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed
	ErrInvalidPEM = errors.New("invalid PEM data")
	// ErrPassphraseRequired is returned when an encrypted key is parsed without a passphrase
	ErrPassphraseRequired = errors.New("private key is encrypted, passphrase required")
)

// EncodeCertPEM wraps a DER certificate in a PEM block
func EncodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockCertificate, Bytes: der}))
}

// EncodeECKeyPEM encodes key as SEC1 "EC PRIVATE KEY" PEM
func EncodeECKeyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", errors.Wrap(err, "marshalling EC private key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ParseCertificatePEM decodes the first certificate in data
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockCertificate {
		return nil, ErrInvalidPEM
	}
	crt, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPEM, err.Error())
	}
	return crt, nil
}

// ParsePrivateKeyPEM decodes a PKCS#1, SEC1, PKCS#8 or encrypted PKCS#8
// private key. passphrase is only used for encrypted keys.
func ParsePrivateKeyPEM(data []byte, passphrase []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(ErrInvalidPEM, "no PEM block found")
	}

	var key interface{}
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case blockEncryptedKey:
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
	default:
		return nil, errors.Wrapf(ErrInvalidPEM, "unexpected PEM type %q", block.Type)
	}
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPEM, err.Error())
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidPEM, "unsupported key type %T", key)
	}
	return signer, nil
}

// EncryptPrivateKeyPEM re-encodes an unencrypted private key PEM as an
// "ENCRYPTED PRIVATE KEY" (PKCS#8, PBES2) protected by passphrase. The
// passphrase is moved into locked memory and wiped once the key is sealed;
// the caller's slice is zeroed as well.
func EncryptPrivateKeyPEM(keyPEM string, passphrase []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", errors.New("empty passphrase")
	}
	buf := memguard.NewBufferFromBytes(passphrase)
	defer buf.Destroy()

	key, err := ParsePrivateKeyPEM([]byte(keyPEM), nil)
	if err != nil {
		return "", err
	}
	der, err := pkcs8.MarshalPrivateKey(key, buf.Bytes(), nil)
	if err != nil {
		return "", errors.Wrap(err, "encrypting private key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: blockEncryptedKey, Bytes: der})), nil
}
