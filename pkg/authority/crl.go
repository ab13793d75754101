package authority

import (
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// ParseCRL accepts a PEM or DER encoded revocation list
func ParseCRL(crl []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(crl); block != nil {
		crl = block.Bytes
	}
	list, err := x509.ParseRevocationList(crl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse CRL")
	}
	return list, nil
}

// RevokedSerials lists the serial numbers in crl, formatted with
// FormatSerial
func RevokedSerials(crl []byte) ([]string, error) {
	list, err := ParseCRL(crl)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(list.RevokedCertificateEntries))
	for _, e := range list.RevokedCertificateEntries {
		serials = append(serials, FormatSerial(e.SerialNumber))
	}
	return serials, nil
}

func isRevoked(serial string, crl []byte) (bool, error) {
	want, err := ParseSerial(serial)
	if err != nil {
		return false, err
	}
	list, err := ParseCRL(crl)
	if err != nil {
		return false, err
	}
	for _, e := range list.RevokedCertificateEntries {
		if e.SerialNumber.Cmp(want) == 0 {
			return true, nil
		}
	}
	return false, nil
}
