package authority

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/3scale/ovpn-access-manager/pkg/keyutil"
	"github.com/3scale/ovpn-access-manager/pkg/vault"
	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// VaultSigner issues client certificates from a Vault PKI secrets engine.
// PKIPaths lists the issuing mount first, followed by its parents up to
// the root CA.
type VaultSigner struct {
	Client   vault.AuthenticatedClient
	PKIPaths []string
	Role     string
}

var _ Signer = (*VaultSigner)(nil)

func (vs *VaultSigner) pki() string {
	return vs.PKIPaths[0]
}

func (vs *VaultSigner) client(ctx context.Context) (*api.Client, error) {
	if len(vs.PKIPaths) == 0 {
		return nil, errors.New("no vault pki path configured")
	}
	return vs.Client.GetClient(ctx)
}

// Issue requests a certificate from "<pki>/issue/<role>"
func (vs *VaultSigner) Issue(ctx context.Context, r IssueRequest) (*Issued, error) {
	client, err := vs.client(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{"common_name": r.CommonName}
	if r.TTL > 0 {
		payload["ttl"] = r.TTL.String()
	}
	crt, err := client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/issue/%s", vs.pki(), vs.Role), payload)
	if err != nil {
		return nil, err
	}
	if crt == nil || crt.Data == nil {
		return nil, errors.New("vault returned an empty response")
	}

	certPEM, _ := crt.Data["certificate"].(string)
	keyPEM, _ := crt.Data["private_key"].(string)
	if certPEM == "" || keyPEM == "" {
		return nil, errors.New("vault response is missing the certificate or the private key")
	}
	parsed, err := keyutil.ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse certificate")
	}
	if isServerCertificate(parsed) {
		return nil, errors.Errorf("vault role %s issues server certificates", vs.Role)
	}

	return &Issued{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		SerialNumber:   FormatSerial(parsed.SerialNumber),
		IssuerCN:       parsed.Issuer.CommonName,
		NotBefore:      parsed.NotBefore,
		NotAfter:       parsed.NotAfter,
	}, nil
}

// Revoke revokes serial in "<pki>/revoke". Vault treats revoking a revoked
// certificate as a success.
func (vs *VaultSigner) Revoke(ctx context.Context, serial string) error {
	client, err := vs.client(ctx)
	if err != nil {
		return err
	}
	n, err := ParseSerial(serial)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{"serial_number": FormatSerial(n)}
	_, err = client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/revoke", vs.pki()), payload)
	return err
}

// CRL return the Client Revocation List PEM as a []byte
func (vs *VaultSigner) CRL(ctx context.Context) ([]byte, error) {
	client, err := vs.client(ctx)
	if err != nil {
		return nil, err
	}
	return rawGet(ctx, client, fmt.Sprintf("/v1/%s/crl/pem", vs.pki()))
}

// RotateCRL forces Vault to rebuild the CRL and returns the new one
func (vs *VaultSigner) RotateCRL(ctx context.Context) ([]byte, error) {
	client, err := vs.client(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/crl/rotate", vs.pki())); err != nil {
		return nil, err
	}
	return vs.CRL(ctx)
}

// CAChain gets the full CA chain of certificates from Vault
// (the VPN config needs the full CA chain to the root CA in it)
func (vs *VaultSigner) CAChain(ctx context.Context) ([]string, error) {
	client, err := vs.client(ctx)
	if err != nil {
		return nil, err
	}
	var caCerts []string
	for _, path := range vs.PKIPaths {
		ca, err := rawGet(ctx, client, fmt.Sprintf("/v1/%s/ca/pem", path))
		if err != nil {
			return nil, err
		}
		caCerts = append(caCerts, strings.TrimSpace(string(ca)))
	}
	return caCerts, nil
}

func rawGet(ctx context.Context, client *api.Client, path string) ([]byte, error) {
	req := client.NewRequest("GET", path)
	rsp, err := client.RawRequestWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	return io.ReadAll(rsp.Body)
}
