package authority

import (
	"context"

	"github.com/3scale/ovpn-access-manager/pkg/fileutil"
	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
)

// Publisher distributes a revocation list to the party enforcing it
type Publisher interface {
	Publish(ctx context.Context, crl []byte) error
	String() string
}

// FilePublisher replaces the crl-verify file read by the OpenVPN server.
// The file is world readable so that the unprivileged tunnel process can
// reload it.
type FilePublisher struct {
	Path string
}

// Publish atomically writes crl to Path
func (p *FilePublisher) Publish(ctx context.Context, crl []byte) error {
	if err := fileutil.WriteAtomic(p.Path, crl, 0644); err != nil {
		return errors.Wrapf(lifecycle.ErrStorage, "publishing CRL: %v", err)
	}
	return nil
}

func (p *FilePublisher) String() string { return "file:" + p.Path }

// ClientVPNPublisher uploads the revocation list to an AWS Client VPN
// endpoint
type ClientVPNPublisher struct {
	Client     ec2iface.EC2API
	EndpointID string
}

// Publish imports crl into the endpoint
func (p *ClientVPNPublisher) Publish(ctx context.Context, crl []byte) error {
	_, err := p.Client.ImportClientVpnClientCertificateRevocationListWithContext(ctx,
		&ec2.ImportClientVpnClientCertificateRevocationListInput{
			CertificateRevocationList: aws.String(string(crl)),
			ClientVpnEndpointId:       aws.String(p.EndpointID),
		})

	// AWS answers InvalidParameterValue when the imported CRL is the one
	// the endpoint already has
	var aerr awserr.Error
	if err != nil && errors.As(err, &aerr) && aerr.Code() == "InvalidParameterValue" {
		return nil
	}
	if err != nil {
		return errors.Wrapf(lifecycle.ErrAuthority, "importing CRL into %s: %v", p.EndpointID, err)
	}
	return nil
}

func (p *ClientVPNPublisher) String() string { return "client-vpn:" + p.EndpointID }
