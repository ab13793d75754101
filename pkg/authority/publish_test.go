package authority

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/3scale/ovpn-access-manager/pkg/lifecycle"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	ec2iface.EC2API
	input *ec2.ImportClientVpnClientCertificateRevocationListInput
	err   error
}

func (f *fakeEC2) ImportClientVpnClientCertificateRevocationListWithContext(ctx aws.Context, in *ec2.ImportClientVpnClientCertificateRevocationListInput, opts ...request.Option) (*ec2.ImportClientVpnClientCertificateRevocationListOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.ImportClientVpnClientCertificateRevocationListOutput{Return: aws.Bool(true)}, nil
}

func TestFilePublisher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server", "crl.pem")
	p := &FilePublisher{Path: path}

	require.NoError(t, p.Publish(context.Background(), []byte("crl")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "crl", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	bad := &FilePublisher{Path: filepath.Join(path, "nested")}
	assert.ErrorIs(t, bad.Publish(context.Background(), []byte("crl")), lifecycle.ErrStorage)
}

func TestClientVPNPublisher(t *testing.T) {
	svc := &fakeEC2{}
	p := &ClientVPNPublisher{Client: svc, EndpointID: "cvpn-endpoint-0123"}

	require.NoError(t, p.Publish(context.Background(), []byte("crl")))
	assert.Equal(t, "crl", aws.StringValue(svc.input.CertificateRevocationList))
	assert.Equal(t, "cvpn-endpoint-0123", aws.StringValue(svc.input.ClientVpnEndpointId))

	svc.err = awserr.New("InvalidParameterValue", "same CRL", nil)
	assert.NoError(t, p.Publish(context.Background(), []byte("crl")))

	svc.err = awserr.New("UnauthorizedOperation", "denied", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), []byte("crl")), lifecycle.ErrAuthority)
	assert.Equal(t, "client-vpn:cvpn-endpoint-0123", p.String())
}
