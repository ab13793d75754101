package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setConfig(t *testing.T, key string, value interface{}) {
	t.Helper()
	old := viper.Get(key)
	viper.Set(key, value)
	t.Cleanup(func() { viper.Set(key, old) })
}

func TestPathOptions(t *testing.T) {
	setConfig(t, "base-dir", "/srv/openvpn")
	setConfig(t, "crl-path", "/var/lib/crl.pem")

	assert.Equal(t, "/srv/openvpn/blocked_clients.txt", blocklistPath())
	assert.Equal(t, "/srv/openvpn/easy-rsa/pki", pkiDir())
	assert.Equal(t, "/srv/openvpn/clients", outputDir())
	assert.Equal(t, "/var/lib/crl.pem", crlPath())
}

func TestReadPassphraseFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pass")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0600))
	pass, err := readPassphraseFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pass)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
	_, err = readPassphraseFile(empty)
	assert.Error(t, err)

	_, err = readPassphraseFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestNewSignerUnknownAuthority(t *testing.T) {
	setConfig(t, "authority", "easyrsa")
	_, err := newSigner(nil)
	assert.Error(t, err)
}

func TestRunVerify(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked_clients.txt")
	setConfig(t, "blocklist-path", blocked)

	assert.NoError(t, runVerify(verifyCmd, []string{"0", "CN=alice"}))

	require.NoError(t, os.WriteFile(blocked, []byte("alice\n"), 0644))
	assert.Error(t, runVerify(verifyCmd, []string{"0", "CN=alice"}))
	assert.NoError(t, runVerify(verifyCmd, []string{"0", "CN=bob"}))
	assert.NoError(t, runVerify(verifyCmd, []string{"1", "CN=alice"}))
	assert.Error(t, runVerify(verifyCmd, []string{"x", "CN=bob"}))
}
