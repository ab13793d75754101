package verify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3scale/ovpn-access-manager/pkg/blocklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCommonName(t *testing.T) {
	tests := []struct {
		subject string
		cn      string
		ok      bool
	}{
		{"C=US, ST=CA, O=Example, CN=alice", "alice", true},
		{"CN=bob", "bob", true},
		{"/C=US/O=Example/CN=carol", "carol", true},
		{"/CN=dave/emailAddress=dave@example.com", "dave", true},
		{"cn=erin, O=Example", "erin", true},
		{"C=US, O=Example", "", false},
		{"CN=", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			cn, ok := CommonName(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cn, cn)
		})
	}
}

func TestVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked_clients.txt")
	h := &Hook{BlocklistPath: path}

	// absent blocklist accepts
	d, err := h.Verify(0, "C=US, CN=alice")
	assert.Equal(t, Accept, d)
	assert.NoError(t, err)

	store := blocklist.New(path)
	require.NoError(t, store.Add("alice"))

	d, err = h.Verify(0, "C=US, CN=alice")
	assert.Equal(t, Reject, d)
	assert.Error(t, err)

	d, _ = h.Verify(0, "C=US, CN=bob")
	assert.Equal(t, Accept, d)

	// CA certificates are never checked
	d, _ = h.Verify(1, "C=US, CN=alice")
	assert.Equal(t, Accept, d)

	d, _ = h.Verify(0, "C=US, O=Example")
	assert.Equal(t, Reject, d)
	d, _ = h.Verify(-1, "CN=bob")
	assert.Equal(t, Reject, d)

	require.NoError(t, store.Remove("alice"))
	d, _ = h.Verify(0, "C=US, CN=alice")
	assert.Equal(t, Accept, d)
}

func TestVerifyFailsClosed(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.txt")
	require.NoError(t, os.WriteFile(corrupt, []byte("alice\x00\n"), 0644))
	d, err := (&Hook{BlocklistPath: corrupt}).Verify(0, "CN=bob")
	assert.Equal(t, Reject, d)
	assert.Error(t, err)

	// a directory where the file should be is unreadable as a blocklist
	unreadable := filepath.Join(dir, "unreadable")
	require.NoError(t, os.Mkdir(unreadable, 0755))
	d, _ = (&Hook{BlocklistPath: unreadable}).Verify(0, "CN=bob")
	assert.Equal(t, Reject, d)
}

func TestVerifyDuringConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked_clients.txt")
	store := blocklist.New(path)
	require.NoError(t, store.Add("alice"))
	h := &Hook{BlocklistPath: path}

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			name := fmt.Sprintf("client-%d", i)
			if err := store.Add(name); err != nil {
				return err
			}
			if err := store.Remove(name); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				// alice is listed in every version of the file
				d, err := h.Verify(0, "CN=alice")
				if d != Reject {
					return fmt.Errorf("alice accepted")
				}
				if !strings.Contains(err.Error(), "suspended") {
					return err
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}
