package identity_test

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridrpc/internal/testutil"
	"github.com/marmos91/gridrpc/pkg/identity"
)

func TestSubjectDN(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	alice := ca.IssueUser(t, "alice")

	assert.Equal(t, "/C=IT/O=Grid/CN=alice", identity.SubjectDN(alice.Cert))
	assert.Equal(t, "/C=IT/O=Grid/CN=Test CA", identity.IssuerDN(alice.Cert))
}

func TestVerifyChain(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	other := testutil.NewCA(t, "Other CA")
	alice := ca.IssueUser(t, "alice")
	mallory := other.IssueUser(t, "mallory")

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert.Cert)

	t.Run("end entity", func(t *testing.T) {
		creds, err := identity.VerifyChain(alice.Chain, identity.VerifyOptions{Roots: pool})
		require.NoError(t, err)
		assert.Equal(t, "/C=IT/O=Grid/CN=alice", creds.DN)
		assert.Equal(t, "/C=IT/O=Grid/CN=Test CA", creds.IssuerDN)
		assert.False(t, creds.IsProxy)
	})

	t.Run("rfc proxy", func(t *testing.T) {
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{})
		creds, err := identity.VerifyChain(proxy.Chain, identity.VerifyOptions{Roots: pool})
		require.NoError(t, err)
		assert.Equal(t, "/C=IT/O=Grid/CN=alice", creds.DN)
		assert.True(t, creds.IsProxy)
		assert.False(t, creds.IsLimitedProxy)
	})

	t.Run("proxy of proxy limited", func(t *testing.T) {
		first := testutil.NewProxy(t, alice, testutil.ProxyOptions{})
		second := testutil.NewProxy(t, first, testutil.ProxyOptions{Limited: true})
		creds, err := identity.VerifyChain(second.Chain, identity.VerifyOptions{Roots: pool})
		require.NoError(t, err)
		assert.Equal(t, "/C=IT/O=Grid/CN=alice", creds.DN)
		assert.True(t, creds.IsLimitedProxy)
	})

	t.Run("legacy proxy", func(t *testing.T) {
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{Legacy: true, Limited: true})
		creds, err := identity.VerifyChain(proxy.Chain, identity.VerifyOptions{Roots: pool})
		require.NoError(t, err)
		assert.Equal(t, "/C=IT/O=Grid/CN=alice", creds.DN)
		assert.True(t, creds.IsProxy)
		assert.True(t, creds.IsLimitedProxy)
	})

	t.Run("group extension", func(t *testing.T) {
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{Group: "dirac_user"})
		creds, err := identity.VerifyChain(proxy.Chain, identity.VerifyOptions{Roots: pool})
		require.NoError(t, err)
		assert.Equal(t, "dirac_user", creds.ProxyGroup)
		assert.Equal(t, "dirac_user", creds.WithExtra("", nil).Group)
		assert.Equal(t, "prod", creds.WithExtra("prod", nil).Group)
	})

	t.Run("untrusted issuer", func(t *testing.T) {
		_, err := identity.VerifyChain(mallory.Chain, identity.VerifyOptions{Roots: pool})
		assert.ErrorIs(t, err, identity.ErrUntrusted)
	})

	t.Run("proxy not signed by predecessor", func(t *testing.T) {
		bob := ca.IssueUser(t, "bob")
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{})
		forged := []*x509.Certificate{proxy.Cert, bob.Cert}
		_, err := identity.VerifyChain(forged, identity.VerifyOptions{Roots: pool})
		assert.ErrorIs(t, err, identity.ErrBadProxy)
	})

	t.Run("expired proxy", func(t *testing.T) {
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{})
		_, err := identity.VerifyChain(proxy.Chain, identity.VerifyOptions{
			Roots:       pool,
			CurrentTime: time.Now().Add(2 * time.Hour),
		})
		assert.ErrorIs(t, err, identity.ErrBadProxy)
	})

	t.Run("chain ending with proxy", func(t *testing.T) {
		proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{})
		_, err := identity.VerifyChain(proxy.Chain[:1], identity.VerifyOptions{Roots: pool})
		assert.ErrorIs(t, err, identity.ErrBadProxy)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := identity.VerifyChain(nil, identity.VerifyOptions{Roots: pool})
		assert.ErrorIs(t, err, identity.ErrNoCertificate)
	})
}

func TestRevocation(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	alice := ca.IssueUser(t, "alice")
	bob := ca.IssueUser(t, "bob")

	dir := t.TempDir()
	caFile := ca.WriteCAFile(t, dir)

	crlDir := filepath.Join(dir, "crls")
	require.NoError(t, os.MkdirAll(crlDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(crlDir, "ca.r0"), ca.CRL(t, bob), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(crlDir, "README"), []byte("not a crl"), 0o600))

	ts, err := identity.LoadTrustStore(caFile, "", crlDir)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Revoked.Len())

	opts := identity.VerifyOptions{Roots: ts.Roots, Revoked: ts.Revoked}

	_, err = identity.VerifyChain(alice.Chain, opts)
	assert.NoError(t, err)

	_, err = identity.VerifyChain(bob.Chain, opts)
	assert.ErrorIs(t, err, identity.ErrRevoked)

	proxy := testutil.NewProxy(t, bob, testutil.ProxyOptions{})
	_, err = identity.VerifyChain(proxy.Chain, opts)
	assert.ErrorIs(t, err, identity.ErrRevoked)

	// Without the revocation set the same chain is accepted.
	_, err = identity.VerifyChain(bob.Chain, identity.VerifyOptions{Roots: ts.Roots})
	assert.NoError(t, err)
}

func TestLoadTrustStoreFromDirectory(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	dir := t.TempDir()
	ca.WriteCAFile(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.signing_policy"), []byte("access_id_CA X509"), 0o600))

	ts, err := identity.LoadTrustStore("", dir, "")
	require.NoError(t, err)
	assert.Len(t, ts.CAs, 1)

	_, err = identity.LoadTrustStore("", t.TempDir(), "")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	ca := testutil.NewCA(t, "Test CA")
	alice := ca.IssueUser(t, "alice")
	proxy := testutil.NewProxy(t, alice, testutil.ProxyOptions{})

	creds := identity.Describe(proxy.Chain)
	assert.Equal(t, "/C=IT/O=Grid/CN=alice", creds.DN)
	assert.True(t, creds.IsProxy)
	assert.False(t, identity.Describe(nil).Authenticated())
}
