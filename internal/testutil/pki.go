// Package testutil generates throwaway certificate authorities, host,
// user and proxy certificates for tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/gridrpc/pkg/identity"
)

// Cert is a certificate with its key and the chain that led to it
// (leaf first, CA excluded).
type Cert struct {
	Cert  *x509.Certificate
	Key   crypto.Signer
	Chain []*x509.Certificate
}

// DN returns the one-line subject.
func (c *Cert) DN() string {
	return identity.SubjectDN(c.Cert)
}

// TLSCertificate returns the certificate as presented in a handshake.
func (c *Cert) TLSCertificate() tls.Certificate {
	out := tls.Certificate{PrivateKey: c.Key, Leaf: c.Cert}
	for _, cc := range c.Chain {
		out.Certificate = append(out.Certificate, cc.Raw)
	}
	return out
}

// WriteFiles writes the chain and key as PEM files in dir and returns
// their paths.
func (c *Cert) WriteFiles(t testing.TB, dir, name string) (certFile, keyFile string) {
	t.Helper()

	certFile = filepath.Join(dir, name+".pem")
	keyFile = filepath.Join(dir, name+".key")

	var certPEM []byte
	for _, cc := range c.Chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cc.Raw})...)
	}
	writeFile(t, certFile, certPEM)

	der, err := x509.MarshalPKCS8PrivateKey(c.Key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	writeFile(t, keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return certFile, keyFile
}

// CA is a self-signed certificate authority.
type CA struct {
	Cert
	serial int64
}

// NewCA creates a CA with subject /C=IT/O=Grid/CN=<cn>.
func NewCA(t testing.TB, cn string) *CA {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Country: []string{"IT"}, Organization: []string{"Grid"}, CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	cert := create(t, tmpl, tmpl, key.Public(), key)
	return &CA{Cert: Cert{Cert: cert, Key: key, Chain: []*x509.Certificate{cert}}, serial: 1}
}

// WriteCAFile writes the CA certificate as PEM into dir.
func (ca *CA) WriteCAFile(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ca.pem")
	writeFile(t, path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Cert.Raw}))
	return path
}

func (ca *CA) nextSerial() *big.Int {
	ca.serial++
	return big.NewInt(ca.serial)
}

// IssueHost issues a certificate valid for localhost and 127.0.0.1 usable
// for both server and client authentication.
func (ca *CA) IssueHost(t testing.TB, cn string) *Cert {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: ca.nextSerial(),
		Subject:      pkix.Name{Country: []string{"IT"}, Organization: []string{"Grid"}, OrganizationalUnit: []string{"hosts"}, CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost", cn},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	cert := create(t, tmpl, ca.Cert.Cert, key.Public(), ca.Key)
	return &Cert{Cert: cert, Key: key, Chain: []*x509.Certificate{cert}}
}

// IssueUser issues a user certificate with subject /C=IT/O=Grid/CN=<cn>.
func (ca *CA) IssueUser(t testing.TB, cn string) *Cert {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: ca.nextSerial(),
		Subject:      pkix.Name{Country: []string{"IT"}, Organization: []string{"Grid"}, CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	cert := create(t, tmpl, ca.Cert.Cert, key.Public(), ca.Key)
	return &Cert{Cert: cert, Key: key, Chain: []*x509.Certificate{cert}}
}

// CRL returns a PEM encoded CRL revoking the given certificates.
func (ca *CA) CRL(t testing.TB, revoked ...*Cert) []byte {
	t.Helper()

	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Minute),
		NextUpdate: time.Now().Add(time.Hour),
	}
	for _, c := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   c.Cert.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute),
		})
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.Cert.Cert, ca.Key)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

// ProxyOptions customises NewProxy.
type ProxyOptions struct {
	Limited bool

	// Legacy issues a pre-RFC Globus proxy (CN=proxy) without ProxyCertInfo.
	Legacy bool

	// Group is embedded in the group extension when set.
	Group string

	// Lifetime defaults to one hour.
	Lifetime time.Duration
}

// NewProxy issues a proxy certificate signed by parent.
func NewProxy(t testing.TB, parent *Cert, opts ProxyOptions) *Cert {
	t.Helper()

	if opts.Lifetime == 0 {
		opts.Lifetime = time.Hour
	}

	parentRDN, err := identity.ParseRawName(parent.Cert.RawSubject)
	if err != nil {
		t.Fatalf("parse parent subject: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<40))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	serial.Add(serial, big.NewInt(1))

	cn := serial.String()
	var extensions []pkix.Extension
	if opts.Legacy {
		cn = "proxy"
		if opts.Limited {
			cn = "limited proxy"
		}
	} else {
		language := identity.OIDInheritAllPolicy
		if opts.Limited {
			language = identity.OIDLimitedProxyPolicy
		}
		value, err := asn1.Marshal(identity.ProxyCertInfo{Policy: identity.ProxyPolicy{Language: language}})
		if err != nil {
			t.Fatalf("marshal ProxyCertInfo: %v", err)
		}
		extensions = append(extensions, pkix.Extension{Id: identity.OIDProxyCertInfo, Critical: true, Value: value})
	}

	if opts.Group != "" {
		value, err := asn1.MarshalWithParams(opts.Group, "ia5")
		if err != nil {
			t.Fatalf("marshal group extension: %v", err)
		}
		extensions = append(extensions, pkix.Extension{Id: identity.OIDGroupExtension, Value: value})
	}

	subject := append(pkix.RDNSequence{}, parentRDN...)
	subject = append(subject, pkix.RelativeDistinguishedNameSET{
		{Type: asn1.ObjectIdentifier{2, 5, 4, 3}, Value: cn},
	})
	rawSubject, err := asn1.Marshal(subject)
	if err != nil {
		t.Fatalf("marshal proxy subject: %v", err)
	}

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:    serial,
		RawSubject:      rawSubject,
		NotBefore:       time.Now().Add(-5 * time.Minute),
		NotAfter:        time.Now().Add(opts.Lifetime),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions: extensions,
	}
	cert := create(t, tmpl, parent.Cert, key.Public(), parent.Key)

	chain := append([]*x509.Certificate{cert}, parent.Chain...)
	return &Cert{Cert: cert, Key: key, Chain: chain}
}

// PKI is a ready-made CA with a host certificate and a few users.
type PKI struct {
	Dir string

	CA   *CA
	Host *Cert

	CAFile   string
	HostCert string
	HostKey  string
}

// NewPKI creates a CA and host certificate and writes them under a
// temporary directory.
func NewPKI(t testing.TB) *PKI {
	t.Helper()

	dir := t.TempDir()
	ca := NewCA(t, "Test CA")
	host := ca.IssueHost(t, "gridrpc.test")
	hostCert, hostKey := host.WriteFiles(t, dir, "hostcert")

	return &PKI{
		Dir:      dir,
		CA:       ca,
		Host:     host,
		CAFile:   ca.WriteCAFile(t, dir),
		HostCert: hostCert,
		HostKey:  hostKey,
	}
}

// Pool returns a pool containing only the CA.
func (p *PKI) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.CA.Cert.Cert)
	return pool
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func create(t testing.TB, tmpl, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
