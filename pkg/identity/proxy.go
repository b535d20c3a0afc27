package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

var (
	oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

	// OIDProxyCertInfo marks an RFC 3820 proxy certificate.
	OIDProxyCertInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 14}

	// oidProxyCertInfoDraft is the pre-RFC (GSI 3) location of the same extension.
	oidProxyCertInfoDraft = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3536, 1, 222}

	// OIDLimitedProxyPolicy is the proxy policy language of limited proxies.
	OIDLimitedProxyPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3536, 1, 1, 1, 9}

	// OIDInheritAllPolicy is the policy language of full RFC 3820 proxies.
	OIDInheritAllPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 21, 1}

	// OIDGroupExtension carries the group a proxy was issued for.
	OIDGroupExtension = asn1.ObjectIdentifier{1, 2, 42, 42}
)

var (
	ErrNoCertificate = errors.New("identity: no client certificate")
	ErrBadProxy      = errors.New("identity: invalid proxy certificate")
	ErrRevoked       = errors.New("identity: certificate revoked")
	ErrUntrusted     = errors.New("identity: certificate not trusted")
)

// ProxyPolicy is the policy part of a ProxyCertInfo extension.
type ProxyPolicy struct {
	Language asn1.ObjectIdentifier
	Policy   []byte `asn1:"optional"`
}

// ProxyCertInfo is the RFC 3820 extension value.
type ProxyCertInfo struct {
	PathLen int `asn1:"optional"`
	Policy  ProxyPolicy
}

type proxyKind int

const (
	notProxy proxyKind = iota
	legacyProxy
	rfcProxy
)

// classify tells whether cert is a proxy certificate and, if so, whether
// it is a limited one.
func classify(cert *x509.Certificate) (proxyKind, bool, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDProxyCertInfo) && !ext.Id.Equal(oidProxyCertInfoDraft) {
			continue
		}
		var info ProxyCertInfo
		if _, err := asn1.Unmarshal(ext.Value, &info); err != nil {
			return notProxy, false, fmt.Errorf("%w: malformed ProxyCertInfo: %v", ErrBadProxy, err)
		}
		return rfcProxy, info.Policy.Language.Equal(OIDLimitedProxyPolicy), nil
	}

	rdn, err := ParseRawName(cert.RawSubject)
	if err != nil {
		return notProxy, false, nil
	}
	switch cn, _ := lastCommonName(rdn); cn {
	case "proxy":
		return legacyProxy, false, nil
	case "limited proxy":
		return legacyProxy, true, nil
	}
	return notProxy, false, nil
}

// IsProxy reports whether cert is an RFC 3820 or legacy Globus proxy.
func IsProxy(cert *x509.Certificate) bool {
	kind, _, err := classify(cert)
	return err == nil && kind != notProxy
}

// groupExtension returns the group embedded in cert, if any.
func groupExtension(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(OIDGroupExtension) {
			continue
		}
		var s string
		if _, err := asn1.Unmarshal(ext.Value, &s); err == nil {
			return s
		}
		return string(ext.Value)
	}
	return ""
}

// checkProxy validates that child is a proxy properly derived from parent:
// issued and signed by it, with parent's subject plus exactly one CN.
func checkProxy(child, parent *x509.Certificate, now time.Time) error {
	if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
		return fmt.Errorf("%w: issuer %s does not match %s", ErrBadProxy, IssuerDN(child), SubjectDN(parent))
	}
	if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBadProxy, err)
	}
	if now.Before(child.NotBefore) || now.After(child.NotAfter) {
		return fmt.Errorf("%w: %s is outside its validity period", ErrBadProxy, SubjectDN(child))
	}

	childRDN, err := ParseRawName(child.RawSubject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadProxy, err)
	}
	parentRDN, err := ParseRawName(parent.RawSubject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadProxy, err)
	}
	if len(childRDN) != len(parentRDN)+1 || FormatRDN(childRDN[:len(parentRDN)]) != FormatRDN(parentRDN) {
		return fmt.Errorf("%w: subject %s does not extend %s", ErrBadProxy, FormatRDN(childRDN), FormatRDN(parentRDN))
	}
	last := childRDN[len(childRDN)-1]
	if len(last) != 1 || !last[0].Type.Equal(oidCommonName) {
		return fmt.Errorf("%w: last subject component must be a single CN", ErrBadProxy)
	}
	return nil
}

// VerifyOptions controls VerifyChain.
type VerifyOptions struct {
	Roots *x509.CertPool

	// Revoked, when non-nil, rejects chains containing a revoked serial.
	Revoked *RevocationSet

	// CurrentTime defaults to time.Now().
	CurrentTime time.Time
}

// VerifyChain verifies a peer certificate chain as presented in a TLS
// handshake (leaf first) and returns the resulting credentials.
//
// Leading proxy certificates are checked one against the next and then
// stripped; the first non-proxy certificate is the end entity and is
// verified against opts.Roots using the remaining certificates as
// intermediates.
func VerifyChain(chain []*x509.Certificate, opts VerifyOptions) (Credentials, error) {
	if len(chain) == 0 {
		return Credentials{}, ErrNoCertificate
	}

	now := opts.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}

	var creds Credentials
	i := 0
	for ; i < len(chain); i++ {
		kind, limited, err := classify(chain[i])
		if err != nil {
			return Credentials{}, err
		}
		if kind == notProxy {
			break
		}
		if i+1 >= len(chain) {
			return Credentials{}, fmt.Errorf("%w: chain ends with a proxy", ErrBadProxy)
		}
		if err := checkProxy(chain[i], chain[i+1], now); err != nil {
			return Credentials{}, err
		}
		creds.IsProxy = true
		creds.IsLimitedProxy = creds.IsLimitedProxy || limited
		if creds.ProxyGroup == "" {
			creds.ProxyGroup = groupExtension(chain[i])
		}
	}

	endEntity := chain[i]
	intermediates := x509.NewCertPool()
	for _, c := range chain[i+1:] {
		intermediates.AddCert(c)
	}

	verified, err := endEntity.Verify(x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrUntrusted, err)
	}

	if opts.Revoked != nil {
		for _, c := range verified[0] {
			if opts.Revoked.IsRevoked(c) {
				return Credentials{}, fmt.Errorf("%w: %s serial %s", ErrRevoked, SubjectDN(c), c.SerialNumber)
			}
		}
	}

	creds.DN = SubjectDN(endEntity)
	creds.IssuerDN = IssuerDN(endEntity)
	return creds, nil
}

// Describe extracts credentials from a chain without verifying it. Used on
// the client side to report the server identity.
func Describe(chain []*x509.Certificate) Credentials {
	if len(chain) == 0 {
		return Anonymous()
	}
	var creds Credentials
	i := 0
	for ; i < len(chain)-1; i++ {
		kind, limited, _ := classify(chain[i])
		if kind == notProxy {
			break
		}
		creds.IsProxy = true
		creds.IsLimitedProxy = creds.IsLimitedProxy || limited
	}
	creds.DN = SubjectDN(chain[i])
	creds.IssuerDN = IssuerDN(chain[i])
	return creds
}
