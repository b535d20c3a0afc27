package identity

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// TrustStore is the set of certificate authorities and revocation lists a
// server verifies peers against.
type TrustStore struct {
	Roots   *x509.CertPool
	CAs     []*x509.Certificate
	Revoked *RevocationSet
}

// LoadTrustStore reads CA certificates from caFile and every file in caDir
// (either may be empty), then CRLs from crlDir when set.
//
// Files in caDir that contain no PEM certificate are skipped, so a
// standard grid certificates directory (with .signing_policy and
// .namespace files) can be used as is.
func LoadTrustStore(caFile, caDir, crlDir string) (*TrustStore, error) {
	ts := &TrustStore{Roots: x509.NewCertPool()}

	if caFile != "" {
		certs, err := readPEMCertificates(caFile)
		if err != nil {
			return nil, err
		}
		if len(certs) == 0 {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		ts.add(certs)
	}

	if caDir != "" {
		err := eachFile(caDir, func(path string) error {
			certs, err := readPEMCertificates(path)
			if err != nil {
				return nil
			}
			ts.add(certs)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if len(ts.CAs) == 0 {
		return nil, fmt.Errorf("no trusted certificate authorities configured")
	}

	if crlDir != "" {
		revoked, err := LoadRevocationDir(crlDir, ts.CAs)
		if err != nil {
			return nil, err
		}
		ts.Revoked = revoked
	}

	return ts, nil
}

func (ts *TrustStore) add(certs []*x509.Certificate) {
	for _, c := range certs {
		ts.Roots.AddCert(c)
		ts.CAs = append(ts.CAs, c)
	}
}

func readPEMCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate in %s: %w", path, err)
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func eachFile(dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := fn(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// RevocationSet indexes revoked serial numbers by issuer.
type RevocationSet struct {
	revoked map[string]map[string]struct{}
}

// LoadRevocationDir parses every CRL (PEM or DER) in dir. CRLs whose
// issuer is not among cas are ignored; CRLs with a bad signature are an
// error.
func LoadRevocationDir(dir string, cas []*x509.Certificate) (*RevocationSet, error) {
	rs := &RevocationSet{revoked: make(map[string]map[string]struct{})}

	err := eachFile(dir, func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var ders [][]byte
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "X509 CRL" {
				ders = append(ders, block.Bytes)
			}
		}
		if len(ders) == 0 {
			ders = [][]byte{data}
		}

		for _, der := range ders {
			crl, err := x509.ParseRevocationList(der)
			if err != nil {
				continue
			}
			if err := rs.add(crl, cas); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RevocationSet) add(crl *x509.RevocationList, cas []*x509.Certificate) error {
	var issuer *x509.Certificate
	for _, ca := range cas {
		if bytes.Equal(ca.RawSubject, crl.RawIssuer) {
			issuer = ca
			break
		}
	}
	if issuer == nil {
		return nil
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("CRL signature from %s: %w", SubjectDN(issuer), err)
	}

	key := string(crl.RawIssuer)
	serials, ok := rs.revoked[key]
	if !ok {
		serials = make(map[string]struct{})
		rs.revoked[key] = serials
	}
	for _, entry := range crl.RevokedCertificateEntries {
		serials[entry.SerialNumber.String()] = struct{}{}
	}
	return nil
}

// IsRevoked reports whether cert's serial appears in a CRL of its issuer.
func (rs *RevocationSet) IsRevoked(cert *x509.Certificate) bool {
	if rs == nil {
		return false
	}
	serials, ok := rs.revoked[string(cert.RawIssuer)]
	if !ok {
		return false
	}
	_, revoked := serials[cert.SerialNumber.String()]
	return revoked
}

// Len returns the number of revoked serials across all issuers.
func (rs *RevocationSet) Len() int {
	if rs == nil {
		return 0
	}
	n := 0
	for _, s := range rs.revoked {
		n += len(s)
	}
	return n
}
