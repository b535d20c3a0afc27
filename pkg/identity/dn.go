package identity

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "postalCode",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
}

// FormatRDN renders a distinguished name in the one-line slash form used
// throughout the grid ("/DC=org/O=Grid/CN=alice").
func FormatRDN(rdn pkix.RDNSequence) string {
	var b strings.Builder
	for _, set := range rdn {
		for _, atv := range set {
			name, ok := attributeNames[atv.Type.String()]
			if !ok {
				name = atv.Type.String()
			}
			b.WriteByte('/')
			b.WriteString(name)
			b.WriteByte('=')
			fmt.Fprint(&b, atv.Value)
		}
	}
	return b.String()
}

// ParseRawName decodes a DER encoded Name without normalising attribute
// order or collapsing repeated attributes.
func ParseRawName(raw []byte) (pkix.RDNSequence, error) {
	var rdn pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &rdn)
	if err != nil {
		return nil, fmt.Errorf("parse distinguished name: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("parse distinguished name: trailing data")
	}
	return rdn, nil
}

// SubjectDN returns the one-line subject of cert.
func SubjectDN(cert *x509.Certificate) string {
	rdn, err := ParseRawName(cert.RawSubject)
	if err != nil {
		return FormatRDN(cert.Subject.ToRDNSequence())
	}
	return FormatRDN(rdn)
}

// IssuerDN returns the one-line issuer of cert.
func IssuerDN(cert *x509.Certificate) string {
	rdn, err := ParseRawName(cert.RawIssuer)
	if err != nil {
		return FormatRDN(cert.Issuer.ToRDNSequence())
	}
	return FormatRDN(rdn)
}

// lastCommonName returns the value of the last CN attribute of rdn.
func lastCommonName(rdn pkix.RDNSequence) (string, bool) {
	for i := len(rdn) - 1; i >= 0; i-- {
		for j := len(rdn[i]) - 1; j >= 0; j-- {
			atv := rdn[i][j]
			if atv.Type.Equal(oidCommonName) {
				s, ok := atv.Value.(string)
				return s, ok
			}
		}
	}
	return "", false
}
