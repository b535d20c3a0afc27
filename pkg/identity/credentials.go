// Package identity describes who is on the other end of a connection and
// how that is established from an X.509 certificate chain.
//
// Grid clients usually authenticate with proxy certificates: short-lived
// certificates signed by the user's own end-entity certificate (RFC 3820,
// or the older Globus "legacy" format). The identity of a connection is
// always the end-entity DN; proxies only add flags.
package identity

const (
	// AnonymousUser is the username given to peers without a DN.
	AnonymousUser = "anonymous"

	// VisitorGroup is the group given to peers without a DN.
	VisitorGroup = "visitor"
)

// ForwardedIdentity is an identity a trusted host claims to act for.
type ForwardedIdentity struct {
	DN    string
	Group string
}

// Credentials is the verified identity of a peer plus whatever the
// client announced in its Hello.
type Credentials struct {
	// DN is the end-entity subject in one-line form ("/C=IT/O=Grid/CN=alice").
	// Empty for anonymous peers.
	DN string

	IssuerDN string

	// Group is the group the client asked to act as. It may be empty,
	// in which case the default group of the user applies.
	Group string

	// Forwarded is set when the client sent a [DN, group] pair.
	Forwarded *ForwardedIdentity

	// Username is filled in by authorization once the DN is resolved.
	Username string

	IsProxy        bool
	IsLimitedProxy bool

	// ProxyGroup is the group embedded in the proxy certificate, if any.
	ProxyGroup string
}

// Anonymous returns credentials for an unauthenticated peer.
func Anonymous() Credentials {
	return Credentials{}
}

// Authenticated reports whether the peer presented a verified certificate.
func (c Credentials) Authenticated() bool {
	return c.DN != ""
}

// WithExtra merges the Hello extra credentials into c. An explicit group
// wins over the one carried by the proxy certificate.
func (c Credentials) WithExtra(group string, forwarded *ForwardedIdentity) Credentials {
	out := c
	switch {
	case group != "":
		out.Group = group
	case out.Group == "" && c.ProxyGroup != "":
		out.Group = c.ProxyGroup
	}
	if forwarded != nil {
		fwd := *forwarded
		out.Forwarded = &fwd
	}
	return out
}
