package protocol

import (
	"errors"
	"fmt"
)

// Action tokens select what a client does next on an established connection.
const (
	ActionRPC        = "RPC"
	ActionFromClient = "FFC"
	ActionToClient   = "FTC"
)

// Hello is the first message on every connection.
//
// ExtraCredentials is either a group name (string) or, when the client is
// a trusted host acting on behalf of a user, a two element array
// [DN, group].
type Hello struct {
	ExtraCredentials any    `cbor:"ExtraCredentials,omitempty"`
	ClientVersion    string `cbor:"ClientVersion,omitempty"`
	Service          string `cbor:"Service,omitempty"`
}

// Query is an RPC invocation, encoded as the array [method, args, kwargs].
type Query struct {
	_      struct{} `cbor:",toarray"`
	Method string
	Args   []any
	Kwargs map[string]any
}

// ExtraCredentials is the decoded form of Hello.ExtraCredentials.
type ExtraCredentials struct {
	Group string

	// Forwarded is set when the client sent a [DN, group] pair.
	Forwarded      bool
	ForwardedDN    string
	ForwardedGroup string
}

var ErrBadExtraCredentials = errors.New("protocol: malformed extra credentials")

// ParseExtraCredentials interprets the ExtraCredentials field of a Hello.
func ParseExtraCredentials(v any) (ExtraCredentials, error) {
	switch ec := v.(type) {
	case nil:
		return ExtraCredentials{}, nil
	case string:
		return ExtraCredentials{Group: ec}, nil
	case []any:
		if len(ec) != 2 {
			return ExtraCredentials{}, fmt.Errorf("%w: expected [DN, group], got %d elements", ErrBadExtraCredentials, len(ec))
		}
		dn, ok1 := ec[0].(string)
		group, ok2 := ec[1].(string)
		if !ok1 || !ok2 {
			return ExtraCredentials{}, fmt.Errorf("%w: pair elements must be strings", ErrBadExtraCredentials)
		}
		return ExtraCredentials{Forwarded: true, ForwardedDN: dn, ForwardedGroup: group}, nil
	default:
		return ExtraCredentials{}, fmt.Errorf("%w: unsupported type %T", ErrBadExtraCredentials, v)
	}
}

// ForwardedCredentials builds the ExtraCredentials value a trusted host
// sends when acting for another identity.
func ForwardedCredentials(dn, group string) any {
	return []any{dn, group}
}
