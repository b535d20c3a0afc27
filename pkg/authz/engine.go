// Package authz decides whether a peer may invoke a method of a service.
//
// A decision depends only on the peer credentials, the method name, the
// service's authorization table and the user/group registry. Nothing is
// cached between calls.
package authz

import (
	"fmt"
	"strings"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/identity"
	"github.com/marmos91/gridrpc/pkg/registry"
)

// Table maps a method to the tokens allowed to call it. ServiceDescriptor
// implements it.
type Table interface {
	AllowedTokens(method string) ([]string, bool)
}

// Decision is the result of one authorization check.
type Decision struct {
	Allowed bool

	// Reason explains a denial. Only ever logged, never sent to the peer.
	Reason string

	// Username and Group are the identity the decision was made for.
	Username string
	Group    string

	// Forwarded is set when the identity came from a trusted host.
	Forwarded bool
}

// Engine evaluates authorization against a registry.
type Engine struct {
	registry *registry.Registry
	log      *logger.Logger
}

func New(reg *registry.Registry, log *logger.Logger) *Engine {
	return &Engine{registry: reg, log: log}
}

// Authorize decides whether creds may call method.
//
// Credentials forwarded by a trusted host are unpacked exactly once: the
// decision is then made for the forwarded DN and group. A forwarded pair
// from a peer that is not a trusted host is denied.
func (e *Engine) Authorize(creds identity.Credentials, method string, table Table) Decision {
	if creds.Forwarded != nil {
		if creds.DN != "" && e.registry.IsTrustedHost(creds.DN) {
			fwd := identity.Credentials{DN: creds.Forwarded.DN, Group: creds.Forwarded.Group}
			d := e.authorize(fwd, method, table)
			d.Forwarded = true
			return d
		}
		e.log.Warn("Rejecting forwarded credentials from untrusted peer %q", creds.DN)
		d := Decision{Username: identity.AnonymousUser, Group: identity.VisitorGroup}
		return deny(d, "forwarded credentials from untrusted peer %q", creds.DN)
	}
	return e.authorize(creds, method, table)
}

func (e *Engine) authorize(creds identity.Credentials, method string, table Table) Decision {
	d := Decision{Username: identity.AnonymousUser, Group: identity.VisitorGroup}

	if creds.DN != "" {
		username, ok := e.registry.UsernameForDN(creds.DN)
		if !ok {
			return deny(d, "DN %q is not registered", creds.DN)
		}
		d.Username = username

		group := creds.Group
		if group == "" {
			group, ok = e.registry.DefaultGroupFor(username)
			if !ok {
				return deny(d, "user %s belongs to no group", username)
			}
		} else if !e.registry.IsMember(username, group) {
			d.Group = group
			return deny(d, "user %s is not a member of group %s", username, group)
		}
		d.Group = strings.ToLower(group)
	}

	tokens, ok := table.AllowedTokens(method)
	if !ok {
		return deny(d, "no authorization entry for method %s", method)
	}

	for _, t := range tokens {
		if strings.EqualFold(t, config.TokenAny) || strings.EqualFold(t, config.TokenAll) {
			d.Allowed = true
			return d
		}
	}

	if creds.DN == "" {
		return deny(d, "method %s requires an authenticated peer", method)
	}

	properties := e.registry.GroupProperties(d.Group)
	for _, t := range tokens {
		if strings.EqualFold(t, config.TokenAuthenticated) || strings.EqualFold(t, d.Group) || containsFold(properties, t) {
			d.Allowed = true
			return d
		}
	}

	return deny(d, "group %s may not call %s (allowed: %s)", d.Group, method, strings.Join(tokens, ", "))
}

func deny(d Decision, format string, args ...any) Decision {
	d.Allowed = false
	d.Reason = fmt.Sprintf(format, args...)
	return d
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
