package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/gridrpc/pkg/config"
)

// Configuration paths of the registry section.
const (
	RootPath         = "Registry"
	TrustedHostsPath = RootPath + "/TrustedHosts"
	DefaultGroupPath = RootPath + "/DefaultGroup"
	UsersPath        = RootPath + "/Users"
	GroupsPath       = RootPath + "/Groups"
)

// Group is a named set of users with the properties they gain by acting
// as that group.
type Group struct {
	Name       string
	Users      []string
	Properties []string
}

// Registry holds the users, groups and trusted hosts known to the process.
// It is loaded from the Registry section of the configuration and can be
// reloaded atomically.
//
// User and group names are case-insensitive; they are stored lower-cased.
//
// Example configuration:
//
//	Registry:
//	  DefaultGroup: user
//	  TrustedHosts: [/O=Grid/CN=gateway.example.org]
//	  Users:
//	    alice:
//	      DN: /C=IT/O=Grid/CN=alice
//	  Groups:
//	    user:
//	      Users: [alice]
//	      Properties: [NormalUser]
type Registry struct {
	mu           sync.RWMutex
	store        config.Store
	defaultGroup string
	trustedHosts map[string]struct{}
	usersByDN    map[string]string
	groups       map[string]*Group
	groupNames   []string
}

// New loads a registry from store.
func New(store config.Store) *Registry {
	r := &Registry{store: store}
	r.Reload()
	return r
}

// Reload re-reads the registry section.
func (r *Registry) Reload() {
	trusted := make(map[string]struct{})
	for _, dn := range r.store.GetStringSlice(TrustedHostsPath, nil) {
		trusted[dn] = struct{}{}
	}

	usersByDN := make(map[string]string)
	for _, user := range r.store.Children(UsersPath) {
		for _, dn := range r.store.GetStringSlice(UsersPath+"/"+user+"/DN", nil) {
			usersByDN[dn] = strings.ToLower(user)
		}
	}

	groups := make(map[string]*Group)
	names := r.store.Children(GroupsPath)
	for _, name := range names {
		base := GroupsPath + "/" + name
		g := &Group{
			Name:       strings.ToLower(name),
			Properties: r.store.GetStringSlice(base+"/Properties", nil),
		}
		for _, u := range r.store.GetStringSlice(base+"/Users", nil) {
			g.Users = append(g.Users, strings.ToLower(u))
		}
		groups[g.Name] = g
	}
	sort.Strings(names)

	r.mu.Lock()
	r.defaultGroup = strings.ToLower(r.store.GetString(DefaultGroupPath, ""))
	r.trustedHosts = trusted
	r.usersByDN = usersByDN
	r.groups = groups
	r.groupNames = names
	r.mu.Unlock()
}

// IsTrustedHost reports whether dn may forward credentials of other users.
func (r *Registry) IsTrustedHost(dn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.trustedHosts[dn]
	return ok
}

// UsernameForDN resolves the user registered with dn.
func (r *Registry) UsernameForDN(dn string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.usersByDN[dn]
	return u, ok
}

// IsMember reports whether user belongs to group.
func (r *Registry) IsMember(user, group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isMember(strings.ToLower(user), strings.ToLower(group))
}

func (r *Registry) isMember(user, group string) bool {
	g, ok := r.groups[group]
	if !ok {
		return false
	}
	for _, u := range g.Users {
		if u == user {
			return true
		}
	}
	return false
}

// DefaultGroupFor returns the group a user acts as when none is requested:
// the configured default group if the user belongs to it, otherwise the
// first group (in name order) that lists the user.
func (r *Registry) DefaultGroupFor(user string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user = strings.ToLower(user)
	if r.defaultGroup != "" && r.isMember(user, r.defaultGroup) {
		return r.defaultGroup, true
	}
	for _, name := range r.groupNames {
		if r.isMember(user, strings.ToLower(name)) {
			return strings.ToLower(name), true
		}
	}
	return "", false
}

// GroupsFor lists the groups user belongs to, in name order.
func (r *Registry) GroupsFor(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user = strings.ToLower(user)
	var out []string
	for _, name := range r.groupNames {
		if r.isMember(user, strings.ToLower(name)) {
			out = append(out, strings.ToLower(name))
		}
	}
	return out
}

// GroupProperties returns the properties granted by group.
func (r *Registry) GroupProperties(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[strings.ToLower(group)]
	if !ok {
		return nil
	}
	return append([]string(nil), g.Properties...)
}

// HasProperty reports whether group grants property.
func (r *Registry) HasProperty(group, property string) bool {
	for _, p := range r.GroupProperties(group) {
		if strings.EqualFold(p, property) {
			return true
		}
	}
	return false
}
