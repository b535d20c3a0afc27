package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Reserved authorization entries and tokens.
const (
	DefaultAuthorizationEntry = "Default"

	TokenAny           = "any"
	TokenAll           = "all"
	TokenAuthenticated = "authenticated"
)

// GatewayServiceName is handled before every other service of the process.
const GatewayServiceName = "Framework/Gateway"

// Defaults for service sections.
const (
	DefaultProtocol        = "tls"
	DefaultContextLifetime = 6 * time.Hour
	DefaultSessionTimeout  = 30 * time.Second
)

var (
	ErrServiceNotConfigured = errors.New("service not configured")
	ErrInvalidServiceName   = errors.New("invalid service name")
)

// ServiceDescriptor is the resolved configuration of one service. It is
// built once at startup and read-only afterwards.
type ServiceDescriptor struct {
	// Name is "System/Component".
	Name string

	Protocol string

	// Port is meaningful only when PortSet is true. Port 0 asks the
	// kernel for an ephemeral port.
	Port    int
	PortSet bool

	URL string

	// ContextLifetime is how long a server security context is used
	// before it is reloaded.
	ContextLifetime time.Duration

	// CloneCount is the number of processes serving this endpoint (>= 1).
	CloneCount int

	SessionTimeout time.Duration
	IgnoreCRLs     bool
	PacketTimeout  time.Duration

	// Module selects the handler implementation from the service catalog.
	Module string

	// CompressTransfers enables zstd compression of file transfer chunks.
	CompressTransfers bool

	// Authorization maps lower-cased method names to allowed tokens.
	// Nested sections are flattened with "/", so
	// Authorization/FileTransfer/FromClient becomes "filetransfer/fromclient".
	Authorization map[string][]string

	// Options is the raw service section, for handler specific settings.
	Options map[string]any
}

// SplitServiceName splits "System/Component".
func SplitServiceName(name string) (system, component string, err error) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q (expected System/Component)", ErrInvalidServiceName, name)
	}
	return parts[0], parts[1], nil
}

// ServicePath returns the configuration section of a service.
func ServicePath(name string) string {
	return "Services/" + strings.Trim(name, "/")
}

// BuildServiceDescriptor resolves the section Services/<System>/<Component>.
// hostname is used to build the service URL; when empty the local
// hostname is used.
func BuildServiceDescriptor(store Store, name, hostname string) (*ServiceDescriptor, error) {
	system, component, err := SplitServiceName(name)
	if err != nil {
		return nil, err
	}
	name = system + "/" + component
	path := ServicePath(name)

	if !store.IsSet(path) {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotConfigured, name)
	}

	d := &ServiceDescriptor{
		Name:              name,
		Protocol:          strings.ToLower(store.GetString(path+"/Protocol", DefaultProtocol)),
		PortSet:           store.IsSet(path + "/Port"),
		Port:              store.GetInt(path+"/Port", 0),
		ContextLifetime:   store.GetDuration(path+"/ContextLifeTime", DefaultContextLifetime),
		CloneCount:        store.GetInt(path+"/CloneCount", 1),
		SessionTimeout:    store.GetDuration(path+"/SSLSessionTimeout", DefaultSessionTimeout),
		IgnoreCRLs:        store.GetBool(path+"/IgnoreCRLs", false),
		PacketTimeout:     store.GetDuration(path+"/PacketTimeout", 0),
		Module:            store.GetString(path+"/Module", name),
		CompressTransfers: store.GetBool(path+"/CompressTransfers", false),
		Authorization:     flattenAuthorization(store.Section(path + "/Authorization")),
		Options:           store.Section(path),
	}

	if d.CloneCount < 1 {
		d.CloneCount = 1
	}
	if d.PortSet && (d.Port < 0 || d.Port > 65535) {
		return nil, fmt.Errorf("service %s: port %d out of range", name, d.Port)
	}

	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	d.URL = fmt.Sprintf("%s://%s:%d/%s", d.Protocol, hostname, d.Port, name)

	return d, nil
}

func flattenAuthorization(section map[string]any) map[string][]string {
	out := make(map[string][]string)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := strings.ToLower(k)
			if prefix != "" {
				key = prefix + "/" + key
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out[key] = toStringSlice(v, nil)
		}
	}
	walk("", section)
	return out
}

// AllowedTokens returns the authorization entry for method, falling back
// to Default. ok is false when neither exists.
func (d *ServiceDescriptor) AllowedTokens(method string) (tokens []string, ok bool) {
	if tokens, ok = d.Authorization[strings.ToLower(method)]; ok {
		return tokens, true
	}
	tokens, ok = d.Authorization[strings.ToLower(DefaultAuthorizationEntry)]
	return tokens, ok
}

// AuthorizedMethods lists the methods with an explicit authorization entry.
func (d *ServiceDescriptor) AuthorizedMethods() []string {
	out := make([]string, 0, len(d.Authorization))
	for k := range d.Authorization {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeOptions decodes the service section into target using
// mapstructure, with weak typing and duration strings.
func (d *ServiceDescriptor) DecodeOptions(target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := decoder.Decode(d.Options); err != nil {
		return fmt.Errorf("service %s: decode options: %w", d.Name, err)
	}
	return nil
}

// IsGateway reports whether d is the reserved gateway service.
func (d *ServiceDescriptor) IsGateway() bool {
	return strings.EqualFold(d.Name, GatewayServiceName)
}
