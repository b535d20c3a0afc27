// Package gateway implements Framework/Gateway, the service handled first
// in every process. Besides ping it tells clients which services the
// process serves and where.
package gateway

import (
	"context"

	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/service"
)

// Module is the catalog name of the service.
const Module = config.GatewayServiceName

// New is the catalog factory of the service.
func New(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
	h := service.NewHandler(d, env.Logger)
	g := &gateway{dir: env.Directory}

	h.Export("listServices", g.listServices)
	h.SetDefaultAuthorization("listServices", config.TokenAuthenticated)
	return h, nil
}

type gateway struct {
	dir service.Directory
}

// listServices returns one {Name, URL} entry per endpoint.
func (g *gateway) listServices(_ context.Context, _ *service.Call) (outcome.Outcome, error) {
	if g.dir == nil {
		return outcome.Ok([]any{}), nil
	}
	eps := g.dir.Endpoints()
	out := make([]any, 0, len(eps))
	for _, ep := range eps {
		out = append(out, map[string]any{"Name": ep.Name, "URL": ep.URL})
	}
	return outcome.Ok(out), nil
}
