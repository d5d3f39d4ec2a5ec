// Package routes holds the immutable table of bridge routes between chains.
package routes

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"goxbridge/types"
)

type pair struct {
	source, destination string
}

// Registry is built once at startup and never mutated, safe for concurrent reads
type Registry struct {
	routes []types.BridgeRoute
	byPair map[pair]types.BridgeRoute
}

// New validates the table against the configured chains
func New(table []types.BridgeRoute, chains []types.Chain) (*Registry, error) {
	known := make(map[string]bool, len(chains))
	for _, ch := range chains {
		known[ch.Key] = true
	}

	r := &Registry{byPair: make(map[pair]types.BridgeRoute, len(table))}
	for _, route := range table {
		if !known[route.Source] || !known[route.Destination] {
			return nil, fmt.Errorf("route %s->%s references an unknown chain", route.Source, route.Destination)
		}
		if route.Source == route.Destination {
			return nil, fmt.Errorf("route %s->%s has identical endpoints", route.Source, route.Destination)
		}
		if !route.Protocol.Valid() {
			return nil, fmt.Errorf("route %s->%s has unknown protocol %q", route.Source, route.Destination, route.Protocol)
		}
		fee, err := decimal.NewFromString(route.BaseFee)
		if err != nil || fee.IsNegative() {
			return nil, fmt.Errorf("route %s->%s has invalid fee %q", route.Source, route.Destination, route.BaseFee)
		}
		if route.NominalTime <= 0 {
			return nil, fmt.Errorf("route %s->%s has no nominal time", route.Source, route.Destination)
		}
		k := pair{route.Source, route.Destination}
		if _, dup := r.byPair[k]; dup {
			return nil, fmt.Errorf("duplicate route %s->%s", route.Source, route.Destination)
		}
		r.byPair[k] = route
		r.routes = append(r.routes, route)
	}

	// listing is symmetric, fee and time need not be
	for k := range r.byPair {
		if _, ok := r.byPair[pair{k.destination, k.source}]; !ok {
			return nil, fmt.Errorf("route %s->%s has no reverse route", k.source, k.destination)
		}
	}

	sort.SliceStable(r.routes, func(i, j int) bool {
		if r.routes[i].Source != r.routes[j].Source {
			return r.routes[i].Source < r.routes[j].Source
		}
		return r.routes[i].Destination < r.routes[j].Destination
	})
	return r, nil
}

// List returns a copy of the table ordered by source then destination
func (r *Registry) List() []types.BridgeRoute {
	return append([]types.BridgeRoute(nil), r.routes...)
}

// Find returns the route for the exact ordered pair. Listed but unsupported
// routes are returned with Supported false.
func (r *Registry) Find(source, destination string) (types.BridgeRoute, error) {
	route, ok := r.byPair[pair{source, destination}]
	if !ok {
		return types.BridgeRoute{}, types.NewError(types.CodeRouteNotSupported, "no route from %s to %s", source, destination)
	}
	return route, nil
}
