// Package registry maps (country, channel) pairs to ordered provider routes.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

// ProviderAdapter translates payouts into one provider's native protocol.
// Implementations never touch payout state.
type ProviderAdapter interface {
	ID() string
	Dispatch(ctx context.Context, req *entities.PayoutRequest, c entities.Constraints) (*entities.ProviderOutcome, error)
	CheckStatus(ctx context.Context, q entities.StatusQuery) (*entities.ProviderOutcome, error)
	// ParseWebhook returns the correlation key embedded at dispatch time.
	// It fails with entities.ErrCorrelationMissing when the key is absent, in
	// which case the returned outcome still carries the provider reference.
	ParseWebhook(header http.Header, body []byte) (string, *entities.ProviderOutcome, error)
}

// WebhookVerifier is implemented by adapters whose webhooks carry a signature
type WebhookVerifier interface {
	VerifyWebhook(header http.Header, body []byte) error
}

// Route is one way of delivering a payout
type Route struct {
	ProviderID  string
	Country     string
	Channel     string
	Adapter     ProviderAdapter
	Constraints entities.Constraints
	eligibility *govaluate.EvaluableExpression
}

// Eligible evaluates the optional route expression against the request.
// Parameters available to expressions: amount, currency, country, channel, kind.
func (r Route) Eligible(req *entities.PayoutRequest) (bool, error) {
	if r.eligibility == nil {
		return true, nil
	}
	amount, _ := req.Amount.Float64()
	result, err := r.eligibility.Evaluate(map[string]interface{}{
		"amount":   amount,
		"currency": req.Currency,
		"country":  req.Destination.Country,
		"channel":  req.Destination.Channel,
		"kind":     string(req.Destination.Kind),
	})
	if err != nil {
		return false, fmt.Errorf("route %s eligibility: %w", r.ProviderID, err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("route %s eligibility: expression did not return a boolean", r.ProviderID)
	}
	return ok, nil
}

// RouteSpec is the data form of a route
type RouteSpec struct {
	Country     string
	Channel     string
	Provider    string
	Constraints entities.Constraints
	Eligibility string
}

type routeKey struct {
	country string
	channel string
}

func keyOf(country, channel string) routeKey {
	return routeKey{country: strings.ToUpper(strings.TrimSpace(country)), channel: strings.ToLower(strings.TrimSpace(channel))}
}

// Registry is an immutable route table built at startup
type Registry struct {
	adapters map[string]ProviderAdapter
	routes   map[routeKey][]Route
}

// New builds a registry. Specs sharing a (country, channel) key form one
// ordered list: the first is the primary, the rest are alternates.
func New(adapters []ProviderAdapter, specs []RouteSpec) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]ProviderAdapter, len(adapters)),
		routes:   make(map[routeKey][]Route),
	}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}

	for _, spec := range specs {
		adapter, ok := r.adapters[spec.Provider]
		if !ok {
			return nil, fmt.Errorf("route %s/%s: %w: %s", spec.Country, spec.Channel, entities.ErrUnknownProvider, spec.Provider)
		}
		key := keyOf(spec.Country, spec.Channel)
		for _, existing := range r.routes[key] {
			if existing.ProviderID == spec.Provider {
				return nil, fmt.Errorf("route %s/%s: provider %s listed twice", spec.Country, spec.Channel, spec.Provider)
			}
		}

		route := Route{
			ProviderID:  spec.Provider,
			Country:     key.country,
			Channel:     key.channel,
			Adapter:     adapter,
			Constraints: spec.Constraints,
		}
		if spec.Eligibility != "" {
			expr, err := govaluate.NewEvaluableExpression(spec.Eligibility)
			if err != nil {
				return nil, fmt.Errorf("route %s/%s: invalid eligibility expression: %w", spec.Country, spec.Channel, err)
			}
			route.eligibility = expr
		}
		r.routes[key] = append(r.routes[key], route)
	}

	return r, nil
}

// Resolve returns the ordered routes for a destination
func (r *Registry) Resolve(country, channel string) ([]Route, error) {
	routes, ok := r.routes[keyOf(country, channel)]
	if !ok || len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", entities.ErrUnsupportedChannel, country, channel)
	}
	out := make([]Route, len(routes))
	copy(out, routes)
	return out, nil
}

// ResolveFor returns the routes eligible for a request, primary first
func (r *Registry) ResolveFor(req *entities.PayoutRequest) ([]Route, error) {
	routes, err := r.Resolve(req.Destination.RouteCountry(), req.Destination.Channel)
	if err != nil {
		return nil, err
	}
	eligible := routes[:0]
	for _, route := range routes {
		ok, err := route.Eligible(req)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, route)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible route for %s/%s", entities.ErrUnsupportedChannel, req.Destination.RouteCountry(), req.Destination.Channel)
	}
	return eligible, nil
}

// Primary returns the first route for a destination
func (r *Registry) Primary(country, channel string) (Route, error) {
	routes, err := r.Resolve(country, channel)
	if err != nil {
		return Route{}, err
	}
	return routes[0], nil
}

// Route returns the route of a given provider for a destination
func (r *Registry) Route(country, channel, providerID string) (Route, error) {
	routes, err := r.Resolve(country, channel)
	if err != nil {
		return Route{}, err
	}
	for _, route := range routes {
		if route.ProviderID == providerID {
			return route, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s has no route for %s/%s", entities.ErrUnsupportedChannel, providerID, country, channel)
}

// Adapter looks up an adapter by provider id
func (r *Registry) Adapter(providerID string) (ProviderAdapter, error) {
	a, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entities.ErrUnknownProvider, providerID)
	}
	return a, nil
}

// Providers returns the ids of all registered adapters
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
