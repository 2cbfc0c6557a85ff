package di

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/internal/infrastructure/config"
)

// RouteSpecs turns configured routes into registry specs. Each entry starts
// from the built-in constraints of the same (country, channel, provider) when
// one exists; set fields override them. Alternates reuse built-in constraints
// and are appended after the primary in the order given.
func RouteSpecs(routes []config.RouteConfig, defaults []registry.RouteSpec) ([]registry.RouteSpec, error) {
	builtin := make(map[string]registry.RouteSpec, len(defaults))
	for _, d := range defaults {
		builtin[specKey(d.Country, d.Channel, d.Provider)] = d
	}

	out := make([]registry.RouteSpec, 0, len(routes))
	for i, rc := range routes {
		if rc.Country == "" || rc.Channel == "" || rc.Provider == "" {
			return nil, fmt.Errorf("routes[%d]: country, channel and provider are required", i)
		}

		spec, ok := builtin[specKey(rc.Country, rc.Channel, rc.Provider)]
		if !ok {
			spec = registry.RouteSpec{Country: rc.Country, Channel: rc.Channel, Provider: rc.Provider}
		}
		if err := applyRouteConfig(&spec, rc); err != nil {
			return nil, fmt.Errorf("routes[%d] %s/%s: %w", i, rc.Country, rc.Channel, err)
		}
		out = append(out, spec)

		for _, alt := range rc.Alternates {
			altSpec, ok := builtin[specKey(rc.Country, rc.Channel, alt)]
			if !ok {
				return nil, fmt.Errorf("routes[%d] %s/%s: no built-in route for alternate %s", i, rc.Country, rc.Channel, alt)
			}
			out = append(out, altSpec)
		}
	}
	return out, nil
}

func applyRouteConfig(spec *registry.RouteSpec, rc config.RouteConfig) error {
	c := &spec.Constraints
	if rc.ProviderChannel != "" {
		c.ProviderChannel = rc.ProviderChannel
	}
	if rc.Currency != "" {
		c.Currency = strings.ToUpper(rc.Currency)
	}
	if rc.MinAmount != "" {
		v, err := decimal.NewFromString(rc.MinAmount)
		if err != nil {
			return fmt.Errorf("min_amount: %w", err)
		}
		c.MinAmount = v
	}
	if rc.MaxAmount != "" {
		v, err := decimal.NewFromString(rc.MaxAmount)
		if err != nil {
			return fmt.Errorf("max_amount: %w", err)
		}
		c.MaxAmount = v
	}
	if !c.MaxAmount.IsZero() && c.MaxAmount.LessThan(c.MinAmount) {
		return fmt.Errorf("max_amount %s is below min_amount %s", c.MaxAmount, c.MinAmount)
	}
	if rc.DialPrefix != "" {
		c.DialPrefix = rc.DialPrefix
	} else if c.DialPrefix == "" {
		c.DialPrefix = registry.DialPrefixes[strings.ToUpper(rc.Country)]
	}
	if rc.RequiresCountryPrefix {
		c.RequiresCountryPrefix = true
	}
	if rc.MaxAttempts > 0 {
		c.MaxAttempts = rc.MaxAttempts
	}
	if rc.Eligibility != "" {
		spec.Eligibility = rc.Eligibility
	}
	return nil
}

func specKey(country, channel, provider string) string {
	return strings.ToUpper(country) + "|" + strings.ToLower(channel) + "|" + provider
}
