package di

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/internal/domain/services/registry"
	"github.com/rail-service/payout_service/internal/infrastructure/config"
)

func TestRouteSpecs_OverridesBuiltinConstraints(t *testing.T) {
	specs, err := RouteSpecs([]config.RouteConfig{{
		Country:     "CI",
		Channel:     "orange_money",
		Provider:    entities.ProviderCinetPay,
		MaxAmount:   "500000",
		MaxAttempts: 2,
		Alternates:  []string{entities.ProviderPayDunya},
	}}, registry.DefaultRoutes())
	require.NoError(t, err)
	require.Len(t, specs, 2)

	primary := specs[0]
	assert.Equal(t, entities.ProviderCinetPay, primary.Provider)
	assert.Equal(t, "OMCI", primary.Constraints.ProviderChannel)
	assert.True(t, primary.Constraints.MinAmount.Equal(decimal.NewFromInt(500)))
	assert.True(t, primary.Constraints.MaxAmount.Equal(decimal.NewFromInt(500000)))
	assert.Equal(t, 2, primary.Constraints.MaxAttempts)
	assert.Equal(t, "225", primary.Constraints.DialPrefix)

	assert.Equal(t, entities.ProviderPayDunya, specs[1].Provider)
	assert.Equal(t, "orange-money-ci", specs[1].Constraints.ProviderChannel)
}

func TestRouteSpecs_NewPair(t *testing.T) {
	specs, err := RouteSpecs([]config.RouteConfig{{
		Country:         "CM",
		Channel:         "express_union",
		Provider:        entities.ProviderCinetPay,
		ProviderChannel: "EUCM",
		Currency:        "xaf",
		MinAmount:       "100",
		Eligibility:     "amount <= 200000",
	}}, registry.DefaultRoutes())
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "XAF", specs[0].Constraints.Currency)
	assert.Equal(t, "237", specs[0].Constraints.DialPrefix)
	assert.Equal(t, "amount <= 200000", specs[0].Eligibility)
}

func TestRouteSpecs_Errors(t *testing.T) {
	cases := map[string]config.RouteConfig{
		"missing provider": {Country: "CI", Channel: "wave"},
		"bad amount":       {Country: "CI", Channel: "wave", Provider: entities.ProviderCinetPay, MinAmount: "ten"},
		"inverted bounds":  {Country: "CI", Channel: "wave", Provider: entities.ProviderCinetPay, MinAmount: "1000", MaxAmount: "10"},
		"unknown alternate": {
			Country: "CM", Channel: "orange_money", Provider: entities.ProviderCinetPay,
			Alternates: []string{entities.ProviderNOWPayments},
		},
	}
	for name, rc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := RouteSpecs([]config.RouteConfig{rc}, registry.DefaultRoutes())
			assert.Error(t, err)
		})
	}
}
