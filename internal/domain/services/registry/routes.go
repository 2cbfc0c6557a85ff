package registry

import (
	"github.com/shopspring/decimal"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

// Dial prefixes of the supported mobile money countries
var DialPrefixes = map[string]string{
	"CM": "237",
	"CI": "225",
	"SN": "221",
	"BF": "226",
	"TG": "228",
}

func cinetpay(country, channel, method, currency string) RouteSpec {
	return RouteSpec{
		Country:  country,
		Channel:  channel,
		Provider: entities.ProviderCinetPay,
		Constraints: entities.Constraints{
			MinAmount:            decimal.NewFromInt(500),
			MaxAmount:            decimal.NewFromInt(1500000),
			AmountMultipleOf:     decimal.NewFromInt(5),
			Currency:             currency,
			DialPrefix:           DialPrefixes[country],
			ProviderChannel:      method,
			DescriptionCharset:   "A-Za-z0-9 ",
			DescriptionMinLength: 3,
			DescriptionMaxLength: 60,
			DefaultDescription:   "Retrait",
			MaxAttempts:          4,
		},
	}
}

func paydunya(country, channel, withdrawMode, currency string, withPrefix bool) RouteSpec {
	return RouteSpec{
		Country:  country,
		Channel:  channel,
		Provider: entities.ProviderPayDunya,
		Constraints: entities.Constraints{
			MinAmount:             decimal.NewFromInt(200),
			MaxAmount:             decimal.NewFromInt(1000000),
			Currency:              currency,
			DialPrefix:            DialPrefixes[country],
			RequiresCountryPrefix: withPrefix,
			ProviderChannel:       withdrawMode,
			DescriptionCharset:    "A-Za-z0-9 .,-",
			DescriptionMinLength:  1,
			DescriptionMaxLength:  100,
			DefaultDescription:    "Payout",
			MaxAttempts:           3,
		},
	}
}

func nowpayments(currency string, min decimal.Decimal) RouteSpec {
	return RouteSpec{
		Country:  entities.AnyCountry,
		Channel:  currency,
		Provider: entities.ProviderNOWPayments,
		Constraints: entities.Constraints{
			MinAmount:       min,
			Currency:        currency,
			ProviderChannel: currency,
			MaxAttempts:     5,
		},
	}
}

// DefaultRoutes returns the built-in route table. Order within a
// (country, channel) pair is significant: primary first.
func DefaultRoutes() []RouteSpec {
	return []RouteSpec{
		cinetpay("CM", "orange_money", "OMCM", "XAF"),
		cinetpay("CM", "mtn_momo", "MTNCM", "XAF"),

		cinetpay("CI", "orange_money", "OMCI", "XOF"),
		paydunya("CI", "orange_money", "orange-money-ci", "XOF", false),
		cinetpay("CI", "mtn_momo", "MOMOCI", "XOF"),
		paydunya("CI", "mtn_momo", "mtn-ci", "XOF", false),
		cinetpay("CI", "moov_money", "FLOOZ", "XOF"),
		cinetpay("CI", "wave", "WAVECI", "XOF"),
		paydunya("CI", "wave", "wave-ci", "XOF", true),

		paydunya("SN", "orange_money", "orange-money-senegal", "XOF", false),
		cinetpay("SN", "orange_money", "OMSN", "XOF"),
		paydunya("SN", "free_money", "free-money-senegal", "XOF", false),
		cinetpay("SN", "free_money", "FREESN", "XOF"),
		paydunya("SN", "wave", "wave-senegal", "XOF", true),
		cinetpay("SN", "wave", "WAVESN", "XOF"),

		cinetpay("BF", "orange_money", "OMBF", "XOF"),
		paydunya("BF", "orange_money", "orange-money-burkina", "XOF", false),
		cinetpay("BF", "moov_money", "MOOVBF", "XOF"),
		paydunya("BF", "moov_money", "moov-burkina-faso", "XOF", false),

		cinetpay("TG", "tmoney", "TMONEYTG", "XOF"),
		paydunya("TG", "tmoney", "t-money-togo", "XOF", false),
		cinetpay("TG", "moov_money", "FLOOZTG", "XOF"),

		nowpayments("usdttrc20", decimal.NewFromInt(10)),
		nowpayments("usdterc20", decimal.NewFromInt(20)),
		nowpayments("btc", decimal.RequireFromString("0.0001")),
		nowpayments("eth", decimal.RequireFromString("0.005")),
	}
}

// Override replaces the routes of every (country, channel) pair present in
// overrides. Pairs only present in overrides are added.
func Override(defaults, overrides []RouteSpec) []RouteSpec {
	if len(overrides) == 0 {
		return defaults
	}
	replaced := make(map[routeKey]bool)
	for _, o := range overrides {
		replaced[keyOf(o.Country, o.Channel)] = true
	}

	out := make([]RouteSpec, 0, len(defaults)+len(overrides))
	for _, d := range defaults {
		if !replaced[keyOf(d.Country, d.Channel)] {
			out = append(out, d)
		}
	}
	return append(out, overrides...)
}

// ForProviders keeps only the routes whose provider is enabled
func ForProviders(specs []RouteSpec, enabled map[string]bool) []RouteSpec {
	out := make([]RouteSpec, 0, len(specs))
	for _, s := range specs {
		if enabled[s.Provider] {
			out = append(out, s)
		}
	}
	return out
}
