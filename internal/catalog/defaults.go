package catalog

import "github.com/shopspring/decimal"

// DefaultProviders is the development catalog used when no seed file is present.
func DefaultProviders() []Provider {
	return []Provider{
		{
			ID:             "flutterwave_mock",
			Name:           "Flutterwave (Mock)",
			Description:    "Mock payout provider simulating Flutterwave",
			Countries:      []string{"NG", "KE", "GH", "ZA", "UG", "TZ"},
			Currencies:     []string{"NGN", "KES", "GHS", "ZAR", "UGX", "TZS"},
			PayoutMethods:  []string{"Bank Transfer", "Mobile Money"},
			MinUSDC:        decimal.NewFromInt(10),
			MaxUSDC:        decimal.NewFromInt(5000),
			FeePercent:     decimal.RequireFromString("0.8"),
			FeeFixedUSDC:   decimal.RequireFromString("0.5"),
			ProcessingTime: "15-60 minutes",
			KYCRequired:    true,
			DepositAddress: "STELLAR_ADDRESS_FOR_FLUTTERWAVE_MOCK_DEPOSITS",
		},
		{
			ID:             "stellar_anchor_mock",
			Name:           "Stellar Anchor (Mock)",
			Description:    "Mock payout provider simulating a Stellar anchor",
			Countries:      []string{"NG", "KE"},
			Currencies:     []string{"NGN", "KES"},
			PayoutMethods:  []string{"Bank Transfer", "Mobile Money (via anchor)"},
			MinUSDC:        decimal.NewFromInt(5),
			MaxUSDC:        decimal.NewFromInt(2000),
			FeePercent:     decimal.RequireFromString("0.5"),
			FeeFixedUSDC:   decimal.RequireFromString("0.2"),
			ProcessingTime: "5-30 minutes",
			KYCRequired:    true,
			DepositAddress: "STELLAR_ADDRESS_FOR_STELLAR_ANCHOR_MOCK_DEPOSITS",
		},
	}
}

func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USDC_NGN": decimal.RequireFromString("1520.00"),
		"USDC_KES": decimal.RequireFromString("129.50"),
		"USDC_GHS": decimal.RequireFromString("141.00"),
		"USDC_ZAR": decimal.RequireFromString("18.50"),
		"USDC_UGX": decimal.RequireFromString("3800.00"),
		"USDC_TZS": decimal.RequireFromString("2500.00"),
	}
}
