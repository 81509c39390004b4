package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"offramp/internal/catalog"
)

const (
	// SettlementAsset is the crypto asset collateral is held in.
	SettlementAsset = "USDC"

	USDCPlaces int32 = 6
	FiatPlaces int32 = 2
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrCurrencyUnsupported = errors.New("currency not supported by provider")
	ErrAmountOutOfRange    = errors.New("amount outside provider limits")
	ErrRateUnavailable     = errors.New("exchange rate unavailable")
	ErrAmountPrecision     = errors.New("amount has more than 6 decimal places")
)

var hundred = decimal.NewFromInt(100)

// Quote prices a payout. It is not persisted on its own; a successful
// initiation embeds it in the settlement transaction.
type Quote struct {
	ProviderID     string          `json:"providerId"`
	ProviderName   string          `json:"providerName"`
	GrossUSDC      decimal.Decimal `json:"grossUsdc"`
	FeeUSDC        decimal.Decimal `json:"feeUsdc"`
	NetUSDC        decimal.Decimal `json:"netUsdc"`
	Currency       string          `json:"targetCurrency"`
	Rate           decimal.Decimal `json:"exchangeRate"`
	EstimatedFiat  decimal.Decimal `json:"estimatedFiat"`
	ProcessingTime string          `json:"processingTime"`
}

type Engine struct {
	catalog catalog.Catalog
}

func NewEngine(c catalog.Catalog) *Engine {
	return &Engine{catalog: c}
}

// Quote validates eligibility and limits, then computes fee, net and the
// estimated fiat payout. The fee may never consume the whole principal.
func (e *Engine) Quote(ctx context.Context, providerID string, grossUSDC decimal.Decimal, currency string) (Quote, error) {
	provider, err := e.catalog.GetProvider(ctx, providerID)
	if err != nil {
		if errors.Is(err, catalog.ErrProviderNotFound) {
			return Quote{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
		}
		return Quote{}, fmt.Errorf("lookup provider: %w", err)
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !provider.SupportsCurrency(currency) {
		return Quote{}, fmt.Errorf("%w: %s does not pay out %s", ErrCurrencyUnsupported, provider.Name, currency)
	}

	if !grossUSDC.Equal(grossUSDC.Truncate(USDCPlaces)) {
		return Quote{}, fmt.Errorf("%w: %s", ErrAmountPrecision, grossUSDC)
	}
	gross := grossUSDC
	if !gross.IsPositive() || gross.LessThan(provider.MinUSDC) || gross.GreaterThan(provider.MaxUSDC) {
		return Quote{}, fmt.Errorf("%w: %s USDC not within %s-%s", ErrAmountOutOfRange, gross, provider.MinUSDC, provider.MaxUSDC)
	}

	fee := Fee(provider, gross)
	if fee.GreaterThanOrEqual(gross) {
		return Quote{}, fmt.Errorf("%w: fee %s USDC consumes principal %s", ErrAmountOutOfRange, fee, gross)
	}
	net := gross.Sub(fee)

	rate, err := e.catalog.GetRate(ctx, SettlementAsset, currency)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	return Quote{
		ProviderID:     provider.ID,
		ProviderName:   provider.Name,
		GrossUSDC:      gross,
		FeeUSDC:        fee,
		NetUSDC:        net,
		Currency:       currency,
		Rate:           rate,
		EstimatedFiat:  net.Mul(rate).Round(FiatPlaces),
		ProcessingTime: provider.ProcessingTime,
	}, nil
}

// Fee is gross * percent/100 + fixed, rounded to USDC precision.
func Fee(p catalog.Provider, gross decimal.Decimal) decimal.Decimal {
	pct := gross.Mul(p.FeePercent).Div(hundred)
	return pct.Add(p.FeeFixedUSDC).Round(USDCPlaces)
}
