package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrRateUnavailable  = errors.New("exchange rate unavailable")
)

// Provider is immutable reference data describing a fiat payout partner.
// FeePercent is expressed in percent, so 0.8 means 0.8%.
type Provider struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Countries      []string        `json:"supportedCountries"`
	Currencies     []string        `json:"supportedCurrencies"`
	PayoutMethods  []string        `json:"payoutMethods"`
	MinUSDC        decimal.Decimal `json:"minAmountUsdc"`
	MaxUSDC        decimal.Decimal `json:"maxAmountUsdc"`
	FeePercent     decimal.Decimal `json:"feePercent"`
	FeeFixedUSDC   decimal.Decimal `json:"feeFixedUsdc"`
	ProcessingTime string          `json:"processingTime"`
	KYCRequired    bool            `json:"kycRequired"`
	DepositAddress string          `json:"depositAddress,omitempty"`
}

func (p Provider) SupportsCurrency(code string) bool {
	return containsFold(p.Currencies, code)
}

func (p Provider) SupportsCountry(code string) bool {
	return containsFold(p.Countries, code)
}

func (p Provider) SupportsPayoutMethod(method string) bool {
	return containsFold(p.PayoutMethods, method)
}

// Catalog is the rate & limits lookup the quote engine prices against.
type Catalog interface {
	GetProvider(ctx context.Context, id string) (Provider, error)
	GetRate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
	ListProviders(ctx context.Context, country, currency string) ([]Provider, error)
}

// Static serves providers and rates from memory. It never mutates after
// construction, so it is safe for concurrent use.
type Static struct {
	providers map[string]Provider
	rates     map[string]decimal.Decimal
}

func NewStatic(providers []Provider, rates map[string]decimal.Decimal) (*Static, error) {
	s := &Static{
		providers: make(map[string]Provider, len(providers)),
		rates:     make(map[string]decimal.Decimal, len(rates)),
	}
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if p.MinUSDC.GreaterThan(p.MaxUSDC) {
			return nil, fmt.Errorf("provider %s: min amount exceeds max amount", p.ID)
		}
		if p.FeePercent.IsNegative() || p.FeeFixedUSDC.IsNegative() {
			return nil, fmt.Errorf("provider %s: negative fee", p.ID)
		}
		s.providers[p.ID] = p
	}
	for pair, rate := range rates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %s must be positive", pair)
		}
		s.rates[strings.ToUpper(pair)] = rate
	}
	return s, nil
}

func (s *Static) GetProvider(_ context.Context, id string) (Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

func (s *Static) GetRate(_ context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	pair := PairKey(fromAsset, toAsset)
	rate, ok := s.rates[pair]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, pair)
	}
	return rate, nil
}

// ListProviders returns providers serving the country/currency pair. Empty
// filters match everything. Results are ordered by id.
func (s *Static) ListProviders(_ context.Context, country, currency string) ([]Provider, error) {
	out := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if country != "" && !p.SupportsCountry(country) {
			continue
		}
		if currency != "" && !p.SupportsCurrency(currency) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PairKey normalises an asset pair to the "USDC_NGN" form used in rate tables.
func PairKey(fromAsset, toAsset string) string {
	return strings.ToUpper(fromAsset) + "_" + strings.ToUpper(toAsset)
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
