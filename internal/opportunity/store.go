package opportunity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"fundingarb/pkg/types"
)

// Filter narrows the external opportunity store's results (§4.8). Symbol,
// RequiredDex, and WhitelistDexes are safety rails on top of whatever the
// store itself already applies.
type Filter struct {
	Symbol           string
	MinProfitPercent decimal.Decimal
	MaxOIUSD         decimal.Decimal
	WhitelistDexes   []string
	RequiredDex      string
	TimeHorizonHours float64
	Limit            int
}

// OpportunityStore is the external funding-rate collection service (§6.2,
// explicitly out of scope to implement); this engine only ever queries it.
type OpportunityStore interface {
	FindOpportunities(ctx context.Context, f Filter) ([]types.FundingOpportunity, error)
}

// opportunityData is the wire shape documented in §6.2.
type opportunityData struct {
	Symbol               string  `json:"symbol"`
	LongDex              string  `json:"long_dex"`
	ShortDex             string  `json:"short_dex"`
	LongRate             string  `json:"long_rate"`
	ShortRate            string  `json:"short_rate"`
	Divergence           string  `json:"divergence"`
	NetProfitPercent     string  `json:"net_profit_percent"`
	OpenInterestLongUSD  string  `json:"open_interest_long_usd"`
	OpenInterestShortUSD string  `json:"open_interest_short_usd"`
}

// HTTPOpportunityStore queries the opportunity store over REST. Grounded on
// the teacher's market.Scanner's resty.Client construction (base URL,
// fixed timeout, a couple of retries) generalized from the Gamma markets
// endpoint to the funding-rate opportunity endpoint.
type HTTPOpportunityStore struct {
	client *resty.Client
}

// NewHTTPOpportunityStore builds a store client against baseURL.
func NewHTTPOpportunityStore(baseURL string) *HTTPOpportunityStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &HTTPOpportunityStore{client: client}
}

func (s *HTTPOpportunityStore) FindOpportunities(ctx context.Context, f Filter) ([]types.FundingOpportunity, error) {
	params := map[string]string{}
	if f.Symbol != "" {
		params["symbol"] = f.Symbol
	}
	if f.RequiredDex != "" {
		params["required_dex"] = f.RequiredDex
	}
	if f.Limit > 0 {
		params["limit"] = strconv.Itoa(f.Limit)
	}

	var page []opportunityData
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		Get("/opportunities")
	if err != nil {
		return nil, fmt.Errorf("opportunity store: fetch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("opportunity store: status %d", resp.StatusCode())
	}

	out := make([]types.FundingOpportunity, 0, len(page))
	for _, d := range page {
		opp, err := convertOpportunity(d)
		if err != nil {
			return nil, fmt.Errorf("opportunity store: parse %s/%s/%s: %w", d.Symbol, d.LongDex, d.ShortDex, err)
		}
		out = append(out, opp)
	}
	return out, nil
}

func convertOpportunity(d opportunityData) (types.FundingOpportunity, error) {
	longRate, err := decimal.NewFromString(zeroIfEmpty(d.LongRate))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("long_rate: %w", err)
	}
	shortRate, err := decimal.NewFromString(zeroIfEmpty(d.ShortRate))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("short_rate: %w", err)
	}
	divergence, err := decimal.NewFromString(zeroIfEmpty(d.Divergence))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("divergence: %w", err)
	}
	netProfit, err := decimal.NewFromString(zeroIfEmpty(d.NetProfitPercent))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("net_profit_percent: %w", err)
	}
	oiLong, err := decimal.NewFromString(zeroIfEmpty(d.OpenInterestLongUSD))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("open_interest_long_usd: %w", err)
	}
	oiShort, err := decimal.NewFromString(zeroIfEmpty(d.OpenInterestShortUSD))
	if err != nil {
		return types.FundingOpportunity{}, fmt.Errorf("open_interest_short_usd: %w", err)
	}

	return types.FundingOpportunity{
		Symbol:               d.Symbol,
		LongVenue:            d.LongDex,
		ShortVenue:           d.ShortDex,
		LongRate:             longRate,
		ShortRate:            shortRate,
		Divergence:           divergence,
		NetProfitPercent:     netProfit,
		OpenInterestLongUSD:  oiLong,
		OpenInterestShortUSD: oiShort,
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
