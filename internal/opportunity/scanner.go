package opportunity

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fundingarb/internal/config"
	"fundingarb/internal/venue"
	"fundingarb/pkg/types"
)

// RankedOpportunity is a FundingOpportunity re-scored by this cycle's
// fee-adjusted net profit (§4.8) and sized against remaining capacity.
type RankedOpportunity struct {
	types.FundingOpportunity
	SizeUSD decimal.Decimal
}

// PortfolioState is the caller's live view of capacity, consulted before any
// candidate is returned. The orchestrator owns this state; the Scanner never
// tracks it itself.
type PortfolioState struct {
	OpenPositionCount     int
	NewPositionsThisCycle int
	CurrentExposureUSD    decimal.Decimal
}

// Scanner is the Opportunity Scanner (C8): it queries the external
// opportunity store, recomputes each candidate's profitability against live
// fee and leverage data, applies the configured safety rails, and ranks and
// sizes what remains.
//
// Grounded on market.Scanner's fetch/filter/rank pipeline (there: Gamma
// markets ranked by a liquidity/volume score; here: funding opportunities
// ranked by fee-adjusted divergence), generalized from a single REST source
// plus local config to a store query plus a live per-venue fee/leverage
// lookup.
type Scanner struct {
	store            OpportunityStore
	clients          map[string]venue.VenueClient
	fundingIntervals map[string]time.Duration
	scannerCfg       config.ScannerConfig
	strategyCfg      config.StrategyConfig
	cooldowns        *CooldownManager
	logger           *slog.Logger
}

// New builds a Scanner. exchanges supplies each venue's funding interval,
// used to normalize rates onto a common per-second basis before comparing
// them across venues with different funding cadences.
func New(store OpportunityStore, clients map[string]venue.VenueClient, exchanges []config.ExchangeConfig, scannerCfg config.ScannerConfig, strategyCfg config.StrategyConfig, cooldowns *CooldownManager, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	intervals := make(map[string]time.Duration, len(exchanges))
	for _, ex := range exchanges {
		if ex.FundingIntervalSeconds > 0 {
			intervals[ex.Name] = time.Duration(ex.FundingIntervalSeconds) * time.Second
		}
	}
	return &Scanner{
		store:            store,
		clients:          clients,
		fundingIntervals: intervals,
		scannerCfg:       scannerCfg,
		strategyCfg:      strategyCfg,
		cooldowns:        cooldowns,
		logger:           logger.With("component", "opportunity_scanner"),
	}
}

// Scan returns fee-adjusted, capacity-enforced candidates, best (highest
// net profit) first. An empty, nil-error result means capacity is already
// exhausted or nothing cleared the bar this cycle — both are ordinary
// outcomes, not failures.
func (s *Scanner) Scan(ctx context.Context, f Filter, state PortfolioState) ([]RankedOpportunity, error) {
	f = s.fillDefaults(f)

	remainingNew := s.strategyCfg.MaxNewPositionsPerCycle - state.NewPositionsThisCycle
	remainingExposure := decimal.NewFromFloat(s.strategyCfg.MaxTotalExposureUSD).Sub(state.CurrentExposureUSD)

	if state.OpenPositionCount >= s.strategyCfg.MaxPositions {
		s.logger.Debug("scan: at max open positions, skipping", "open", state.OpenPositionCount)
		return nil, nil
	}
	if remainingNew <= 0 {
		s.logger.Debug("scan: at max new positions for this cycle")
		return nil, nil
	}
	if !remainingExposure.IsPositive() {
		s.logger.Debug("scan: no remaining exposure budget")
		return nil, nil
	}

	raw, err := s.store.FindOpportunities(ctx, f)
	if err != nil {
		return nil, err
	}

	candidates := make([]RankedOpportunity, 0, len(raw))
	for _, opp := range raw {
		if s.cooldowns != nil && s.cooldowns.InCooldown(opp.Symbol) {
			continue
		}
		if !s.passesSafetyRails(opp, f) {
			continue
		}

		net, ok := s.feeAdjustedNetProfit(opp, f.TimeHorizonHours)
		if !ok {
			continue
		}
		if !net.GreaterThan(f.MinProfitPercent) {
			continue
		}
		opp.NetProfitPercent = net

		size, ok := s.sizePosition(ctx, opp, remainingExposure)
		if !ok {
			continue
		}

		candidates = append(candidates, RankedOpportunity{FundingOpportunity: opp, SizeUSD: size})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NetProfitPercent.GreaterThan(candidates[j].NetProfitPercent)
	})

	if remainingNew < len(candidates) {
		candidates = candidates[:remainingNew]
	}
	if f.Limit > 0 && len(candidates) > f.Limit {
		candidates = candidates[:f.Limit]
	}

	return candidates, nil
}

// IsTopOpportunity satisfies risk.TopOpportunityChecker (§4.6 normal-erosion
// hold check):
// it reports whether (longVenue, shortVenue) for symbol is still the
// single best candidate this engine would open right now. Capacity state
// is deliberately ignored here — the question is about ranking, not whether
// a new position could currently be opened.
func (s *Scanner) IsTopOpportunity(ctx context.Context, symbol, longVenue, shortVenue string, minProfitPercent decimal.Decimal) (bool, error) {
	ranked, err := s.Scan(ctx, Filter{Symbol: symbol, MinProfitPercent: minProfitPercent, Limit: 1}, PortfolioState{})
	if err != nil {
		return false, err
	}
	if len(ranked) == 0 {
		return false, nil
	}
	top := ranked[0]
	return top.LongVenue == longVenue && top.ShortVenue == shortVenue, nil
}

func (s *Scanner) fillDefaults(f Filter) Filter {
	if f.Limit <= 0 {
		f.Limit = s.scannerCfg.Limit
	}
	if f.TimeHorizonHours <= 0 {
		f.TimeHorizonHours = s.scannerCfg.TimeHorizonHours
	}
	if f.MinProfitPercent.IsZero() {
		f.MinProfitPercent = decimal.NewFromFloat(s.scannerCfg.MinProfitPercent)
	}
	if len(f.WhitelistDexes) == 0 {
		f.WhitelistDexes = s.scannerCfg.WhitelistDexes
	}
	if f.RequiredDex == "" {
		f.RequiredDex = s.scannerCfg.RequiredDex
	}
	if f.MaxOIUSD.IsZero() && s.strategyCfg.MaxOIUSD > 0 {
		f.MaxOIUSD = decimal.NewFromFloat(s.strategyCfg.MaxOIUSD)
	}
	return f
}

func (s *Scanner) passesSafetyRails(opp types.FundingOpportunity, f Filter) bool {
	if _, ok := s.clients[opp.LongVenue]; !ok {
		return false
	}
	if _, ok := s.clients[opp.ShortVenue]; !ok {
		return false
	}
	if len(f.WhitelistDexes) > 0 {
		if !containsDex(f.WhitelistDexes, opp.LongVenue) || !containsDex(f.WhitelistDexes, opp.ShortVenue) {
			return false
		}
	}
	if f.RequiredDex != "" && opp.LongVenue != f.RequiredDex && opp.ShortVenue != f.RequiredDex {
		return false
	}
	if !f.MaxOIUSD.IsZero() {
		if opp.OpenInterestLongUSD.GreaterThan(f.MaxOIUSD) || opp.OpenInterestShortUSD.GreaterThan(f.MaxOIUSD) {
			return false
		}
	}
	return true
}

func containsDex(list []string, name string) bool {
	for _, d := range list {
		if d == name {
			return true
		}
	}
	return false
}

// feeAdjustedNetProfit implements §4.8's formula: normalize each leg's
// funding rate to a per-second basis using that venue's own funding
// interval, take the divergence, project it across the time horizon, and
// subtract round-trip fees estimated at each venue's taker rate for entry
// and maker rate for the eventual profit-taking exit.
func (s *Scanner) feeAdjustedNetProfit(opp types.FundingOpportunity, timeHorizonHours float64) (decimal.Decimal, bool) {
	longInterval, ok := s.fundingIntervals[opp.LongVenue]
	if !ok || longInterval <= 0 {
		return decimal.Zero, false
	}
	shortInterval, ok := s.fundingIntervals[opp.ShortVenue]
	if !ok || shortInterval <= 0 {
		return decimal.Zero, false
	}
	longClient, ok := s.clients[opp.LongVenue]
	if !ok {
		return decimal.Zero, false
	}
	shortClient, ok := s.clients[opp.ShortVenue]
	if !ok {
		return decimal.Zero, false
	}

	normalizedLong := opp.LongRate.Div(decimal.NewFromInt(int64(longInterval.Seconds())))
	normalizedShort := opp.ShortRate.Div(decimal.NewFromInt(int64(shortInterval.Seconds())))
	divergencePerSecond := normalizedShort.Sub(normalizedLong)

	horizonSeconds := decimal.NewFromFloat(timeHorizonHours * 3600)
	gross := divergencePerSecond.Abs().Mul(horizonSeconds)

	longFees := longClient.FeeStructure(opp.Symbol)
	shortFees := shortClient.FeeStructure(opp.Symbol)
	entryFees := longFees.TakerRate.Add(shortFees.TakerRate)
	exitFees := longFees.MakerRate.Add(shortFees.MakerRate)

	return gross.Sub(entryFees).Sub(exitFees), true
}

// conservativeLeverageFallback is the minLeverage assumed when a venue's
// leverage info can't be fetched, rather than discarding the candidate
// outright. Mirrors the original implementation's conservative 5x estimate.
const conservativeLeverageFallback = 5

// minPositionUSD is the floor below which a sized position isn't worth
// opening at all (§8.4). The executor enforces the same floor at preflight
// as the authoritative gate; this copy just avoids sizing something doomed
// to be rejected a moment later.
var minPositionUSD = decimal.NewFromInt(5)

// sizePosition implements §4.8's sizing rule: target_margin times the
// minimum of both legs' max leverage, clipped to whatever exposure budget
// remains this cycle and to the configured per-position cap. If either
// venue's leverage info can't be fetched, falls back to a conservative 5x
// estimate rather than discarding the candidate.
func (s *Scanner) sizePosition(ctx context.Context, opp types.FundingOpportunity, remainingExposure decimal.Decimal) (decimal.Decimal, bool) {
	longClient := s.clients[opp.LongVenue]
	shortClient := s.clients[opp.ShortVenue]

	longMax := s.leverageOrFallback(ctx, longClient, opp.LongVenue, opp.Symbol)
	shortMax := s.leverageOrFallback(ctx, shortClient, opp.ShortVenue, opp.Symbol)
	minLeverage := longMax
	if shortMax < minLeverage {
		minLeverage = shortMax
	}

	exposure := decimal.NewFromFloat(s.strategyCfg.TargetMargin).Mul(decimal.NewFromInt(int64(minLeverage)))
	if s.strategyCfg.MaxPositionSizeUSD > 0 {
		maxSize := decimal.NewFromFloat(s.strategyCfg.MaxPositionSizeUSD)
		if exposure.GreaterThan(maxSize) {
			exposure = maxSize
		}
	}
	if exposure.GreaterThan(remainingExposure) {
		exposure = remainingExposure
	}
	if exposure.LessThan(minPositionUSD) {
		s.logger.Warn("sized position below minimum, discarding candidate",
			"symbol", opp.Symbol, "long_venue", opp.LongVenue, "short_venue", opp.ShortVenue, "exposure_usd", exposure)
		return decimal.Zero, false
	}
	return exposure, true
}

// leverageOrFallback fetches a venue's max leverage for symbol, falling
// back to conservativeLeverageFallback (and logging why) if the fetch
// fails or reports a nonsensical value.
func (s *Scanner) leverageOrFallback(ctx context.Context, client venue.VenueClient, venueName, symbol string) int {
	_, max, err := client.GetLeverageInfo(ctx, symbol)
	if err != nil || max <= 0 {
		s.logger.Warn("leverage info unavailable, assuming conservative fallback",
			"venue", venueName, "symbol", symbol, "fallback_leverage", conservativeLeverageFallback, "error", err)
		return conservativeLeverageFallback
	}
	return max
}
