package positionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingarb/internal/errkind"
	"fundingarb/pkg/types"
)

// ErrNotFound is returned by Get when no position exists for the id.
var ErrNotFound = errors.New("positionstore: position not found")

// Store implements C5 over a *DB: sessions/positions/trade_fills/
// funding_accruals, with additive merge semantics for repeated opens
// against the same (symbol, long_venue, short_venue) triple.
type Store struct {
	db *DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wraps an opened DB as a Store.
func New(db *DB) *Store {
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns a mutex scoped to one position id, created on first use,
// so concurrent merges/updates against the same position serialize without
// blocking operations on unrelated positions.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create inserts a brand-new position.
func (s *Store) Create(ctx context.Context, pos *types.FundingArbPosition) error {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	lock := s.lockFor(pos.ID)
	lock.Lock()
	defer lock.Unlock()

	legsJSON, err := json.Marshal(pos.Legs)
	if err != nil {
		return fmt.Errorf("create position: marshal legs: %w", err)
	}
	fingerprintsJSON, err := json.Marshal(pos.FillFingerprints)
	if err != nil {
		return fmt.Errorf("create position: marshal fingerprints: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO positions (
			id, symbol, long_venue, short_venue, size_usd, entry_long_rate,
			entry_short_rate, entry_divergence, opened_at, closed_at, status,
			realized_pnl, total_fees_paid, exit_reason, last_checked_at,
			legs_json, fill_fingerprints_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Symbol, pos.LongVenue, pos.ShortVenue, pos.SizeUSD.String(),
		pos.EntryLongRate.String(), pos.EntryShortRate.String(), pos.EntryDivergence.String(),
		pos.OpenedAt.UTC().Format(time.RFC3339Nano), nullableTime(pos.ClosedAt), string(pos.Status),
		pos.RealizedPnL.String(), pos.TotalFeesPaid.String(), pos.ExitReason,
		nullableTimePtr(&pos.LastCheckedAt), legsJSON, fingerprintsJSON,
	)
	if err != nil {
		return errkind.New(errkind.DatabaseUnavailable, "positionstore.Create", err)
	}
	return nil
}

// Update overwrites every mutable field of an existing position.
func (s *Store) Update(ctx context.Context, pos *types.FundingArbPosition) error {
	lock := s.lockFor(pos.ID)
	lock.Lock()
	defer lock.Unlock()

	legsJSON, err := json.Marshal(pos.Legs)
	if err != nil {
		return fmt.Errorf("update position: marshal legs: %w", err)
	}
	fingerprintsJSON, err := json.Marshal(pos.FillFingerprints)
	if err != nil {
		return fmt.Errorf("update position: marshal fingerprints: %w", err)
	}

	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE positions SET
			size_usd = ?, entry_long_rate = ?, entry_short_rate = ?, entry_divergence = ?,
			status = ?, realized_pnl = ?, total_fees_paid = ?, exit_reason = ?,
			last_checked_at = ?, legs_json = ?, fill_fingerprints_json = ?, closed_at = ?
		WHERE id = ?`,
		pos.SizeUSD.String(), pos.EntryLongRate.String(), pos.EntryShortRate.String(), pos.EntryDivergence.String(),
		string(pos.Status), pos.RealizedPnL.String(), pos.TotalFeesPaid.String(), pos.ExitReason,
		nullableTimePtr(&pos.LastCheckedAt), legsJSON, fingerprintsJSON, nullableTime(pos.ClosedAt), pos.ID,
	)
	if err != nil {
		return errkind.New(errkind.DatabaseUnavailable, "positionstore.Update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close marks a position closed with its realized PnL and exit reason.
func (s *Store) Close(ctx context.Context, id, exitReason string, realizedPnL decimal.Decimal) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE positions SET status = ?, closed_at = ?, exit_reason = ?, realized_pnl = ?
		WHERE id = ?`,
		string(types.StatusClosed), now.Format(time.RFC3339Nano), exitReason, realizedPnL.String(), id,
	)
	if err != nil {
		return errkind.New(errkind.DatabaseUnavailable, "positionstore.Close", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one position by id.
func (s *Store) Get(ctx context.Context, id string) (*types.FundingArbPosition, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, symbol, long_venue, short_venue, size_usd, entry_long_rate,
			entry_short_rate, entry_divergence, opened_at, closed_at, status,
			realized_pnl, total_fees_paid, exit_reason, last_checked_at,
			legs_json, fill_fingerprints_json
		FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, "positionstore.Get", err)
	}
	return pos, nil
}

// OpenPositions returns every position not yet closed.
func (s *Store) OpenPositions(ctx context.Context) ([]*types.FundingArbPosition, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, symbol, long_venue, short_venue, size_usd, entry_long_rate,
			entry_short_rate, entry_divergence, opened_at, closed_at, status,
			realized_pnl, total_fees_paid, exit_reason, last_checked_at,
			legs_json, fill_fingerprints_json
		FROM positions WHERE status != ?`, string(types.StatusClosed))
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, "positionstore.OpenPositions", err)
	}
	defer rows.Close()

	var out []*types.FundingArbPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("open positions: scan: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// FindOpenPosition returns the single open hedge for a (symbol, long, short)
// triple, or nil if there isn't one.
func (s *Store) FindOpenPosition(ctx context.Context, symbol, longVenue, shortVenue string) (*types.FundingArbPosition, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT id, symbol, long_venue, short_venue, size_usd, entry_long_rate,
			entry_short_rate, entry_divergence, opened_at, closed_at, status,
			realized_pnl, total_fees_paid, exit_reason, last_checked_at,
			legs_json, fill_fingerprints_json
		FROM positions
		WHERE symbol = ? AND long_venue = ? AND short_venue = ? AND status != ?
		LIMIT 1`, symbol, longVenue, shortVenue, string(types.StatusClosed))
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open position: %w", err)
	}
	return pos, nil
}

// CumulativeFunding sums every funding accrual credited/debited against a
// position over its lifetime. Summed in Go rather than in SQL so the
// decimal amounts never pass through SQLite's floating-point arithmetic.
func (s *Store) CumulativeFunding(ctx context.Context, positionID string) (decimal.Decimal, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT amount_usd FROM funding_accruals WHERE position_id = ?`, positionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cumulative funding: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("cumulative funding: scan: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("cumulative funding: parse amount: %w", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// RecordFundingAccrual appends a funding payment/charge event.
func (s *Store) RecordFundingAccrual(ctx context.Context, positionID, venueName string, amountUSD decimal.Decimal, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO funding_accruals (id, position_id, venue, amount_usd, accrued_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), positionID, venueName, amountUSD.String(), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record funding accrual: %w", err)
	}
	return nil
}

// RecordFill appends a trade fill to the audit trail.
func (s *Store) RecordFill(ctx context.Context, positionID string, fill types.TradeFill) error {
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO trade_fills (
			id, position_id, venue, trade_type, side, total_quantity,
			weighted_avg_price, fee, fee_currency, realized_pnl, realized_funding,
			timestamp, order_id, venue_trade_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.ID, positionID, fill.Venue, string(fill.TradeType), string(fill.Side),
		fill.TotalQuantity.String(), fill.WeightedAvgPrice.String(), fill.Fee.String(), fill.FeeCurrency,
		fill.RealizedPnL.String(), fill.RealizedFunding.String(), fill.Timestamp.UTC().Format(time.RFC3339Nano),
		fill.OrderID, fill.VenueTradeID,
	)
	if err != nil {
		return fmt.Errorf("record fill: %w", err)
	}
	return nil
}

// MergeOrCreate implements §4.5's additive merge semantics: if an open
// position already exists for (symbol, candidate.LongVenue,
// candidate.ShortVenue), the new fill is merged into it size-weighted;
// otherwise candidate is created fresh. fillFingerprint is appended to the
// audit array either way.
func (s *Store) MergeOrCreate(ctx context.Context, candidate *types.FundingArbPosition, fillFingerprint string) (*types.FundingArbPosition, error) {
	existing, err := s.FindOpenPosition(ctx, candidate.Symbol, candidate.LongVenue, candidate.ShortVenue)
	if err != nil {
		return nil, fmt.Errorf("merge or create: %w", err)
	}
	if existing == nil {
		candidate.FillFingerprints = append(candidate.FillFingerprints, fillFingerprint)
		if err := s.Create(ctx, candidate); err != nil {
			return nil, err
		}
		return candidate, nil
	}

	newSize := existing.SizeUSD.Add(candidate.SizeUSD)
	if newSize.IsZero() {
		return existing, nil
	}

	weight := func(oldVal, newVal decimal.Decimal) decimal.Decimal {
		return oldVal.Mul(existing.SizeUSD).Add(newVal.Mul(candidate.SizeUSD)).Div(newSize)
	}

	existing.EntryLongRate = weight(existing.EntryLongRate, candidate.EntryLongRate)
	existing.EntryShortRate = weight(existing.EntryShortRate, candidate.EntryShortRate)
	existing.EntryDivergence = weight(existing.EntryDivergence, candidate.EntryDivergence)
	existing.SizeUSD = newSize
	existing.TotalFeesPaid = existing.TotalFeesPaid.Add(candidate.TotalFeesPaid)

	if existing.Legs == nil {
		existing.Legs = make(map[string]types.LegMetadata)
	}
	for venueName, newLeg := range candidate.Legs {
		oldLeg, ok := existing.Legs[venueName]
		if !ok {
			existing.Legs[venueName] = newLeg
			continue
		}
		mergedQty := oldLeg.Quantity.Add(newLeg.Quantity)
		var vwap decimal.Decimal
		if mergedQty.IsPositive() {
			vwap = oldLeg.EntryPrice.Mul(oldLeg.Quantity).Add(newLeg.EntryPrice.Mul(newLeg.Quantity)).Div(mergedQty)
		}
		oldLeg.Quantity = mergedQty
		oldLeg.EntryPrice = vwap
		oldLeg.FeesPaid = oldLeg.FeesPaid.Add(newLeg.FeesPaid)
		oldLeg.SlippageUSD = oldLeg.SlippageUSD.Add(newLeg.SlippageUSD)
		oldLeg.ExposureUSD = oldLeg.ExposureUSD.Add(newLeg.ExposureUSD)
		oldLeg.LastUpdated = newLeg.LastUpdated
		existing.Legs[venueName] = oldLeg
	}

	existing.FillFingerprints = append(existing.FillFingerprints, fillFingerprint)

	if err := s.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("merge or create: update: %w", err)
	}
	return existing, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanPosition works for
// both a single QueryRowContext and a Query/rows.Next() loop.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*types.FundingArbPosition, error) {
	var (
		pos                              types.FundingArbPosition
		sizeUSD, entryLong, entryShort    string
		entryDivergence, realizedPnL      string
		totalFees                         string
		openedAt                          string
		closedAt, lastCheckedAt           sql.NullString
		status                            string
		legsJSON, fingerprintsJSON        string
	)

	if err := row.Scan(
		&pos.ID, &pos.Symbol, &pos.LongVenue, &pos.ShortVenue, &sizeUSD, &entryLong,
		&entryShort, &entryDivergence, &openedAt, &closedAt, &status,
		&realizedPnL, &totalFees, &pos.ExitReason, &lastCheckedAt,
		&legsJSON, &fingerprintsJSON,
	); err != nil {
		return nil, err
	}

	pos.Status = types.PositionStatus(status)
	pos.SizeUSD = decimal.RequireFromString(sizeUSD)
	pos.EntryLongRate = decimal.RequireFromString(entryLong)
	pos.EntryShortRate = decimal.RequireFromString(entryShort)
	pos.EntryDivergence = decimal.RequireFromString(entryDivergence)
	pos.RealizedPnL = decimal.RequireFromString(realizedPnL)
	pos.TotalFeesPaid = decimal.RequireFromString(totalFees)

	if t, err := time.Parse(time.RFC3339Nano, openedAt); err == nil {
		pos.OpenedAt = t
	}
	if closedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, closedAt.String); err == nil {
			pos.ClosedAt = &t
		}
	}
	if lastCheckedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastCheckedAt.String); err == nil {
			pos.LastCheckedAt = t
		}
	}

	if legsJSON != "" {
		if err := json.Unmarshal([]byte(legsJSON), &pos.Legs); err != nil {
			return nil, fmt.Errorf("unmarshal legs: %w", err)
		}
	}
	if fingerprintsJSON != "" {
		if err := json.Unmarshal([]byte(fingerprintsJSON), &pos.FillFingerprints); err != nil {
			return nil, fmt.Errorf("unmarshal fingerprints: %w", err)
		}
	}

	return &pos, nil
}
