package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lof-monitor/internal/fund"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	deleteArbitrageSQL = `DELETE FROM lof_data;`
	deleteCommoditySQL = `DELETE FROM qdii_data;`
	deleteIndexSQL     = `DELETE FROM lof_index_data;`

	insertArbitrageSQL = `INSERT INTO lof_data (
        position,
        fund_code,
        fund_name,
        fund_tags,
        price,
        change_pct,
        amount,
        premium_rate,
        estimate_nav,
        nav,
        nav_date,
        shares,
        shares_change,
        apply_fee,
        apply_status,
        apply_limit,
        redeem_fee,
        redeem_status,
        fund_company,
        change_pct_color,
        premium_rate_color,
        apply_status_color,
        apply_status_bg_color,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
    );`

	insertCommoditySQL = `INSERT INTO qdii_data (
        position,
        fund_code,
        fund_name,
        price,
        change_pct,
        volume,
        shares,
        shares_change,
        nav_t2,
        valuation_t1,
        premium_rate_t1,
        rt_valuation,
        rt_premium_rate,
        apply_status,
        benchmark,
        colors,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
    );`

	insertIndexSQL = `INSERT INTO lof_index_data (
        position,
        fund_code,
        fund_name,
        price,
        change_pct,
        volume,
        premium_rate,
        index_name,
        index_change_pct,
        apply_status,
        colors,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	// Postgres numerics travel as text so decimal keeps full precision.
	listArbitrageSQL = `SELECT
        fund_code,
        fund_name,
        fund_tags,
        price::text,
        change_pct::text,
        amount::text,
        premium_rate::text,
        estimate_nav::text,
        nav::text,
        nav_date,
        shares::text,
        shares_change::text,
        apply_fee,
        apply_status,
        apply_limit,
        redeem_fee,
        redeem_status,
        fund_company,
        change_pct_color,
        premium_rate_color,
        apply_status_color,
        apply_status_bg_color
    FROM lof_data
    WHERE ($1::numeric IS NULL OR premium_rate >= $1::numeric)
      AND ($2 = '' OR apply_status = $2)
    ORDER BY premium_rate DESC, position;`

	listCommoditySQL = `SELECT
        fund_code,
        fund_name,
        price,
        change_pct,
        volume,
        shares,
        shares_change,
        nav_t2,
        valuation_t1,
        premium_rate_t1,
        rt_valuation,
        rt_premium_rate,
        apply_status,
        benchmark,
        colors
    FROM qdii_data
    ORDER BY position;`

	listIndexSQL = `SELECT
        fund_code,
        fund_name,
        price,
        change_pct,
        volume,
        premium_rate,
        index_name,
        index_change_pct,
        apply_status,
        colors
    FROM lof_index_data
    ORDER BY position;`

	countArbitrageSQL = `SELECT COUNT(*) FROM lof_data;`

	insertOutcomeSQL = `INSERT INTO scrape_log (
        scrape_time,
        status,
        record_count,
        error_message,
        duration_seconds
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	latestSuccessTimeSQL = `SELECT scrape_time FROM scrape_log
    WHERE status = 'success'
    ORDER BY scrape_time DESC
    LIMIT 1;`

	listOutcomesSQL = `SELECT
        id,
        scrape_time,
        status,
        record_count,
        error_message,
        duration_seconds::text
    FROM scrape_log
    ORDER BY scrape_time DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DB is the pgx surface the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SnapshotWriter replaces dataset snapshots and records run outcomes.
type SnapshotWriter interface {
	ReplaceArbitrage(ctx context.Context, rows []fund.ArbitrageRow, at time.Time) error
	ReplaceCommodity(ctx context.Context, rows []fund.CommodityRow, at time.Time) error
	ReplaceIndex(ctx context.Context, rows []fund.IndexRow, at time.Time) error
	AppendOutcome(ctx context.Context, outcome Outcome) error
}

// SnapshotReader serves the read-only API.
type SnapshotReader interface {
	ListArbitrage(ctx context.Context, filter ArbitrageFilter) ([]fund.ArbitrageRow, error)
	ListCommodity(ctx context.Context) ([]fund.CommodityRow, error)
	ListIndex(ctx context.Context) ([]fund.IndexRow, error)
	CountArbitrage(ctx context.Context) (int64, error)
	LatestSuccessTime(ctx context.Context) (*time.Time, error)
	LatestOutcome(ctx context.Context) (*Outcome, error)
	ListOutcomes(ctx context.Context, limit int) ([]Outcome, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists snapshots and scrape outcomes in PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		return &Store{}
	}
	return &Store{db: pool, pool: pool}
}

// NewStoreWithDB builds a Store over any DB implementation. Advisory locks need a
// pool and report ErrNotConfigured.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort; the lock also ends with the backend session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// ReplaceArbitrage swaps the lof_data snapshot for rows.
func (s *Store) ReplaceArbitrage(ctx context.Context, rows []fund.ArbitrageRow, at time.Time) error {
	return s.replaceDataset(ctx, fund.KindArbitrage, deleteArbitrageSQL, len(rows), func(tx pgx.Tx) error {
		for i, row := range rows {
			tags := row.Tags
			if tags == nil {
				tags = []string{}
			}
			var navDate any
			if row.NAVDate != nil {
				navDate = *row.NAVDate
			}
			if _, err := tx.Exec(ctx, insertArbitrageSQL,
				i,
				row.Code,
				row.Name,
				tags,
				nullDecimalArg(row.Price),
				nullDecimalArg(row.ChangePct),
				nullDecimalArg(row.Amount),
				row.PremiumRate.String(),
				nullDecimalArg(row.EstimateNAV),
				nullDecimalArg(row.NAV),
				navDate,
				nullDecimalArg(row.Shares),
				nullDecimalArg(row.SharesChange),
				nullStringArg(row.ApplyFee),
				string(row.ApplyStatus),
				nullStringArg(row.ApplyLimit),
				nullStringArg(row.RedeemFee),
				nullStringArg(row.RedeemStatus),
				nullStringArg(row.Company),
				nullStringArg(row.Styles.ChangePctColor),
				nullStringArg(row.Styles.PremiumRateColor),
				nullStringArg(row.Styles.ApplyStatusColor),
				nullStringArg(row.Styles.ApplyStatusBackground),
				at,
			); err != nil {
				return fmt.Errorf("insert %s: %w", row.Code, err)
			}
		}
		return nil
	})
}

// ReplaceCommodity swaps the qdii_data snapshot for rows.
func (s *Store) ReplaceCommodity(ctx context.Context, rows []fund.CommodityRow, at time.Time) error {
	return s.replaceDataset(ctx, fund.KindCommodity, deleteCommoditySQL, len(rows), func(tx pgx.Tx) error {
		for i, row := range rows {
			colors, err := colorsArg(row.Colors)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertCommoditySQL,
				i,
				row.Code,
				row.Name,
				row.Price,
				row.ChangePct,
				row.Volume,
				row.Shares,
				row.SharesChange,
				row.NAVT2,
				row.ValuationT1,
				row.PremiumRateT1,
				row.RTValuation,
				row.RTPremiumRate,
				row.ApplyStatus,
				row.Benchmark,
				colors,
				at,
			); err != nil {
				return fmt.Errorf("insert %s: %w", row.Code, err)
			}
		}
		return nil
	})
}

// ReplaceIndex swaps the lof_index_data snapshot for rows, keeping their order.
func (s *Store) ReplaceIndex(ctx context.Context, rows []fund.IndexRow, at time.Time) error {
	return s.replaceDataset(ctx, fund.KindIndex, deleteIndexSQL, len(rows), func(tx pgx.Tx) error {
		for i, row := range rows {
			colors, err := colorsArg(row.Colors)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertIndexSQL,
				i,
				row.Code,
				row.Name,
				row.Price,
				row.ChangePct,
				row.Volume,
				row.PremiumRate,
				row.IndexName,
				row.IndexChangePct,
				row.ApplyStatus,
				colors,
				at,
			); err != nil {
				return fmt.Errorf("insert %s: %w", row.Code, err)
			}
		}
		return nil
	})
}

// replaceDataset deletes every row of kind and runs insert in the same transaction.
// Any failure rolls back, leaving the previous snapshot in place.
func (s *Store) replaceDataset(ctx context.Context, kind fund.Kind, deleteSQL string, n int, insert func(pgx.Tx) error) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", kind, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err = tx.Exec(ctx, deleteSQL); err != nil {
		return fmt.Errorf("clear %s: %w", kind.Table(), err)
	}
	if err = insert(tx); err != nil {
		return fmt.Errorf("replace %s (%d rows): %w", kind, n, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace %s: %w", kind, err)
	}
	return nil
}

// AppendOutcome writes one scrape_log row in its own transaction.
func (s *Store) AppendOutcome(ctx context.Context, outcome Outcome) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append outcome: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var errMsg any
	if outcome.Error != nil {
		errMsg = *outcome.Error
	}
	var duration any
	if outcome.Duration.Valid {
		duration = outcome.Duration.Decimal.Round(2).StringFixed(2)
	}

	if _, err = tx.Exec(ctx, insertOutcomeSQL,
		outcome.ScrapeTime,
		outcome.Status,
		outcome.RecordCount,
		errMsg,
		duration,
	); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// ListArbitrage lists the arbitrage snapshot by descending premium rate.
func (s *Store) ListArbitrage(ctx context.Context, filter ArbitrageFilter) ([]fund.ArbitrageRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var minPremium any
	if filter.MinPremium != nil {
		minPremium = filter.MinPremium.String()
	}

	rows, queryErr := db.Query(ctx, listArbitrageSQL, minPremium, string(filter.ApplyStatus))
	if queryErr != nil {
		return nil, fmt.Errorf("list arbitrage: %w", queryErr)
	}
	defer rows.Close()

	out := make([]fund.ArbitrageRow, 0)
	for rows.Next() {
		row, scanErr := scanArbitrage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListCommodity lists the commodity snapshot in site order.
func (s *Store) ListCommodity(ctx context.Context) ([]fund.CommodityRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listCommoditySQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list commodity: %w", queryErr)
	}
	defer rows.Close()

	out := make([]fund.CommodityRow, 0)
	for rows.Next() {
		var (
			row    fund.CommodityRow
			colors []byte
		)
		if err := rows.Scan(
			&row.Code,
			&row.Name,
			&row.Price,
			&row.ChangePct,
			&row.Volume,
			&row.Shares,
			&row.SharesChange,
			&row.NAVT2,
			&row.ValuationT1,
			&row.PremiumRateT1,
			&row.RTValuation,
			&row.RTPremiumRate,
			&row.ApplyStatus,
			&row.Benchmark,
			&colors,
		); err != nil {
			return nil, err
		}
		if row.Colors, err = decodeColors(colors); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ListIndex lists the index snapshot in the order it was scraped.
func (s *Store) ListIndex(ctx context.Context) ([]fund.IndexRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listIndexSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list index: %w", queryErr)
	}
	defer rows.Close()

	out := make([]fund.IndexRow, 0)
	for rows.Next() {
		var (
			row    fund.IndexRow
			colors []byte
		)
		if err := rows.Scan(
			&row.Code,
			&row.Name,
			&row.Price,
			&row.ChangePct,
			&row.Volume,
			&row.PremiumRate,
			&row.IndexName,
			&row.IndexChangePct,
			&row.ApplyStatus,
			&colors,
		); err != nil {
			return nil, err
		}
		if row.Colors, err = decodeColors(colors); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CountArbitrage counts rows of the arbitrage snapshot.
func (s *Store) CountArbitrage(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := db.QueryRow(ctx, countArbitrageSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count arbitrage: %w", scanErr)
	}
	return count, nil
}

// LatestSuccessTime returns when the last successful scrape ran, nil if none did.
func (s *Store) LatestSuccessTime(ctx context.Context) (*time.Time, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var at time.Time
	if scanErr := db.QueryRow(ctx, latestSuccessTimeSQL).Scan(&at); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest success time: %w", scanErr)
	}
	return &at, nil
}

// LatestOutcome returns the most recent scrape_log entry, nil if the log is empty.
func (s *Store) LatestOutcome(ctx context.Context) (*Outcome, error) {
	outcomes, err := s.ListOutcomes(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 {
		return nil, nil
	}
	return &outcomes[0], nil
}

// ListOutcomes lists the newest scrape_log entries first.
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listOutcomesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list outcomes: %w", queryErr)
	}
	defer rows.Close()

	outcomes := make([]Outcome, 0, limit)
	for rows.Next() {
		var (
			rec      Outcome
			errMsg   sql.NullString
			duration sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ScrapeTime,
			&rec.Status,
			&rec.RecordCount,
			&errMsg,
			&duration,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		if rec.Duration, err = parseNullDecimal(duration, "duration"); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

func scanArbitrage(rows pgx.Rows) (fund.ArbitrageRow, error) {
	var (
		row                                    fund.ArbitrageRow
		price, changePct, amount, premium, est sql.NullString
		nav, shares, sharesChange              sql.NullString
		navDate                                *time.Time
		applyFee, applyStatus, applyLimit      sql.NullString
		redeemFee, redeemStatus, company       sql.NullString
		changeColor, premiumColor, statusColor sql.NullString
		statusBackground                       sql.NullString
	)

	if err := rows.Scan(
		&row.Code,
		&row.Name,
		&row.Tags,
		&price,
		&changePct,
		&amount,
		&premium,
		&est,
		&nav,
		&navDate,
		&shares,
		&sharesChange,
		&applyFee,
		&applyStatus,
		&applyLimit,
		&redeemFee,
		&redeemStatus,
		&company,
		&changeColor,
		&premiumColor,
		&statusColor,
		&statusBackground,
	); err != nil {
		return fund.ArbitrageRow{}, err
	}

	var err error
	if row.Price, err = parseNullDecimal(price, "price"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.ChangePct, err = parseNullDecimal(changePct, "change_pct"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.Amount, err = parseNullDecimal(amount, "amount"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.PremiumRate, err = decimal.NewFromString(premium.String); err != nil {
		return fund.ArbitrageRow{}, fmt.Errorf("parse premium_rate: %w", err)
	}
	if row.EstimateNAV, err = parseNullDecimal(est, "estimate_nav"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.NAV, err = parseNullDecimal(nav, "nav"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.Shares, err = parseNullDecimal(shares, "shares"); err != nil {
		return fund.ArbitrageRow{}, err
	}
	if row.SharesChange, err = parseNullDecimal(sharesChange, "shares_change"); err != nil {
		return fund.ArbitrageRow{}, err
	}

	row.NAVDate = navDate
	row.ApplyFee = applyFee.String
	row.ApplyStatus = fund.ApplyStatus(applyStatus.String)
	row.ApplyLimit = applyLimit.String
	row.RedeemFee = redeemFee.String
	row.RedeemStatus = redeemStatus.String
	row.Company = company.String
	row.Styles = fund.ArbitrageStyles{
		ChangePctColor:        changeColor.String,
		PremiumRateColor:      premiumColor.String,
		ApplyStatusColor:      statusColor.String,
		ApplyStatusBackground: statusBackground.String,
	}
	return row, nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullStringArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func colorsArg(c fund.Colors) ([]byte, error) {
	if c == nil {
		c = fund.Colors{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal colors: %w", err)
	}
	return raw, nil
}

func decodeColors(raw []byte) (fund.Colors, error) {
	colors := fund.Colors{}
	if len(raw) == 0 {
		return colors, nil
	}
	if err := json.Unmarshal(raw, &colors); err != nil {
		return nil, fmt.Errorf("decode colors: %w", err)
	}
	return colors, nil
}

func parseNullDecimal(v sql.NullString, field string) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ SnapshotWriter = (*Store)(nil)
	_ SnapshotReader = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
	_ DB             = (*pgxpool.Pool)(nil)
)
