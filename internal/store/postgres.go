package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/valuestor/trader/internal/metrics"
	"github.com/valuestor/trader/internal/model"
	"github.com/valuestor/trader/internal/store/migrations"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
	now       func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store. Executions and
// analyses become eligible for PurgeExpired after retention; zero keeps them.
func NewPostgresStore(pool *pgxpool.Pool, retention time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, retention: retention, now: time.Now}
}

// Migrate applies the embedded schema files in lexical order. Every file is
// idempotent so Migrate is safe on each startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PurgeExpired deletes executions and analyses past their retention and
// returns how many rows went.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"trade_executions", "token_analyses"} {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at < $1`, s.now().UTC())
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// --- Profiles ---

func (s *PostgresStore) ListActiveProfiles(ctx context.Context) ([]model.ValueProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, policy::TEXT, is_active, created_at, updated_at
		 FROM value_profiles WHERE is_active ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list active profiles: %w", err)
	}
	defer rows.Close()

	profiles := []model.ValueProfile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if errors.Is(err, ErrCorruptRecord) {
			metrics.CorruptRecordsTotal.WithLabelValues("profile").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (s *PostgresStore) GetProfile(ctx context.Context, address string) (*model.ValueProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, address, policy::TEXT, is_active, created_at, updated_at
		 FROM value_profiles WHERE address = $1`, address)
	p, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", address, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, p *model.ValueProfile) error {
	policy, err := json.Marshal(p.Values)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO value_profiles (id, address, policy, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3::JSONB, $4, $5, $6)
		 ON CONFLICT (address) DO UPDATE
		 SET id = EXCLUDED.id, policy = EXCLUDED.policy, is_active = EXCLUDED.is_active,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Address, string(policy), p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.Address, err)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, holder, token string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT holder, token, amount::TEXT, average_buy_price::TEXT, total_invested::TEXT,
		        current_value::TEXT, unrealized_pnl::TEXT, first_buy_at, last_update_at
		 FROM positions WHERE holder = $1 AND token = $2`, holder, token)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", holder, token, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, holder string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT holder, token, amount::TEXT, average_buy_price::TEXT, total_invested::TEXT,
		        current_value::TEXT, unrealized_pnl::TEXT, first_buy_at, last_update_at
		 FROM positions WHERE holder = $1 ORDER BY token`, holder)
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", holder, err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (holder, token, amount, average_buy_price, total_invested,
		                        current_value, unrealized_pnl, first_buy_at, last_update_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (holder, token) DO UPDATE
		 SET amount = EXCLUDED.amount, average_buy_price = EXCLUDED.average_buy_price,
		     total_invested = EXCLUDED.total_invested, current_value = EXCLUDED.current_value,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, last_update_at = EXCLUDED.last_update_at`,
		p.Holder, p.Token,
		p.Amount.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
		decimalArg(p.CurrentValue), decimalArg(p.UnrealizedPnL),
		p.FirstBuyAt, p.LastUpdateAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.Holder, p.Token, err)
	}
	return nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, holder, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE holder = $1 AND token = $2`, holder, token)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", holder, token, err)
	}
	return nil
}

// --- Executions ---

func (s *PostgresStore) SaveExecution(ctx context.Context, e *model.TradeExecution) error {
	var decision *string
	if e.Decision != nil {
		data, err := json.Marshal(e.Decision)
		if err != nil {
			return err
		}
		str := string(data)
		decision = &str
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_executions (id, holder, token, type, amount, price, price_limit, min_output,
		                               status, decision, tx_hash, error, created_at, confirmed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10::JSONB, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE
		 SET price = EXCLUDED.price, price_limit = EXCLUDED.price_limit, min_output = EXCLUDED.min_output,
		     status = EXCLUDED.status, tx_hash = EXCLUDED.tx_hash, error = EXCLUDED.error,
		     confirmed_at = EXCLUDED.confirmed_at`,
		e.ID, e.Holder, e.Token, string(e.Type),
		e.Amount.String(), e.Price.String(), decimalArg(e.PriceLimit), decimalArg(e.MinOutput),
		string(e.Status), decision, e.TxHash, e.Error,
		e.CreatedAt, e.ConfirmedAt, s.expiry(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*model.TradeExecution, error) {
	var e model.TradeExecution
	var typ, status, amount, price string
	var priceLimit, minOutput, decision *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, holder, token, type, amount::TEXT, price::TEXT, price_limit::TEXT, min_output::TEXT,
		        status, decision::TEXT, tx_hash, error, created_at, confirmed_at
		 FROM trade_executions
		 WHERE id = $1 AND (expires_at IS NULL OR expires_at >= $2)`, id, s.now().UTC()).
		Scan(&e.ID, &e.Holder, &e.Token, &typ, &amount, &price, &priceLimit, &minOutput,
			&status, &decision, &e.TxHash, &e.Error, &e.CreatedAt, &e.ConfirmedAt)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, notFound(err))
	}

	e.Type = model.Action(typ)
	e.Status = model.ExecutionStatus(status)
	e.Amount, _ = decimal.NewFromString(amount)
	e.Price, _ = decimal.NewFromString(price)
	e.PriceLimit = parseDecimal(priceLimit)
	e.MinOutput = parseDecimal(minOutput)
	if decision != nil {
		var d model.TradeDecision
		if err := json.Unmarshal([]byte(*decision), &d); err != nil {
			return nil, fmt.Errorf("decode execution %s decision: %w", id, err)
		}
		e.Decision = &d
	}
	return &e, nil
}

// --- Decisions ---

func (s *PostgresStore) SaveDecision(ctx context.Context, d *model.TradeDecision) error {
	factors := d.KeyFactors
	if factors == nil {
		factors = []string{}
	}
	keyFactors, err := json.Marshal(factors)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trade_decisions (holder, token, decision, confidence, alignment_score,
		                              reasoning, recommended_amount, key_factors, analyzed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::JSONB, $9)`,
		d.Holder, d.Token, string(d.Decision), d.Confidence, d.AlignmentScore,
		d.Reasoning, decimalArg(d.RecommendedAmount), string(keyFactors), d.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("save decision %s/%s: %w", d.Holder, d.Token, err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, holder string, limit int) ([]model.TradeDecision, error) {
	query := `SELECT holder, token, decision, confidence, alignment_score, reasoning,
	                 recommended_amount::TEXT, key_factors::TEXT, analyzed_at
	          FROM trade_decisions WHERE holder = $1 ORDER BY seq DESC`
	args := []any{holder}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", holder, err)
	}
	defer rows.Close()

	decisions := []model.TradeDecision{}
	for rows.Next() {
		var d model.TradeDecision
		var action, keyFactors string
		var amount *string
		if err := rows.Scan(&d.Holder, &d.Token, &action, &d.Confidence, &d.AlignmentScore,
			&d.Reasoning, &amount, &keyFactors, &d.AnalyzedAt); err != nil {
			return nil, err
		}
		d.Decision = model.Action(action)
		d.RecommendedAmount = parseDecimal(amount)
		if err := json.Unmarshal([]byte(keyFactors), &d.KeyFactors); err != nil {
			return nil, fmt.Errorf("decode key factors: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Analyses ---

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *model.TokenAnalysis) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO token_analyses (token, body, analyzed_at, expires_at)
		 VALUES ($1, $2::JSONB, $3, $4)
		 ON CONFLICT (token) DO UPDATE
		 SET body = EXCLUDED.body, analyzed_at = EXCLUDED.analyzed_at, expires_at = EXCLUDED.expires_at`,
		a.Token, string(body), a.AnalyzedAt, s.expiry(a.AnalyzedAt),
	)
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.Token, err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, token string) (*model.TokenAnalysis, error) {
	var body string
	err := s.pool.QueryRow(ctx,
		`SELECT body::TEXT FROM token_analyses
		 WHERE token = $1 AND (expires_at IS NULL OR expires_at >= $2)`, token, s.now().UTC()).
		Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", token, notFound(err))
	}

	var a model.TokenAnalysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decode analysis %s: %w", token, err)
	}
	return &a, nil
}

func (s *PostgresStore) expiry(from time.Time) *time.Time {
	if s.retention <= 0 {
		return nil
	}
	at := from.Add(s.retention).UTC()
	return &at
}

var _ Store = (*PostgresStore)(nil)

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanProfile(row pgxRow) (*model.ValueProfile, error) {
	var p model.ValueProfile
	var policy string
	if err := row.Scan(&p.ID, &p.Address, &policy, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policy), &p.Values); err != nil {
		return nil, fmt.Errorf("%w: profile %s policy: %v", ErrCorruptRecord, p.Address, err)
	}
	return &p, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var amount, avg, invested string
	var current, pnl *string
	if err := row.Scan(&p.Holder, &p.Token, &amount, &avg, &invested,
		&current, &pnl, &p.FirstBuyAt, &p.LastUpdateAt); err != nil {
		return nil, err
	}
	p.Amount, _ = decimal.NewFromString(amount)
	p.AverageBuyPrice, _ = decimal.NewFromString(avg)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.CurrentValue = parseDecimal(current)
	p.UnrealizedPnL = parseDecimal(pnl)
	return &p, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
