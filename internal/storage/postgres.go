package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketpipe/config"
	"marketpipe/internal/model"
	"marketpipe/logger"
)

// Postgres backs both tiers with separate connection pools so the hot and
// cold databases can live on different servers. Table layout is identical on
// both sides.
type Postgres struct {
	hot  *pgxpool.Pool
	cold *pgxpool.Pool
	log  *logger.Entry

	mu        sync.Mutex
	lockConns map[string]*pgxpool.Conn
}

func NewPostgres(ctx context.Context, hotCfg, coldCfg config.PostgresConfig) (*Postgres, error) {
	hot, err := newPool(ctx, hotCfg)
	if err != nil {
		return nil, fmt.Errorf("hot tier: %w", err)
	}
	cold, err := newPool(ctx, coldCfg)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("cold tier: %w", err)
	}
	return &Postgres{
		hot:       hot,
		cold:      cold,
		log:       logger.GetLogger().WithComponent("storage"),
		lockConns: make(map[string]*pgxpool.Conn),
	}, nil
}

func newPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MinConns > 0 {
		pc.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (s *Postgres) pool(tier Tier) *pgxpool.Pool {
	if tier == TierCold {
		return s.cold
	}
	return s.hot
}

const tableDDL = `CREATE TABLE IF NOT EXISTS %s (
	natural_key text PRIMARY KEY,
	exchange    text NOT NULL,
	symbol      text NOT NULL,
	ts          timestamptz NOT NULL,
	flags       text[] NOT NULL DEFAULT '{}',
	payload     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts);
CREATE INDEX IF NOT EXISTS %s_exchange_symbol_idx ON %s (exchange, symbol, ts);`

// Init creates the per-kind tables on both tiers.
func (s *Postgres) Init(ctx context.Context) error {
	for _, tier := range []Tier{TierHot, TierCold} {
		for _, kind := range model.Kinds() {
			table := kind.Table()
			ddl := fmt.Sprintf(tableDDL, table, table, table, table, table)
			if _, err := s.pool(tier).Exec(ctx, ddl); err != nil {
				return fmt.Errorf("init %s.%s: %w", tier, table, err)
			}
		}
	}
	return nil
}

// where renders the predicate as a WHERE clause with positional args
// starting at $1.
func where(p Predicate) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !p.From.IsZero() {
		add("ts >= $%d", p.From)
	}
	if !p.To.IsZero() {
		add("ts < $%d", p.To)
	}
	if p.Exchange != "" {
		add("exchange = $%d", p.Exchange)
	}
	if p.Symbol != "" {
		add("symbol = $%d", p.Symbol)
	}
	if !p.AfterTime.IsZero() {
		args = append(args, p.AfterTime, p.AfterKey)
		conds = append(conds, fmt.Sprintf("(ts, natural_key) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const insertSQL = `INSERT INTO %s (natural_key, exchange, symbol, ts, flags, payload)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (natural_key) DO NOTHING`

func (s *Postgres) Insert(ctx context.Context, tier Tier, table string, row Row) (bool, error) {
	flags := row.Flags
	if flags == nil {
		flags = []string{}
	}
	tag, err := s.pool(tier).Exec(ctx, fmt.Sprintf(insertSQL, table),
		row.NaturalKey, row.Exchange, row.Symbol, row.Timestamp, flags, row.Payload)
	if err != nil {
		return false, fmt.Errorf("insert into %s.%s: %w", tier, table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) InsertFlagged(ctx context.Context, tier Tier, table string, row Row, flags ...string) (bool, error) {
	row.Flags = append(append([]string(nil), row.Flags...), flags...)
	return s.Insert(ctx, tier, table, row)
}

func (s *Postgres) Count(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	clause, args := where(p)
	var n int64
	err := s.pool(tier).QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s%s", table, clause), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", tier, table, err)
	}
	return n, nil
}

func (s *Postgres) DistinctCount(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	clause, args := where(p)
	var n int64
	err := s.pool(tier).QueryRow(ctx, fmt.Sprintf("SELECT count(DISTINCT natural_key) FROM %s%s", table, clause), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("distinct count %s.%s: %w", tier, table, err)
	}
	return n, nil
}

func (s *Postgres) MaxTimestamp(ctx context.Context, tier Tier, table string, p Predicate) (time.Time, error) {
	clause, args := where(p)
	var ts *time.Time
	err := s.pool(tier).QueryRow(ctx, fmt.Sprintf("SELECT max(ts) FROM %s%s", table, clause), args...).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("max timestamp %s.%s: %w", tier, table, err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func (s *Postgres) SelectRange(ctx context.Context, tier Tier, table string, p Predicate, limit int) ([]Row, error) {
	clause, args := where(p)
	query := fmt.Sprintf("SELECT natural_key, exchange, symbol, ts, flags, payload FROM %s%s ORDER BY ts, natural_key", table, clause)
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.pool(tier).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s.%s: %w", tier, table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.NaturalKey, &r.Exchange, &r.Symbol, &r.Timestamp, &r.Flags, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", tier, table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CopyRange reads one batch from hot and writes it to cold with a single
// pipelined batch. Conflicting keys are skipped, so an interrupted copy is
// safe to repeat.
func (s *Postgres) CopyRange(ctx context.Context, table string, p Predicate, batch int) (int64, *Predicate, error) {
	rows, err := s.SelectRange(ctx, TierHot, table, p, batch)
	if err != nil {
		return 0, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}

	b := &pgx.Batch{}
	for _, r := range rows {
		flags := r.Flags
		if flags == nil {
			flags = []string{}
		}
		b.Queue(fmt.Sprintf(insertSQL, table),
			r.NaturalKey, r.Exchange, r.Symbol, r.Timestamp, flags, r.Payload)
	}

	br := s.cold.SendBatch(ctx, b)
	var written int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return written, nil, fmt.Errorf("copy into cold.%s: %w", table, err)
		}
		written += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return written, nil, fmt.Errorf("copy into cold.%s: %w", table, err)
	}

	if batch <= 0 || len(rows) < batch {
		return written, nil, nil
	}
	last := rows[len(rows)-1]
	next := p
	next.AfterTime, next.AfterKey = last.Timestamp, last.NaturalKey
	return written, &next, nil
}

func (s *Postgres) DeleteRange(ctx context.Context, tier Tier, table string, p Predicate) (int64, error) {
	clause, args := where(p)
	tag, err := s.pool(tier).Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", table, clause), args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s.%s: %w", tier, table, err)
	}
	return tag.RowsAffected(), nil
}

func lockKey(table string) int64 {
	h := fnv.New64a()
	h.Write([]byte("marketpipe:" + table))
	return int64(h.Sum64())
}

// AcquireTableLock takes a Postgres advisory lock on a connection pinned for
// the lifetime of the lock. Advisory locks are session scoped, so the
// connection cannot go back to the pool until release.
func (s *Postgres) AcquireTableLock(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.lockConns[table]; held {
		return ErrLockHeld
	}

	conn, err := s.hot.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock conn: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(table)).Scan(&got); err != nil {
		conn.Release()
		return fmt.Errorf("advisory lock %s: %w", table, err)
	}
	if !got {
		conn.Release()
		return ErrLockHeld
	}
	s.lockConns[table] = conn
	return nil
}

func (s *Postgres) ReleaseTableLock(ctx context.Context, table string) error {
	s.mu.Lock()
	conn, held := s.lockConns[table]
	delete(s.lockConns, table)
	s.mu.Unlock()
	if !held {
		return nil
	}
	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey(table))
	conn.Release()
	if err != nil {
		return fmt.Errorf("advisory unlock %s: %w", table, err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.mu.Lock()
	for table, conn := range s.lockConns {
		conn.Release()
		delete(s.lockConns, table)
	}
	s.mu.Unlock()
	s.hot.Close()
	s.cold.Close()
	s.log.Info("storage pools closed")
}
