package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/playhouselab/playhouse/internal/discovery/migrations"
	"github.com/playhouselab/playhouse/internal/mesh"
	"github.com/playhouselab/playhouse/internal/route"
)

// Postgres keeps membership in a server_info table: every refresh upserts
// the caller's row with a fresh heartbeat and reads back the rows still
// inside the TTL. Rows dead for ten TTLs are deleted along the way.
type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgres connects, pings and applies the registry migration. ttl <= 0
// takes the 10s default.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration) (*Postgres, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := runMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to registry database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging registry database: %w", err)
	}
	return &Postgres{pool: pool, ttl: ttl}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// UpdateServerInfo publishes self and returns every member whose heartbeat
// is inside the TTL.
func (p *Postgres) UpdateServerInfo(ctx context.Context, self mesh.ServerInfo) ([]mesh.ServerInfo, error) {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO server_info (server_id, server_type, service_id, address, state, weight, heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (server_id) DO UPDATE SET
			server_type = EXCLUDED.server_type,
			service_id  = EXCLUDED.service_id,
			address     = EXCLUDED.address,
			state       = EXCLUDED.state,
			weight      = EXCLUDED.weight,
			heartbeat   = now()`,
		self.ServerID, self.Type.String(), int32(self.ServiceID),
		self.Address, self.State.String(), self.Weight)
	if err != nil {
		return nil, fmt.Errorf("upserting server info for %q: %w", self.ServerID, err)
	}

	cutoff := time.Now().Add(-p.ttl)
	rows, err := p.pool.Query(ctx,
		`SELECT server_id, server_type, service_id, address, state, weight
		 FROM server_info WHERE heartbeat > $1
		 ORDER BY server_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying server registry: %w", err)
	}
	defer rows.Close()

	var out []mesh.ServerInfo
	for rows.Next() {
		var (
			info      mesh.ServerInfo
			typ       string
			serviceID int32
			state     string
		)
		if err := rows.Scan(&info.ServerID, &typ, &serviceID, &info.Address, &state, &info.Weight); err != nil {
			return nil, fmt.Errorf("scanning server info row: %w", err)
		}
		info.Type = route.ParseServerType(typ)
		info.ServiceID = uint16(serviceID)
		info.State = mesh.ParseState(state)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading server registry: %w", err)
	}

	// Давно умершие строки никому не нужны.
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM server_info WHERE heartbeat < $1`,
		time.Now().Add(-10*p.ttl)); err != nil {
		return nil, fmt.Errorf("pruning dead server rows: %w", err)
	}
	return out, nil
}

// runMigrations applies the embedded goose scripts over database/sql; pgx
// pools cannot drive goose directly.
func runMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running registry migrations: %w", err)
	}
	return nil
}
