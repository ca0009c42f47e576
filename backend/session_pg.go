package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/haroldDOTsh/fulcrum/backend/migrations"
)

// PGSessionStore is the PostgreSQL SessionStore, used when sessions must
// survive backend restarts.
type PGSessionStore struct {
	pool *pgxpool.Pool
}

// NewPGSessionStore connects to PostgreSQL, runs pending migrations and
// returns the store.
func NewPGSessionStore(ctx context.Context, dsn string) (*PGSessionStore, error) {
	if err := runMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PGSessionStore{pool: pool}, nil
}

// runMigrations applies the embedded goose migrations. goose needs a
// *sql.DB, so a throwaway stdlib connection is used.
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
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Link(ctx context.Context, record *SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO player_sessions
		   (session_id, player_id, server_id, segments, last_slot_id, client_protocol_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (player_id) DO UPDATE SET
		   session_id = EXCLUDED.session_id,
		   server_id = EXCLUDED.server_id,
		   segments = EXCLUDED.segments,
		   last_slot_id = EXCLUDED.last_slot_id,
		   client_protocol_version = EXCLUDED.client_protocol_version,
		   updated_at = now()`,
		record.SessionID, record.PlayerID, record.ServerID, record.Segments,
		record.LastSlotID, record.ClientProtocolVersion,
	)
	if err != nil {
		return fmt.Errorf("linking session for player %q: %w", record.PlayerID, err)
	}
	return nil
}

func (s *PGSessionStore) Resume(ctx context.Context, playerID string) (*SessionRecord, error) {
	var record SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, player_id, server_id, segments, last_slot_id,
		        client_protocol_version, created_at, updated_at
		 FROM player_sessions WHERE player_id = $1`, playerID,
	).Scan(&record.SessionID, &record.PlayerID, &record.ServerID, &record.Segments,
		&record.LastSlotID, &record.ClientProtocolVersion, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying session for player %q: %w", playerID, err)
	}
	return &record, nil
}

func (s *PGSessionStore) AppendSegment(ctx context.Context, playerID, slotID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE player_sessions
		 SET segments = array_append(segments, $1), last_slot_id = $1, updated_at = now()
		 WHERE player_id = $2`,
		slotID, playerID,
	)
	if err != nil {
		return fmt.Errorf("appending segment for player %q: %w", playerID, err)
	}
	return nil
}

func (s *PGSessionStore) Unlink(ctx context.Context, playerID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM player_sessions WHERE player_id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("unlinking session for player %q: %w", playerID, err)
	}
	return nil
}

func (s *PGSessionStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM player_sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGSessionStore) Close() error {
	s.pool.Close()
	return nil
}
