package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore keeps one JSONB document per guild in the guild_settings table.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(dbx *sql.DB) *PostgresStore { return &PostgresStore{DB: dbx} }

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureRow(ctx context.Context, q queryer, guildID string) error {
	doc, err := json.Marshal(Defaults(guildID))
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO guild_settings (guild_id, doc) VALUES ($1, $2) ON CONFLICT (guild_id) DO NOTHING`,
		guildID, doc)
	if err != nil {
		return fmt.Errorf("insert default settings for %s: %w", guildID, err)
	}
	return nil
}

func decode(guildID string, raw []byte) (GuildSettings, error) {
	g := Defaults(guildID)
	if err := json.Unmarshal(raw, &g); err != nil {
		return GuildSettings{}, fmt.Errorf("decode settings for %s: %w", guildID, err)
	}
	g.GuildID = guildID
	return g, nil
}

func (p *PostgresStore) Get(ctx context.Context, guildID string) (GuildSettings, error) {
	if err := ensureRow(ctx, p.DB, guildID); err != nil {
		return GuildSettings{}, err
	}
	var raw []byte
	if err := p.DB.QueryRowContext(ctx, `SELECT doc FROM guild_settings WHERE guild_id = $1`, guildID).Scan(&raw); err != nil {
		return GuildSettings{}, fmt.Errorf("select settings for %s: %w", guildID, err)
	}
	return decode(guildID, raw)
}

func (p *PostgresStore) All(ctx context.Context) ([]GuildSettings, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT guild_id, doc FROM guild_settings ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("select all settings: %w", err)
	}
	defer rows.Close()
	var out []GuildSettings
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		g, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Update locks the guild row for the duration of fn so concurrent mutations serialize.
func (p *PostgresStore) Update(ctx context.Context, guildID string, fn func(*GuildSettings) error) (GuildSettings, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return GuildSettings{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureRow(ctx, tx, guildID); err != nil {
		return GuildSettings{}, err
	}
	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT doc FROM guild_settings WHERE guild_id = $1 FOR UPDATE`, guildID).Scan(&raw); err != nil {
		return GuildSettings{}, fmt.Errorf("lock settings for %s: %w", guildID, err)
	}
	cur, err := decode(guildID, raw)
	if err != nil {
		return GuildSettings{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.GuildID = guildID
	doc, err := json.Marshal(next)
	if err != nil {
		return cur, fmt.Errorf("encode settings for %s: %w", guildID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE guild_settings SET doc = $2, updated_at = NOW() WHERE guild_id = $1`, guildID, doc); err != nil {
		return cur, fmt.Errorf("update settings for %s: %w", guildID, err)
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("commit settings for %s: %w", guildID, err)
	}
	return next, nil
}
